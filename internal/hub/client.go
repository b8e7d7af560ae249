// Package hub fetches model repository snapshots into the shared on-disk
// weight cache. It is the transfer collaborator of the downloader; the
// serving process never imports it.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lightvoice/sidecar/internal/hubcache"
)

// ProgressFunc receives cumulative transferred and total byte counts.
// Total is 0 when the repository metadata does not expose file sizes.
type ProgressFunc func(downloaded, total int64)

// downloadConcurrency caps parallel file transfers per snapshot.
const downloadConcurrency = 4

// Client downloads repository snapshots over HTTP.
type Client struct {
	baseURL    string
	cacheRoot  string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the hub endpoint (tests point this at a local server).
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithCacheRoot overrides the cache root directory.
func WithCacheRoot(root string) Option {
	return func(c *Client) {
		c.cacheRoot = root
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient builds a snapshot fetch client against the public hub.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:   "https://huggingface.co",
		cacheRoot: hubcache.CacheRoot(),
		httpClient: &http.Client{
			Timeout: 30 * time.Minute,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// repoInfo is the subset of the model-info API response the client needs.
type repoInfo struct {
	SHA      string    `json:"sha"`
	Siblings []sibling `json:"siblings"`
}

type sibling struct {
	Rfilename string   `json:"rfilename"`
	Size      int64    `json:"size,omitempty"`
	LFS       *lfsInfo `json:"lfs,omitempty"`
}

type lfsInfo struct {
	Size int64 `json:"size"`
}

// Snapshot downloads every model file of a repository revision into the
// cache layout, reporting byte-level progress as files transfer.
// An empty revision resolves to the repository default branch.
func (c *Client) Snapshot(ctx context.Context, repoID, revision string, progress ProgressFunc) error {
	info, err := c.repoInfo(ctx, repoID, revision)
	if err != nil {
		return err
	}

	files := snapshotFiles(info.Siblings)
	if len(files) == 0 {
		return fmt.Errorf("no downloadable model files in %s", repoID)
	}

	var total int64
	for _, f := range files {
		total += fileSize(f)
	}

	snapshotName := info.SHA
	if snapshotName == "" {
		snapshotName = "main"
	}
	snapshotDir := filepath.Join(c.cacheRoot, hubcache.RepoDirName(repoID), "snapshots", snapshotName)
	if err := os.MkdirAll(snapshotDir, 0o755); err != nil {
		return fmt.Errorf("creating snapshot dir: %w", err)
	}

	var downloaded atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(downloadConcurrency)

	for _, f := range files {
		f := f
		g.Go(func() error {
			dest := filepath.Join(snapshotDir, filepath.FromSlash(f.Rfilename))
			return c.downloadFile(gctx, repoID, revision, f.Rfilename, dest, func(n int64) {
				if progress != nil {
					progress(downloaded.Add(n), total)
				}
			})
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	if err := c.writeRef(repoID, revision, snapshotName); err != nil {
		return err
	}

	if progress != nil {
		progress(downloaded.Load(), total)
	}
	return nil
}

// repoInfo fetches repository metadata for a revision.
func (c *Client) repoInfo(ctx context.Context, repoID, revision string) (*repoInfo, error) {
	endpoint := fmt.Sprintf("%s/api/models/%s", c.baseURL, repoID)
	if revision != "" {
		endpoint = fmt.Sprintf("%s/revision/%s", endpoint, url.PathEscape(revision))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching repo info for %s: %w", repoID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("repo info for %s: HTTP %d", repoID, resp.StatusCode)
	}

	var info repoInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decoding repo info for %s: %w", repoID, err)
	}
	return &info, nil
}

// downloadFile streams one file to disk, writing to a temp file first and
// renaming on success so partial transfers never look complete.
func (c *Client) downloadFile(ctx context.Context, repoID, revision, filename, dest string, onBytes func(int64)) error {
	rev := revision
	if rev == "" {
		rev = "main"
	}
	endpoint := fmt.Sprintf("%s/%s/resolve/%s/%s", c.baseURL, repoID, url.PathEscape(rev), filename)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading %s: HTTP %d", filename, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating dir for %s: %w", filename, err)
	}

	tmpPath := dest + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", filename, err)
	}

	_, err = io.Copy(&countingWriter{w: f, onBytes: onBytes}, resp.Body)
	closeErr := f.Close()
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("writing %s: %w", filename, err)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing %s: %w", filename, closeErr)
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("moving %s into place: %w", filename, err)
	}
	return nil
}

// writeRef records which snapshot a revision resolved to.
func (c *Client) writeRef(repoID, revision, snapshotName string) error {
	refName := revision
	if refName == "" {
		refName = "main"
	}
	refsDir := filepath.Join(c.cacheRoot, hubcache.RepoDirName(repoID), "refs")
	if err := os.MkdirAll(refsDir, 0o755); err != nil {
		return fmt.Errorf("creating refs dir: %w", err)
	}
	// Pinned revisions may contain slashes; flatten them for the ref file.
	refName = strings.ReplaceAll(refName, "/", "_")
	return os.WriteFile(filepath.Join(refsDir, refName), []byte(snapshotName), 0o644)
}

// snapshotFiles selects weight files, falling back to config/tokenizer
// files for repositories that ship no recognized weights.
func snapshotFiles(siblings []sibling) []sibling {
	var weights []sibling
	for _, s := range siblings {
		switch filepath.Ext(s.Rfilename) {
		case ".pt", ".pth", ".bin", ".safetensors", ".onnx", ".gguf":
			weights = append(weights, s)
		}
	}
	if len(weights) == 0 {
		return nil
	}

	for _, s := range siblings {
		name := s.Rfilename
		if strings.HasSuffix(name, ".json") || strings.Contains(name, "tokenizer") ||
			strings.HasSuffix(name, ".txt") || strings.HasSuffix(name, ".yaml") {
			weights = append(weights, s)
		}
	}
	return weights
}

func fileSize(s sibling) int64 {
	if s.LFS != nil {
		return s.LFS.Size
	}
	return s.Size
}

// countingWriter forwards writes and reports byte counts.
type countingWriter struct {
	w       io.Writer
	onBytes func(int64)
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	if n > 0 && cw.onBytes != nil {
		cw.onBytes(int64(n))
	}
	return n, err
}
