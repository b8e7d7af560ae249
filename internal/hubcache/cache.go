// Package hubcache inspects the on-disk model weight cache shared with
// the hub fetch tooling. It answers readiness questions without invoking
// any network logic.
package hubcache

import (
	"os"
	"path/filepath"
	"strings"
)

// Weight files smaller than this are treated as partial downloads.
const minWeightSize = 1_000_000

// weightExts is the known weight-file extension set.
var weightExts = []string{".pt", ".bin", ".safetensors", ".onnx"}

// CacheRoot resolves the local cache root directory. HF_HOME and
// XDG_CACHE_HOME overrides are honored in that order, then the
// platform default under the user's home directory.
func CacheRoot() string {
	if hfHome := os.Getenv("HF_HOME"); hfHome != "" {
		return filepath.Join(hfHome, "hub")
	}
	if xdgCache := os.Getenv("XDG_CACHE_HOME"); xdgCache != "" {
		return filepath.Join(xdgCache, "huggingface", "hub")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".cache", "huggingface", "hub")
}

// RepoDirName derives the on-disk directory name for a repository
// identifier ("org/name" becomes "models--org--name").
func RepoDirName(repoID string) string {
	return "models--" + strings.ReplaceAll(repoID, "/", "--")
}

// Checker reports whether required weight artifacts are cached.
type Checker struct {
	root string
}

// NewChecker builds a checker over the default cache root.
func NewChecker() *Checker {
	return &Checker{root: CacheRoot()}
}

// NewCheckerAt builds a checker over an explicit cache root.
func NewCheckerAt(root string) *Checker {
	return &Checker{root: root}
}

// Root returns the cache root the checker inspects.
func (c *Checker) Root() string {
	return c.root
}

// IsReady reports whether a repository is cached with actual payload.
//
// Directory shape alone is not sufficient: a cancelled download leaves an
// empty-shell directory (refs and snapshots present, no weights) that
// would hang model loading later. A repository is ready only when some
// snapshot contains at least one weight file of non-trivial size.
func (c *Checker) IsReady(repoID string) bool {
	repoDir := filepath.Join(c.root, RepoDirName(repoID))
	if !isDir(repoDir) {
		return false
	}

	snapshotsDir := filepath.Join(repoDir, "snapshots")
	entries, err := os.ReadDir(snapshotsDir)
	if err != nil {
		return false
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if containsWeightFile(filepath.Join(snapshotsDir, entry.Name())) {
			return true
		}
	}

	return false
}

// Missing returns the subset of repoIDs that are not ready, in input order.
func (c *Checker) Missing(repoIDs []string) []string {
	var missing []string
	for _, id := range repoIDs {
		if !c.IsReady(id) {
			missing = append(missing, id)
		}
	}
	return missing
}

// containsWeightFile walks a snapshot directory looking for at least one
// sufficiently large weight file.
func containsWeightFile(dir string) bool {
	found := false
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || found || d.IsDir() {
			return nil
		}
		if !hasWeightExt(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.Size() >= minWeightSize {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	return found
}

func hasWeightExt(name string) bool {
	for _, ext := range weightExts {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
