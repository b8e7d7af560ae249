// Package download drives model fetching with aggregated progress
// reporting. Events are emitted as JSON lines so a supervising process
// can render a single progress indicator across several models.
package download

import (
	"math"
	"sync"
)

// Stage identifies the lifecycle phase of a progress event.
const (
	StageDownloading = "downloading"
	StageCompleted   = "completed"
	StageError       = "error"
)

// Event is one progress line. Model carries the model-type tag (asr,
// vad, punc), not the repository name; human-readable detail goes in
// Message.
type Event struct {
	Stage           string  `json:"stage"`
	Model           string  `json:"model"`
	Progress        float64 `json:"progress"`
	OverallProgress float64 `json:"overall_progress"`
	Completed       int     `json:"completed"`
	Total           int     `json:"total"`
	Error           string  `json:"error,omitempty"`
	Message         string  `json:"message,omitempty"`
}

// Tracker aggregates per-model percentages into an overall figure. The
// overall percentage is the mean over ALL models in the plan, so models
// not yet started weigh in at zero and the figure never regresses when
// a new model begins.
type Tracker struct {
	mu        sync.Mutex
	percents  map[string]float64
	pinned    map[string]bool
	completed int
	total     int
}

// NewTracker builds a tracker for a fixed plan size.
func NewTracker(total int) *Tracker {
	return &Tracker{
		percents: make(map[string]float64, total),
		pinned:   make(map[string]bool, total),
		total:    total,
	}
}

// Update records a model's in-flight percentage. Updates after the
// model was pinned are ignored; stray progress callbacks must not
// reanimate a finished bar.
func (t *Tracker) Update(model string, percent float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pinned[model] {
		return
	}
	t.percents[model] = clamp(percent)
}

// Complete pins a model at one hundred percent and counts it finished.
func (t *Tracker) Complete(model string) {
	t.pin(model, 100)
}

// Fail pins a failed model at zero percent. A failed model still counts
// toward the finished tally; the plan is over for it either way.
func (t *Tracker) Fail(model string) {
	t.pin(model, 0)
}

func (t *Tracker) pin(model string, percent float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pinned[model] {
		return
	}
	t.pinned[model] = true
	t.percents[model] = percent
	t.completed++
}

// Percent returns a model's current percentage.
func (t *Tracker) Percent(model string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.percents[model]
}

// Overall returns the mean percentage over the whole plan, rounded to
// one decimal place.
func (t *Tracker) Overall() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.total == 0 {
		return 0
	}
	var sum float64
	for _, p := range t.percents {
		sum += p
	}
	return math.Round(sum/float64(t.total)*10) / 10
}

// Completed returns how many models finished, successfully or not.
func (t *Tracker) Completed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed
}

// Total returns the plan size.
func (t *Tracker) Total() int {
	return t.total
}

// Snapshot builds an event for a model at its current percentages.
func (t *Tracker) Snapshot(stage, model string) Event {
	return Event{
		Stage:           stage,
		Model:           model,
		Progress:        t.Percent(model),
		OverallProgress: t.Overall(),
		Completed:       t.Completed(),
		Total:           t.total,
	}
}

func clamp(percent float64) float64 {
	if percent < 0 {
		return 0
	}
	if percent > 100 {
		return 100
	}
	return percent
}
