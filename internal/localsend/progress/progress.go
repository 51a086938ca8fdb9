// Package progress keeps the per-file completion fraction of the running
// transfer. Uploads write it, the session and any UI read it.
package progress

import "sync"

type Tracker struct {
	mu       sync.RWMutex
	progress map[string]float64
}

func NewTracker() *Tracker {
	return &Tracker{
		progress: make(map[string]float64),
	}
}

// Set stores the fraction for fileId, clamped to [0, 1].
func (t *Tracker) Set(fileId string, fraction float64) {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.progress[fileId] = fraction
}

// Get returns the fraction for fileId, 0 when nothing was reported yet.
func (t *Tracker) Get(fileId string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.progress[fileId]
}

// Done reports whether fileId reached exactly 1.
func (t *Tracker) Done(fileId string) bool {
	return t.Get(fileId) == 1
}

func (t *Tracker) Snapshot() map[string]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	res := make(map[string]float64, len(t.progress))
	for k, v := range t.progress {
		res[k] = v
	}
	return res
}

// Reset forgets every entry. Called whenever a new session starts.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	clear(t.progress)
}
