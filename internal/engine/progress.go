package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// RunState is the orchestrator's state machine position for one job.
type RunState string

const (
	StatePending     RunState = "pending"
	StateNormalizing RunState = "normalizing"
	StateMatching    RunState = "matching"
	StateClassifying RunState = "classifying"
	StateCompleted   RunState = "completed"
	StateFailed      RunState = "failed"
	StateCancelled   RunState = "cancelled"
)

// IsTerminal reports whether no further transitions can occur.
func (s RunState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Progress is one progress event, emitted on every state transition and
// on count updates within a stage.
type Progress struct {
	EventID         string   `json:"eventId"`
	JobID           string   `json:"jobId"`
	State           RunState `json:"state"`
	PercentComplete float64  `json:"percentComplete"`

	TotalRows       int `json:"totalRows"`
	NormalizedRows  int `json:"normalizedRows"`
	SkippedRows     int `json:"skippedRows"`
	MatchesFound    int `json:"matchesFound"`
	ExceptionsFound int `json:"exceptionsFound"`

	EmittedAt time.Time `json:"emittedAt"`
}

// progressHub fans progress events out to per-job subscribers. Delivery is
// fire-and-forget over bounded buffers: a slow or disconnected subscriber
// loses events but never blocks the run.
type progressHub struct {
	mu      sync.RWMutex
	subs    map[string]map[int]chan Progress
	nextSub int
	buffer  int
}

func newProgressHub(buffer int) *progressHub {
	if buffer <= 0 {
		buffer = 64
	}

	return &progressHub{
		subs:   make(map[string]map[int]chan Progress),
		buffer: buffer,
	}
}

// Subscribe registers a listener for one job's events. The returned cancel
// function detaches the subscriber; detaching mid-run does not affect run
// progress.
func (h *progressHub) Subscribe(jobID string) (<-chan Progress, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[int]chan Progress)
	}

	id := h.nextSub
	h.nextSub++

	ch := make(chan Progress, h.buffer)
	h.subs[jobID][id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		if sub, ok := h.subs[jobID][id]; ok {
			delete(h.subs[jobID], id)
			close(sub)
		}
	}

	return ch, cancel
}

// Publish delivers an event to every subscriber of the job, dropping it
// for subscribers whose buffer is full.
func (h *progressHub) Publish(ev Progress) {
	ev.EventID = uuid.NewString()
	ev.EmittedAt = time.Now().UTC()

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subs[ev.JobID] {
		select {
		case ch <- ev:
		default:
			// Subscriber not keeping up; drop rather than block the run.
		}
	}
}

// Close detaches and closes every subscriber of a finished job.
func (h *progressHub) Close(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.subs[jobID] {
		delete(h.subs[jobID], id)
		close(ch)
	}
	delete(h.subs, jobID)
}
