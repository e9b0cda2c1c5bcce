package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	subscriberBuffer = 16
	keepAlive        = 30 * time.Second
)

// ProgressEvent is the payload of one SSE frame.
type ProgressEvent struct {
	JobID           string    `json:"jobId"`
	State           JobState  `json:"state"`
	Iterations      int       `json:"iterations"`
	BestLikelihood  float64   `json:"bestLikelihood"`
	StaleRounds     int       `json:"staleRounds"`
	Nodes           int       `json:"nodes"`
	RoundsPerSecond float64   `json:"roundsPerSecond"`
	Timestamp       time.Time `json:"timestamp"`
}

func newProgressEvent(job Job, rps float64) ProgressEvent {
	return ProgressEvent{
		JobID:           job.ID,
		State:           job.State,
		Iterations:      job.Iterations,
		BestLikelihood:  job.BestLikelihood,
		StaleRounds:     job.StaleRounds,
		Nodes:           job.Nodes,
		RoundsPerSecond: rps,
		Timestamp:       time.Now(),
	}
}

// name is the SSE event type: "progress" while the climb runs, then the
// terminal state.
func (e ProgressEvent) name() string {
	if e.State.Terminal() {
		return string(e.State)
	}
	return "progress"
}

// topic holds the subscribers of one job and the most recent event, which
// is replayed to anyone joining late.
type topic struct {
	subs map[chan ProgressEvent]struct{}
	last *ProgressEvent
}

// progressHub fans job progress out to SSE subscribers. Slow subscribers
// lose events rather than stall the publisher.
type progressHub struct {
	mu     sync.Mutex
	topics map[string]*topic
}

func newProgressHub() *progressHub {
	return &progressHub{topics: make(map[string]*topic)}
}

func (h *progressHub) topicLocked(jobID string) *topic {
	t, ok := h.topics[jobID]
	if !ok {
		t = &topic{subs: make(map[chan ProgressEvent]struct{})}
		h.topics[jobID] = t
	}
	return t
}

// Subscribe registers a listener for jobID. The returned func removes it
// and must be called once the caller stops reading.
func (h *progressHub) Subscribe(jobID string) (<-chan ProgressEvent, func()) {
	ch := make(chan ProgressEvent, subscriberBuffer)

	h.mu.Lock()
	t := h.topicLocked(jobID)
	t.subs[ch] = struct{}{}
	if t.last != nil {
		ch <- *t.last
	}
	n := len(t.subs)
	h.mu.Unlock()

	slog.Debug("Stream subscriber added", "job_id", jobID, "subscribers", n)

	var once sync.Once
	return ch, func() {
		once.Do(func() { h.drop(jobID, ch) })
	}
}

func (h *progressHub) drop(jobID string, ch chan ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[jobID]
	if !ok {
		return
	}
	if _, ok := t.subs[ch]; !ok {
		return
	}
	delete(t.subs, ch)
	close(ch)
	if len(t.subs) == 0 && (t.last == nil || t.last.State.Terminal()) {
		delete(h.topics, jobID)
	}
}

// Publish records ev as the latest state of its job and offers it to every
// subscriber. A topic is forgotten once its job has ended and nobody is
// listening.
func (h *progressHub) Publish(ev ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t := h.topicLocked(ev.JobID)
	t.last = &ev
	dropped := 0
	for ch := range t.subs {
		select {
		case ch <- ev:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		slog.Warn("Stream subscribers lagging, event dropped", "job_id", ev.JobID, "iteration", ev.Iterations, "dropped", dropped)
	}
	if ev.State.Terminal() && len(t.subs) == 0 {
		delete(h.topics, ev.JobID)
	}
}

// Close ends every stream of jobID and forgets its last event.
func (h *progressHub) Close(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[jobID]
	if !ok {
		return
	}
	for ch := range t.subs {
		close(ch)
	}
	delete(h.topics, jobID)
}

// handleJobStream serves GET /api/v1/jobs/{id}/stream. The first frame is
// the current job state; the stream ends after a terminal frame.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request, jobID string) {
	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")

	events, unsubscribe := s.jobManager.hub.Subscribe(jobID)
	defer unsubscribe()

	send := func(ev ProgressEvent) bool {
		if err := writeFrame(w, ev); err != nil {
			slog.Warn("Stream write failed", "job_id", jobID, "error", err)
			return false
		}
		flusher.Flush()
		return !ev.State.Terminal()
	}

	if !send(newProgressEvent(job, 0)) {
		return
	}

	ping := time.NewTicker(keepAlive)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			slog.Debug("Stream client gone", "job_id", jobID)
			return
		case ev, open := <-events:
			if !open || !send(ev) {
				return
			}
		case <-ping.C:
			io.WriteString(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

// writeFrame emits one named SSE event with the round number as its id.
func writeFrame(w io.Writer, ev ProgressEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode progress event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", ev.name(), ev.Iterations, payload)
	return err
}
