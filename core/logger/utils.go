package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// EventType names a job lifecycle event.
type EventType string

const (
	JobCreated     EventType = "job_created"
	ProcessSpawned EventType = "process_spawned"
	SpawnFailed    EventType = "spawn_failed"
	RedirectFailed EventType = "redirect_failed"
	JobStopped     EventType = "job_stopped"
	JobContinued   EventType = "job_continued"
	JobDone        EventType = "job_done"
)

// Event is a single line in the event log.
type Event struct {
	Time    time.Time `json:"time"`
	Type    EventType `json:"type"`
	JobID   int       `json:"job_id"`
	PGID    int       `json:"pgid,omitempty"`
	PID     int       `json:"pid,omitempty"`
	Command string    `json:"command,omitempty"`
	// ExitCode is only meaningful for job_done and spawn_failed.
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
}

// EventRecorder stores events in an external datastore.
type EventRecorder interface {
	Record(event Event) error
}

// Nop discards all events.
type Nop struct{}

// Record implements EventRecorder.
func (Nop) Record(Event) error {
	return nil
}

var _ EventRecorder = Nop{}

// Recorder captures job events as newline delimited JSON objects.
type Recorder struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

var _ EventRecorder = (*Recorder)(nil)

// NewJSONLinesRecorder creates a Recorder that exports events in newline
// delimited JSON object format.
func NewJSONLinesRecorder(w io.Writer, timeSource func() time.Time) *Recorder {
	if timeSource == nil {
		timeSource = time.Now
	}
	return &Recorder{w: w, now: timeSource}
}

// Record implements EventRecorder, stamping the event if it has no time.
func (r *Recorder) Record(event Event) error {
	if event.Time.IsZero() {
		event.Time = r.now()
	}

	entry, err := json.Marshal(event)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	_, err = fmt.Fprintln(r.w, string(entry))
	return err
}
