package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

// ReadJSONLinesLog parses a newline delimited JSON log.
func ReadJSONLinesLog(r io.Reader, handler func(event *Event)) error {
	decoder := json.NewDecoder(r)
	for decoder.More() {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			return err
		}

		handler(&event)
	}
	return nil
}

// NewReport creates an empty report.
func NewReport() *Report {
	return &Report{
		Commands:      NewPathCounter("command"),
		ExitCodes:     NewPathCounter("command", "exit_code"),
		SpawnFailures: NewPathCounter("command", "error"),
	}
}

// Report holds statistics about the logged job events.
type Report struct {
	LogEntries int        `json:"log_entries"`
	Events     StrCounter `json:"events"`

	// Commands counts the command lines that created jobs.
	Commands *PathCounter `json:"commands"`
	// ExitCodes counts the final status of finished jobs.
	ExitCodes *PathCounter `json:"exit_codes"`
	// SpawnFailures counts programs that could not be started.
	SpawnFailures *PathCounter `json:"spawn_failures"`
	// Stops is the number of times a job was stopped from the terminal.
	Stops int `json:"stops"`
}

// Update adds the event to the report.
func (r *Report) Update(event *Event) {
	r.LogEntries++
	r.Events.Increment(string(event.Type))

	switch event.Type {
	case JobCreated:
		r.Commands.Increment(event.Command)
	case JobDone:
		r.ExitCodes.Increment(event.Command, fmt.Sprintf("%d", event.ExitCode))
	case SpawnFailed:
		r.SpawnFailures.Increment(event.Command, event.Error)
	case JobStopped:
		r.Stops++
	}
}

// StrCounter counts the number of strings seen.
type StrCounter struct {
	internal map[string]int
}

// Increment adds one to the given key.
func (s *StrCounter) Increment(toAdd string) {
	if s.internal == nil {
		s.internal = make(map[string]int)
	}

	s.internal[toAdd]++
}

// Get returns the count for the key.
func (s *StrCounter) Get(key string) int {
	return s.internal[key]
}

// MarshalJSON implemnts custom JSON marshaler.
func (s StrCounter) MarshalJSON() ([]byte, error) {
	if s.internal == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(s.internal)
}

func NewPathCounter(cols ...string) *PathCounter {
	return &PathCounter{
		cols:     cols,
		internal: make(map[string]int),
	}
}

// PathCounter counts the number of times a tuple of strings was seen.
type PathCounter struct {
	cols     []string
	internal map[string]int
}

// Increment adds one to the given key.
func (ctr *PathCounter) Increment(toAdd ...string) {
	if len(toAdd) != len(ctr.cols) {
		panic("wrong number of columns to add")
	}

	ctr.internal[toKey(toAdd...)]++
}

// Get returns the count for the tuple.
func (ctr *PathCounter) Get(vals ...string) int {
	return ctr.internal[toKey(vals...)]
}

// MarshalJSON implemnts custom JSON marshaler.
func (ctr *PathCounter) MarshalJSON() ([]byte, error) {
	type Count struct {
		Count  int               `json:"count"`
		Fields map[string]string `json:"event"`
		Path   string            `json:"-"`
	}

	out := []Count{}
	for k, v := range ctr.internal {
		count := Count{
			Count:  v,
			Path:   k,
			Fields: make(map[string]string),
		}

		splitPath := fromKey(k)
		for colNum, colVal := range ctr.cols {
			count.Fields[colVal] = splitPath[colNum]
		}

		out = append(out, count)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count == out[j].Count {
			return out[i].Path < out[j].Path
		}
		return out[i].Count > out[j].Count
	})

	return json.Marshal(out)
}

func toKey(vals ...string) string {
	key, _ := json.Marshal(vals)
	return string(key)
}

func fromKey(key string) (out []string) {
	json.Unmarshal([]byte(key), &out)
	return
}
