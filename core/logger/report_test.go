package logger

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleLog = `{"type":"job_created","job_id":1,"command":"ls","exit_code":0}
{"type":"process_spawned","job_id":1,"pgid":10,"pid":10,"command":"ls","exit_code":0}
{"type":"job_done","job_id":1,"pgid":10,"command":"ls","exit_code":0}
{"type":"job_created","job_id":2,"command":"nope","exit_code":0}
{"type":"spawn_failed","job_id":2,"command":"nope","exit_code":127,"error":"executable file not found"}
{"type":"job_done","job_id":2,"command":"nope","exit_code":127}
{"type":"job_created","job_id":3,"command":"sleep 5","exit_code":0}
{"type":"job_stopped","job_id":3,"pgid":30,"command":"sleep 5","exit_code":0}
{"type":"job_continued","job_id":3,"pgid":30,"command":"sleep 5","exit_code":0}
{"type":"job_done","job_id":3,"pgid":30,"command":"sleep 5","exit_code":-1}
{"type":"job_created","job_id":4,"command":"ls","exit_code":0}
{"type":"job_done","job_id":4,"pgid":40,"command":"ls","exit_code":0}
`

func TestReport(t *testing.T) {
	report := NewReport()
	require.NoError(t, ReadJSONLinesLog(strings.NewReader(sampleLog), report.Update))

	assert.Equal(t, 4, report.Events.Get(string(JobCreated)))
	assert.Equal(t, 2, report.ExitCodes.Get("ls", "0"))

	out, err := json.MarshalIndent(report, "", "  ")
	require.NoError(t, err)
	out = append(out, '\n')

	g := goldie.New(
		t,
		goldie.WithFixtureDir(filepath.Join("testdata", "golden")),
		goldie.WithDiffEngine(goldie.ColoredDiff),
		goldie.WithTestNameForDir(true),
	)
	g.Assert(t, "report", out)
}

func TestReport_empty(t *testing.T) {
	out, err := json.Marshal(NewReport())
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"log_entries": 0,
		"events": {},
		"commands": [],
		"exit_codes": [],
		"spawn_failures": [],
		"stops": 0
	}`, string(out))
}

func TestReadJSONLinesLog_invalid(t *testing.T) {
	var count int
	err := ReadJSONLinesLog(strings.NewReader("{\"type\":\"job_done\"}\nnot json\n"), func(*Event) { count++ })
	assert.Error(t, err)
	assert.Equal(t, 1, count)
}

func TestPathCounter_wrongColumns(t *testing.T) {
	ctr := NewPathCounter("a", "b")
	assert.Panics(t, func() { ctr.Increment("only one") })
}

func TestRecorder(t *testing.T) {
	buf := &bytes.Buffer{}
	fixed := time.Date(2021, 7, 1, 0, 0, 0, 0, time.UTC)
	rec := NewJSONLinesRecorder(buf, func() time.Time { return fixed })

	require.NoError(t, rec.Record(Event{Type: JobDone, JobID: 1, PGID: 10, Command: "ls"}))
	require.NoError(t, rec.Record(Event{
		Time:     fixed.Add(time.Second),
		Type:     SpawnFailed,
		JobID:    2,
		Command:  "nope",
		ExitCode: 127,
		Error:    "not found",
	}))

	assert.Equal(t,
		`{"time":"2021-07-01T00:00:00Z","type":"job_done","job_id":1,"pgid":10,"command":"ls","exit_code":0}`+"\n"+
			`{"time":"2021-07-01T00:00:01Z","type":"spawn_failed","job_id":2,"command":"nope","exit_code":127,"error":"not found"}`+"\n",
		buf.String())

	var events []Event
	require.NoError(t, ReadJSONLinesLog(buf, func(e *Event) { events = append(events, *e) }))
	require.Len(t, events, 2)
	assert.True(t, fixed.Equal(events[0].Time))
	assert.Equal(t, SpawnFailed, events[1].Type)
}
