package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTranscript(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "abc-123.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644))
	return path
}

const (
	entryUserHello        = `{"type":"user","sessionId":"abc-123","gitBranch":"main","cwd":"/repo","message":{"role":"user","content":"fix the login bug"}}`
	entryAssistantText    = `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"done"}],"usage":{"input_tokens":120,"cache_read_input_tokens":8000,"output_tokens":40}}}`
	entryAssistantToolUse = `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"running it"},{"type":"tool_use","name":"Bash","input":{"command":"ls"}}],"usage":{"input_tokens":200,"output_tokens":15}}}`
	entrySummary          = `{"type":"summary","summary":"earlier work"}`
	entrySnapshot         = `{"type":"file-history-snapshot","snapshot":{}}`
	entryProgress         = `{"type":"progress","data":{}}`
	entryCompact          = `{"type":"system","subtype":"compact_boundary","message":"compacted"}`
	entryResult           = `{"type":"result","result":"ok"}`
)

func TestDetectTailStatus(t *testing.T) {
	tests := []struct {
		name     string
		lines    []string
		want     Status
		wantTool string
	}{
		{
			name:     "assistant ending in tool_use is awaiting",
			lines:    []string{entryUserHello, entryAssistantToolUse},
			want:     StatusAwaiting,
			wantTool: "Bash",
		},
		{
			name:  "assistant without pending tool is idle",
			lines: []string{entryUserHello, entryAssistantText},
			want:  StatusIdle,
		},
		{
			name:  "user entry last means working",
			lines: []string{entryAssistantText, entryUserHello},
			want:  StatusWorking,
		},
		{
			name:  "compact boundary is idle",
			lines: []string{entryUserHello, entryCompact},
			want:  StatusIdle,
		},
		{
			name:  "result entry is idle",
			lines: []string{entryUserHello, entryResult},
			want:  StatusIdle,
		},
		{
			name:     "bookkeeping padding is skipped",
			lines:    []string{entryAssistantToolUse, entrySummary, entrySnapshot, entryProgress},
			want:     StatusAwaiting,
			wantTool: "Bash",
		},
		{
			name:  "only bookkeeping defaults to active",
			lines: []string{entrySummary, entryProgress},
			want:  StatusActive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTranscript(t, tt.lines...)
			st := DetectTailStatus(path)
			assert.Equal(t, tt.want, st.Status)
			assert.Equal(t, tt.wantTool, st.ToolName)
		})
	}
}

func TestDetectTailStatusUnreadableFile(t *testing.T) {
	st := DetectTailStatus(filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.Equal(t, StatusActive, st.Status)
}

func TestDetectTailStatusLargeFileReadsOnlyTail(t *testing.T) {
	// Pad well past the tail window with noise, then end in a pending
	// tool use. The big prefix must not affect classification.
	lines := make([]string, 0, 3000)
	filler := `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"` +
		strings.Repeat("x", 100) + `"}]}}`
	for i := 0; i < 2000; i++ {
		lines = append(lines, filler)
	}
	lines = append(lines, entryAssistantToolUse, entrySummary)

	st := DetectTailStatus(writeTranscript(t, lines...))
	assert.Equal(t, StatusAwaiting, st.Status)
	assert.Equal(t, "Bash", st.ToolName)
}

func TestDetectTailStatusGarbageLines(t *testing.T) {
	st := DetectTailStatus(writeTranscript(t, entryAssistantToolUse, "not json at all {{{"))
	assert.Equal(t, StatusAwaiting, st.Status)
}

func TestDetectTailMode(t *testing.T) {
	plan := `{"type":"user","permissionMode":"plan","message":{"content":"x"}}`
	def := `{"type":"user","permissionMode":"default","message":{"content":"x"}}`

	assert.Equal(t, ModePlanning, DetectTailMode(writeTranscript(t, entryUserHello, plan)))
	assert.Equal(t, ModeExecution, DetectTailMode(writeTranscript(t, plan, def)))
	assert.Equal(t, ModeUnknown, DetectTailMode(writeTranscript(t, entryAssistantText)))
}

func TestScanTranscriptHead(t *testing.T) {
	meta := scanTranscriptHead(writeTranscript(t, entryUserHello, entryAssistantText))
	assert.Equal(t, "abc-123", meta.SessionID)
	assert.Equal(t, "main", meta.GitBranch)
	assert.Equal(t, "fix the login bug", meta.Title)
}

func TestScanTranscriptHeadSkipsCommandMarkers(t *testing.T) {
	marker := `{"type":"user","sessionId":"abc-123","message":{"content":"<command-name>/clear</command-name>"}}`
	real := `{"type":"user","message":{"content":"write tests for the parser"}}`

	meta := scanTranscriptHead(writeTranscript(t, marker, real))
	assert.Equal(t, "abc-123", meta.SessionID)
	assert.Equal(t, "write tests for the parser", meta.Title)
}

func TestScanTranscriptHeadTitleTruncatesOnRuneBoundary(t *testing.T) {
	long := strings.Repeat("世", 100)
	entry := `{"type":"user","message":{"content":"` + long + `"}}`

	meta := scanTranscriptHead(writeTranscript(t, entry))
	assert.Equal(t, strings.Repeat("世", 80), meta.Title)
	assert.True(t, utf8.ValidString(meta.Title))
}

func TestScanTranscriptHeadBlockContent(t *testing.T) {
	blocks := `{"type":"user","message":{"content":[{"type":"text","text":"refactor the config loader"}]}}`
	meta := scanTranscriptHead(writeTranscript(t, blocks))
	assert.Equal(t, "refactor the config loader", meta.Title)
}

func TestScanTokenStats(t *testing.T) {
	in, out := scanTokenStats(writeTranscript(t, entryUserHello, entryAssistantToolUse, entryAssistantText))
	// Input comes from the latest assistant usage, output accumulates.
	assert.Equal(t, 120+8000, in)
	assert.Equal(t, 15+40, out)
}

func TestComputeEstimatedMetrics(t *testing.T) {
	window := 200000

	zero := computeEstimatedMetrics(0, 500, window)
	assert.Equal(t, 0, zero.Percentage)
	assert.True(t, zero.Estimated)

	// Monotonic non-decreasing in input.
	prev := 0
	for _, in := range []int{1000, 50000, 100000, 199999, 200000, 999999} {
		m := computeEstimatedMetrics(in, 0, window)
		assert.GreaterOrEqual(t, m.Percentage, prev)
		assert.LessOrEqual(t, m.Percentage, 100)
		prev = m.Percentage
	}

	assert.Equal(t, 100, computeEstimatedMetrics(10*window, 0, window).Percentage)
	assert.Equal(t, 50, computeEstimatedMetrics(window/2, 0, window).Percentage)
}
