package session

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"strings"
	"unicode/utf8"
)

// tailReadSize bounds how much of a transcript the status check reads,
// keeping the cost flat no matter how long the session has run.
const tailReadSize = 32 * 1024

// headScanLines bounds the metadata scan at the top of a transcript.
const headScanLines = 50

// tailEntry is the subset of a transcript line the status and metadata
// scans care about. Unknown fields are ignored.
type tailEntry struct {
	Type           string      `json:"type"`
	Subtype        string      `json:"subtype"`
	SessionID      string      `json:"sessionId"`
	GitBranch      string      `json:"gitBranch"`
	PermissionMode string      `json:"permissionMode"`
	Message        tailMessage `json:"message"`
}

type tailMessage struct {
	Content json.RawMessage `json:"content"`
	Usage   tailUsage       `json:"usage"`
}

type tailUsage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheReadTokens     int `json:"cache_read_input_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens"`
}

// tailContentBlock is one element of an assistant message's content array.
type tailContentBlock struct {
	Type string `json:"type"`
	Name string `json:"name"`
	Text string `json:"text"`
}

// skippedEntryTypes are transcript bookkeeping lines that carry no status
// signal; the backward walk steps over them.
var skippedEntryTypes = map[string]bool{
	"summary":               true,
	"file-history-snapshot": true,
	"progress":              true,
	"diagnostic":            true,
}

// TailStatus is the result of a transcript tail inspection.
type TailStatus struct {
	Status   Status
	ToolName string
	Mode     Mode
}

// DetectTailStatus infers live status from the last entries of a
// transcript. It reads only the final chunk of the file, walks the
// entries backward past bookkeeping lines, and classifies the first
// substantive one. Never fails; unreadable files yield the default
// active status.
func DetectTailStatus(path string) TailStatus {
	def := TailStatus{Status: StatusActive}

	lines, err := readTailLines(path)
	if err != nil || len(lines) == 0 {
		return def
	}

	for i := len(lines) - 1; i >= 0; i-- {
		var entry tailEntry
		if err := json.Unmarshal(lines[i], &entry); err != nil {
			continue
		}
		if skippedEntryTypes[entry.Type] {
			continue
		}

		st := def
		st.Mode = modeFromEntry(entry)

		switch entry.Type {
		case "system":
			if entry.Subtype == "compact_boundary" {
				st.Status = StatusIdle
				return st
			}
			continue
		case "result":
			st.Status = StatusIdle
			return st
		case "assistant":
			if tool := pendingToolUse(entry.Message.Content); tool != "" {
				st.Status = StatusAwaiting
				st.ToolName = tool
				return st
			}
			st.Status = StatusIdle
			return st
		case "user", "queued":
			st.Status = StatusWorking
			return st
		default:
			return st
		}
	}
	return def
}

// DetectTailMode re-checks only the permission mode from the tail. Used
// for bypass sessions whose hook-reported mode is unreliable.
func DetectTailMode(path string) Mode {
	lines, err := readTailLines(path)
	if err != nil {
		return ModeUnknown
	}
	for i := len(lines) - 1; i >= 0; i-- {
		var entry tailEntry
		if err := json.Unmarshal(lines[i], &entry); err != nil {
			continue
		}
		if m := modeFromEntry(entry); m != ModeUnknown {
			return m
		}
	}
	return ModeUnknown
}

func modeFromEntry(entry tailEntry) Mode {
	switch entry.PermissionMode {
	case "":
		return ModeUnknown
	case "plan":
		return ModePlanning
	default:
		return ModeExecution
	}
}

// pendingToolUse returns the name of the trailing tool_use block in an
// assistant content array, or "" when the turn ends in plain content.
func pendingToolUse(content json.RawMessage) string {
	var blocks []tailContentBlock
	if err := json.Unmarshal(content, &blocks); err != nil || len(blocks) == 0 {
		return ""
	}
	last := blocks[len(blocks)-1]
	if last.Type == "tool_use" {
		return last.Name
	}
	return ""
}

// readTailLines reads the last tailReadSize bytes of a file and splits
// into complete lines, dropping a leading partial line when the read
// started mid-entry.
func readTailLines(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	offset := int64(0)
	truncated := false
	if info.Size() > tailReadSize {
		offset = info.Size() - tailReadSize
		truncated = true
	}

	buf := make([]byte, info.Size()-offset)
	if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
		return nil, err
	}

	lines := bytes.Split(buf, []byte("\n"))
	if truncated && len(lines) > 0 {
		lines = lines[1:]
	}

	out := lines[:0]
	for _, line := range lines {
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			out = append(out, line)
		}
	}
	return out, nil
}

// headMeta is the cheap metadata recoverable from a transcript's first
// lines without a full scan.
type headMeta struct {
	SessionID string
	GitBranch string
	Title     string
}

// scanTranscriptHead reads the first headScanLines entries for the
// session id, the branch recorded at session start, and a usable title.
// Internal command markers (content opening with '<' or '[') are skipped
// as title candidates.
func scanTranscriptHead(path string) headMeta {
	var meta headMeta

	f, err := os.Open(path)
	if err != nil {
		return meta
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	for i := 0; i < headScanLines; i++ {
		var entry tailEntry
		if err := dec.Decode(&entry); err != nil {
			break
		}
		if meta.SessionID == "" && entry.SessionID != "" {
			meta.SessionID = entry.SessionID
		}
		if meta.GitBranch == "" && entry.GitBranch != "" {
			meta.GitBranch = entry.GitBranch
		}
		if meta.Title == "" && entry.Type == "user" {
			meta.Title = titleFromContent(entry.Message.Content)
		}
		if meta.SessionID != "" && meta.GitBranch != "" && meta.Title != "" {
			break
		}
	}
	return meta
}

// titleFromContent extracts a display title from a user message. Content
// is either a plain string or a block array with text blocks.
func titleFromContent(content json.RawMessage) string {
	var text string
	if err := json.Unmarshal(content, &text); err != nil {
		var blocks []tailContentBlock
		if err := json.Unmarshal(content, &blocks); err != nil {
			return ""
		}
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				text = b.Text
				break
			}
		}
	}

	text = strings.TrimSpace(text)
	if text == "" || strings.HasPrefix(text, "<") || strings.HasPrefix(text, "[") {
		return ""
	}
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		text = text[:nl]
	}
	const maxTitle = 80
	if utf8.RuneCountInString(text) > maxTitle {
		runes := []rune(text)
		text = string(runes[:maxTitle])
	}
	return text
}

// scanTokenStats walks the whole transcript for token statistics: input
// side comes from the most recent assistant usage (prompt plus cache
// reads and creations reflect current context occupancy), output side
// accumulates across all assistant turns.
func scanTokenStats(path string) (inputTokens, outputTokens int) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	for {
		var entry tailEntry
		if err := dec.Decode(&entry); err != nil {
			break
		}
		if entry.Type != "assistant" {
			continue
		}
		u := entry.Message.Usage
		if in := u.InputTokens + u.CacheReadTokens + u.CacheCreationTokens; in > 0 {
			inputTokens = in
		}
		outputTokens += u.OutputTokens
	}
	return inputTokens, outputTokens
}
