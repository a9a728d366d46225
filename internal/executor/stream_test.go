package executor

import (
	"strings"
	"testing"
)

// feedLines runs the parser over input and returns everything it emitted.
func feedLines(t *testing.T, input string) ([]ProgressUpdate, []ConsoleEvent, *parser) {
	t.Helper()
	progress := make(chan ProgressUpdate, 256)
	console := make(chan ConsoleEvent, 256)
	p := newParser(progress, console)
	p.Feed([]byte(input))
	p.Finish()
	close(progress)
	close(console)

	var ps []ProgressUpdate
	for u := range progress {
		ps = append(ps, u)
	}
	var cs []ConsoleEvent
	for e := range console {
		cs = append(cs, e)
	}
	return ps, cs, p
}

func TestParserToolUse(t *testing.T) {
	input := `{"type":"content_block_start","content_block":{"type":"tool_use","name":"Read"}}
{"type":"content_block_start","content_block":{"type":"tool_use","name":"Bash"}}
`
	ps, cs, _ := feedLines(t, input)

	if len(ps) != 2 {
		t.Fatalf("got %d progress updates, want 2", len(ps))
	}
	if ps[0].Message != "Step 1: Using Read..." || !ps[0].IsToolUse || ps[0].Fraction != nil {
		t.Errorf("first update = %+v", ps[0])
	}
	if ps[1].Message != "Step 2: Using Bash..." {
		t.Errorf("second update message = %q", ps[1].Message)
	}
	if len(cs) != 2 || cs[0].Type != EventToolCall || cs[0].Content != "Step 1: Using Read..." {
		t.Errorf("console events = %+v", cs)
	}
}

func TestParserTextBlockAccumulation(t *testing.T) {
	input := `{"type":"content_block_start","content_block":{"type":"text"}}
{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hello, "}}
{"type":"content_block_delta","delta":{"type":"text_delta","text":"world"}}
{"type":"content_block_stop"}
`
	_, cs, _ := feedLines(t, input)

	if len(cs) != 1 {
		t.Fatalf("got %d console events, want 1", len(cs))
	}
	if cs[0].Type != EventAssistantText || cs[0].Content != "Hello, world" {
		t.Errorf("event = %+v", cs[0])
	}
}

func TestParserToolResultSeedAndCap(t *testing.T) {
	long := strings.Repeat("x", 600)
	input := `{"type":"content_block_start","content_block":{"type":"tool_result","content":"` + long + `"}}
{"type":"content_block_stop"}
`
	_, cs, _ := feedLines(t, input)

	if len(cs) != 1 {
		t.Fatalf("got %d console events, want 1", len(cs))
	}
	if cs[0].Type != EventToolResult {
		t.Errorf("type = %q", cs[0].Type)
	}
	if len(cs[0].Content) != maxToolResultChars {
		t.Errorf("tool_result length = %d, want capped at %d", len(cs[0].Content), maxToolResultChars)
	}
}

func TestParserResultEvent(t *testing.T) {
	input := `{"type":"content_block_start","content_block":{"type":"text"}}
{"type":"content_block_delta","delta":{"type":"text_delta","text":"thinking"}}
{"type":"result","result":"final answer","session_id":"sess-123"}
`
	ps, cs, p := feedLines(t, input)

	// The open text block is flushed before the result event is emitted.
	if len(cs) != 2 {
		t.Fatalf("got %d console events, want 2: %+v", len(cs), cs)
	}
	if cs[0].Type != EventAssistantText || cs[0].Content != "thinking" {
		t.Errorf("flushed block = %+v", cs[0])
	}
	if cs[1].Type != EventResult || cs[1].Content != "final answer" {
		t.Errorf("result event = %+v", cs[1])
	}

	if len(ps) != 1 {
		t.Fatalf("got %d progress updates, want 1", len(ps))
	}
	if ps[0].Fraction == nil || *ps[0].Fraction != 1.0 || ps[0].Message != "Completed" {
		t.Errorf("final progress = %+v", ps[0])
	}

	if p.sessionID != "sess-123" {
		t.Errorf("session id = %q", p.sessionID)
	}
	if !p.hasResult || p.resultText != "final answer" {
		t.Errorf("result text = %q (has=%v)", p.resultText, p.hasResult)
	}
}

func TestParserSkipsGarbage(t *testing.T) {
	input := `not json at all
{"type":"unknown_event"}
{"broken json
{"type":"result","result":"ok","session_id":"s"}
`
	_, cs, p := feedLines(t, input)

	if len(cs) != 1 || cs[0].Content != "ok" {
		t.Errorf("console = %+v", cs)
	}
	if p.sessionID != "s" {
		t.Errorf("session id lost across garbage lines: %q", p.sessionID)
	}
}

func TestParserPartialLines(t *testing.T) {
	progress := make(chan ProgressUpdate, 16)
	console := make(chan ConsoleEvent, 16)
	p := newParser(progress, console)

	whole := `{"type":"content_block_start","content_block":{"type":"tool_use","name":"Grep"}}` + "\n"
	// Feed one byte at a time; the rolling buffer must reassemble the line.
	for i := 0; i < len(whole); i++ {
		p.Feed([]byte{whole[i]})
	}
	p.Finish()
	close(progress)
	close(console)

	var cs []ConsoleEvent
	for e := range console {
		cs = append(cs, e)
	}
	if len(cs) != 1 || cs[0].Content != "Step 1: Using Grep..." {
		t.Errorf("console = %+v", cs)
	}
}

func TestParserTextCap(t *testing.T) {
	long := strings.Repeat("a", maxTextChars+100)
	input := `{"type":"content_block_start","content_block":{"type":"text"}}
{"type":"content_block_delta","delta":{"type":"text_delta","text":"` + long + `"}}
{"type":"content_block_stop"}
`
	_, cs, _ := feedLines(t, input)
	if len(cs) != 1 || len(cs[0].Content) != maxTextChars {
		t.Errorf("text not capped: %d chars", len(cs[0].Content))
	}
}

func TestScrubEnv(t *testing.T) {
	in := []string{"PATH=/usr/bin", "ELECTRON_RUN_AS_NODE=1", "HOME=/home/u"}
	out := scrubEnv(append([]string(nil), in...))
	if len(out) != 2 {
		t.Fatalf("got %d entries, want 2", len(out))
	}
	for _, kv := range out {
		if strings.HasPrefix(kv, "ELECTRON_RUN_AS_NODE=") {
			t.Errorf("ELECTRON_RUN_AS_NODE survived scrubbing")
		}
	}
}

func TestCompletedInvocation(t *testing.T) {
	inv := Completed(Result{ExitCode: 1, Stderr: "claude binary not found"})
	// Channels are closed; a range over them must not block.
	for range inv.Progress {
	}
	for range inv.Console {
	}
	res := inv.Wait()
	if res.ExitCode != 1 || res.Stderr == "" {
		t.Errorf("result = %+v", res)
	}
}
