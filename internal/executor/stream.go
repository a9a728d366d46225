package executor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Per-type content caps for console events.
const (
	maxTextChars       = 2000
	maxToolResultChars = 500
	maxResultChars     = 2000
)

// streamEvent is the decoded shape of one line of CLI output. Only the
// fields the three handlers care about are mapped; everything else is
// ignored.
type streamEvent struct {
	Type         string        `json:"type"`
	SessionID    string        `json:"session_id"`
	Result       *string       `json:"result"`
	ContentBlock *contentBlock `json:"content_block"`
	Delta        *blockDelta   `json:"delta"`
}

type contentBlock struct {
	Type    string          `json:"type"`
	Name    string          `json:"name"`
	Content json.RawMessage `json:"content"`
}

type blockDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// parser turns the CLI's newline-delimited JSON stream into progress and
// console events. It keeps a rolling buffer of undecoded bytes so partial
// lines across reads are handled; lines that fail to decode are skipped.
type parser struct {
	progress chan<- ProgressUpdate
	console  chan<- ConsoleEvent

	buf       []byte
	toolCount int

	blockType string // "", "text" or "tool_result"
	block     strings.Builder

	sessionID  string
	resultText string
	hasResult  bool
}

func newParser(progress chan<- ProgressUpdate, console chan<- ConsoleEvent) *parser {
	return &parser{progress: progress, console: console}
}

// Feed appends raw stdout bytes and processes every complete line.
func (p *parser) Feed(data []byte) {
	p.buf = append(p.buf, data...)
	for {
		idx := bytes.IndexByte(p.buf, '\n')
		if idx < 0 {
			return
		}
		line := p.buf[:idx]
		p.buf = p.buf[idx+1:]
		p.handleLine(line)
	}
}

// Finish processes any trailing partial line and flushes an open block.
func (p *parser) Finish() {
	if len(p.buf) > 0 {
		p.handleLine(p.buf)
		p.buf = nil
	}
	p.flushBlock()
}

func (p *parser) handleLine(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	var ev streamEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return // non-JSON noise on stdout
	}

	switch ev.Type {
	case "content_block_start":
		p.handleBlockStart(ev.ContentBlock)
	case "content_block_delta":
		if ev.Delta != nil && ev.Delta.Type == "text_delta" {
			p.block.WriteString(ev.Delta.Text)
		}
	case "content_block_stop":
		p.flushBlock()
	case "result":
		p.handleResult(ev)
	}
}

func (p *parser) handleBlockStart(block *contentBlock) {
	if block == nil {
		return
	}
	// A new block implicitly ends whatever was open.
	p.flushBlock()

	switch block.Type {
	case "text":
		p.blockType = "text"
	case "tool_result":
		p.blockType = "tool_result"
		if len(block.Content) > 0 {
			var seed string
			if err := json.Unmarshal(block.Content, &seed); err == nil {
				p.block.WriteString(seed)
			}
		}
	case "tool_use":
		p.toolCount++
		msg := fmt.Sprintf("Step %d: Using %s...", p.toolCount, block.Name)
		p.progress <- ProgressUpdate{Message: msg, IsToolUse: true}
		p.console <- ConsoleEvent{Type: EventToolCall, Content: msg}
	}
}

func (p *parser) flushBlock() {
	if p.blockType == "" {
		p.block.Reset()
		return
	}
	content := p.block.String()
	p.block.Reset()
	kind := p.blockType
	p.blockType = ""
	if content == "" {
		return
	}
	switch kind {
	case "text":
		p.console <- ConsoleEvent{Type: EventAssistantText, Content: truncate(content, maxTextChars)}
	case "tool_result":
		p.console <- ConsoleEvent{Type: EventToolResult, Content: truncate(content, maxToolResultChars)}
	}
}

func (p *parser) handleResult(ev streamEvent) {
	p.flushBlock()

	if ev.SessionID != "" {
		p.sessionID = ev.SessionID
	}
	if ev.Result != nil {
		p.resultText = *ev.Result
		p.hasResult = true
		p.console <- ConsoleEvent{Type: EventResult, Content: truncate(p.resultText, maxResultChars)}
	}

	one := 1.0
	p.progress <- ProgressUpdate{Fraction: &one, Message: "Completed"}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
