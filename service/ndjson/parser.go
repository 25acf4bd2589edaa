// Package ndjson parses newline-delimited JSON model output arriving in
// arbitrary chunk splits. A parser instance is single-pass: it serves one
// step invocation and is not restartable.
package ndjson

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/cropflow/cropflow/internal/clock"
	"github.com/cropflow/cropflow/model/execution"
)

const (
	// DefaultMaxLineLength bounds how much of a single line the parser will
	// buffer before giving up on it.
	DefaultMaxLineLength = 64 * 1024

	// DefaultMaxRetries bounds how many newline-terminated reparse attempts a
	// malformed line gets before it is dropped.
	DefaultMaxRetries = 2

	// tagField is the record field carrying the per-step schema tag.
	tagField = "type"
)

// MalformedOutputError describes a line the parser gave up on. The record is
// dropped and the workflow continues; callers log the warning.
type MalformedOutputError struct {
	ProcessID string
	StepIndex int
	Line      string
	Reason    string
}

func (e *MalformedOutputError) Error() string {
	return fmt.Sprintf("malformed model output for process %v step %d: %v", e.ProcessID, e.StepIndex, e.Reason)
}

// Option customizes a parser.
type Option func(*Parser)

// WithMaxLineLength overrides the buffered-line length bound.
func WithMaxLineLength(limit int) Option {
	return func(p *Parser) { p.maxLineLength = limit }
}

// WithMaxRetries overrides the reparse attempt bound.
func WithMaxRetries(retries int) Option {
	return func(p *Parser) { p.maxRetries = retries }
}

// Parser accumulates chunks and emits one validated record per completed
// line, in arrival order. A line that fails to parse is retained and retried
// after the next newline; the retry budget and line length bound keep a
// permanently broken line from wedging the stream.
type Parser struct {
	processID     string
	stepIndex     int
	schemaTag     string
	maxLineLength int
	maxRetries    int

	buffer     []byte
	searchFrom int
	retries    int
	closed     bool
}

// New creates a parser for one step invocation. When schemaTag is non-empty,
// each record's "type" field must match it.
func New(processID string, stepIndex int, schemaTag string, options ...Option) *Parser {
	parser := &Parser{
		processID:     processID,
		stepIndex:     stepIndex,
		schemaTag:     schemaTag,
		maxLineLength: DefaultMaxLineLength,
		maxRetries:    DefaultMaxRetries,
	}
	for _, option := range options {
		option(parser)
	}
	return parser
}

// Feed appends a chunk and returns the records completed by it, plus
// warnings for any lines dropped along the way.
func (p *Parser) Feed(chunk []byte) ([]*execution.StreamRecord, []*MalformedOutputError) {
	if p.closed || len(chunk) == 0 {
		return nil, nil
	}
	p.buffer = append(p.buffer, chunk...)
	return p.scan()
}

// Close signals end-of-stream. A non-empty trailing buffer that parses as a
// valid record is flushed as the final record; anything else is dropped with
// a warning. The parser accepts no input afterwards.
func (p *Parser) Close() ([]*execution.StreamRecord, []*MalformedOutputError) {
	if p.closed {
		return nil, nil
	}
	p.closed = true
	trailing := bytes.TrimSpace(p.buffer)
	p.buffer = nil
	if len(trailing) == 0 {
		return nil, nil
	}
	// Incomplete trailing JSON is discarded, never inferred as complete.
	record, warning := p.parseLine(trailing)
	if warning != nil {
		return nil, []*MalformedOutputError{warning}
	}
	return []*execution.StreamRecord{record}, nil
}

// Abandon discards all buffered input without flushing; used on
// cancellation.
func (p *Parser) Abandon() {
	p.closed = true
	p.buffer = nil
}

func (p *Parser) scan() ([]*execution.StreamRecord, []*MalformedOutputError) {
	var records []*execution.StreamRecord
	var warnings []*MalformedOutputError
	for {
		idx := bytes.IndexByte(p.buffer[p.searchFrom:], '\n')
		if idx < 0 {
			if p.maxLineLength > 0 && len(p.buffer) > p.maxLineLength {
				warnings = append(warnings, p.warn(p.buffer, "line exceeds length bound"))
				p.reset(nil)
			}
			return records, warnings
		}
		newline := p.searchFrom + idx
		candidate := bytes.TrimSpace(p.buffer[:newline])
		rest := p.buffer[newline+1:]
		if len(candidate) == 0 {
			p.reset(rest)
			continue
		}

		if !json.Valid(candidate) {
			p.retries++
			if p.retries < p.maxRetries && len(candidate) <= p.maxLineLength {
				// Transient formatting glitch: retain the line and retry once
				// more content arrives past the next newline.
				p.searchFrom = newline + 1
				continue
			}
			// Retry budget spent; drop the original offending line only and
			// rescan whatever was appended behind it.
			first := bytes.IndexByte(p.buffer, '\n')
			warnings = append(warnings, p.warn(bytes.TrimSpace(p.buffer[:first]), "invalid JSON"))
			p.reset(p.buffer[first+1:])
			continue
		}

		record, warning := p.parseLine(candidate)
		if warning != nil {
			warnings = append(warnings, warning)
		} else {
			records = append(records, record)
		}
		p.reset(rest)
	}
}

// parseLine validates a syntactically complete JSON line against the record
// shape and schema tag.
func (p *Parser) parseLine(line []byte) (*execution.StreamRecord, *MalformedOutputError) {
	var payload map[string]interface{}
	if err := json.Unmarshal(line, &payload); err != nil {
		return nil, p.warn(line, "record is not a JSON object")
	}
	if p.schemaTag != "" {
		tag, _ := payload[tagField].(string)
		if tag != p.schemaTag {
			return nil, p.warn(line, fmt.Sprintf("schema tag %q does not match expected %q", tag, p.schemaTag))
		}
	}
	return &execution.StreamRecord{
		ProcessID: p.processID,
		StepIndex: p.stepIndex,
		SchemaTag: p.schemaTag,
		Payload:   payload,
		EmittedAt: clock.Now(),
	}, nil
}

func (p *Parser) reset(rest []byte) {
	p.buffer = append(p.buffer[:0:0], rest...)
	p.searchFrom = 0
	p.retries = 0
}

func (p *Parser) warn(line []byte, reason string) *MalformedOutputError {
	return &MalformedOutputError{
		ProcessID: p.processID,
		StepIndex: p.stepIndex,
		Line:      string(line),
		Reason:    reason,
	}
}
