package ndjson

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cropflow/cropflow/model/execution"
)

func feedAll(p *Parser, chunks ...string) ([]*execution.StreamRecord, []*MalformedOutputError) {
	var records []*execution.StreamRecord
	var warnings []*MalformedOutputError
	for _, chunk := range chunks {
		recs, warns := p.Feed([]byte(chunk))
		records = append(records, recs...)
		warnings = append(warnings, warns...)
	}
	recs, warns := p.Close()
	records = append(records, recs...)
	warnings = append(warnings, warns...)
	return records, warnings
}

func TestTwoRecordsAnySplit(t *testing.T) {
	input := "{\"a\":1}\n{\"b\":2}\n"
	// Every split point, including mid-line and mid-token.
	for split := 0; split <= len(input); split++ {
		parser := New("p-1", 0, "")
		records, warnings := feedAll(parser, input[:split], input[split:])
		if !assert.Len(t, records, 2, "split at %d", split) {
			continue
		}
		assert.Empty(t, warnings, "split at %d", split)
		assert.Equal(t, float64(1), records[0].Payload["a"], "split at %d", split)
		assert.Equal(t, float64(2), records[1].Payload["b"], "split at %d", split)
	}
}

func TestMalformedLineWarns(t *testing.T) {
	parser := New("p-1", 0, "")
	records, warnings := feedAll(parser, "{\"a\":1}\nnotjson\n{\"b\":2}\n")
	assert.Len(t, records, 2)
	assert.Equal(t, float64(1), records[0].Payload["a"])
	assert.Equal(t, float64(2), records[1].Payload["b"])
	if assert.Len(t, warnings, 1) {
		assert.Equal(t, "notjson", warnings[0].Line)
	}
}

func TestRetryJoinsSplitLine(t *testing.T) {
	// A line broken by a stray newline inside a token heals on retry.
	parser := New("p-1", 0, "")
	records, warnings := feedAll(parser, "{\"a\":\n1}\n")
	assert.Len(t, records, 1)
	assert.Empty(t, warnings)
	assert.Equal(t, float64(1), records[0].Payload["a"])
}

func TestTrailingLineFlushedOnClose(t *testing.T) {
	parser := New("p-1", 0, "")
	records, warnings := feedAll(parser, "{\"a\":1}\n{\"b\":2}")
	assert.Len(t, records, 2)
	assert.Empty(t, warnings)
	assert.Equal(t, float64(2), records[1].Payload["b"])
}

func TestIncompleteTrailingDiscarded(t *testing.T) {
	parser := New("p-1", 0, "")
	records, warnings := feedAll(parser, "{\"a\":1}\n{\"b\":")
	assert.Len(t, records, 1)
	assert.Len(t, warnings, 1)
}

func TestSchemaTagMismatch(t *testing.T) {
	parser := New("p-1", 0, "crop")
	records, warnings := feedAll(parser,
		"{\"type\":\"crop\",\"name\":\"wheat\"}\n{\"type\":\"weed\",\"name\":\"thistle\"}\n")
	if assert.Len(t, records, 1) {
		assert.Equal(t, "wheat", records[0].Payload["name"])
		assert.Equal(t, "crop", records[0].SchemaTag)
	}
	assert.Len(t, warnings, 1)
}

func TestNonObjectRecordWarns(t *testing.T) {
	parser := New("p-1", 0, "")
	records, warnings := feedAll(parser, "42\n{\"a\":1}\n")
	assert.Len(t, records, 1)
	assert.Len(t, warnings, 1)
}

func TestLineLengthBound(t *testing.T) {
	parser := New("p-1", 0, "", WithMaxLineLength(8))
	records, warnings := parser.Feed([]byte("{\"a\":\"0123456789\""))
	assert.Empty(t, records)
	assert.Len(t, warnings, 1)

	// The stream recovers after the oversized line is dropped.
	records, warnings = parser.Feed([]byte("}\n{\"b\":2}\n"))
	_ = warnings
	assert.Len(t, records, 1)
	assert.Equal(t, float64(2), records[0].Payload["b"])
}

func TestAbandonFlushesNothing(t *testing.T) {
	parser := New("p-1", 0, "")
	parser.Feed([]byte("{\"a\":1}"))
	parser.Abandon()
	records, warnings := parser.Close()
	assert.Empty(t, records)
	assert.Empty(t, warnings)
}

func TestRecordCarriesStepIdentity(t *testing.T) {
	parser := New("p-7", 3, "")
	records, _ := feedAll(parser, "{\"a\":1}\n")
	if assert.Len(t, records, 1) {
		assert.Equal(t, "p-7", records[0].ProcessID)
		assert.Equal(t, 3, records[0].StepIndex)
	}
}
