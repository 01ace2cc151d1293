package stages

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/foundry-data/foundry/pkg/pipeline"
)

// chunkSchema is the structural contract every prepared chunk must satisfy
// before it may be indexed.
const chunkSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["chunk_id", "source_file", "index", "text", "token_count"],
  "properties": {
    "chunk_id": {"type": "string", "minLength": 8},
    "source_file": {"type": "string", "minLength": 1},
    "section": {"type": "string"},
    "index": {"type": "integer", "minimum": 0},
    "text": {"type": "string", "minLength": 1},
    "token_count": {"type": "integer", "minimum": 0}
  },
  "additionalProperties": false
}`

var compiledChunkSchema = jsonschema.MustCompileString("chunk.schema.json", chunkSchema)

// Validation runs generic structural checks over the chunk set: schema
// conformance, UTF-8 validity and null bytes. Per-chunk violations are
// recorded as metrics; the stage succeeds if at least one chunk is clean.
type Validation struct{}

func (*Validation) Name() string            { return pipeline.StageValidation }
func (*Validation) TerminalOnFailure() bool { return true }

func (s *Validation) Run(ctx context.Context, bb *pipeline.Blackboard) *pipeline.StageResult {
	metrics := map[string]float64{
		"chunks_total":     float64(len(bb.Chunks)),
		"schema_failures":  0,
		"encoding_errors":  0,
		"null_byte_chunks": 0,
	}

	valid := 0
	for _, c := range bb.Chunks {
		clean := true
		if !utf8.ValidString(c.Text) {
			metrics["encoding_errors"]++
			clean = false
		}
		if strings.ContainsRune(c.Text, '\x00') {
			metrics["null_byte_chunks"]++
			clean = false
		}
		if err := validateChunkSchema(c); err != nil {
			metrics["schema_failures"]++
			clean = false
		}
		if clean {
			valid++
		}
	}

	metrics["valid_ratio"] = 0
	if len(bb.Chunks) > 0 {
		metrics["valid_ratio"] = float64(valid) / float64(len(bb.Chunks))
	}
	if valid == 0 {
		return failed(errors.New("no chunk passed structural validation"), metrics)
	}
	return succeeded(metrics)
}

func validateChunkSchema(v any) error {
	// Round-trip through JSON so the schema sees wire-shaped data.
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return compiledChunkSchema.Validate(doc)
}
