package ai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// analysisSchema is the shape the combined prompt asks the model to return
var analysisSchema = map[string]any{
	"type":     "object",
	"required": []any{"transcript"},
	"properties": map[string]any{
		"transcript": map[string]any{"type": "string", "minLength": 1},
		"speakers": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":     "object",
				"required": []any{"id"},
				"properties": map[string]any{
					"id":              map[string]any{"type": "string"},
					"characteristics": map[string]any{"type": "string"},
				},
			},
		},
		"utterances": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":     "object",
				"required": []any{"text"},
				"properties": map[string]any{
					"speaker":    map[string]any{"type": "string"},
					"text":       map[string]any{"type": "string"},
					"start_time": map[string]any{"type": []any{"string", "number"}},
				},
			},
		},
		"title":        map[string]any{"type": "string"},
		"summary":      map[string]any{"type": "string"},
		"action_items": stringList,
		"timeline":     stringList,
		"decisions":    stringList,
	},
}

var stringList = map[string]any{
	"type":  "array",
	"items": map[string]any{"type": "string"},
}

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiledSchema, compileErr = compileSchema(analysisSchema)
	})
	return compiledSchema, compileErr
}

func compileSchema(schemaMap map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("analysis.json", bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	s, err := compiler.Compile("analysis.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return s, nil
}

// validateAnalysis checks raw model output against analysisSchema
func validateAnalysis(data []byte) error {
	s, err := schema()
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal model output: %w", err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("model output does not match schema: %w", err)
	}
	return nil
}

// ValidateResult checks that a Result carries what the pipeline persists
func ValidateResult(r *Result) error {
	if r == nil {
		return fmt.Errorf("nil result")
	}
	if r.Text == "" {
		return fmt.Errorf("empty transcript text")
	}
	if len(r.Segments) == 0 {
		return fmt.Errorf("no segments")
	}
	for i, s := range r.Segments {
		if s.End < s.Start {
			return fmt.Errorf("segment %d ends before it starts", i)
		}
	}
	return nil
}
