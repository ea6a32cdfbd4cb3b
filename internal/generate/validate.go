package generate

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const dateLayout = "2006-01-02"

const candidateSchema = `{
	"type": "object",
	"required": ["title", "dueDate"],
	"properties": {
		"title": {"type": "string", "minLength": 1, "maxLength": 200},
		"description": {"type": "string", "maxLength": 1000},
		"dueDate": {"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}$"},
		"expectedTime": {"type": ["string", "number"]}
	}
}`

// ValidationError names the first offending field of a rejected candidate.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid candidate: " + e.Message
	}
	return fmt.Sprintf("invalid candidate: %s: %s", e.Field, e.Message)
}

type validator struct {
	schema *jsonschema.Schema
}

func newValidator() (*validator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("candidate.json", strings.NewReader(candidateSchema)); err != nil {
		return nil, fmt.Errorf("add candidate schema: %w", err)
	}
	schema, err := compiler.Compile("candidate.json")
	if err != nil {
		return nil, fmt.Errorf("compile candidate schema: %w", err)
	}
	return &validator{schema: schema}, nil
}

// candidate decodes raw, checks it against the schema and requires a due date after today.
func (v *validator) candidate(raw []byte, today time.Time) (Candidate, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Candidate{}, &ValidationError{Message: "not valid JSON"}
	}
	if err := v.schema.Validate(doc); err != nil {
		fields, _ := doc.(map[string]any)
		return partial(fields), schemaError(err)
	}

	fields := doc.(map[string]any)
	c := partial(fields)
	c.Title = strings.TrimSpace(c.Title)
	if c.Title == "" {
		return c, &ValidationError{Field: "title", Message: "must not be blank"}
	}
	due, err := time.Parse(dateLayout, c.DueDate)
	if err != nil {
		return c, &ValidationError{Field: "dueDate", Message: "not a calendar date"}
	}
	y, m, d := today.Date()
	if !due.After(time.Date(y, m, d, 0, 0, 0, 0, time.UTC)) {
		return c, &ValidationError{Field: "dueDate", Message: "must be after today"}
	}
	return c, nil
}

func partial(fields map[string]any) Candidate {
	var c Candidate
	c.Title, _ = fields["title"].(string)
	c.Description, _ = fields["description"].(string)
	c.DueDate, _ = fields["dueDate"].(string)
	switch v := fields["expectedTime"].(type) {
	case string:
		c.ExpectedTime = v
	case float64:
		c.ExpectedTime = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return c
}

func schemaError(err error) error {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return &ValidationError{Message: err.Error()}
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return &ValidationError{Field: strings.TrimPrefix(ve.InstanceLocation, "/"), Message: ve.Message}
}
