package agent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// StepKind is the phase a reasoning response reports.
type StepKind string

const (
	StepStart   StepKind = "start"
	StepThink   StepKind = "think"
	StepAction  StepKind = "action"
	StepObserve StepKind = "observe"
	StepOutput  StepKind = "output"
	StepError   StepKind = "error"
)

// Step is one parsed reasoning response. For action steps Content names the
// tool and Args carries its arguments.
type Step struct {
	Step    StepKind        `json:"step"`
	Content string          `json:"content"`
	Args    json.RawMessage `json:"args,omitempty"`
}

// The step value is checked by the loop, not the schema, so that an unknown
// step becomes an observation instead of a retry.
const stepSchema = `{
  "type": "object",
  "required": ["step", "content"],
  "properties": {
    "step":    {"type": "string", "minLength": 1},
    "content": {"type": "string"},
    "args":    {"type": ["object", "null"]}
  }
}`

var (
	stepSchemaOnce sync.Once
	stepSchemaVal  *gojsonschema.Schema
	stepSchemaErr  error
)

// errParse marks a response that could not be turned into a Step.
var errParse = errors.New("unparseable reasoning response")

// ParseStep extracts exactly one JSON object from raw, optionally wrapped in
// a markdown code fence, and validates its shape.
func ParseStep(raw string) (Step, error) {
	body := stripFence(raw)
	if body == "" {
		return Step{}, fmt.Errorf("%w: empty response", errParse)
	}

	dec := json.NewDecoder(strings.NewReader(body))
	var object json.RawMessage
	if err := dec.Decode(&object); err != nil {
		return Step{}, fmt.Errorf("%w: %v", errParse, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Step{}, fmt.Errorf("%w: trailing data after the JSON object", errParse)
	}

	stepSchemaOnce.Do(func() {
		stepSchemaVal, stepSchemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(stepSchema))
	})
	if stepSchemaErr != nil {
		return Step{}, stepSchemaErr
	}
	result, err := stepSchemaVal.Validate(gojsonschema.NewBytesLoader(object))
	if err != nil {
		return Step{}, fmt.Errorf("%w: %v", errParse, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return Step{}, fmt.Errorf("%w: %s", errParse, strings.Join(msgs, "; "))
	}

	var step Step
	if err := json.Unmarshal(object, &step); err != nil {
		return Step{}, fmt.Errorf("%w: %v", errParse, err)
	}
	step.Step = StepKind(strings.ToLower(strings.TrimSpace(string(step.Step))))
	if bytes.Equal(bytes.TrimSpace(step.Args), []byte("null")) {
		step.Args = nil
	}
	return step, nil
}

// stripFence removes a surrounding ``` or ```json fence.
func stripFence(raw string) string {
	text := strings.TrimSpace(raw)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		if tag := strings.TrimSpace(text[:nl]); tag == "" || !strings.ContainsAny(tag, "{[") {
			text = text[nl+1:]
		}
	} else {
		text = strings.TrimPrefix(text, "json")
	}
	text = strings.TrimSpace(text)
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

// encode renders the step for the transcript.
func (s Step) encode() string {
	encoded, err := json.Marshal(s)
	if err != nil {
		return fmt.Sprintf(`{"step":%q,"content":%q}`, s.Step, s.Content)
	}
	return string(encoded)
}
