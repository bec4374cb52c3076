package translate

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/rudder/pkg/plan"
)

// pipelineSchema constrains the declarative task-list payload.
const pipelineSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["tasks"],
  "properties": {
    "tasks": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["backend", "action"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "backend": {"type": "string", "minLength": 1},
          "action": {"type": "string", "minLength": 1},
          "input": {"type": "object"},
          "depends_on": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`

// Pipeline is the built-in translator for the "pipeline" intent type:
// the payload declares its tasks directly and the translator passes them
// through, deriving stable ids for tasks that omit one. It makes the
// service usable without writing a line of translator code.
type Pipeline struct {
	schema *jsonschema.Schema
}

// NewPipeline creates the pipeline translator.
func NewPipeline() *Pipeline {
	return &Pipeline{
		schema: jsonschema.MustCompileString("rudder://schemas/pipeline.schema.json", pipelineSchema),
	}
}

type pipelinePayload struct {
	Tasks []pipelineTask `json:"tasks"`
}

type pipelineTask struct {
	ID        string         `json:"id"`
	Backend   string         `json:"backend"`
	Action    string         `json:"action"`
	Input     map[string]any `json:"input"`
	DependsOn []string       `json:"depends_on"`
}

// ValidatePayload checks the payload against the pipeline schema.
func (p *Pipeline) ValidatePayload(_ context.Context, payload json.RawMessage) error {
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("pipeline payload is not valid JSON: %w", err)
	}
	if err := p.schema.Validate(doc); err != nil {
		return fmt.Errorf("pipeline payload rejected: %w", err)
	}
	return nil
}

// Translate turns the declared task list into an execution plan.
func (p *Pipeline) Translate(_ context.Context, in Input) (*plan.ExecutionPlan, error) {
	var payload pipelinePayload
	if err := in.Envelope.DecodePayload(&payload); err != nil {
		return nil, err
	}

	out := &plan.ExecutionPlan{Tasks: make([]plan.ExecutionTask, 0, len(payload.Tasks))}
	for i, t := range payload.Tasks {
		id := t.ID
		if id == "" {
			id = plan.TaskID(in.RequestID, in.Envelope.Type, in.Envelope.TypeVersion,
				t.Backend, t.Action, strconv.Itoa(i))
		}
		out.Tasks = append(out.Tasks, plan.ExecutionTask{
			ID:        id,
			Backend:   t.Backend,
			Action:    t.Action,
			Input:     t.Input,
			DependsOn: t.DependsOn,
		})
	}

	if err := plan.Validate(out); err != nil {
		return nil, fmt.Errorf("pipeline payload does not form a valid plan: %w", err)
	}
	return out, nil
}
