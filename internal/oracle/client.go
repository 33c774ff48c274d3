package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/msageha/cogno/internal/model"
)

// Call is one rendered request to a backing model.
type Call struct {
	Stage      model.Stage
	System     string
	User       string
	SchemaName string
	Schema     map[string]any
}

// Invoker sends a Call and returns the raw reply body.
type Invoker interface {
	Invoke(ctx context.Context, call Call) ([]byte, error)
}

// Client implements every stage interface by rendering a prompt, invoking the
// backend and decoding the structured reply.
type Client struct {
	invoker Invoker
	prompts *Prompts
}

func NewClient(invoker Invoker, prompts *Prompts) *Client {
	return &Client{invoker: invoker, prompts: prompts}
}

func (c *Client) ResolveTasks(ctx context.Context, in ResolveInput) (Resolution, error) {
	return invoke[Resolution](ctx, c, model.StageResolve, in)
}

func (c *Client) GenerateNotifications(ctx context.Context, in GenerateInput) (Drafts, error) {
	return invoke[Drafts](ctx, c, model.StageGenerate, in)
}

func (c *Client) ConsolidateNotifications(ctx context.Context, in ConsolidateInput) (Consolidation, error) {
	return invoke[Consolidation](ctx, c, model.StageConsolidate, in)
}

func (c *Client) SummarizeMemory(ctx context.Context, in SummarizeInput) (Summary, error) {
	return invoke[Summary](ctx, c, model.StageSummarize, in)
}

func invoke[T any](ctx context.Context, c *Client, stage model.Stage, input any) (T, error) {
	var zero T
	spec := stageSpecs[stage]
	system, user, err := c.prompts.Render(stage, input)
	if err != nil {
		return zero, err
	}
	raw, err := c.invoker.Invoke(ctx, Call{
		Stage:      stage,
		System:     system,
		User:       user,
		SchemaName: spec.name,
		Schema:     spec.schema,
	})
	if err != nil {
		return zero, fmt.Errorf("invoke %s: %w", stage, err)
	}
	return decode[T](raw, spec.required...)
}

// decode checks that raw holds a JSON object with the required top-level keys
// before unmarshalling it. Prose or code fences around the object are ignored.
func decode[T any](raw []byte, required ...string) (T, error) {
	var out T
	body := extractObject(raw)
	if body == nil || !gjson.ValidBytes(body) {
		return out, fmt.Errorf("%w: not a JSON object", ErrMalformed)
	}
	res := gjson.ParseBytes(body)
	for _, key := range required {
		if !res.Get(key).Exists() {
			return out, fmt.Errorf("%w: missing %q", ErrMalformed, key)
		}
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return out, nil
}

func extractObject(raw []byte) []byte {
	start := bytes.IndexByte(raw, '{')
	end := bytes.LastIndexByte(raw, '}')
	if start < 0 || end < start {
		return nil
	}
	return raw[start : end+1]
}
