package oracle

import (
	"context"
	"fmt"
	"os"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/msageha/cogno/internal/model"
)

// OpenAIInvoker sends calls to an OpenAI-compatible chat completions endpoint with
// strict JSON-schema output. It does not retry; redelivery belongs to the caller.
type OpenAIInvoker struct {
	client      openai.Client
	model       string
	temperature float64
}

func NewOpenAIInvoker(cfg model.OracleConfig) (*OpenAIInvoker, error) {
	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("oracle: environment variable %s is not set", cfg.APIKeyEnv)
	}
	opts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIInvoker{
		client:      openai.NewClient(opts...),
		model:       cfg.Model,
		temperature: cfg.Temperature,
	}, nil
}

func (o *OpenAIInvoker) Invoke(ctx context.Context, call Call) ([]byte, error) {
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: o.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(call.System),
			openai.UserMessage(call.User),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   call.SchemaName,
					Schema: call.Schema,
					Strict: openai.Bool(true),
				},
			},
		},
		Temperature: openai.Float(o.temperature),
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", ErrMalformed)
	}
	choice := resp.Choices[0]
	if choice.Message.Refusal != "" {
		return nil, fmt.Errorf("%w: refused: %s", ErrMalformed, choice.Message.Refusal)
	}
	return []byte(choice.Message.Content), nil
}

// NewFromConfig builds the production oracle set for cfg.
func NewFromConfig(cfg model.OracleConfig, prompts *Prompts) (Set, error) {
	switch cfg.Provider {
	case "openai":
		inv, err := NewOpenAIInvoker(cfg)
		if err != nil {
			return Set{}, err
		}
		return NewSet(NewClient(inv, prompts)), nil
	default:
		return Set{}, fmt.Errorf("oracle: unsupported provider %q", cfg.Provider)
	}
}
