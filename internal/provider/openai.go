package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"github.com/straja-ai/triage/internal/inference"
)

// openAIProvider implements Provider on the OpenAI Responses API.
type openAIProvider struct {
	client openai.Client
}

// NewOpenAI creates a new OpenAI provider. The SDK's own retry loop is
// disabled; callers bound each call with a context deadline instead.
func NewOpenAI(baseURL, apiKey string, opts ...option.RequestOption) Provider {
	base := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
		option.WithHTTPClient(&http.Client{}),
	}
	if strings.TrimSpace(baseURL) != "" {
		base = append(base, option.WithBaseURL(baseURL))
	}
	return &openAIProvider{client: openai.NewClient(append(base, opts...)...)}
}

func (p *openAIProvider) Complete(ctx context.Context, req *inference.Request) (*inference.Response, error) {
	if req == nil {
		return nil, errors.New("openai: nil request")
	}
	if strings.TrimSpace(req.Model) == "" {
		return nil, errors.New("openai: model is empty")
	}

	items := make([]responses.ResponseInputItemUnionParam, 0, len(req.Messages))
	for i, m := range req.Messages {
		role := easyRole(m.Role)
		if req.Image != nil && len(req.Image.Data) > 0 && i == len(req.Messages)-1 {
			content := responses.ResponseInputMessageContentListParam{
				{OfInputText: &responses.ResponseInputTextParam{Text: m.Content}},
				{OfInputImage: &responses.ResponseInputImageParam{
					ImageURL: openai.String(dataURL(req.Image)),
					Detail:   responses.ResponseInputImageDetailAuto,
				}},
			}
			items = append(items, responses.ResponseInputItemParamOfMessage(content, role))
			continue
		}
		items = append(items, responses.ResponseInputItemParamOfMessage(m.Content, role))
	}

	params := responses.ResponseNewParams{
		Model: req.Model,
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: items,
		},
	}
	if req.Instructions != "" {
		params.Instructions = openai.String(req.Instructions)
	}
	if req.MaxOutputTokens > 0 {
		params.MaxOutputTokens = openai.Int(req.MaxOutputTokens)
	}
	if req.Schema != nil {
		params.Text = responses.ResponseTextConfigParam{
			Format: responses.ResponseFormatTextConfigUnionParam{
				OfJSONSchema: &responses.ResponseFormatTextJSONSchemaConfigParam{
					Name:        req.Schema.Name,
					Schema:      req.Schema.Definition,
					Strict:      openai.Bool(true),
					Description: openai.String(req.Schema.Description),
					Type:        "json_schema",
				},
			},
		}
	}

	start := time.Now()
	resp, err := p.client.Responses.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("openai error status %d: %s (type=%s)", apiErr.StatusCode, apiErr.Message, apiErr.Type)
		}
		return nil, fmt.Errorf("call openai: %w", err)
	}

	text := resp.OutputText()
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("openai response had no output text")
	}

	return &inference.Response{
		Model: resp.Model,
		Text:  text,
		Usage: inference.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
		Latency: time.Since(start),
	}, nil
}

func easyRole(role string) responses.EasyInputMessageRole {
	switch strings.ToLower(role) {
	case "assistant":
		return responses.EasyInputMessageRoleAssistant
	case "system":
		return responses.EasyInputMessageRoleSystem
	case "developer":
		return responses.EasyInputMessageRoleDeveloper
	default:
		return responses.EasyInputMessageRoleUser
	}
}

func dataURL(img *inference.Image) string {
	mime := img.MIMEType
	if mime == "" {
		mime = http.DetectContentType(img.Data)
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}
