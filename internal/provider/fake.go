package provider

import (
	"context"
	"sync"

	"github.com/straja-ai/triage/internal/inference"
)

// FakeProvider returns canned text. Respond, when set, takes precedence and
// lets tests answer per request.
type FakeProvider struct {
	ResponseText string
	Error        error
	Respond      func(req *inference.Request) (string, error)

	mu    sync.Mutex
	calls []*inference.Request
}

func NewFake(response string) *FakeProvider {
	return &FakeProvider{ResponseText: response}
}

func (f *FakeProvider) Complete(ctx context.Context, req *inference.Request) (*inference.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.Error != nil {
		return nil, f.Error
	}

	text := f.ResponseText
	if f.Respond != nil {
		var err error
		text, err = f.Respond(req)
		if err != nil {
			return nil, err
		}
	}

	return &inference.Response{
		Model: req.Model,
		Text:  text,
		Usage: inference.Usage{
			PromptTokens:     2,
			CompletionTokens: 3,
			TotalTokens:      5,
		},
	}, nil
}

// Calls returns the requests seen so far.
func (f *FakeProvider) Calls() []*inference.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*inference.Request(nil), f.calls...)
}
