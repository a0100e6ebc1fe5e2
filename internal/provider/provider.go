package provider

import (
	"context"

	"github.com/straja-ai/triage/internal/inference"
)

// Provider is the interface for all upstream LLM providers.
type Provider interface {
	Complete(ctx context.Context, req *inference.Request) (*inference.Response, error)
}
