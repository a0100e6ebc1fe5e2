package classifier

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/straja-ai/triage/internal/inference"
	"github.com/straja-ai/triage/internal/provider"
	"github.com/straja-ai/triage/internal/triage"
)

func chestPain(t *testing.T) triage.Request {
	t.Helper()
	req, err := triage.NewRequest([]triage.Turn{
		{Assistant: "Hello, how can I help you today?", Human: "I feel dizzy"},
		{Assistant: "", Human: "I have severe chest pain and can't breathe"},
	}, "patient-1", "lobby", []byte{0x89, 'P', 'N', 'G'})
	require.NoError(t, err)
	return req
}

func TestClassifyCritical(t *testing.T) {
	fake := provider.NewFake(`{"category":"CRITICAL","response":"Please stay calm, help is coming.","confidence":0.93}`)
	c := New(fake, "gpt-4o-mini", time.Second, nil)

	res, err := c.Classify(context.Background(), chestPain(t))
	require.NoError(t, err)
	assert.Equal(t, triage.CategoryCritical, res.Category)
	assert.Equal(t, "Please stay calm, help is coming.", res.Response)
	assert.InDelta(t, 0.93, res.Confidence, 1e-9)

	calls := fake.Calls()
	require.Len(t, calls, 1)
	call := calls[0]
	assert.Equal(t, "gpt-4o-mini", call.Model)
	require.NotNil(t, call.Schema)
	assert.Equal(t, "triage_classification", call.Schema.Name)
	require.NotNil(t, call.Image)
	require.Len(t, call.Messages, 1)
	assert.Contains(t, call.Messages[0].Content, "Patient: I have severe chest pain")
	assert.Contains(t, call.Messages[0].Content, "Station location: lobby")
}

func TestClassifyEmergencyLabelMapsToCritical(t *testing.T) {
	fake := provider.NewFake(`Sure. {"category":"emergency","response":"Help is on the way.","confidence":1.4}`)
	c := New(fake, "m", 0, nil)

	res, err := c.Classify(context.Background(), chestPain(t))
	require.NoError(t, err)
	assert.Equal(t, triage.CategoryCritical, res.Category)
	assert.Equal(t, 1.0, res.Confidence)
}

func TestClassifyFailures(t *testing.T) {
	cases := []struct {
		name string
		fake *provider.FakeProvider
	}{
		{name: "transport error", fake: &provider.FakeProvider{Error: errors.New("connection refused")}},
		{name: "unknown category", fake: provider.NewFake(`{"category":"MAYBE","response":"","confidence":0.5}`)},
		{name: "not json", fake: provider.NewFake(`I cannot help with that.`)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := New(tc.fake, "m", time.Second, nil)
			_, err := c.Classify(context.Background(), chestPain(t))
			require.Error(t, err)
			assert.True(t, errors.Is(err, triage.ErrCollaboratorUnavailable), "got %v", err)
		})
	}
}

func TestClassifyTimeout(t *testing.T) {
	c := New(blockingProvider{}, "m", 10*time.Millisecond, nil)

	_, err := c.Classify(context.Background(), chestPain(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, triage.ErrCollaboratorUnavailable)
	assert.True(t, strings.Contains(err.Error(), "deadline"), err.Error())
}

// blockingProvider waits for the context before answering.
type blockingProvider struct{}

func (b blockingProvider) Complete(ctx context.Context, req *inference.Request) (*inference.Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
