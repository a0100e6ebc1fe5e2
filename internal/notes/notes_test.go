package notes

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/straja-ai/triage/internal/provider"
	"github.com/straja-ai/triage/internal/triage"
)

const transcript = "Assistant: How can I help?\nPatient: I have had a fever since yesterday and a sore throat"

func TestUpdateMergesTranscript(t *testing.T) {
	fake := provider.NewFake("```json\n" + `{"subjective":["- Fever since yesterday"," Sore throat ",""],"objective":[],"assessment":["Possible pharyngitis"],"plan":["Check temperature"]}` + "\n```")
	s := New(fake, "notes-model", time.Second, nil)

	current := SOAP{Subjective: []string{"Came in alone"}}
	got, err := s.Update(context.Background(), current, transcript)
	require.NoError(t, err)
	assert.Equal(t, []string{"Fever since yesterday", "Sore throat"}, got.Subjective)
	assert.Empty(t, got.Objective)
	assert.Equal(t, []string{"Possible pharyngitis"}, got.Assessment)

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "notes-model", calls[0].Model)
	require.NotNil(t, calls[0].Schema)
	assert.Equal(t, "triage_soap_notes", calls[0].Schema.Name)
	content := calls[0].Messages[0].Content
	assert.Contains(t, content, "- Came in alone")
	assert.Contains(t, content, "Patient: I have had a fever")
}

func TestUpdateFirstNotes(t *testing.T) {
	fake := provider.NewFake(`{"subjective":["Headache"],"objective":[],"assessment":[],"plan":[]}`)
	s := New(fake, "m", 0, nil)

	_, err := s.Update(context.Background(), SOAP{}, transcript)
	require.NoError(t, err)
	assert.Contains(t, fake.Calls()[0].Messages[0].Content, "(No notes yet)")
}

func TestUpdateSkipsEmptyTranscript(t *testing.T) {
	fake := provider.NewFake(`{}`)
	s := New(fake, "m", time.Second, nil)

	current := SOAP{Plan: []string{"Rest"}}
	got, err := s.Update(context.Background(), current, "  \n")
	require.NoError(t, err)
	assert.Equal(t, current, got)
	assert.Empty(t, fake.Calls())
}

func TestUpdateFailureKeepsCurrentNotes(t *testing.T) {
	s := New(&provider.FakeProvider{Error: errors.New("upstream 503")}, "m", time.Second, nil)

	current := SOAP{Subjective: []string{"Cough"}}
	got, err := s.Update(context.Background(), current, transcript)
	assert.ErrorIs(t, err, triage.ErrCollaboratorUnavailable)
	assert.Equal(t, current, got)

	s = New(provider.NewFake("no notes today"), "m", time.Second, nil)
	_, err = s.Update(context.Background(), current, transcript)
	assert.ErrorIs(t, err, triage.ErrCollaboratorUnavailable)
}

func TestDiagnose(t *testing.T) {
	fake := provider.NewFake(`{"possible_diagnoses":["Viral pharyngitis"],"differential_diagnoses":["Strep throat"],"recommended_tests":["Rapid strep test"],"treatment_considerations":["Fluids"],"follow_up":" In 48 hours if no better "}`)
	s := New(fake, "m", time.Second, nil)

	d, err := s.Diagnose(context.Background(), SOAP{Subjective: []string{"Fever", "Sore throat"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"Viral pharyngitis"}, d.Possible)
	assert.Equal(t, []string{"Strep throat"}, d.Differential)
	assert.Equal(t, "In 48 hours if no better", d.FollowUp)
	assert.Equal(t, Disclaimer, d.Disclaimer)

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "triage_diagnosis", calls[0].Schema.Name)
	assert.True(t, strings.HasPrefix(calls[0].Messages[0].Content, "Medical notes:\n## Subjective\n- Fever\n"))
}

func TestDiagnoseNeedsNotes(t *testing.T) {
	fake := provider.NewFake(`{}`)
	_, err := New(fake, "m", time.Second, nil).Diagnose(context.Background(), SOAP{})
	assert.ErrorIs(t, err, triage.ErrInput)
	assert.Empty(t, fake.Calls())
}

func TestMarkdown(t *testing.T) {
	md := SOAP{Subjective: []string{"Fever"}, Plan: []string{"Rest", "Fluids"}}.Markdown()
	assert.Equal(t, "## Subjective\n- Fever\n\n## Objective\n- (none)\n\n## Assessment\n- (none)\n\n## Plan\n- Rest\n- Fluids\n", md)
}
