// Package notes keeps running SOAP notes for a session and drafts an
// educational diagnosis from them.
package notes

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/straja-ai/triage/internal/inference"
	"github.com/straja-ai/triage/internal/provider"
	"github.com/straja-ai/triage/internal/telemetry"
	"github.com/straja-ai/triage/internal/triage"
)

// Disclaimer is attached to every diagnosis.
const Disclaimer = "For educational purposes only. This is not a medical diagnosis."

const notesInstructions = `You are a medical note-taking assistant creating SOAP format notes.
You receive the current notes and the full conversation between a station assistant and a patient.
Return updated notes that integrate the new information with the existing notes.
Only include information explicitly discussed. Keep every item short.
subjective: patient complaints and symptoms.
objective: observable findings and vital signs if mentioned.
assessment: diagnosis or differential diagnosis.
plan: treatment plan and follow-up.
Use an empty list for a section with nothing to report.`

const diagnosisInstructions = `You are a medical diagnostic assistant providing educational assessments.
Based on the medical notes, list the most likely diagnoses, differential diagnoses to consider,
recommended diagnostic tests, initial treatment considerations, and when and why to follow up.
This is for educational purposes only.`

// SOAP holds the four sections of a clinical note.
type SOAP struct {
	Subjective []string `json:"subjective"`
	Objective  []string `json:"objective"`
	Assessment []string `json:"assessment"`
	Plan       []string `json:"plan"`
}

func (s SOAP) Empty() bool {
	return len(s.Subjective)+len(s.Objective)+len(s.Assessment)+len(s.Plan) == 0
}

// Markdown renders the notes as "## Section" blocks of bullet lines.
func (s SOAP) Markdown() string {
	var b strings.Builder
	section := func(title string, items []string) {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("## " + title + "\n")
		if len(items) == 0 {
			b.WriteString("- (none)\n")
			return
		}
		for _, it := range items {
			b.WriteString("- " + it + "\n")
		}
	}
	section("Subjective", s.Subjective)
	section("Objective", s.Objective)
	section("Assessment", s.Assessment)
	section("Plan", s.Plan)
	return b.String()
}

// Diagnosis is the educational assessment drafted from notes.
type Diagnosis struct {
	Possible     []string `json:"possible_diagnoses"`
	Differential []string `json:"differential_diagnoses"`
	Tests        []string `json:"recommended_tests"`
	Treatment    []string `json:"treatment_considerations"`
	FollowUp     string   `json:"follow_up"`
	Disclaimer   string   `json:"disclaimer"`
}

// Scribe turns transcripts into notes with one model call per update.
type Scribe struct {
	provider    provider.Provider
	model       string
	timeout     time.Duration
	tel         *telemetry.Provider
	notesSchema *inference.Schema
	diagSchema  *inference.Schema
}

func New(p provider.Provider, model string, timeout time.Duration, tel *telemetry.Provider) *Scribe {
	return &Scribe{
		provider: p,
		model:    model,
		timeout:  timeout,
		tel:      tel,
		notesSchema: &inference.Schema{
			Name:        "triage_soap_notes",
			Description: "SOAP notes for a patient conversation",
			Definition:  provider.GenerateSchema[SOAP](),
		},
		diagSchema: &inference.Schema{
			Name:        "triage_diagnosis",
			Description: "Educational diagnostic assessment drafted from SOAP notes",
			Definition:  provider.GenerateSchema[diagnosisOutput](),
		},
	}
}

type diagnosisOutput struct {
	Possible     []string `json:"possible_diagnoses"`
	Differential []string `json:"differential_diagnoses"`
	Tests        []string `json:"recommended_tests"`
	Treatment    []string `json:"treatment_considerations"`
	FollowUp     string   `json:"follow_up"`
}

// Update merges the transcript into current. An empty transcript returns
// current unchanged.
func (s *Scribe) Update(ctx context.Context, current SOAP, transcript string) (SOAP, error) {
	if strings.TrimSpace(transcript) == "" {
		return current, nil
	}
	ctx, span := s.tel.StartSpan(ctx, "triage.notes_update", map[string]interface{}{
		"triage.model": s.model,
	})
	defer span.End()

	prev := "(No notes yet)"
	if !current.Empty() {
		prev = current.Markdown()
	}
	content := "Current notes:\n" + prev + "\n\nTranscript:\n" + transcript

	var out SOAP
	if err := s.call(ctx, notesInstructions, content, s.notesSchema, &out); err != nil {
		span.RecordError(err)
		return current, fmt.Errorf("%w: notes: %v", triage.ErrCollaboratorUnavailable, err)
	}
	return clean(out), nil
}

// Diagnose drafts a diagnosis from notes. Empty notes are an input error.
func (s *Scribe) Diagnose(ctx context.Context, n SOAP) (Diagnosis, error) {
	if n.Empty() {
		return Diagnosis{}, fmt.Errorf("%w: no notes available", triage.ErrInput)
	}
	ctx, span := s.tel.StartSpan(ctx, "triage.diagnosis", map[string]interface{}{
		"triage.model": s.model,
	})
	defer span.End()

	var out diagnosisOutput
	if err := s.call(ctx, diagnosisInstructions, "Medical notes:\n"+n.Markdown(), s.diagSchema, &out); err != nil {
		span.RecordError(err)
		return Diagnosis{}, fmt.Errorf("%w: diagnosis: %v", triage.ErrCollaboratorUnavailable, err)
	}
	return Diagnosis{
		Possible:     out.Possible,
		Differential: out.Differential,
		Tests:        out.Tests,
		Treatment:    out.Treatment,
		FollowUp:     strings.TrimSpace(out.FollowUp),
		Disclaimer:   Disclaimer,
	}, nil
}

func (s *Scribe) call(ctx context.Context, instructions, content string, schema *inference.Schema, v any) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	resp, err := s.provider.Complete(ctx, &inference.Request{
		Model:           s.model,
		Instructions:    instructions,
		Messages:        []inference.Message{{Role: "user", Content: content}},
		Schema:          schema,
		MaxOutputTokens: 1200,
	})
	if err != nil {
		return err
	}
	return provider.DecodeJSON(resp.Text, v)
}

func clean(s SOAP) SOAP {
	return SOAP{
		Subjective: trimAll(s.Subjective),
		Objective:  trimAll(s.Objective),
		Assessment: trimAll(s.Assessment),
		Plan:       trimAll(s.Plan),
	}
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "- "))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
