// Package council convenes a fixed panel of independent assessors and
// aggregates their votes into one urgency verdict.
package council

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/straja-ai/triage/internal/classifier"
	"github.com/straja-ai/triage/internal/inference"
	"github.com/straja-ai/triage/internal/provider"
	"github.com/straja-ai/triage/internal/redact"
	"github.com/straja-ai/triage/internal/telemetry"
	"github.com/straja-ai/triage/internal/triage"
)

const instructions = `You are one member of an independent panel of emergency physicians.
A first-pass triage flagged this patient conversation as a possible emergency.
Assess it on your own: do not assume the first pass was right.
Rate urgency HIGH when the patient needs emergency services now, MEDIUM when
they need prompt clinical attention, LOW otherwise.
Give your confidence between 0 and 1, a short clinical reasoning for the
on-call doctor, and one or two calm sentences of advice for the patient.`

type assessmentOutput struct {
	Urgency    string  `json:"urgency" jsonschema:"enum=LOW,enum=MEDIUM,enum=HIGH"`
	Confidence float64 `json:"confidence" jsonschema:"minimum=0,maximum=1"`
	Reasoning  string  `json:"reasoning"`
	Advice     string  `json:"advice"`
}

// Assessor is one panel seat.
type Assessor struct {
	ID       string
	Model    string
	Provider provider.Provider
}

// Council fans one request out to every assessor and joins the answers.
type Council struct {
	assessors []Assessor
	timeout   time.Duration
	threshold float64
	schema    *inference.Schema
	tel       *telemetry.Provider

	// newTraceID is swapped in tests.
	newTraceID func() string
}

func New(assessors []Assessor, timeout time.Duration, threshold float64, tel *telemetry.Provider) *Council {
	if threshold <= 0 {
		threshold = DefaultConfidenceThreshold
	}
	return &Council{
		assessors: append([]Assessor(nil), assessors...),
		timeout:   timeout,
		threshold: threshold,
		tel:       tel,
		schema: &inference.Schema{
			Name:        "triage_assessment",
			Description: "Independent urgency assessment of a flagged patient conversation",
			Definition:  provider.GenerateSchema[assessmentOutput](),
		},
		newTraceID: func() string { return uuid.NewString() },
	}
}

// Size reports the configured panel size.
func (c *Council) Size() int { return len(c.assessors) }

// Convene asks every assessor concurrently and waits for all of them.
// Failed or timed-out assessors are dropped from the vote set; if none
// answer, Convene returns ErrCouncilUnavailable.
func (c *Council) Convene(ctx context.Context, req triage.Request) (triage.Verdict, error) {
	traceID := c.newTraceID()
	ctx, span := c.tel.StartSpan(ctx, "triage.council", map[string]interface{}{
		"triage.trace_id":  traceID,
		"triage.assessors": len(c.assessors),
	})
	defer span.End()

	var (
		mu    sync.Mutex
		votes []triage.Vote
		fails []string
	)

	// Assessor errors are collected, not returned, so one failure never
	// cancels the rest of the panel.
	g, gctx := errgroup.WithContext(ctx)
	for _, a := range c.assessors {
		a := a
		g.Go(func() error {
			v, err := c.assess(gctx, a, req, traceID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				fails = append(fails, a.ID)
				redact.Logf("council %s: assessor %s failed: %v", traceID, a.ID, err)
				return nil
			}
			votes = append(votes, v)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(votes, func(i, j int) bool { return votes[i].AssessorID < votes[j].AssessorID })

	outcome, ok := Aggregate(votes, c.threshold)
	if !ok {
		c.tel.RecordCouncilUnavailable(ctx)
		err := fmt.Errorf("%w: %d of %d assessors failed (trace %s)", triage.ErrCouncilUnavailable, len(fails), len(c.assessors), traceID)
		span.RecordError(err)
		return triage.Verdict{TraceID: traceID}, err
	}

	byID := make(map[string]triage.Vote, len(votes))
	for _, v := range votes {
		byID[v.AssessorID] = v
	}
	c.tel.RecordVerdict(ctx, string(outcome.Urgency), string(outcome.Rule), len(votes))
	if len(fails) > 0 {
		redact.Logf("council %s: aggregated %d of %d votes", traceID, len(votes), len(c.assessors))
	}

	return triage.Verdict{
		Response:   Utterance(outcome, votes),
		Urgency:    outcome.Urgency,
		Confidence: outcome.Confidence,
		Votes:      byID,
		TraceID:    traceID,
		Rule:       outcome.Rule,
	}, nil
}

func (c *Council) assess(ctx context.Context, a Assessor, req triage.Request, traceID string) (triage.Vote, error) {
	ctx, span := c.tel.StartSpan(ctx, "triage.assessor", map[string]interface{}{
		"triage.trace_id": traceID,
		"triage.assessor": a.ID,
		"triage.model":    a.Model,
	})
	defer span.End()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	v, err := c.ask(ctx, a, req)
	c.tel.RecordAssessor(ctx, a.Model, err == nil, float64(time.Since(start).Milliseconds()))
	if err != nil {
		span.RecordError(err)
	}
	return v, err
}

func (c *Council) ask(ctx context.Context, a Assessor, req triage.Request) (triage.Vote, error) {
	resp, err := a.Provider.Complete(ctx, classifier.BuildRequest(req, a.Model, instructions, c.schema))
	if err != nil {
		return triage.Vote{}, fmt.Errorf("%w: assessor %s: %v", triage.ErrCollaboratorUnavailable, a.ID, err)
	}
	var out assessmentOutput
	if err := provider.DecodeJSON(resp.Text, &out); err != nil {
		return triage.Vote{}, fmt.Errorf("%w: assessor %s: decode answer: %v", triage.ErrCollaboratorUnavailable, a.ID, err)
	}
	urgency, err := triage.ParseUrgency(out.Urgency)
	if err != nil {
		return triage.Vote{}, fmt.Errorf("%w: assessor %s: %v", triage.ErrCollaboratorUnavailable, a.ID, err)
	}
	model := a.Model
	if resp.Model != "" {
		model = resp.Model
	}
	return triage.Vote{
		AssessorID: a.ID,
		Urgency:    urgency,
		Confidence: triage.ClampConfidence(out.Confidence),
		Model:      model,
		Reasoning:  out.Reasoning,
		Advice:     out.Advice,
	}, nil
}
