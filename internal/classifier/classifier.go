// Package classifier runs the first-pass NORMAL/CRITICAL triage call.
package classifier

import (
	"context"
	"fmt"
	"time"

	"github.com/straja-ai/triage/internal/inference"
	"github.com/straja-ai/triage/internal/provider"
	"github.com/straja-ai/triage/internal/telemetry"
	"github.com/straja-ai/triage/internal/triage"
)

const instructions = `You are a triage nurse at a self-service medical station.
Read the conversation between the station assistant and the patient.
Decide whether the patient may be facing a medical emergency.
Answer with category CRITICAL when symptoms could be life threatening
(for example chest pain with shortness of breath, loss of consciousness,
severe bleeding, stroke signs or anaphylaxis). Otherwise answer NORMAL.
In "response" write the next thing the assistant should say to the patient:
one or two calm sentences. If you need more information, ask one question.
Report your confidence in the category as a number between 0 and 1.`

// classificationOutput is the structured answer requested from the model.
type classificationOutput struct {
	Category   string  `json:"category" jsonschema:"enum=NORMAL,enum=CRITICAL"`
	Response   string  `json:"response" jsonschema:"description=Next utterance for the patient"`
	Confidence float64 `json:"confidence" jsonschema:"minimum=0,maximum=1"`
}

// Classifier labels a conversation with one single-model call.
type Classifier struct {
	provider provider.Provider
	model    string
	timeout  time.Duration
	schema   *inference.Schema
	tel      *telemetry.Provider
}

// New returns a classifier bound to one provider and model. A zero timeout
// leaves the deadline to the caller's context.
func New(p provider.Provider, model string, timeout time.Duration, tel *telemetry.Provider) *Classifier {
	return &Classifier{
		provider: p,
		model:    model,
		timeout:  timeout,
		tel:      tel,
		schema: &inference.Schema{
			Name:        "triage_classification",
			Description: "First-pass triage category for a patient conversation",
			Definition:  provider.GenerateSchema[classificationOutput](),
		},
	}
}

// Classify asks the model for a category. It never retries and never
// substitutes a default category for a failed or unparseable answer.
func (c *Classifier) Classify(ctx context.Context, req triage.Request) (triage.Classification, error) {
	ctx, span := c.tel.StartSpan(ctx, "triage.classify", map[string]interface{}{
		"triage.model":     c.model,
		"triage.turns":     len(req.Turns()),
		"triage.has_image": req.HasImage(),
	})
	defer span.End()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := c.classify(ctx, req)
	c.tel.RecordClassification(ctx, string(res.Category), float64(time.Since(start).Milliseconds()))
	if err != nil {
		span.RecordError(err)
		return triage.Classification{}, err
	}
	return res, nil
}

func (c *Classifier) classify(ctx context.Context, req triage.Request) (triage.Classification, error) {
	ireq := BuildRequest(req, c.model, instructions, c.schema)
	resp, err := c.provider.Complete(ctx, ireq)
	if err != nil {
		return triage.Classification{}, fmt.Errorf("%w: classifier: %v", triage.ErrCollaboratorUnavailable, err)
	}

	var out classificationOutput
	if err := provider.DecodeJSON(resp.Text, &out); err != nil {
		return triage.Classification{}, fmt.Errorf("%w: classifier: decode answer: %v", triage.ErrCollaboratorUnavailable, err)
	}
	category, err := triage.ParseCategory(out.Category)
	if err != nil {
		return triage.Classification{}, fmt.Errorf("%w: classifier: %v", triage.ErrCollaboratorUnavailable, err)
	}

	return triage.Classification{
		Category:   category,
		Response:   out.Response,
		Confidence: triage.ClampConfidence(out.Confidence),
	}, nil
}

// BuildRequest renders a triage request as one model call. The transcript is
// sent as a single user message; the image, if any, rides along with it.
func BuildRequest(req triage.Request, model, instructions string, schema *inference.Schema) *inference.Request {
	content := req.Transcript()
	if loc := req.Location(); loc != "" {
		content = "Station location: " + loc + "\n\n" + content
	}
	ireq := &inference.Request{
		Model:           model,
		Instructions:    instructions,
		Messages:        []inference.Message{{Role: "user", Content: content}},
		Schema:          schema,
		MaxOutputTokens: 800,
	}
	if req.HasImage() {
		ireq.Image = &inference.Image{Data: req.Image()}
	}
	return ireq
}
