package telemetry

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/straja-ai/triage/internal/redact"
)

// Config controls telemetry setup.
type Config struct {
	Enabled  bool
	Endpoint string
	Protocol string // grpc | http
	Service  string
	Version  string
}

// Provider wires tracer/meter providers and exposes helpers.
type Provider struct {
	Enabled bool
	tracer  trace.Tracer
	meter   metric.Meter

	classifications       metric.Int64Counter
	verdicts              metric.Int64Counter
	councilUnavailable    metric.Int64Counter
	alertDeliveries       metric.Int64Counter
	manualEscalations     metric.Int64Counter
	collaboratorDuration  metric.Float64Histogram
	shutdownTraceProvider func(context.Context) error
	shutdownMeterProvider func(context.Context) error
}

// NewProvider configures OTEL exporters + providers. When disabled, returns no-op providers.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !cfg.Enabled {
		no := &Provider{
			Enabled: false,
			tracer:  tracenoop.NewTracerProvider().Tracer(""),
			meter:   noop.NewMeterProvider().Meter(""),
		}
		no.initInstruments()
		return no, nil
	}

	redact.Logf("telemetry enabled (OpenTelemetry OTLP %s) endpoint=%s; if no collector is listening, periodic 'failed to upload metrics' warnings are expected", strings.ToLower(cfg.Protocol), cfg.Endpoint)

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			attribute.String("service.name", cfg.Service),
			attribute.String("service.version", cfg.Version),
		),
	)
	if err != nil {
		return nil, err
	}

	var tp *sdktrace.TracerProvider

	switch strings.ToLower(cfg.Protocol) {
	case "", "grpc":
		exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure())
		if err != nil {
			return nil, err
		}
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
			sdktrace.WithBatcher(exp),
			sdktrace.WithResource(res),
		)
	case "http":
		exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure())
		if err != nil {
			return nil, err
		}
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
			sdktrace.WithBatcher(exp),
			sdktrace.WithResource(res),
		)
	default:
		return nil, fmt.Errorf("telemetry: unsupported protocol %q", cfg.Protocol)
	}

	otel.SetTracerProvider(tp)

	var metricExporter sdkmetric.Reader
	switch strings.ToLower(cfg.Protocol) {
	case "", "grpc":
		exp, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(cfg.Endpoint), otlpmetricgrpc.WithInsecure())
		if err != nil {
			return nil, err
		}
		metricExporter = sdkmetric.NewPeriodicReader(exp)
	case "http":
		exp, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(cfg.Endpoint), otlpmetrichttp.WithInsecure())
		if err != nil {
			return nil, err
		}
		metricExporter = sdkmetric.NewPeriodicReader(exp)
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(metricExporter))
	otel.SetMeterProvider(mp)

	p := &Provider{
		Enabled:               true,
		tracer:                tp.Tracer("triage"),
		meter:                 mp.Meter("triage"),
		shutdownTraceProvider: tp.Shutdown,
		shutdownMeterProvider: func(ctx context.Context) error {
			if mp != nil {
				return mp.Shutdown(ctx)
			}
			return nil
		},
	}
	p.initInstruments()
	return p, nil
}

func (p *Provider) initInstruments() {
	if p == nil {
		return
	}
	// Use meter to create instruments; ignore errors to keep telemetry best-effort.
	p.classifications, _ = p.meter.Int64Counter("triage_classifications_total")
	p.verdicts, _ = p.meter.Int64Counter("triage_council_verdicts_total")
	p.councilUnavailable, _ = p.meter.Int64Counter("triage_council_unavailable_total")
	p.alertDeliveries, _ = p.meter.Int64Counter("triage_alert_deliveries_total")
	p.manualEscalations, _ = p.meter.Int64Counter("triage_manual_escalations_total")
	p.collaboratorDuration, _ = p.meter.Float64Histogram("triage_collaborator_duration_ms")
}

// Tracer returns the tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil {
		return tracenoop.NewTracerProvider().Tracer("")
	}
	return p.tracer
}

// Meter returns the meter.
func (p *Provider) Meter() metric.Meter {
	if p == nil {
		return noop.NewMeterProvider().Meter("")
	}
	return p.meter
}

// StartSpan starts a span carrying only attributes that pass SafeAttributes.
func (p *Provider) StartSpan(ctx context.Context, name string, values map[string]interface{}) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, trace.WithAttributes(SafeAttributes(values)...))
}

// Shutdown flushes providers.
func (p *Provider) Shutdown(ctx context.Context) {
	if p == nil {
		return
	}
	if p.shutdownTraceProvider != nil {
		_ = p.shutdownTraceProvider(ctx)
	}
	if p.shutdownMeterProvider != nil {
		_ = p.shutdownMeterProvider(ctx)
	}
}

// RecordClassification counts one classifier answer. An empty category marks a failed call.
func (p *Provider) RecordClassification(ctx context.Context, category string, durMs float64) {
	if p == nil {
		return
	}
	if category == "" {
		category = "error"
	}
	labels := metric.WithAttributes(attribute.String("triage.category", category))
	p.classifications.Add(ctx, 1, labels)
	p.collaboratorDuration.Record(ctx, durMs, metric.WithAttributes(attribute.String("triage.collaborator", "classifier")))
}

// RecordAssessor records the latency of one assessor call.
func (p *Provider) RecordAssessor(ctx context.Context, model string, ok bool, durMs float64) {
	if p == nil {
		return
	}
	p.collaboratorDuration.Record(ctx, durMs, metric.WithAttributes(
		attribute.String("triage.collaborator", "assessor"),
		attribute.String("triage.model", model),
		attribute.Bool("triage.ok", ok),
	))
}

// RecordVerdict counts an aggregated council result.
func (p *Provider) RecordVerdict(ctx context.Context, urgency, rule string, votes int) {
	if p == nil {
		return
	}
	p.verdicts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("triage.urgency", urgency),
		attribute.String("triage.rule", rule),
		attribute.Int("triage.votes", votes),
	))
}

// RecordCouncilUnavailable counts council invocations that produced no vote.
func (p *Provider) RecordCouncilUnavailable(ctx context.Context) {
	if p == nil {
		return
	}
	p.councilUnavailable.Add(ctx, 1)
}

// RecordAlert counts one (contact, kind) delivery attempt.
func (p *Provider) RecordAlert(ctx context.Context, kind, status string) {
	if p == nil {
		return
	}
	p.alertDeliveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("triage.alert_kind", kind),
		attribute.String("triage.alert_status", status),
	))
}

// RecordManualEscalation counts escalations handed to a human.
func (p *Provider) RecordManualEscalation(ctx context.Context, reason string) {
	if p == nil {
		return
	}
	p.manualEscalations.Add(ctx, 1, metric.WithAttributes(attribute.String("triage.reason", reason)))
}
