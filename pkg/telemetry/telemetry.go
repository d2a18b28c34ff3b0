// Package telemetry wires OpenTelemetry tracing for quadgated: one span per
// authentication attempt with a child span per gate.
package telemetry

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.25.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"quadgate/pkg/config"
	"quadgate/pkg/models"
)

const (
	defaultServiceName  = "quadgated"
	instrumentationName = "quadgate"
)

type Options struct {
	ServiceName string
	// Endpoint is the OTLP/HTTP collector host:port. Empty keeps spans local.
	Endpoint   string
	Headers    map[string]string
	Timeout    time.Duration
	Insecure   bool
	Required   bool
	Sampler    string
	SamplerArg string
}

// OptionsFromEnv reads the standard OTEL_* variables.
func OptionsFromEnv(serviceName string) Options {
	return Options{
		ServiceName: serviceName,
		Endpoint:    strings.TrimSpace(config.Env("OTEL_EXPORTER_OTLP_ENDPOINT", "")),
		Headers:     parseHeaders(config.Env("OTEL_EXPORTER_OTLP_HEADERS", "")),
		Timeout:     config.EnvDurationSec("OTEL_EXPORTER_OTLP_TIMEOUT_SEC", 5),
		Insecure:    config.EnvBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		Required:    config.EnvBool("OTEL_REQUIRED", false),
		Sampler:     config.Env("OTEL_TRACES_SAMPLER", ""),
		SamplerArg:  config.Env("OTEL_TRACES_SAMPLER_ARG", ""),
	}
}

// InitFromEnv is Init with OptionsFromEnv.
func InitFromEnv(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	return Init(ctx, OptionsFromEnv(serviceName))
}

// Init installs the global tracer provider and returns its shutdown. An
// exporter that cannot start is fatal only when o.Required is set.
func Init(ctx context.Context, o Options) (func(context.Context) error, error) {
	name := strings.TrimSpace(o.ServiceName)
	if name == "" {
		name = defaultServiceName
	}
	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(name),
	))
	base := []trace.TracerProviderOption{
		trace.WithResource(res),
		trace.WithSampler(parseSampler(o.Sampler, o.SamplerArg)),
	}
	if o.Endpoint == "" {
		return install(base...), nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(o.Endpoint)}
	if o.Timeout > 0 {
		opts = append(opts, otlptracehttp.WithTimeout(o.Timeout))
	}
	if o.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(o.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(o.Headers))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		if o.Required {
			return nil, err
		}
		log.Printf("telemetry: exporter disabled, spans stay local: %v", err)
		return install(base...), nil
	}
	return install(append(base, trace.WithBatcher(exporter))...), nil
}

func install(opts ...trace.TracerProviderOption) func(context.Context) error {
	tp := trace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp.Shutdown
}

func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

func EndSpan(span oteltrace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// StartGate opens the child span for one gate evaluation.
func StartGate(ctx context.Context, gate models.GateID) (context.Context, oteltrace.Span) {
	return StartSpan(ctx, "quadgate.gate", attribute.String("quadgate.gate", string(gate)))
}

// EndGate annotates span with the gate result. An attempted gate that failed
// marks the span as an error; a gate that was not attempted does not.
func EndGate(span oteltrace.Span, res models.GateResult) {
	span.SetAttributes(
		attribute.Bool("quadgate.attempted", res.Attempted),
		attribute.Bool("quadgate.success", res.Success),
		attribute.Int("quadgate.confidence", res.Confidence),
		attribute.String("quadgate.reason", res.Reason),
	)
	var err error
	if res.Attempted && !res.Success {
		err = errors.New(res.Reason)
	}
	EndSpan(span, err)
}

// EndDecision annotates the attempt span. Denies are not span errors.
func EndDecision(span oteltrace.Span, d models.Decision) {
	span.SetAttributes(
		attribute.String("quadgate.decision_id", d.DecisionID),
		attribute.String("quadgate.outcome", string(d.Outcome)),
		attribute.StringSlice("quadgate.reasons", d.Reasons),
	)
	EndSpan(span, nil)
}

func parseSampler(name, arg string) trace.Sampler {
	ratio := 1.0
	if v, err := strconv.ParseFloat(strings.TrimSpace(arg), 64); err == nil {
		ratio = min(max(v, 0), 1)
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "always_on":
		return trace.AlwaysSample()
	case "always_off":
		return trace.NeverSample()
	case "traceidratio":
		return trace.TraceIDRatioBased(ratio)
	default:
		return trace.ParentBased(trace.TraceIDRatioBased(ratio))
	}
}

// HTTPMiddleware instruments inbound handlers.
func HTTPMiddleware(serviceName string) func(http.Handler) http.Handler {
	serviceName = strings.TrimSpace(serviceName)
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	return otelhttp.NewMiddleware(serviceName)
}

// InstrumentClient wraps client's transport so outbound scorer calls carry
// the trace context. It mutates and returns client.
func InstrumentClient(client *http.Client) *http.Client {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client.Transport = otelhttp.NewTransport(base)
	return client
}

// parseHeaders reads "k1=v1,k2=v2".
func parseHeaders(raw string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(part, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			continue
		}
		out[k] = strings.TrimSpace(v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
