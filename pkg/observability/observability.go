// Package observability wires OpenTelemetry metrics and structured
// logging for the back office. Sync jobs, portal calls and the process
// engine report through the RED instruments here; an empty OTLP
// endpoint leaves telemetry off and only the logger configured.
package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config configures the metric provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // e.g. "localhost:4317"; empty disables export
	ExportInterval time.Duration // periodic reader interval
	Insecure       bool
}

// DefaultConfig returns development defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "taxops-backoffice",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		ExportInterval: 15 * time.Second,
		Insecure:       true,
	}
}

// Provider manages the OpenTelemetry meter provider and the RED-style
// instruments shared by the sync and process layers.
type Provider struct {
	config        *Config
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	logger        *slog.Logger

	jobCounter   metric.Int64Counter
	errorCounter metric.Int64Counter
	durationHist metric.Float64Histogram
	activeJobs   metric.Int64UpDownCounter
}

// New creates an observability provider. With no OTLP endpoint the
// provider still hands out instruments, backed by the default no-op
// meter, so callers never branch on whether telemetry is on.
func New(ctx context.Context, log *slog.Logger, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: log.With("component", "observability"),
	}

	if config.OTLPEndpoint != "" {
		res, err := resource.Merge(
			resource.Default(),
			resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
				semconv.DeploymentEnvironment(config.Environment),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("create resource: %w", err)
		}
		if err := p.initMetricProvider(ctx, res); err != nil {
			return nil, fmt.Errorf("init metric provider: %w", err)
		}
	}

	p.meter = otel.Meter("taxops.backoffice",
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)
	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("init instruments: %w", err)
	}

	if config.OTLPEndpoint != "" {
		p.logger.InfoContext(ctx, "metrics export enabled",
			"service", config.ServiceName,
			"endpoint", config.OTLPEndpoint,
			"interval", config.ExportInterval,
		)
	}
	return p, nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}

	interval := p.config.ExportInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(interval),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	p.jobCounter, err = p.meter.Int64Counter("taxops.jobs.total",
		metric.WithDescription("Total sync and process jobs handled"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return err
	}
	p.errorCounter, err = p.meter.Int64Counter("taxops.errors.total",
		metric.WithDescription("Total job and portal errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}
	p.durationHist, err = p.meter.Float64Histogram("taxops.job.duration",
		metric.WithDescription("Job duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return err
	}
	p.activeJobs, err = p.meter.Int64UpDownCounter("taxops.jobs.active",
		metric.WithDescription("Jobs currently running"),
		metric.WithUnit("{job}"),
	)
	return err
}

// Shutdown flushes pending metrics and stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.meterProvider == nil {
		return nil
	}
	return p.meterProvider.Shutdown(ctx)
}

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter("taxops.backoffice")
	}
	return p.meter
}

// RecordError counts an error with its Go type attached.
func (p *Provider) RecordError(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	if p.errorCounter != nil {
		all := append(attrs, attribute.String("error.type", fmt.Sprintf("%T", err)))
		p.errorCounter.Add(ctx, 1, metric.WithAttributes(all...))
	}
}

// TrackJob records the start of a job and returns the function to call
// when it finishes. Duration and outcome are recorded on completion.
func (p *Provider) TrackJob(ctx context.Context, name string, attrs ...attribute.KeyValue) func(error) {
	start := time.Now()
	attrs = append(attrs, attribute.String("job.name", name))

	if p.activeJobs != nil {
		p.activeJobs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if p.jobCounter != nil {
		p.jobCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	return func(err error) {
		if p.activeJobs != nil {
			p.activeJobs.Add(ctx, -1, metric.WithAttributes(attrs...))
		}
		if p.durationHist != nil {
			p.durationHist.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		}
		if err != nil {
			p.RecordError(ctx, err, attrs...)
		}
	}
}

// NewLogger builds the process-wide slog logger. Level is one of
// DEBUG, INFO, WARN, ERROR (case insensitive); anything else falls
// back to INFO.
func NewLogger(w io.Writer, level string) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	var lvl slog.Level
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN", "WARNING":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}
