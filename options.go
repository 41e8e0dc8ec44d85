package eventsourced

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/aneshas/eventsourced"

	defaultBatchSize = 256
)

// Cfg represents configuration shared by the event log, stores, hydrator and projections
type Cfg struct {
	BatchSize      int
	CallTimeout    time.Duration
	VerifyAppends  bool
	StreamPrefix   string
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	RetryMaxTries  uint
}

// Option represents a configuration option
type Option func(Cfg) Cfg

// WithBatchSize sets how many records are read from the broker at once
func WithBatchSize(n int) Option {
	return func(cfg Cfg) Cfg {
		cfg.BatchSize = n

		return cfg
	}
}

// WithCallTimeout bounds every single broker call. A timed out call
// fails with ErrLogUnavailable or ErrStoreUnavailable.
func WithCallTimeout(d time.Duration) Option {
	return func(cfg Cfg) Cfg {
		cfg.CallTimeout = d

		return cfg
	}
}

// WithVerifyAppends makes the event log read back every append and compare
// it with what was written
func WithVerifyAppends(verify bool) Option {
	return func(cfg Cfg) Cfg {
		cfg.VerifyAppends = verify

		return cfg
	}
}

// WithStreamPrefix namespaces snapshot and cursor buckets
func WithStreamPrefix(prefix string) Option {
	return func(cfg Cfg) Cfg {
		cfg.StreamPrefix = prefix

		return cfg
	}
}

// WithLogger sets a structured logger, slog.Default() is used otherwise
func WithLogger(l *slog.Logger) Option {
	return func(cfg Cfg) Cfg {
		cfg.Logger = l

		return cfg
	}
}

// WithTracerProvider sets the provider spans are created with,
// the global otel provider is used otherwise
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(cfg Cfg) Cfg {
		cfg.TracerProvider = tp

		return cfg
	}
}

// WithRetryMaxTries limits how many times projections retry transient
// broker failures before faulting. 0 retries until the context is done.
func WithRetryMaxTries(n uint) Option {
	return func(cfg Cfg) Cfg {
		cfg.RetryMaxTries = n

		return cfg
	}
}

func newCfg(opts []Option) Cfg {
	cfg := Cfg{
		BatchSize: defaultBatchSize,
	}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}

	return cfg
}

func (cfg Cfg) tracer() trace.Tracer {
	return cfg.TracerProvider.Tracer(instrumentationName)
}

func (cfg Cfg) bucket(name string) string {
	if cfg.StreamPrefix == "" {
		return name
	}

	return cfg.StreamPrefix + "_" + name
}

// callCtx derives the context a single broker call runs with
func (cfg Cfg) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if cfg.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, cfg.CallTimeout)
}
