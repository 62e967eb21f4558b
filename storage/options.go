package storage

import (
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/domstore/pkg/telemetry"
)

// Options holds the recognized configuration for an Engine, following
// the plain-struct-with-defaults shape used elsewhere in this codebase
// (telemetry.Config, logger.Config) rather than a config file format.
type Options struct {
	PageSize        int
	BTreeBuffers    int
	DataBuffers     int
	KeyLen          int16
	LockTimeout     time.Duration
	ReadOnly        bool
	Logger          *zap.Logger
	TelemetryConfig telemetry.Config
}

// Option mutates an Options value; apply with Create/Open.
type Option func(*Options)

func defaultOptions() Options {
	return Options{
		PageSize:     4096,
		BTreeBuffers: 256,
		DataBuffers:  256,
		KeyLen:       0, // 0 means variable-length keys
		LockTimeout:  60 * time.Second,
		TelemetryConfig: telemetry.Config{
			Enabled:          false,
			ServiceName:      "domstore",
			TraceSampleRatio: 1.0,
		},
	}
}

// WithPageSize sets the on-disk page size used when creating a new
// file. Open checks it against the page size persisted in the file's
// header and fails with storeerr.ErrCorruption if they differ.
func WithPageSize(n int) Option { return func(o *Options) { o.PageSize = n } }

// WithBTreeBuffers sets the B+-tree node cache capacity. Default 256.
func WithBTreeBuffers(n int) Option { return func(o *Options) { o.BTreeBuffers = n } }

// WithDataBuffers sets the data-page cache capacity. Default 256.
func WithDataBuffers(n int) Option { return func(o *Options) { o.DataBuffers = n } }

// WithKeyLen records a fixed key length hint in Options.KeyLen. 0 (the
// default) means keys are variable length. The engine does not pass the
// value to the B+-tree or the file header, and key lengths are not
// checked against it.
func WithKeyLen(n int16) Option { return func(o *Options) { o.KeyLen = n } }

// WithLockTimeout sets the engine lock's default acquisition timeout.
// Default 60s, per spec.md §5's recommendation.
func WithLockTimeout(d time.Duration) Option { return func(o *Options) { o.LockTimeout = d } }

// WithLogger injects a logger instead of the default console logger
// built by pkg/logger.
func WithLogger(l *zap.Logger) Option { return func(o *Options) { o.Logger = l } }

// WithReadOnly opens the engine in read-only mode: every mutating
// method (Put, UpdateKey, UpdateAddress, RemoveKey, RemoveAddress,
// InsertAfter, InsertAfterKey) rejects with storeerr.ErrReadOnly
// instead of acquiring the engine lock. Default false.
func WithReadOnly(ro bool) Option { return func(o *Options) { o.ReadOnly = ro } }

// WithTelemetry enables and configures OpenTelemetry metrics/tracing
// for the engine's internal counters. Disabled by default.
func WithTelemetry(cfg telemetry.Config) Option { return func(o *Options) { o.TelemetryConfig = cfg } }
