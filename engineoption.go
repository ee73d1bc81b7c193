package orchestra

import (
	"fmt"
	"runtime"
	"time"

	"github.com/dogmatiq/dodeca/logging"
	"github.com/dogmatiq/linger/backoff"
	"github.com/dogmatiq/orchestra/bus"
	"github.com/dogmatiq/orchestra/definition"
	"github.com/dogmatiq/orchestra/dispatch"
	"github.com/dogmatiq/orchestra/interpreter"
	"github.com/dogmatiq/orchestra/journal"
	"github.com/dogmatiq/orchestra/persistence"
	"github.com/dogmatiq/orchestra/persistence/boltpersistence"
	"github.com/dogmatiq/orchestra/registry"
	"github.com/dogmatiq/orchestra/retry"
	"github.com/dogmatiq/orchestra/subprocess"
	"golang.org/x/time/rate"
)

var (
	// DefaultPersistenceProvider is the default persistence provider.
	//
	// It is overridden by the WithPersistence() option.
	DefaultPersistenceProvider persistence.Provider = &boltpersistence.FileProvider{
		Path: "/var/run/orchestra.boltdb",
	}

	// DefaultDataStoreKey is the key of the data-store opened by the engine.
	//
	// It is overridden by the WithDataStoreKey() option.
	DefaultDataStoreKey = "orchestra"

	// DefaultMaxSteps is the default ceiling on the number of step executions
	// of a process whose definition does not specify one.
	//
	// It is overridden by the WithMaxSteps() option.
	DefaultMaxSteps uint = interpreter.DefaultMaxSteps

	// DefaultMaxDepth is the default maximum nesting depth of subprocesses.
	//
	// It is overridden by the WithMaxDepth() option.
	DefaultMaxDepth uint = subprocess.DefaultMaxDepth

	// DefaultMessageTimeout is the default duration the engine waits for a
	// worker to reply to a command, used for steps that do not specify a
	// timeout.
	//
	// It is overridden by the WithMessageTimeout() option.
	DefaultMessageTimeout = interpreter.DefaultStepTimeout

	// DefaultSafetyMargin is the default amount by which the engine shortens
	// its wait for a reply, relative to the command's deadline.
	//
	// It is overridden by the WithSafetyMargin() option.
	DefaultSafetyMargin = dispatch.DefaultSafetyMargin

	// DefaultBackoff is the default backoff strategy for step retries.
	//
	// It is overridden by the WithBackoff() option.
	DefaultBackoff backoff.Strategy = retry.DefaultBackoff

	// DefaultConcurrencyLimit is the default number of processes to run
	// concurrently.
	//
	// It is overridden by the WithConcurrencyLimit() option.
	DefaultConcurrencyLimit = uint(runtime.GOMAXPROCS(0) * 16)

	// DefaultInlineThreshold is the default size above which subprocess
	// payloads are placed in the artifact store rather than inlined.
	//
	// It is overridden by the WithInlineThreshold() option.
	DefaultInlineThreshold = subprocess.DefaultInlineThreshold

	// DefaultEscalationTopic is the default topic on which escalated failures
	// are published.
	//
	// It is overridden by the WithEscalationTopic() option.
	DefaultEscalationTopic = bus.EventTopic

	// DefaultCheckpointInterval is the default number of events recorded
	// between checkpoints.
	//
	// It is overridden by the WithCheckpointInterval() option.
	DefaultCheckpointInterval uint64 = journal.DefaultCheckpointInterval

	// DefaultLogger is the default target for log messages produced by the
	// engine.
	//
	// It is overridden by the WithLogger() option.
	DefaultLogger = logging.DefaultLogger
)

// EngineOption configures the behavior of an engine.
type EngineOption func(*engineOptions)

// WithPersistence returns an engine option that sets the persistence provider
// used to store process state.
//
// If this option is omitted or p is nil, DefaultPersistenceProvider is used.
func WithPersistence(p persistence.Provider) EngineOption {
	return func(opts *engineOptions) {
		opts.PersistenceProvider = p
	}
}

// WithDataStoreKey returns an engine option that sets the key of the
// data-store opened by the engine.
//
// Engines that share a persistence provider must use distinct keys.
//
// If this option is omitted or k is empty, DefaultDataStoreKey is used.
func WithDataStoreKey(k string) EngineOption {
	return func(opts *engineOptions) {
		opts.DataStoreKey = k
	}
}

// WithBus returns an engine option that sets the message bus used to
// communicate with workers.
//
// This option is required.
func WithBus(b bus.Bus) EngineOption {
	if b == nil {
		panic("bus must not be nil")
	}

	return func(opts *engineOptions) {
		opts.Bus = b
	}
}

// WithRegistry returns an engine option that sets the registry used to locate
// workers.
//
// This option is required.
func WithRegistry(r registry.Registry) EngineOption {
	if r == nil {
		panic("registry must not be nil")
	}

	return func(opts *engineOptions) {
		opts.Registry = r
	}
}

// WithDefinitions returns an engine option that adds process definitions to
// the engine's catalog.
//
// A definition replaces any previously added definition with the same
// reference. It panics if any of the definitions is invalid.
func WithDefinitions(defs ...definition.Definition) EngineOption {
	return func(opts *engineOptions) {
		if opts.Catalog == nil {
			opts.Catalog = &definition.Catalog{}
		}

		for _, d := range defs {
			if err := opts.Catalog.Add(d); err != nil {
				panic(fmt.Sprintf("can not add definition %q: %s", d.Ref, err))
			}
		}
	}
}

// WithMaxSteps returns an engine option that sets the ceiling on the number
// of step executions of processes whose definitions do not specify one.
//
// If this option is omitted or n is zero, DefaultMaxSteps is used.
func WithMaxSteps(n uint) EngineOption {
	return func(opts *engineOptions) {
		opts.MaxSteps = n
	}
}

// WithMaxDepth returns an engine option that sets the maximum nesting depth of
// subprocesses.
//
// If this option is omitted or n is zero, DefaultMaxDepth is used.
func WithMaxDepth(n uint) EngineOption {
	return func(opts *engineOptions) {
		opts.MaxDepth = n
	}
}

// WithMessageTimeout returns an engine option that sets the duration the
// engine waits for a worker's reply to a command.
//
// If this option is omitted or d is zero, DefaultMessageTimeout is used.
//
// Individual steps may specify their own timeout, which takes precedence.
func WithMessageTimeout(d time.Duration) EngineOption {
	if d < 0 {
		panic("duration must not be negative")
	}

	return func(opts *engineOptions) {
		opts.MessageTimeout = d
	}
}

// WithSafetyMargin returns an engine option that sets the amount by which the
// engine shortens its wait for a reply relative to the command's deadline.
//
// If this option is omitted or d is zero, DefaultSafetyMargin is used.
func WithSafetyMargin(d time.Duration) EngineOption {
	if d < 0 {
		panic("duration must not be negative")
	}

	return func(opts *engineOptions) {
		opts.SafetyMargin = d
	}
}

// WithBackoff returns an engine option that sets the backoff strategy used to
// delay step retries.
//
// If this option is omitted or s is nil, DefaultBackoff is used.
func WithBackoff(s backoff.Strategy) EngineOption {
	return func(opts *engineOptions) {
		opts.Backoff = s
	}
}

// WithConcurrencyLimit returns an engine option that limits the number of
// processes that run at the same time.
//
// A paused process continues to count against the limit.
//
// If this option is omitted or n is zero, DefaultConcurrencyLimit is used.
func WithConcurrencyLimit(n uint) EngineOption {
	return func(opts *engineOptions) {
		opts.ConcurrencyLimit = n
	}
}

// WithInlineThreshold returns an engine option that sets the size above which
// subprocess payloads are placed in the artifact store.
//
// If this option is omitted or n is zero, DefaultInlineThreshold is used.
func WithInlineThreshold(n int) EngineOption {
	if n < 0 {
		panic("threshold must not be negative")
	}

	return func(opts *engineOptions) {
		opts.InlineThreshold = n
	}
}

// WithArtifactStore returns an engine option that sets the store used for
// subprocess payloads that are too large to inline.
//
// If this option is omitted or s is nil, payloads are kept in memory.
func WithArtifactStore(s subprocess.ArtifactStore) EngineOption {
	return func(opts *engineOptions) {
		opts.Artifacts = s
	}
}

// WithEscalationTopic returns an engine option that sets the topic on which
// escalated failures are published.
//
// If this option is omitted or t is empty, DefaultEscalationTopic is used.
func WithEscalationTopic(t string) EngineOption {
	return func(opts *engineOptions) {
		opts.EscalationTopic = t
	}
}

// WithRateLimit returns an engine option that limits the rate at which
// commands are sent to each worker.
//
// If this option is omitted or r is zero, sends are not rate limited.
func WithRateLimit(r rate.Limit, burst int) EngineOption {
	if r < 0 {
		panic("rate must not be negative")
	}

	if burst < 0 {
		panic("burst must not be negative")
	}

	return func(opts *engineOptions) {
		opts.RateLimit = r
		opts.RateBurst = burst
	}
}

// WithCheckpointInterval returns an engine option that sets the number of
// events recorded between checkpoints of a process's state.
//
// If this option is omitted or n is zero, DefaultCheckpointInterval is used.
func WithCheckpointInterval(n uint64) EngineOption {
	return func(opts *engineOptions) {
		opts.CheckpointInterval = n
	}
}

// WithLogger returns an engine option that sets the target for log messages
// produced by the engine.
//
// If this option is omitted or l is nil DefaultLogger is used.
func WithLogger(l logging.Logger) EngineOption {
	return func(opts *engineOptions) {
		opts.Logger = l
	}
}

// engineOptions is a container for a fully-resolved set of engine options.
type engineOptions struct {
	PersistenceProvider persistence.Provider
	DataStoreKey        string
	Bus                 bus.Bus
	Registry            registry.Registry
	Catalog             *definition.Catalog
	MaxSteps            uint
	MaxDepth            uint
	MessageTimeout      time.Duration
	SafetyMargin        time.Duration
	Backoff             backoff.Strategy
	ConcurrencyLimit    uint
	InlineThreshold     int
	Artifacts           subprocess.ArtifactStore
	EscalationTopic     string
	RateLimit           rate.Limit
	RateBurst           int
	CheckpointInterval  uint64
	Logger              logging.Logger
}

// resolveEngineOptions returns a fully-populated set of engine options built
// from the given set of option functions.
func resolveEngineOptions(options ...EngineOption) *engineOptions {
	opts := &engineOptions{}

	for _, o := range options {
		o(opts)
	}

	if opts.Bus == nil {
		panic("no message bus configured, see orchestra.WithBus()")
	}

	if opts.Registry == nil {
		panic("no worker registry configured, see orchestra.WithRegistry()")
	}

	if opts.PersistenceProvider == nil {
		opts.PersistenceProvider = DefaultPersistenceProvider
	}

	if opts.DataStoreKey == "" {
		opts.DataStoreKey = DefaultDataStoreKey
	}

	if opts.Catalog == nil {
		opts.Catalog = &definition.Catalog{}
	}

	if opts.MaxSteps == 0 {
		opts.MaxSteps = DefaultMaxSteps
	}

	if opts.MaxDepth == 0 {
		opts.MaxDepth = DefaultMaxDepth
	}

	if opts.MessageTimeout == 0 {
		opts.MessageTimeout = DefaultMessageTimeout
	}

	if opts.SafetyMargin == 0 {
		opts.SafetyMargin = DefaultSafetyMargin
	}

	if opts.Backoff == nil {
		opts.Backoff = DefaultBackoff
	}

	if opts.ConcurrencyLimit == 0 {
		opts.ConcurrencyLimit = DefaultConcurrencyLimit
	}

	if opts.InlineThreshold == 0 {
		opts.InlineThreshold = DefaultInlineThreshold
	}

	if opts.Artifacts == nil {
		opts.Artifacts = &subprocess.MemoryStore{}
	}

	if opts.EscalationTopic == "" {
		opts.EscalationTopic = DefaultEscalationTopic
	}

	if opts.CheckpointInterval == 0 {
		opts.CheckpointInterval = DefaultCheckpointInterval
	}

	if opts.Logger == nil {
		opts.Logger = DefaultLogger
	}

	return opts
}
