package orchestra

import (
	"time"

	"github.com/dogmatiq/dodeca/logging"
	"github.com/dogmatiq/linger/backoff"
	"github.com/dogmatiq/orchestra/bus/memorybus"
	"github.com/dogmatiq/orchestra/definition"
	"github.com/dogmatiq/orchestra/persistence/memorypersistence"
	"github.com/dogmatiq/orchestra/registry/memoryregistry"
	"github.com/dogmatiq/orchestra/subprocess"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/time/rate"
)

var (
	testBus      = &memorybus.Bus{}
	testRegistry = &memoryregistry.Registry{}
)

// required returns the options that every engine must be given, followed by
// options.
func required(options ...EngineOption) []EngineOption {
	return append(
		[]EngineOption{
			WithBus(testBus),
			WithRegistry(testRegistry),
		},
		options...,
	)
}

var _ = Describe("func resolveEngineOptions()", func() {
	It("panics if no bus is configured", func() {
		Expect(func() {
			resolveEngineOptions(WithRegistry(testRegistry))
		}).To(PanicWith("no message bus configured, see orchestra.WithBus()"))
	})

	It("panics if no registry is configured", func() {
		Expect(func() {
			resolveEngineOptions(WithBus(testBus))
		}).To(PanicWith("no worker registry configured, see orchestra.WithRegistry()"))
	})

	It("provides defaults for the optional options", func() {
		opts := resolveEngineOptions(required()...)

		Expect(opts.PersistenceProvider).To(Equal(DefaultPersistenceProvider))
		Expect(opts.DataStoreKey).To(Equal(DefaultDataStoreKey))
		Expect(opts.Catalog.Refs()).To(BeEmpty())
		Expect(opts.MaxSteps).To(Equal(DefaultMaxSteps))
		Expect(opts.MaxDepth).To(Equal(DefaultMaxDepth))
		Expect(opts.MessageTimeout).To(Equal(DefaultMessageTimeout))
		Expect(opts.SafetyMargin).To(Equal(DefaultSafetyMargin))
		Expect(opts.ConcurrencyLimit).To(Equal(DefaultConcurrencyLimit))
		Expect(opts.InlineThreshold).To(Equal(DefaultInlineThreshold))
		Expect(opts.Artifacts).To(BeAssignableToTypeOf(&subprocess.MemoryStore{}))
		Expect(opts.EscalationTopic).To(Equal(DefaultEscalationTopic))
		Expect(opts.CheckpointInterval).To(Equal(DefaultCheckpointInterval))
		Expect(opts.Logger).To(BeIdenticalTo(DefaultLogger))
	})
})

var _ = Describe("func WithPersistence()", func() {
	It("sets the persistence provider", func() {
		p := &memorypersistence.Provider{}

		opts := resolveEngineOptions(required(WithPersistence(p))...)

		Expect(opts.PersistenceProvider).To(BeIdenticalTo(p))
	})

	It("uses the default if the provider is nil", func() {
		opts := resolveEngineOptions(required(WithPersistence(nil))...)

		Expect(opts.PersistenceProvider).To(Equal(DefaultPersistenceProvider))
	})
})

var _ = Describe("func WithBus()", func() {
	It("panics if the bus is nil", func() {
		Expect(func() {
			WithBus(nil)
		}).To(PanicWith("bus must not be nil"))
	})
})

var _ = Describe("func WithRegistry()", func() {
	It("panics if the registry is nil", func() {
		Expect(func() {
			WithRegistry(nil)
		}).To(PanicWith("registry must not be nil"))
	})
})

var _ = Describe("func WithDefinitions()", func() {
	def := definition.Definition{
		Ref: "<ref>",
		Steps: []definition.Step{
			{ID: "A", Action: "<action>", Next: "B"},
			{ID: "B", Kind: definition.TerminalKind},
		},
	}

	It("adds the definitions to the catalog", func() {
		opts := resolveEngineOptions(required(WithDefinitions(def))...)

		Expect(opts.Catalog.Refs()).To(Equal([]string{"<ref>"}))
	})

	It("accumulates definitions across options", func() {
		other := def
		other.Ref = "<other>"

		opts := resolveEngineOptions(
			required(
				WithDefinitions(def),
				WithDefinitions(other),
			)...,
		)

		Expect(opts.Catalog.Refs()).To(Equal([]string{"<other>", "<ref>"}))
	})

	It("panics if a definition is invalid", func() {
		invalid := def
		invalid.Steps = []definition.Step{
			{ID: "A", Action: "<action>", Next: "A"},
		}

		Expect(func() {
			resolveEngineOptions(required(WithDefinitions(invalid))...)
		}).To(Panic())
	})
})

var _ = Describe("func WithMaxSteps()", func() {
	It("sets the step ceiling", func() {
		opts := resolveEngineOptions(required(WithMaxSteps(10))...)
		Expect(opts.MaxSteps).To(BeEquivalentTo(10))
	})

	It("uses the default if the ceiling is zero", func() {
		opts := resolveEngineOptions(required(WithMaxSteps(0))...)
		Expect(opts.MaxSteps).To(Equal(DefaultMaxSteps))
	})
})

var _ = Describe("func WithMaxDepth()", func() {
	It("sets the maximum subprocess depth", func() {
		opts := resolveEngineOptions(required(WithMaxDepth(2))...)
		Expect(opts.MaxDepth).To(BeEquivalentTo(2))
	})

	It("uses the default if the depth is zero", func() {
		opts := resolveEngineOptions(required(WithMaxDepth(0))...)
		Expect(opts.MaxDepth).To(Equal(DefaultMaxDepth))
	})
})

var _ = Describe("func WithMessageTimeout()", func() {
	It("sets the message timeout", func() {
		opts := resolveEngineOptions(required(WithMessageTimeout(10 * time.Minute))...)
		Expect(opts.MessageTimeout).To(Equal(10 * time.Minute))
	})

	It("uses the default if the duration is zero", func() {
		opts := resolveEngineOptions(required(WithMessageTimeout(0))...)
		Expect(opts.MessageTimeout).To(Equal(DefaultMessageTimeout))
	})

	It("panics if the duration is less than zero", func() {
		Expect(func() {
			WithMessageTimeout(-1)
		}).To(PanicWith("duration must not be negative"))
	})
})

var _ = Describe("func WithSafetyMargin()", func() {
	It("sets the safety margin", func() {
		opts := resolveEngineOptions(required(WithSafetyMargin(time.Second))...)
		Expect(opts.SafetyMargin).To(Equal(time.Second))
	})

	It("uses the default if the duration is zero", func() {
		opts := resolveEngineOptions(required(WithSafetyMargin(0))...)
		Expect(opts.SafetyMargin).To(Equal(DefaultSafetyMargin))
	})

	It("panics if the duration is less than zero", func() {
		Expect(func() {
			WithSafetyMargin(-1)
		}).To(PanicWith("duration must not be negative"))
	})
})

var _ = Describe("func WithBackoff()", func() {
	It("sets the backoff strategy", func() {
		s := backoff.Constant(10 * time.Second)

		opts := resolveEngineOptions(required(WithBackoff(s))...)

		Expect(opts.Backoff(nil, 1)).To(Equal(10 * time.Second))
	})

	It("uses the default if the strategy is nil", func() {
		opts := resolveEngineOptions(required(WithBackoff(nil))...)
		Expect(opts.Backoff).ToNot(BeNil())
	})
})

var _ = Describe("func WithConcurrencyLimit()", func() {
	It("sets the concurrency limit", func() {
		opts := resolveEngineOptions(required(WithConcurrencyLimit(10))...)
		Expect(opts.ConcurrencyLimit).To(BeEquivalentTo(10))
	})

	It("uses the default if the limit is zero", func() {
		opts := resolveEngineOptions(required(WithConcurrencyLimit(0))...)
		Expect(opts.ConcurrencyLimit).To(Equal(DefaultConcurrencyLimit))
	})
})

var _ = Describe("func WithInlineThreshold()", func() {
	It("sets the inline threshold", func() {
		opts := resolveEngineOptions(required(WithInlineThreshold(1024))...)
		Expect(opts.InlineThreshold).To(Equal(1024))
	})

	It("uses the default if the threshold is zero", func() {
		opts := resolveEngineOptions(required(WithInlineThreshold(0))...)
		Expect(opts.InlineThreshold).To(Equal(DefaultInlineThreshold))
	})

	It("panics if the threshold is less than zero", func() {
		Expect(func() {
			WithInlineThreshold(-1)
		}).To(PanicWith("threshold must not be negative"))
	})
})

var _ = Describe("func WithArtifactStore()", func() {
	It("sets the artifact store", func() {
		s := &subprocess.MemoryStore{}

		opts := resolveEngineOptions(required(WithArtifactStore(s))...)

		Expect(opts.Artifacts).To(BeIdenticalTo(s))
	})
})

var _ = Describe("func WithEscalationTopic()", func() {
	It("sets the escalation topic", func() {
		opts := resolveEngineOptions(required(WithEscalationTopic("<topic>"))...)
		Expect(opts.EscalationTopic).To(Equal("<topic>"))
	})

	It("uses the default if the topic is empty", func() {
		opts := resolveEngineOptions(required(WithEscalationTopic(""))...)
		Expect(opts.EscalationTopic).To(Equal(DefaultEscalationTopic))
	})
})

var _ = Describe("func WithRateLimit()", func() {
	It("sets the rate limit", func() {
		opts := resolveEngineOptions(required(WithRateLimit(5, 2))...)
		Expect(opts.RateLimit).To(Equal(rate.Limit(5)))
		Expect(opts.RateBurst).To(Equal(2))
	})

	It("panics if the rate is less than zero", func() {
		Expect(func() {
			WithRateLimit(-1, 1)
		}).To(PanicWith("rate must not be negative"))
	})
})

var _ = Describe("func WithCheckpointInterval()", func() {
	It("sets the checkpoint interval", func() {
		opts := resolveEngineOptions(required(WithCheckpointInterval(8))...)
		Expect(opts.CheckpointInterval).To(BeEquivalentTo(8))
	})
})

var _ = Describe("func WithLogger()", func() {
	It("sets the logger", func() {
		l := logging.DiscardLogger{}

		opts := resolveEngineOptions(required(WithLogger(l))...)

		Expect(opts.Logger).To(Equal(l))
	})

	It("uses the default if the logger is nil", func() {
		opts := resolveEngineOptions(required(WithLogger(nil))...)
		Expect(opts.Logger).To(BeIdenticalTo(DefaultLogger))
	})
})
