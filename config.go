package cropflow

import (
	"fmt"

	"github.com/cropflow/cropflow/service/outbox"
	"github.com/cropflow/cropflow/service/processor"
)

// Config is a serialisable representation of the engine configuration. It
// can be populated from JSON, YAML, environment variables, etc. The
// zero-value is useful, all nested fields inherit their package defaults.
type Config struct {
	Processor processor.Config `json:"processor" yaml:"processor"`
	Outbox    outbox.Config    `json:"outbox" yaml:"outbox"`
}

// DefaultConfig returns a Config populated with the same defaults the
// constructors apply on their own. Callers may modify the returned struct
// before passing it to NewFromConfig.
func DefaultConfig() *Config {
	return &Config{
		Processor: processor.DefaultConfig(),
		Outbox:    outbox.DefaultConfig(),
	}
}

// Validate returns an error describing invalid settings or nil.
func (c *Config) Validate() error {
	if c == nil {
		return nil
	}
	if c.Processor.WorkerCount <= 0 {
		return fmt.Errorf("processor.workerCount must be > 0")
	}
	if c.Outbox.MaxAttempts <= 0 {
		return fmt.Errorf("outbox.maxAttempts must be > 0")
	}
	if c.Outbox.BatchSize <= 0 {
		return fmt.Errorf("outbox.batchSize must be > 0")
	}
	return nil
}
