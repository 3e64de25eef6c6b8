package bus

import "github.com/dshills/pathbus/internal/bus/path"

// Logger is the minimal leveled logger the bus emits to. The
// application's logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// nopLogger discards everything.
type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// PanicHandler is called when a subscriber callback panics.
type PanicHandler func(p path.Path, recovered any, stack []byte)

// busConfig contains bus configuration.
type busConfig struct {
	maxRetained  int
	logger       Logger
	panicHandler PanicHandler
}

func defaultBusConfig() busConfig {
	return busConfig{
		maxRetained: DefaultMaxRetained,
		logger:      nopLogger{},
	}
}

// Option configures a Bus.
type Option func(*busConfig)

// WithMaxRetained bounds the delta history kept per node. A consumer
// whose last seen version falls outside the window gets
// ErrResyncRequired instead of a partial replay.
func WithMaxRetained(n int) Option {
	return func(c *busConfig) {
		c.maxRetained = n
	}
}

// WithLogger sets the bus logger.
func WithLogger(l Logger) Option {
	return func(c *busConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithPanicHandler sets a handler invoked when a subscriber callback
// panics. The panic is always recovered and delivery to the remaining
// subscribers continues regardless.
func WithPanicHandler(h PanicHandler) Option {
	return func(c *busConfig) {
		c.panicHandler = h
	}
}
