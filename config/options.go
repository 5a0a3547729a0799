package config

// Option mutates a Config in place. NewBroker accepts a variadic list of
// these to honour legacy positional constructor parameters (max_queue_size,
// max_retry) as overrides on top of whatever Config it was otherwise given.
type Option func(*Config)

// WithMaxQueueSize overrides MaxQueueSize.
func WithMaxQueueSize(n int) Option {
	return func(c *Config) { c.MaxQueueSize = n }
}

// WithMaxRetry overrides RetryMaxAttempts.
func WithMaxRetry(n int) Option {
	return func(c *Config) { c.RetryMaxAttempts = n }
}

// WithNumWorkers overrides NumWorkers.
func WithNumWorkers(n int) Option {
	return func(c *Config) { c.NumWorkers = n }
}

// WithBatching overrides EnableBatching, BatchSize, and BatchTimeoutMS
// together, since batching only makes sense configured as a unit.
func WithBatching(size int, timeoutMS int) Option {
	return func(c *Config) {
		c.EnableBatching = true
		c.BatchSize = size
		c.BatchTimeoutMS = timeoutMS
	}
}

// Apply runs every option against cfg in order.
func Apply(cfg *Config, opts ...Option) {
	for _, opt := range opts {
		opt(cfg)
	}
}
