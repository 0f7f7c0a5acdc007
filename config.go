package rangefetch

import (
	"io"
	"log"
	"time"
)

const (
	// DefaultChunkSize is the default size of a single range request.
	DefaultChunkSize = 10 * 1024 * 1024
	// DefaultMaxConcurrentRequests is the default number of in-flight
	// range requests allowed at once.
	DefaultMaxConcurrentRequests = 8
	// DefaultMaxRetries is the default number of retries permitted per
	// range before giving up.
	DefaultMaxRetries = 3
	// DefaultRetryDelayMs is the default initial backoff delay, in
	// milliseconds, used by the retry policy.
	DefaultRetryDelayMs = 1000
	// DefaultTempFileExtension is appended to the final filename to form
	// the in-progress temp file's name.
	DefaultTempFileExtension = ".tmp"
	// DefaultConnectionTimeout bounds every individual HTTP call (HEAD,
	// range GET, whole-body GET).
	DefaultConnectionTimeout = 30 * time.Second
	// DefaultProgressInterval is how often the periodic progress timer
	// ticks while a fetch with a progress callback is in flight.
	DefaultProgressInterval = 500 * time.Millisecond
)

// Config holds the immutable, copy-on-modify settings for a
// RangeRequestClient or FileDownloader. The zero Config is not usable
// directly; construct one with DefaultConfig.
type Config struct {
	ChunkSize             int64
	MaxConcurrentRequests int
	Headers               map[string]string
	MaxRetries            int
	RetryDelayMs          int64
	TempFileExtension     string
	ConnectionTimeout     time.Duration
	ProgressInterval      time.Duration

	// TimingsOut receives timing instrumentation lines (per-phase
	// duration). Discarded by default, in the style of the teacher
	// lineage's NewWithLoggers.
	TimingsOut *log.Logger
	// DebugOut receives per-fetch debug lines, tagged with a
	// correlation id. Discarded by default.
	DebugOut *log.Logger
}

// DefaultConfig returns a Config populated entirely with defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:             DefaultChunkSize,
		MaxConcurrentRequests: DefaultMaxConcurrentRequests,
		Headers:               map[string]string{},
		MaxRetries:            DefaultMaxRetries,
		RetryDelayMs:          DefaultRetryDelayMs,
		TempFileExtension:     DefaultTempFileExtension,
		ConnectionTimeout:     DefaultConnectionTimeout,
		ProgressInterval:      DefaultProgressInterval,
		TimingsOut:            log.New(io.Discard, "", 0),
		DebugOut:              log.New(io.Discard, "", 0),
	}
}

// Option mutates a Config copy. Used with Config.CopyWith.
type Option func(*Config)

// WithChunkSize overrides ChunkSize.
func WithChunkSize(n int64) Option {
	return func(c *Config) { c.ChunkSize = n }
}

// WithMaxConcurrentRequests overrides MaxConcurrentRequests.
func WithMaxConcurrentRequests(n int) Option {
	return func(c *Config) { c.MaxConcurrentRequests = n }
}

// WithHeaders overrides Headers. The provided map is copied.
func WithHeaders(h map[string]string) Option {
	return func(c *Config) {
		copied := make(map[string]string, len(h))
		for k, v := range h {
			copied[k] = v
		}
		c.Headers = copied
	}
}

// WithMaxRetries overrides MaxRetries.
func WithMaxRetries(n int) Option {
	return func(c *Config) { c.MaxRetries = n }
}

// WithRetryDelayMs overrides RetryDelayMs.
func WithRetryDelayMs(ms int64) Option {
	return func(c *Config) { c.RetryDelayMs = ms }
}

// WithTempFileExtension overrides TempFileExtension.
func WithTempFileExtension(ext string) Option {
	return func(c *Config) { c.TempFileExtension = ext }
}

// WithConnectionTimeout overrides ConnectionTimeout.
func WithConnectionTimeout(d time.Duration) Option {
	return func(c *Config) { c.ConnectionTimeout = d }
}

// WithProgressInterval overrides ProgressInterval.
func WithProgressInterval(d time.Duration) Option {
	return func(c *Config) { c.ProgressInterval = d }
}

// WithLoggers overrides TimingsOut and DebugOut. A nil argument leaves the
// corresponding logger unchanged.
func WithLoggers(timings, debug *log.Logger) Option {
	return func(c *Config) {
		if timings != nil {
			c.TimingsOut = timings
		}
		if debug != nil {
			c.DebugOut = debug
		}
	}
}

// CopyWith returns a new Config equal to c with the given options applied.
// Called with no options, it returns a field-wise-equal copy of c.
func (c Config) CopyWith(opts ...Option) Config {
	headers := make(map[string]string, len(c.Headers))
	for k, v := range c.Headers {
		headers[k] = v
	}
	next := c
	next.Headers = headers
	for _, opt := range opts {
		opt(&next)
	}
	return next
}

func (c Config) debugLogger() *log.Logger {
	if c.DebugOut != nil {
		return c.DebugOut
	}
	return log.New(io.Discard, "", 0)
}

func (c Config) timingsLogger() *log.Logger {
	if c.TimingsOut != nil {
		return c.TimingsOut
	}
	return log.New(io.Discard, "", 0)
}

func (c Config) mergedHeaders(extra map[string]string) map[string]string {
	merged := make(map[string]string, len(c.Headers)+len(extra))
	for k, v := range c.Headers {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}
