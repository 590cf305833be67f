package sirix

// Config holds the resource-wide tunables fixed at creation time and
// recorded in the header block.
type Config struct {
	// PageSize is the size in bytes of every page (record, indirect, or
	// meta). Must be a power of two.
	PageSize int64

	// FanOut is the number of child slots per indirect page level.
	FanOut int

	// Window is the sliding-window size W used to merge record-page
	// deltas on read.
	Window int

	// FullDumpEvery is the revision interval at which a full (non-delta)
	// record page is emitted to bound read cost to W page fetches.
	FullDumpEvery int

	// CacheSize is the maximum number of pages held in the in-memory page
	// cache.
	CacheSize int

	// LogFlushBytes is the accumulated dirty-page byte size at which a
	// write transaction auto-commits.
	LogFlushBytes int64

	// LogFlushPages is the accumulated dirty-page count at which a write
	// transaction auto-commits.
	LogFlushPages int

	// LogSyncEvery is N in "sync every N puts" for the persistent
	// transaction log.
	LogSyncEvery int
}

const (
	DefaultPageSize      int64 = 4 * 1024
	DefaultFanOut              = 128
	DefaultWindow               = 4
	DefaultCacheSize           = 1 << 16
	DefaultLogFlushBytes int64 = 8 << 20
	DefaultLogFlushPages       = 4096
	DefaultLogSyncEvery        = 10_000
)

// Option mutates a Config being built by NewConfig.
type Option func(*Config)

func WithPageSize(n int64) Option    { return func(c *Config) { c.PageSize = n } }
func WithFanOut(n int) Option        { return func(c *Config) { c.FanOut = n } }
func WithWindow(n int) Option        { return func(c *Config) { c.Window = n } }
func WithFullDumpEvery(n int) Option { return func(c *Config) { c.FullDumpEvery = n } }
func WithCacheSize(n int) Option     { return func(c *Config) { c.CacheSize = n } }

func WithLogFlushThresholds(bytes int64, pages int) Option {
	return func(c *Config) {
		c.LogFlushBytes = bytes
		c.LogFlushPages = pages
	}
}

// NewConfig builds a Config with its built-in defaults, applying opts on top.
func NewConfig(opts ...Option) Config {
	c := Config{
		PageSize:      DefaultPageSize,
		FanOut:        DefaultFanOut,
		Window:        DefaultWindow,
		FullDumpEvery: DefaultWindow,
		CacheSize:     DefaultCacheSize,
		LogFlushBytes: DefaultLogFlushBytes,
		LogFlushPages: DefaultLogFlushPages,
		LogSyncEvery:  DefaultLogSyncEvery,
	}

	for _, o := range opts {
		o(&c)
	}

	if c.PageSize&(c.PageSize-1) != 0 || c.PageSize < 256 {
		panic("sirix: page size must be a power of two >= 256")
	}
	if c.FullDumpEvery <= 0 {
		c.FullDumpEvery = c.Window
	}

	return c
}
