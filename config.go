package sombra

// SyncMode names how aggressively commits are fsynced, per spec
// section 6. Open stores it in Config but does not consult it: every
// commit waits for a group-commit fsync whatever the mode.
type SyncMode uint8

const (
	SyncFull SyncMode = iota
	SyncNormal
	SyncOff
)

// VersionCodec selects whether versions appended with a predecessor
// (every version of an entity after its first, new chain heads
// included) are snappy-compressed on disk.
type VersionCodec uint8

const (
	CodecNone VersionCodec = iota
	CodecSnappy
)

// Config holds every recognized Sombra option, per spec section 6.
// Open starts from DefaultConfig and applies each Option over it;
// fields no Option sets keep their defaults, and a zero value an
// Option sets is kept as given.
type Config struct {
	PageSize     uint32
	CachePages   int
	SyncMode     SyncMode

	GroupCommitMaxWriters      int
	GroupCommitShortTimeoutUs  int
	GroupCommitLongTimeoutUs   int

	MVCCEnabled               bool
	MaxConcurrentTransactions int

	GCIntervalSecs       int // 0 disables the background GC ticker
	GCMinVersionsPerRecord int
	GCScanBatchSize      int

	MaxVersionChainLength int // passed to the collector, which does not enforce it: chains have no length limit
	VersionCodec          VersionCodec
}

// DefaultConfig returns the configuration spec section 6 lists as
// defaults.
func DefaultConfig() Config {
	return Config{
		PageSize:                  8192,
		CachePages:                1024,
		SyncMode:                  SyncNormal,
		GroupCommitMaxWriters:     8,
		GroupCommitShortTimeoutUs: 100,
		GroupCommitLongTimeoutUs:  1000,
		MVCCEnabled:               false,
		MaxConcurrentTransactions: 100,
		GCIntervalSecs:            0,
		GCMinVersionsPerRecord:    1,
		GCScanBatchSize:           10_000,
		MaxVersionChainLength:     0,
		VersionCodec:              CodecNone,
	}
}

// Option customizes a Config passed to Open, following the functional
// options pattern used throughout the corpus.
type Option func(*Config)

func WithPageSize(n uint32) Option { return func(c *Config) { c.PageSize = n } }
func WithCachePages(n int) Option  { return func(c *Config) { c.CachePages = n } }
func WithSyncMode(m SyncMode) Option { return func(c *Config) { c.SyncMode = m } }

func WithGroupCommit(maxWriters, shortUs, longUs int) Option {
	return func(c *Config) {
		c.GroupCommitMaxWriters = maxWriters
		c.GroupCommitShortTimeoutUs = shortUs
		c.GroupCommitLongTimeoutUs = longUs
	}
}

func WithMVCCEnabled(enabled bool) Option { return func(c *Config) { c.MVCCEnabled = enabled } }

func WithMaxConcurrentTransactions(n int) Option {
	return func(c *Config) { c.MaxConcurrentTransactions = n }
}

func WithGC(intervalSecs, minVersionsPerRecord, scanBatchSize int) Option {
	return func(c *Config) {
		c.GCIntervalSecs = intervalSecs
		c.GCMinVersionsPerRecord = minVersionsPerRecord
		c.GCScanBatchSize = scanBatchSize
	}
}

func WithMaxVersionChainLength(n int) Option {
	return func(c *Config) { c.MaxVersionChainLength = n }
}

func WithVersionCodec(codec VersionCodec) Option {
	return func(c *Config) { c.VersionCodec = codec }
}
