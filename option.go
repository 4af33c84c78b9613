package redbtree

// Options configures tree behavior.
type Options struct {
	logger Logger

	// useWriteBarrier controls whether the tree issues a durability
	// barrier (Device.Sync) before every publication step. Disabling it
	// trades crash consistency for throughput.
	useWriteBarrier bool

	// preallocSize is the bump-area growth granularity: whenever the
	// allocator runs out of bump-area space, the file grows by the smallest
	// multiple of this many bytes that fits the request.
	preallocSize uint32

	// nodeCacheSize is the capacity of the optional LRU cache of recently
	// read nodes, keyed by file offset. Zero disables the cache; nothing in
	// this package requires it to be enabled.
	nodeCacheSize uint32
}

// DefaultOptions returns safe default configuration: write barrier on,
// 512 KiB bump-area growth, node cache disabled.
//
// goland:noinspection GoUnusedExportedFunction
func DefaultOptions() Options {
	return Options{
		logger:          DiscardLogger{},
		useWriteBarrier: true,
		preallocSize:    defaultPreallocSize,
		nodeCacheSize:   0,
	}
}

// Option configures Options using the functional options pattern.
type Option func(*Options)

// WithLogger installs a Logger. The default is DiscardLogger, a no-op.
//
//goland:noinspection GoUnusedExportedFunction
func WithLogger(l Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithWriteBarrier controls whether the tree issues a durability barrier
// (Device.Sync) between writing new nodes/extents and publishing the
// pointer that first makes them reachable. Disabling it is only safe when
// crash consistency does not matter (bulk loads, throwaway data).
//
//goland:noinspection GoUnusedExportedFunction
func WithWriteBarrier(enabled bool) Option {
	return func(o *Options) {
		o.useWriteBarrier = enabled
	}
}

// WithPreallocSize sets the bump-area growth granularity in bytes. Must be
// a positive multiple of the smallest size class (16 bytes); the default
// is 512 KiB.
//
//goland:noinspection GoUnusedExportedFunction
func WithPreallocSize(n uint32) Option {
	return func(o *Options) {
		if n > 0 {
			o.preallocSize = n
		}
	}
}

// WithNodeCache enables an in-memory LRU cache of the last n recently read
// nodes, keyed by their file offset. This is a pure performance optimization
// described as optional in the design notes; correctness never depends on
// it being enabled.
//
//goland:noinspection GoUnusedExportedFunction
func WithNodeCache(n uint32) Option {
	return func(o *Options) {
		o.nodeCacheSize = n
	}
}
