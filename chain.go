package headersync

import "context"

// AcceptedHeaders is the subset of a submitted Batch the Chain actually
// appended — it may be shorter than the input when headers overlap
// pruned/known state.
type AcceptedHeaders []Header

// Chain is the out-of-scope SPV chain validator collaborator: a
// polymorphic dependency over {AddHeaders, Validate, Reset, HashByHeight}.
// Its reorg/pruning internals are not specified here; the Provider only
// ever calls it serially from batch handling.
type Chain interface {
	// AddHeaders appends headers starting logically at headHeight. It
	// returns the accepted prefix/subset, or a *SPVError for a semantic
	// rejection (bad proof-of-work, discontinuity, ...). Any other
	// returned error is treated as fatal.
	AddHeaders(ctx context.Context, headers []Header, headHeight uint32) (AcceptedHeaders, error)

	// Validate runs the chain's own post-sync validation pass (reorg
	// resolution, PoW re-check, ...).
	Validate(ctx context.Context) error

	// Reset rewinds/seeds the chain so it is anchored at height-1, ready
	// to accept headers starting at height.
	Reset(ctx context.Context, height uint32) error

	// HashByHeight returns the chain's notion of the header hash at a given
	// height, or false if the chain has none.
	HashByHeight(height uint32) (hash []byte, ok bool)
}
