package headersync

import "context"

// Frame is one decoded unit delivered by a Stream's Data event. Exactly one
// header-carrying variant is populated for historical/continuous header
// streams; the transaction-stream variant (bloom.go) uses Transactions /
// MerkleBlock instead.
type Frame struct {
	Headers        []Header
	Transactions   []Transaction
	MerkleBlock    *MerkleBlock
}

// RejectFunc is a one-shot callback: if invoked, the stream that delivered
// the rejected frame must be destroyed with err. Calling it more than once
// is a caller bug; implementations only guarantee the first call takes
// effect.
type RejectFunc func(err error)

// Stream is a unidirectional delivery channel of Frames, shaped like a
// gRPC server-streaming client: Recv-style push delivery, cancel via
// context.
//
// Event delivery is push-style: Events returns a channel of StreamEvent
// that the Reader drains on its single control goroutine. Cancel and
// Destroy are safe to call concurrently with an in-flight Recv and are
// idempotent.
type Stream interface {
	// Events returns the channel the Reader consumes for data/error/end
	// notifications. The channel is closed after a terminal event has been
	// delivered.
	Events() <-chan StreamEvent

	// Cancel requests cooperative cancellation. The stream must eventually
	// deliver a StreamEvent with Err set to ErrCancelled itself (consumers
	// compare it with ==, so a wrapped form is treated as an ordinary
	// error) and then close its Events channel.
	Cancel()

	// Destroy tears the stream down immediately, attributing err as the
	// cause. Used when a consumer rejects a delivered batch.
	Destroy(err error)
}

// ContinuousStream is a Stream that additionally offers the transport's
// reconnect hook: before an internal reconnect, the transport invites the
// Reader to amend the subscription arguments via BeforeReconnect.
type ContinuousStream interface {
	Stream
	BeforeReconnect(updater func(fromHeight uint32, count uint32))
}

// StreamEventKind discriminates the union carried by StreamEvent.
type StreamEventKind int

const (
	EventData StreamEventKind = iota
	EventError
	EventEnd
)

// StreamEvent is the frame-or-terminal-signal union a Stream pushes onto
// its Events channel.
type StreamEvent struct {
	Kind  StreamEventKind
	Frame Frame
	Err   error
}

// StreamFactory opens new Streams. Historical reads open one Stream per
// sub-stream slice; continuous sync opens exactly one ContinuousStream.
type StreamFactory interface {
	OpenHistorical(ctx context.Context, fromHeight, count uint32) (Stream, error)
	OpenContinuous(ctx context.Context, fromHeight uint32) (ContinuousStream, error)
}

// TxStreamFactory opens the transaction-stream variant a
// BloomFilterCoordinator drives: the same header-stream shape, but every
// open call carries the address set the transport's filter should match
// against.
type TxStreamFactory interface {
	OpenHistorical(ctx context.Context, fromHeight, count uint32, addresses []Address) (Stream, error)
	OpenContinuous(ctx context.Context, fromHeight uint32, addresses []Address) (ContinuousStream, error)
}
