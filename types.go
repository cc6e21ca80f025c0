package headersync

import "fmt"

// Header is an opaque fixed-size block header record identified by its hash.
// Decoding and hashing are transport/chain concerns and live outside this
// package; the Reader treats a Header as an undifferentiated byte record.
type Header []byte

// Batch is a contiguous, ordered run of headers delivered atomically along
// with the height of its first element.
//
// Invariant: HeadHeight is the height at which Headers[0] is claimed to
// sit; heights are contiguous and increasing within a batch.
type Batch struct {
	Headers    []Header
	HeadHeight uint32
}

func (b Batch) String() string {
	return fmt.Sprintf("Batch{headers=%d, headHeight=%d}", len(b.Headers), b.HeadHeight)
}

// subStream is one historical plan entry: a single transport-level stream
// covering one contiguous height slice.
//
// Invariants:
//   - retriesLeft <= maxRetries for the owning Reader's configuration.
//   - After each accepted data frame, lastDeliveredHeight advances
//     monotonically by the size of the accepted prefix; remainingCount
//     decreases by the same amount.
//   - A descriptor is live while stream != nil; on end/terminal
//     error/cancel it is removed from the live set.
type subStream struct {
	id                  string
	fromHeight          uint32
	remainingCount      uint32
	lastDeliveredHeight uint32
	retriesLeft         uint32
	stream              Stream
}

func newSubStream(id string, fromHeight, count, maxRetries uint32) *subStream {
	return &subStream{
		id:                  id,
		fromHeight:          fromHeight,
		remainingCount:      count,
		lastDeliveredHeight: fromHeight - 1,
		retriesLeft:         maxRetries,
	}
}

func (d *subStream) live() bool { return d.stream != nil }

// historicalPlan is the immutable partition of [fromHeight, fromHeight+total)
// produced once by partitionRange; individual descriptors are replaced
// in-place on retry but the partition boundaries never change.
type historicalPlan struct {
	descriptors []*subStream
}

func (p *historicalPlan) liveCount() int {
	n := 0
	for _, d := range p.descriptors {
		if d.live() {
			n++
		}
	}
	return n
}

func (p *historicalPlan) replace(old, next *subStream) bool {
	for i, d := range p.descriptors {
		if d == old {
			p.descriptors[i] = next
			return true
		}
	}
	return false
}

// continuousState tracks the single long-lived subscription used once
// historical catch-up is complete.
//
// Invariant: lastKnownHeight >= fromHeight. lastKnownHeight is advanced by
// each delivered frame's header count, so it always names the next
// undelivered height; reconnect resumes from lastKnownHeight (which equals
// fromHeight before any frame has been delivered).
type continuousState struct {
	fromHeight     uint32
	lastKnownHeight uint32
	stream          Stream
}

// providerState is the Provider's top-level state machine position.
type providerState int

const (
	stateIdle providerState = iota
	stateHistoricalSync
	stateContinuousSync
)

func (s providerState) String() string {
	switch s {
	case stateIdle:
		return "Idle"
	case stateHistoricalSync:
		return "HistoricalSync"
	case stateContinuousSync:
		return "ContinuousSync"
	default:
		return "Unknown"
	}
}
