package headersync

import (
	"context"
	"sync"
)

// fakeStream is a hand-rolled Stream double: tests push events onto it
// directly via emit, and it enforces the same terminal-then-close contract
// a real transport stream must honor.
type fakeStream struct {
	mu   sync.Mutex
	ch   chan StreamEvent
	done bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{ch: make(chan StreamEvent, 16)}
}

func (s *fakeStream) Events() <-chan StreamEvent { return s.ch }

func (s *fakeStream) emit(ev StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.ch <- ev
	if ev.Kind != EventData {
		s.done = true
		close(s.ch)
	}
}

func (s *fakeStream) emitData(frame Frame) { s.emit(StreamEvent{Kind: EventData, Frame: frame}) }

func (s *fakeStream) Cancel()          { s.emit(StreamEvent{Kind: EventError, Err: ErrCancelled}) }
func (s *fakeStream) Destroy(err error) { s.emit(StreamEvent{Kind: EventError, Err: err}) }

// fakeContStream additionally satisfies ContinuousStream.
type fakeContStream struct {
	fakeStream
	mu              sync.Mutex
	beforeReconnect func(updater func(fromHeight, count uint32))
}

func newFakeContStream() *fakeContStream {
	return &fakeContStream{fakeStream: fakeStream{ch: make(chan StreamEvent, 16)}}
}

func (s *fakeContStream) BeforeReconnect(updater func(fromHeight, count uint32)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beforeReconnect = updater
}

// fakeFactory is a StreamFactory double whose open behavior is supplied by
// the test via function fields.
type fakeFactory struct {
	mu                sync.Mutex
	openHistoricalFn  func(ctx context.Context, fromHeight, count uint32) (Stream, error)
	openContinuousFn  func(ctx context.Context, fromHeight uint32) (ContinuousStream, error)
	historicalCalls   []historicalOpenCall
}

type historicalOpenCall struct {
	fromHeight uint32
	count      uint32
}

func (f *fakeFactory) OpenHistorical(ctx context.Context, fromHeight, count uint32) (Stream, error) {
	f.mu.Lock()
	f.historicalCalls = append(f.historicalCalls, historicalOpenCall{fromHeight, count})
	f.mu.Unlock()
	return f.openHistoricalFn(ctx, fromHeight, count)
}

func (f *fakeFactory) OpenContinuous(ctx context.Context, fromHeight uint32) (ContinuousStream, error) {
	return f.openContinuousFn(ctx, fromHeight)
}

func (f *fakeFactory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.historicalCalls)
}

// fakeTxFactory is a TxStreamFactory double for bloom.go tests.
type fakeTxFactory struct {
	mu               sync.Mutex
	openHistoricalFn func(ctx context.Context, fromHeight, count uint32, addresses []Address) (Stream, error)
	openContinuousFn func(ctx context.Context, fromHeight uint32, addresses []Address) (ContinuousStream, error)
	opens            []fakeTxOpen
}

type fakeTxOpen struct {
	fromHeight uint32
	count      uint32
	continuous bool
	addresses  []Address
}

func (f *fakeTxFactory) OpenHistorical(ctx context.Context, fromHeight, count uint32, addresses []Address) (Stream, error) {
	f.mu.Lock()
	f.opens = append(f.opens, fakeTxOpen{fromHeight, count, false, addresses})
	f.mu.Unlock()
	return f.openHistoricalFn(ctx, fromHeight, count, addresses)
}

func (f *fakeTxFactory) OpenContinuous(ctx context.Context, fromHeight uint32, addresses []Address) (ContinuousStream, error) {
	f.mu.Lock()
	f.opens = append(f.opens, fakeTxOpen{fromHeight, 0, true, addresses})
	f.mu.Unlock()
	return f.openContinuousFn(ctx, fromHeight, addresses)
}

func (f *fakeTxFactory) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opens)
}

// fakeChain is a Chain double that accepts every header it's handed.
type fakeChain struct {
	mu      sync.Mutex
	roots   map[uint32][]byte
	addErr  error
	addedAt []uint32
}

func newFakeChain() *fakeChain {
	return &fakeChain{roots: make(map[uint32][]byte)}
}

func (c *fakeChain) AddHeaders(_ context.Context, headers []Header, headHeight uint32) (AcceptedHeaders, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.addErr != nil {
		return nil, c.addErr
	}
	c.addedAt = append(c.addedAt, headHeight)
	accepted := make(AcceptedHeaders, len(headers))
	copy(accepted, headers)
	return accepted, nil
}

func (c *fakeChain) Validate(context.Context) error { return nil }

func (c *fakeChain) Reset(_ context.Context, height uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roots[height-1] = []byte("root")
	return nil
}

func (c *fakeChain) HashByHeight(height uint32) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.roots[height]
	return h, ok
}

func headersOf(n int) []Header {
	out := make([]Header, n)
	for i := range out {
		out[i] = Header{byte(i)}
	}
	return out
}
