package headersync

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dashpay/spv-headersync/internal/backoff"
	"github.com/dashpay/spv-headersync/internal/diag"
)

// Address is an opaque wallet address as matched against transaction
// outputs/inputs by the transport's own Bloom filter.
type Address []byte

func (a Address) key() string { return string(a) }

// Transaction is an opaque raw transaction record carried by a transaction
// stream frame.
type Transaction []byte

// MerkleBlock is the raw merkle-block record paired with the subset of
// matched transaction hashes the transport's filter selected.
type MerkleBlock []byte

// AcceptFunc commits a MerkleBlock frame at height, optionally growing the
// address set. A non-empty newAddresses (or any addresses buffered via a
// prior appendAddresses call) triggers a stream restart with the unioned
// set; the accept itself always settles the frame's accept/reject latch.
// Calling accept or reject a second time for the same frame returns
// ErrDoubleCommit.
type AcceptFunc func(height uint32, newAddresses ...Address) error

// BloomFilterSession is the mutable state backing one BloomFilterCoordinator
// run: the address set the transport filters against, addresses generated
// by consumer callbacks but not yet folded in, and any pending restart.
type BloomFilterSession struct {
	addresses          map[string]struct{}
	generatedAddresses []Address
	restartArgs        *restartArgs
}

func newBloomSession(addresses []Address) *BloomFilterSession {
	set := make(map[string]struct{}, len(addresses))
	for _, a := range addresses {
		set[a.key()] = struct{}{}
	}
	return &BloomFilterSession{addresses: set}
}

// restartArgs captures the parameters of a pending stream restart triggered
// by a merkle-block accept that grew the address set: the stream is
// restarted at most once per pending restartArgs.
type restartArgs struct {
	fromHeight uint32
	count      uint32 // 0 for a continuous (unbounded) run
	addresses  map[string]struct{}
}

// BloomHandlers are the event callbacks a consumer installs on a
// BloomFilterCoordinator.
type BloomHandlers struct {
	// NewTransactions fires for a RawTransactions frame that matched the
	// current address set. appendAddresses buffers addresses generated in
	// response (e.g. HD-wallet gap-limit advancement) to be folded into the
	// address set at the next restart.
	NewTransactions func(txs []Transaction, appendAddresses func(newAddresses []Address))

	// MerkleBlock fires for a RawMerkleBlock frame. The consumer must call
	// exactly one of accept/reject before the coordinator delivers any
	// further frame.
	MerkleBlock func(block MerkleBlock, accept AcceptFunc, reject RejectFunc)

	Error func(err error)
}

// BloomConfig configures a BloomFilterCoordinator's retry behavior. It
// mirrors ReaderConfig's retry knobs but carries no fan-out parameters: a
// transaction stream is a single subscription, never partitioned.
type BloomConfig struct {
	Factory       TxStreamFactory
	MaxRetries    uint32
	RetryInterval time.Duration
	Clock         Clock
	Logger        diag.Logger
}

// BloomFilterCoordinator manages one transaction-stream subscription,
// interleaving RawTransactions/RawMerkleBlock frames and driving the
// two-phase merkle-block accept/reject protocol. It shares the Reader's
// single-mutator-goroutine design: forwardBloom only ever relays frames
// onto run.events, bloomLoop is the sole mutator.
type BloomFilterCoordinator struct {
	factory    TxStreamFactory
	maxRetries uint32
	policy     *backoff.Policy
	handlers   BloomHandlers
	logger     diag.Logger

	mu  sync.Mutex
	run *bloomRun
}

type bloomEventKind int

const (
	bloomData bloomEventKind = iota
	bloomEnd
	bloomError
	bloomStop
	bloomReopened
)

type bloomEvent struct {
	kind   bloomEventKind
	frame  Frame
	err    error
	stream Stream // populated for bloomReopened on a successful open
}

type bloomRun struct {
	ctx         context.Context
	cancel      context.CancelFunc
	events      chan bloomEvent
	done        chan struct{}
	session     *BloomFilterSession
	continuous  bool
	fromHeight  uint32 // current window's lower bound (advances on restart)
	upperHeight uint32 // current window's fixed upper bound (historical only); unused for continuous
	nextHeight  uint32 // first height not yet accepted
	retriesLeft uint32
	stream      Stream
	stopped     bool
}

// remainingCount is the count the stream should be (re)opened with from
// nextHeight: the rest of the current window for a historical run, 0
// (unbounded) for a continuous one.
func (r *bloomRun) remainingCount() uint32 {
	if r.continuous {
		return 0
	}
	return r.upperHeight - r.nextHeight + 1
}

// NewBloomFilterCoordinator constructs a coordinator bound to cfg.Factory.
func NewBloomFilterCoordinator(cfg BloomConfig, handlers BloomHandlers) *BloomFilterCoordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = diag.Noop{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = backoff.RealClock{}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 5
	}
	retryInterval := cfg.RetryInterval
	if retryInterval == 0 {
		retryInterval = time.Second
	}
	return &BloomFilterCoordinator{
		factory:    cfg.Factory,
		maxRetries: maxRetries,
		policy:     backoff.NewPolicy(retryInterval, 1, clock),
		handlers:   handlers,
		logger:     logger,
	}
}

// OpenHistorical opens a bounded transaction stream over
// [fromHeight, fromHeight+count) filtered against addresses.
func (b *BloomFilterCoordinator) OpenHistorical(ctx context.Context, fromHeight, count uint32, addresses []Address) error {
	return b.open(ctx, fromHeight, count, false, addresses)
}

// OpenContinuous opens an unbounded transaction stream starting at
// fromHeight filtered against addresses.
func (b *BloomFilterCoordinator) OpenContinuous(ctx context.Context, fromHeight uint32, addresses []Address) error {
	return b.open(ctx, fromHeight, 0, true, addresses)
}

func (b *BloomFilterCoordinator) open(ctx context.Context, fromHeight, count uint32, continuous bool, addresses []Address) error {
	if fromHeight < 1 {
		return ErrInvalidHeight
	}
	if !continuous && count == 0 {
		return ErrInvalidRange
	}

	b.mu.Lock()
	if b.run != nil {
		b.mu.Unlock()
		return ErrAlreadyRunning
	}
	upperHeight := uint32(0)
	if !continuous {
		upperHeight = fromHeight + count - 1
	}
	runCtx, cancel := context.WithCancel(ctx)
	run := &bloomRun{
		ctx:         runCtx,
		cancel:      cancel,
		events:      make(chan bloomEvent, 32),
		done:        make(chan struct{}),
		session:     newBloomSession(addresses),
		continuous:  continuous,
		fromHeight:  fromHeight,
		upperHeight: upperHeight,
		nextHeight:  fromHeight,
		retriesLeft: b.maxRetries,
	}
	b.run = run
	b.mu.Unlock()

	stream, err := b.openStream(runCtx, fromHeight, count, continuous, addresses)
	if err != nil {
		b.clearRun()
		cancel()
		return newSyncError(KindOpenFailure, err)
	}
	run.stream = stream

	go b.forwardBloom(run, stream)
	go b.bloomLoop(run)
	return nil
}

func (b *BloomFilterCoordinator) openStream(ctx context.Context, fromHeight, count uint32, continuous bool, addresses []Address) (Stream, error) {
	if continuous {
		return b.factory.OpenContinuous(ctx, fromHeight, addresses)
	}
	return b.factory.OpenHistorical(ctx, fromHeight, count, addresses)
}

// addressSlice flattens a session's address set back into the []Address
// shape TxStreamFactory takes, for a (re)open call.
func addressSlice(set map[string]struct{}) []Address {
	out := make([]Address, 0, len(set))
	for k := range set {
		out = append(out, Address(k))
	}
	return out
}

func (b *BloomFilterCoordinator) forwardBloom(run *bloomRun, stream Stream) {
	for ev := range stream.Events() {
		var be bloomEvent
		switch ev.Kind {
		case EventData:
			be = bloomEvent{kind: bloomData, frame: ev.Frame}
		case EventEnd:
			be = bloomEvent{kind: bloomEnd}
		case EventError:
			be = bloomEvent{kind: bloomError, err: ev.Err}
		}
		select {
		case run.events <- be:
		case <-run.ctx.Done():
			return
		}
	}
}

func (b *BloomFilterCoordinator) bloomLoop(run *bloomRun) {
	defer run.cancel()
	defer close(run.done)
	for {
		select {
		case ev := <-run.events:
			if done := b.handleBloomEvent(run, ev); done {
				b.clearRun()
				return
			}
		case <-run.ctx.Done():
			return
		}
	}
}

func (b *BloomFilterCoordinator) handleBloomEvent(run *bloomRun, ev bloomEvent) (done bool) {
	switch ev.kind {
	case bloomData:
		b.handleBloomData(run, ev.frame)
		return false

	case bloomEnd:
		run.stream = nil
		return true

	case bloomError:
		return b.handleBloomError(run, ev.err)

	case bloomStop:
		run.stopped = true
		if run.stream != nil {
			run.stream.Cancel()
		}
		return false

	case bloomReopened:
		if ev.err != nil {
			run.stream = nil
			if !run.stopped && b.handlers.Error != nil {
				b.handlers.Error(newSyncError(KindOpenFailure, ev.err))
			}
			return true
		}
		run.stream = ev.stream
		b.logger.Debugf("bloom stream reopened, resuming at height %d", run.nextHeight)
		go b.forwardBloom(run, ev.stream)
		if run.stopped {
			// A stop arrived while this stream was reopening.
			ev.stream.Cancel()
		}
		return false
	}
	return false
}

func (b *BloomFilterCoordinator) handleBloomData(run *bloomRun, frame Frame) {
	if len(frame.Transactions) > 0 {
		b.handleTransactions(run, frame.Transactions)
	}
	if frame.MerkleBlock != nil {
		b.handleMerkleBlock(run, *frame.MerkleBlock)
	}
}

func (b *BloomFilterCoordinator) handleTransactions(run *bloomRun, txs []Transaction) {
	if b.handlers.NewTransactions == nil {
		return
	}
	appendAddresses := func(newAddresses []Address) {
		run.session.generatedAddresses = append(run.session.generatedAddresses, newAddresses...)
	}
	b.handlers.NewTransactions(txs, appendAddresses)
}

func (b *BloomFilterCoordinator) handleMerkleBlock(run *bloomRun, block MerkleBlock) {
	if b.handlers.MerkleBlock == nil {
		return
	}
	latch := &merkleLatch{}

	accept := func(height uint32, newAddresses ...Address) error {
		if err := latch.commit(); err != nil {
			return err
		}
		if run.continuous {
			if height < run.fromHeight {
				b.rejectOutOfRange(run, height)
				return nil
			}
		} else if height > run.upperHeight {
			b.rejectOutOfRange(run, height)
			return nil
		}

		grown := len(newAddresses) > 0 || len(run.session.generatedAddresses) > 0
		if !grown {
			if height+1 > run.nextHeight {
				run.nextHeight = height + 1
			}
			return nil
		}

		merged := make(map[string]struct{}, len(run.session.addresses)+len(newAddresses)+len(run.session.generatedAddresses))
		for k := range run.session.addresses {
			merged[k] = struct{}{}
		}
		for _, a := range newAddresses {
			merged[a.key()] = struct{}{}
		}
		for _, a := range run.session.generatedAddresses {
			merged[a.key()] = struct{}{}
		}
		run.session.generatedAddresses = nil

		remaining := uint32(0)
		if !run.continuous {
			remaining = run.upperHeight - height
		}
		run.session.restartArgs = &restartArgs{
			fromHeight: height + 1,
			count:      remaining,
			addresses:  merged,
		}
		if run.stream != nil {
			run.stream.Cancel()
		}
		return nil
	}

	reject := func(err error) {
		if cerr := latch.commit(); cerr != nil {
			if !run.stopped && b.handlers.Error != nil {
				b.handlers.Error(cerr)
			}
			return
		}
		if run.stream != nil {
			run.stream.Destroy(err)
		}
	}

	b.handlers.MerkleBlock(block, accept, reject)
}

func (b *BloomFilterCoordinator) rejectOutOfRange(run *bloomRun, height uint32) {
	b.logger.Debugf("merkle accept at out-of-range height %d", height)
	if run.stream != nil {
		run.stream.Destroy(newSyncError(KindChainRejection, ErrInvalidHeight))
	}
}

func (b *BloomFilterCoordinator) handleBloomError(run *bloomRun, err error) bool {
	if err == ErrCancelled {
		run.stream = nil
		if run.session.restartArgs != nil {
			args := run.session.restartArgs
			run.session.restartArgs = nil
			run.session.addresses = args.addresses
			b.reopenAfterRestart(run, args)
			return false
		}
		return true
	}

	if run.retriesLeft == 0 {
		run.stream = nil
		if !run.stopped && b.handlers.Error != nil {
			b.handlers.Error(newSyncError(KindExhaustedRetries, err))
		}
		return true
	}

	run.retriesLeft--
	id := uuid.NewString()
	b.logger.Debugf("bloom stream %s retrying after error: %v", id, err)

	fromHeight := run.nextHeight
	count := run.remainingCount()
	addresses := addressSlice(run.session.addresses)
	go func() {
		if waitErr := b.policy.Wait(run.ctx); waitErr != nil {
			select {
			case run.events <- bloomEvent{kind: bloomReopened, err: waitErr}:
			case <-run.ctx.Done():
			}
			return
		}
		stream, openErr := b.openStream(run.ctx, fromHeight, count, run.continuous, addresses)
		select {
		case run.events <- bloomEvent{kind: bloomReopened, stream: stream, err: openErr}:
		case <-run.ctx.Done():
		}
	}()
	return false
}

// reopenAfterRestart reopens the stream per the pending restartArgs and
// resumes forwarding. Called only from the bloomLoop goroutine; the actual
// open happens on its own goroutine and reports back via bloomReopened so
// run.fromHeight/nextHeight/count are only ever written by bloomLoop.
func (b *BloomFilterCoordinator) reopenAfterRestart(run *bloomRun, args *restartArgs) {
	run.fromHeight = args.fromHeight
	run.nextHeight = args.fromHeight
	if !run.continuous {
		run.upperHeight = args.fromHeight + args.count - 1
	}
	addresses := addressSlice(args.addresses)
	go func() {
		stream, err := b.openStream(run.ctx, args.fromHeight, args.count, run.continuous, addresses)
		select {
		case run.events <- bloomEvent{kind: bloomReopened, stream: stream, err: err}:
		case <-run.ctx.Done():
		}
	}()
}

// Stop idempotently cancels the active run. No Error event is ever emitted
// as a result of calling this.
func (b *BloomFilterCoordinator) Stop() {
	b.mu.Lock()
	run := b.run
	b.mu.Unlock()
	if run == nil {
		return
	}
	select {
	case run.events <- bloomEvent{kind: bloomStop}:
	case <-run.done:
	}
	<-run.done
}

func (b *BloomFilterCoordinator) clearRun() {
	b.mu.Lock()
	b.run = nil
	b.mu.Unlock()
}

// merkleLatch enforces the accept/reject one-shot contract: the second
// call, whichever function it is, fails with ErrDoubleCommit.
type merkleLatch struct {
	mu      sync.Mutex
	settled bool
}

func (m *merkleLatch) commit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settled {
		return ErrDoubleCommit
	}
	m.settled = true
	return nil
}
