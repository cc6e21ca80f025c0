package headersync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dashpay/spv-headersync/internal/backoff"
	"github.com/dashpay/spv-headersync/internal/diag"
)

// BatchFunc is invoked for every contiguous batch the Reader decodes,
// historical or continuous. reject is a one-shot capability: if the
// consumer calls it, the stream that delivered the batch is destroyed with
// the given error and no further batches are read from it.
type BatchFunc func(batch Batch, reject RejectFunc)

// ReaderHandlers are the event callbacks a Provider installs on a Reader.
type ReaderHandlers struct {
	Batch                 BatchFunc
	HistoricalDataObtained func()
	Error                  func(err error)
}

// ReaderConfig configures a Reader's fan-out and retry behavior.
type ReaderConfig struct {
	Factory            StreamFactory
	MaxRetries         uint32
	MaxParallelStreams uint32 // default 6-10
	TargetBatchSize    uint32 // default 50000
	RetryInterval      time.Duration
	Clock              Clock
	Logger             diag.Logger
}

func (c *ReaderConfig) setDefaults() {
	if c.MaxParallelStreams == 0 {
		c.MaxParallelStreams = 8
	}
	if c.TargetBatchSize == 0 {
		c.TargetBatchSize = 50000
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = time.Second
	}
	if c.Clock == nil {
		c.Clock = backoff.RealClock{}
	}
	if c.Logger == nil {
		c.Logger = diag.Noop{}
	}
}

// Reader fans historical reads out over bounded parallel sub-streams and
// owns the single continuous subscription.
type Reader struct {
	cfg      ReaderConfig
	handlers ReaderHandlers
	policy   *backoff.Policy

	mu         sync.Mutex
	historical *historicalRun
	continuous *continuousRun
}

// NewReader constructs a Reader bound to factory with the given config and
// event handlers. handlers.Batch must be non-nil; historical/continuous
// calls silently drop events otherwise.
func NewReader(cfg ReaderConfig, handlers ReaderHandlers) *Reader {
	cfg.setDefaults()
	return &Reader{
		cfg:      cfg,
		handlers: handlers,
		policy:   backoff.NewPolicy(cfg.RetryInterval, int(cfg.MaxParallelStreams), cfg.Clock),
	}
}

// historicalRun is the live state of one in-flight ReadHistorical call.
type historicalRun struct {
	ctx    context.Context
	cancel context.CancelFunc
	plan   *historicalPlan
	events chan histEvent
	done   chan struct{}
	stopped bool
	failed  bool
}

type histEventKind int

const (
	histData histEventKind = iota
	histEnd
	histError
	histRetryResult
	histStop
)

type histEvent struct {
	kind   histEventKind
	desc   *subStream
	frame  Frame
	err    error
	next   *subStream // populated for histRetryResult
	stream Stream     // populated for histRetryResult on a successful open
}

// ReadHistorical partitions [fromHeight, toHeight] and opens one sub-stream
// per partition slice concurrently. It returns once every sub-stream has
// either opened successfully or failed to open; batches are then delivered
// asynchronously via handlers.Batch until HistoricalDataObtained or Error
// fires.
func (r *Reader) ReadHistorical(ctx context.Context, fromHeight, toHeight uint32) error {
	if fromHeight < 1 {
		return ErrInvalidHeight
	}
	if toHeight < fromHeight {
		return ErrInvalidRange
	}

	r.mu.Lock()
	if r.historical != nil || r.continuous != nil {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	run := &historicalRun{
		ctx:    runCtx,
		cancel: cancel,
		events: make(chan histEvent, 64),
		done:   make(chan struct{}),
	}
	r.historical = run
	r.mu.Unlock()

	slices, err := partitionRange(fromHeight, toHeight, r.cfg.TargetBatchSize, r.cfg.MaxParallelStreams)
	if err != nil {
		r.clearHistorical()
		cancel()
		return err
	}

	descriptors := make([]*subStream, 0, len(slices))
	for _, s := range slices {
		descriptors = append(descriptors, newSubStream(uuid.NewString(), s.fromHeight, s.count, r.cfg.MaxRetries))
	}
	run.plan = &historicalPlan{descriptors: descriptors}

	if openErr := r.openAll(run, descriptors); openErr != nil {
		r.clearHistorical()
		cancel()
		return openErr
	}

	go r.historicalLoop(run)

	return nil
}

// openAll opens every descriptor's initial stream concurrently. If any open
// fails, every stream that did open is destroyed and the first error is
// returned; the run never starts.
func (r *Reader) openAll(run *historicalRun, descriptors []*subStream) error {
	type result struct {
		desc   *subStream
		stream Stream
		err    error
	}
	results := make(chan result, len(descriptors))
	var wg sync.WaitGroup
	for _, d := range descriptors {
		wg.Add(1)
		go func(d *subStream) {
			defer wg.Done()
			s, err := r.cfg.Factory.OpenHistorical(run.ctx, d.fromHeight, d.remainingCount)
			results <- result{desc: d, stream: s, err: err}
		}(d)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var firstErr error
	opened := make([]result, 0, len(descriptors))
	for res := range results {
		if res.err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("open sub-stream at height %d: %w", res.desc.fromHeight, res.err)
			}
			continue
		}
		opened = append(opened, res)
	}

	if firstErr != nil {
		for _, res := range opened {
			res.stream.Destroy(firstErr)
		}
		return newSyncError(KindOpenFailure, firstErr)
	}

	for _, res := range opened {
		res.desc.stream = res.stream
		r.forwardStream(run, res.desc, res.stream)
	}
	return nil
}

// forwardStream drains one sub-stream's Events channel and relays each
// event onto the run's single serialization channel; it never mutates
// descriptor/plan state directly (historicalLoop is the sole mutator).
func (r *Reader) forwardStream(run *historicalRun, desc *subStream, stream Stream) {
	go func() {
		for ev := range stream.Events() {
			var he histEvent
			switch ev.Kind {
			case EventData:
				he = histEvent{kind: histData, desc: desc, frame: ev.Frame}
			case EventEnd:
				he = histEvent{kind: histEnd, desc: desc}
			case EventError:
				he = histEvent{kind: histError, desc: desc, err: ev.Err}
			}
			select {
			case run.events <- he:
			case <-run.ctx.Done():
				return
			}
		}
	}()
}

// historicalLoop is the single goroutine that owns all historical run
// mutation: the plan, descriptor state, and handler dispatch. All other
// goroutines (forwardStream, retry opens) only ever send events onto
// run.events.
func (r *Reader) historicalLoop(run *historicalRun) {
	defer run.cancel()
	defer close(run.done)
	for {
		select {
		case ev := <-run.events:
			if done := r.handleHistEvent(run, ev); done {
				r.clearHistorical()
				return
			}
		case <-run.ctx.Done():
			return
		}
	}
}

func (r *Reader) handleHistEvent(run *historicalRun, ev histEvent) (done bool) {
	switch ev.kind {
	case histData:
		r.handleHistData(run, ev.desc, ev.frame)
		return false

	case histEnd:
		ev.desc.stream = nil
		r.cfg.Logger.Debugf("sub-stream %s ended at height %d", ev.desc.id, ev.desc.lastDeliveredHeight)
		return r.maybeFinishHistorical(run)

	case histError:
		return r.handleHistError(run, ev.desc, ev.err)

	case histRetryResult:
		return r.handleRetryResult(run, ev)

	case histStop:
		run.stopped = true
		for _, d := range run.plan.descriptors {
			if d.live() {
				d.stream.Cancel()
			}
		}
		return run.plan.liveCount() == 0
	}
	return false
}

func (r *Reader) handleHistData(run *historicalRun, desc *subStream, frame Frame) {
	headHeight := desc.lastDeliveredHeight + 1
	headers := frame.Headers
	batch := Batch{Headers: headers, HeadHeight: headHeight}

	var once sync.Once
	rejected := false
	reject := func(err error) {
		once.Do(func() {
			rejected = true
			if desc.stream != nil {
				desc.stream.Destroy(err)
			}
		})
	}

	if r.handlers.Batch != nil {
		r.handlers.Batch(batch, reject)
	}

	if rejected {
		// The Destroy() call above surfaces as a terminal error event on
		// the stream's own Events channel, which forwardStream relays back
		// into this loop; handleHistError then retries from the unchanged
		// lastDeliveredHeight+1 while retries remain, or aborts the run.
		return
	}

	desc.lastDeliveredHeight += uint32(len(headers))
	desc.remainingCount -= uint32(len(headers))
}

func (r *Reader) handleHistError(run *historicalRun, desc *subStream, err error) bool {
	if err == ErrCancelled {
		desc.stream = nil
		r.cfg.Logger.Debugf("sub-stream %s cancelled", desc.id)
		return r.maybeFinishHistorical(run)
	}

	if desc.retriesLeft == 0 {
		desc.stream = nil
		run.failed = true
		r.abortHistorical(run, newSyncError(KindExhaustedRetries, err))
		return true
	}

	fromHeight := desc.lastDeliveredHeight + 1
	count := desc.remainingCount
	if count == 0 {
		desc.stream = nil
		return r.maybeFinishHistorical(run)
	}

	next := newSubStream(desc.id, fromHeight, count, desc.retriesLeft-1)
	go func() {
		if waitErr := r.policy.Wait(run.ctx); waitErr != nil {
			select {
			case run.events <- histEvent{kind: histRetryResult, desc: desc, next: next, err: waitErr}:
			case <-run.ctx.Done():
			}
			return
		}
		stream, openErr := r.cfg.Factory.OpenHistorical(run.ctx, fromHeight, count)
		select {
		case run.events <- histEvent{kind: histRetryResult, desc: desc, next: next, stream: stream, err: openErr}:
		case <-run.ctx.Done():
		}
	}()
	return false
}

func (r *Reader) handleRetryResult(run *historicalRun, ev histEvent) bool {
	if ev.err != nil {
		run.failed = true
		r.abortHistorical(run, newSyncError(KindOpenFailure, ev.err))
		return true
	}

	if !run.plan.replace(ev.desc, ev.next) {
		// Descriptor already superseded or run torn down; the freshly
		// opened stream would otherwise leak unforwarded.
		ev.stream.Destroy(context.Canceled)
		return false
	}
	ev.next.stream = ev.stream
	r.forwardStream(run, ev.next, ev.stream)
	if run.stopped {
		// A stop arrived while this replacement was opening.
		ev.stream.Cancel()
		return false
	}
	r.cfg.Logger.Debugf("sub-stream %s retried, resuming at height %d", ev.next.id, ev.next.fromHeight)
	return false
}

func (r *Reader) maybeFinishHistorical(run *historicalRun) bool {
	if run.plan.liveCount() > 0 {
		return false
	}
	if run.failed {
		return true
	}
	if !run.stopped && r.handlers.HistoricalDataObtained != nil {
		r.handlers.HistoricalDataObtained()
	}
	return true
}

func (r *Reader) abortHistorical(run *historicalRun, err error) {
	for _, d := range run.plan.descriptors {
		if d.live() {
			d.stream.Cancel()
			d.stream = nil
		}
	}
	if !run.stopped && r.handlers.Error != nil {
		r.handlers.Error(err)
	}
}

// StopReadingHistorical idempotently cancels any in-flight historical run.
// No Error event is ever emitted as a result of calling this.
func (r *Reader) StopReadingHistorical() {
	r.mu.Lock()
	run := r.historical
	r.mu.Unlock()
	if run == nil {
		return
	}
	select {
	case run.events <- histEvent{kind: histStop}:
	case <-run.done:
		// Run already finished on its own between the read above and here.
	}
	<-run.done
}

func (r *Reader) clearHistorical() {
	r.mu.Lock()
	r.historical = nil
	r.mu.Unlock()
}
