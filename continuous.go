package headersync

import (
	"context"
	"sync"
)

// continuousRun is the live state of the single long-lived subscription
// opened by SubscribeToNew.
type continuousRun struct {
	ctx    context.Context
	cancel context.CancelFunc
	state  *continuousState
	events chan contEvent
	done   chan struct{}
	stopped bool
}

type contEventKind int

const (
	contData contEventKind = iota
	contEnd
	contError
	contStop
)

type contEvent struct {
	kind  contEventKind
	frame Frame
	err   error
}

// SubscribeToNew opens the single continuous subscription at fromHeight and
// returns once it has opened; batches then flow asynchronously via
// handlers.Batch until Error fires or UnsubscribeFromNew is called.
func (r *Reader) SubscribeToNew(ctx context.Context, fromHeight uint32) error {
	if fromHeight < 1 {
		return ErrInvalidHeight
	}

	r.mu.Lock()
	if r.historical != nil || r.continuous != nil {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	run := &continuousRun{
		ctx:    runCtx,
		cancel: cancel,
		state:  &continuousState{fromHeight: fromHeight, lastKnownHeight: fromHeight},
		events: make(chan contEvent, 16),
		done:   make(chan struct{}),
	}
	r.continuous = run
	r.mu.Unlock()

	stream, err := r.cfg.Factory.OpenContinuous(runCtx, fromHeight)
	if err != nil {
		r.clearContinuous()
		cancel()
		return newSyncError(KindOpenFailure, err)
	}
	run.state.stream = stream

	// Every transparent reconnect must resume past what has already been
	// delivered; the Reader supplies the resume point through the
	// transport's beforeReconnect hook rather than re-subscribing itself.
	stream.BeforeReconnect(func(updater func(fromHeight, count uint32)) {
		newFrom := run.state.fromHeight
		if run.state.lastKnownHeight != run.state.fromHeight {
			newFrom = run.state.lastKnownHeight
		}
		updater(newFrom, 0)
	})

	go r.forwardContinuous(run, stream)
	go r.continuousLoop(run)

	return nil
}

func (r *Reader) forwardContinuous(run *continuousRun, stream Stream) {
	for ev := range stream.Events() {
		var ce contEvent
		switch ev.Kind {
		case EventData:
			ce = contEvent{kind: contData, frame: ev.Frame}
		case EventEnd:
			ce = contEvent{kind: contEnd}
		case EventError:
			ce = contEvent{kind: contError, err: ev.Err}
		}
		select {
		case run.events <- ce:
		case <-run.ctx.Done():
			return
		}
	}
}

func (r *Reader) continuousLoop(run *continuousRun) {
	defer run.cancel()
	defer close(run.done)
	for {
		select {
		case ev := <-run.events:
			if done := r.handleContEvent(run, ev); done {
				r.clearContinuous()
				return
			}
		case <-run.ctx.Done():
			return
		}
	}
}

func (r *Reader) handleContEvent(run *continuousRun, ev contEvent) (done bool) {
	switch ev.kind {
	case contData:
		r.handleContData(run, ev.frame)
		return false

	case contEnd:
		run.state.stream = nil
		r.cfg.Logger.Debugf("continuous stream ended at height %d", run.state.lastKnownHeight)
		// Transparent reconnects never surface as end/error at this layer
		// (the transport retries internally and invokes BeforeReconnect);
		// an end event here means the subscription is genuinely over, so
		// there is no automatic re-subscribe at the Reader level.
		return true

	case contError:
		if ev.err == ErrCancelled {
			run.state.stream = nil
			r.cfg.Logger.Debugf("continuous stream cancelled")
			return true
		}
		run.state.stream = nil
		if !run.stopped && r.handlers.Error != nil {
			r.handlers.Error(newSyncError(KindExhaustedRetries, ev.err))
		}
		return true

	case contStop:
		run.stopped = true
		if run.state.stream != nil {
			run.state.stream.Cancel()
		}
		return false
	}
	return false
}

func (r *Reader) handleContData(run *continuousRun, frame Frame) {
	headHeight := run.state.lastKnownHeight
	headers := frame.Headers
	batch := Batch{Headers: headers, HeadHeight: headHeight}

	var once sync.Once
	rejected := false
	reject := func(err error) {
		once.Do(func() {
			rejected = true
			if run.state.stream != nil {
				run.state.stream.Destroy(err)
			}
		})
	}

	if r.handlers.Batch != nil {
		r.handlers.Batch(batch, reject)
	}
	if rejected {
		return
	}

	run.state.lastKnownHeight += uint32(len(headers))
}

// UnsubscribeFromNew idempotently cancels the continuous subscription. No
// Error event is ever emitted as a result of calling this.
func (r *Reader) UnsubscribeFromNew() {
	r.mu.Lock()
	run := r.continuous
	r.mu.Unlock()
	if run == nil {
		return
	}
	select {
	case run.events <- contEvent{kind: contStop}:
	case <-run.done:
	}
	<-run.done
}

func (r *Reader) clearContinuous() {
	r.mu.Lock()
	r.continuous = nil
	r.mu.Unlock()
}
