package headersync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dashpay/spv-headersync/internal/diag"
)

func newTestReader(t *testing.T, factory *fakeFactory, maxRetries uint32, handlers ReaderHandlers) *Reader {
	t.Helper()
	return NewReader(ReaderConfig{
		Factory:            factory,
		MaxRetries:         maxRetries,
		MaxParallelStreams: 4,
		TargetBatchSize:    1000,
		RetryInterval:      time.Millisecond,
		Logger:             diag.Noop{},
	}, handlers)
}

func waitOrTimeout(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

func recvStreamOrTimeout(t *testing.T, ch <-chan *fakeStream) *fakeStream {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a sub-stream to be opened")
		return nil
	}
}

func TestReadHistorical_SingleSliceDeliversAllThenCompletes(t *testing.T) {
	stream := newFakeStream()
	factory := &fakeFactory{
		openHistoricalFn: func(ctx context.Context, fromHeight, count uint32) (Stream, error) {
			return stream, nil
		},
	}

	var batches []Batch
	done := make(chan struct{})
	handlers := ReaderHandlers{
		Batch: func(b Batch, reject RejectFunc) {
			batches = append(batches, b)
		},
		HistoricalDataObtained: func() { close(done) },
		Error:                  func(err error) { t.Fatalf("unexpected error: %v", err) },
	}
	r := newTestReader(t, factory, 2, handlers)

	if err := r.ReadHistorical(context.Background(), 1, 5); err != nil {
		t.Fatalf("ReadHistorical: %v", err)
	}
	if got := factory.callCount(); got != 1 {
		t.Fatalf("expected 1 sub-stream for a range this small, got %d", got)
	}

	stream.emitData(Frame{Headers: headersOf(5)})
	stream.emit(StreamEvent{Kind: EventEnd})

	waitOrTimeout(t, done)

	if len(batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(batches))
	}
	if batches[0].HeadHeight != 1 || len(batches[0].Headers) != 5 {
		t.Fatalf("unexpected batch: %+v", batches[0])
	}
}

func TestReadHistorical_TransientErrorRetriesAtResumeHeight(t *testing.T) {
	opened := make(chan *fakeStream, 8)
	factory := &fakeFactory{
		openHistoricalFn: func(ctx context.Context, fromHeight, count uint32) (Stream, error) {
			s := newFakeStream()
			opened <- s
			return s, nil
		},
	}

	done := make(chan struct{})
	var batches []Batch
	handlers := ReaderHandlers{
		Batch: func(b Batch, reject RejectFunc) {
			batches = append(batches, b)
		},
		HistoricalDataObtained: func() { close(done) },
		Error:                  func(err error) { t.Fatalf("unexpected error: %v", err) },
	}
	r := newTestReader(t, factory, 2, handlers)

	if err := r.ReadHistorical(context.Background(), 1, 10); err != nil {
		t.Fatalf("ReadHistorical: %v", err)
	}

	first := recvStreamOrTimeout(t, opened)
	first.emitData(Frame{Headers: headersOf(3)})
	first.emit(StreamEvent{Kind: EventError, Err: errors.New("transient: connection reset")})

	second := recvStreamOrTimeout(t, opened)
	second.emitData(Frame{Headers: headersOf(7)})
	second.emit(StreamEvent{Kind: EventEnd})

	waitOrTimeout(t, done)

	if got := factory.callCount(); got != 2 {
		t.Fatalf("expected exactly one retry open, got %d opens", got)
	}
	if len(batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(batches))
	}
	if batches[1].HeadHeight != 4 {
		t.Fatalf("expected retry batch to resume at height 4, got %d", batches[1].HeadHeight)
	}
}

func TestReadHistorical_RetriesExhaustedAbortsRun(t *testing.T) {
	opened := make(chan *fakeStream, 8)
	factory := &fakeFactory{
		openHistoricalFn: func(ctx context.Context, fromHeight, count uint32) (Stream, error) {
			s := newFakeStream()
			opened <- s
			return s, nil
		},
	}

	errCh := make(chan error, 1)
	handlers := ReaderHandlers{
		Batch:                  func(Batch, RejectFunc) {},
		HistoricalDataObtained: func() { t.Fatal("HistoricalDataObtained should not fire on an aborted run") },
		Error:                  func(err error) { errCh <- err },
	}
	// MaxRetries=1: the descriptor gets exactly one retry before exhaustion.
	r := newTestReader(t, factory, 1, handlers)

	if err := r.ReadHistorical(context.Background(), 1, 5); err != nil {
		t.Fatalf("ReadHistorical: %v", err)
	}

	transientErr := errors.New("transient: unavailable")

	first := recvStreamOrTimeout(t, opened)
	first.emit(StreamEvent{Kind: EventError, Err: transientErr})

	second := recvStreamOrTimeout(t, opened)
	second.emit(StreamEvent{Kind: EventError, Err: transientErr})

	select {
	case err := <-errCh:
		var se *SyncError
		if !errors.As(err, &se) {
			t.Fatalf("expected a SyncError, got %T: %v", err, err)
		}
		if se.Kind != KindExhaustedRetries {
			t.Fatalf("expected KindExhaustedRetries, got %v", se.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the aborted-run error")
	}

	if got := factory.callCount(); got != 2 {
		t.Fatalf("expected exactly 2 opens (initial + 1 retry), got %d", got)
	}
}

func TestStopReadingHistorical_NeverEmitsError(t *testing.T) {
	stream := newFakeStream()
	factory := &fakeFactory{
		openHistoricalFn: func(ctx context.Context, fromHeight, count uint32) (Stream, error) {
			return stream, nil
		},
	}

	handlers := ReaderHandlers{
		Batch:                  func(Batch, RejectFunc) {},
		HistoricalDataObtained: func() { t.Fatal("HistoricalDataObtained should not fire after a manual stop") },
		Error:                  func(err error) { t.Fatalf("Error should not fire after a manual stop, got %v", err) },
	}
	r := newTestReader(t, factory, 2, handlers)

	if err := r.ReadHistorical(context.Background(), 1, 100); err != nil {
		t.Fatalf("ReadHistorical: %v", err)
	}

	r.StopReadingHistorical()
	// Idempotent: a second call must not block or panic.
	r.StopReadingHistorical()
}

func TestReadHistorical_RejectedBatchWithNoRetriesLeftAborts(t *testing.T) {
	stream := newFakeStream()
	factory := &fakeFactory{
		openHistoricalFn: func(ctx context.Context, fromHeight, count uint32) (Stream, error) {
			return stream, nil
		},
	}

	rejectErr := errors.New("bad header checksum")
	errCh := make(chan error, 1)
	handlers := ReaderHandlers{
		Batch: func(b Batch, reject RejectFunc) {
			reject(rejectErr)
		},
		Error: func(err error) { errCh <- err },
	}
	// MaxRetries=0: a rejected batch destroys the stream and the run aborts
	// immediately, with no reopen attempt.
	r := newTestReader(t, factory, 0, handlers)

	if err := r.ReadHistorical(context.Background(), 1, 5); err != nil {
		t.Fatalf("ReadHistorical: %v", err)
	}

	stream.emitData(Frame{Headers: headersOf(5)})

	select {
	case err := <-errCh:
		var se *SyncError
		if !errors.As(err, &se) {
			t.Fatalf("expected a SyncError, got %T: %v", err, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the reject-triggered abort")
	}

	if got := factory.callCount(); got != 1 {
		t.Fatalf("expected no reopen after a rejected batch with no retries left, got %d opens", got)
	}
}
