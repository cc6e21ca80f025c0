package headersync

import (
	"context"
	"fmt"
	"sync"

	"github.com/dashpay/spv-headersync/internal/diag"
)

// ProviderEvent discriminates the Provider's public event stream.
type ProviderEvent int

const (
	EventChainUpdated ProviderEvent = iota
	EventHistoricalDataObtained
	EventStopped
)

func (e ProviderEvent) String() string {
	switch e {
	case EventChainUpdated:
		return "CHAIN_UPDATED"
	case EventHistoricalDataObtained:
		return "HISTORICAL_DATA_OBTAINED"
	case EventStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// ChainUpdate carries the payload of a CHAIN_UPDATED event: the headers the
// chain actually accepted and the height of the first one.
type ChainUpdate struct {
	Headers    AcceptedHeaders
	HeadHeight uint32
}

// ProviderHandlers are the callbacks a consumer installs on a Provider.
type ProviderHandlers struct {
	ChainUpdated           func(ChainUpdate)
	HistoricalDataObtained func()
	Stopped                func()
	Error                  func(error)
}

// CoreMethods bundles the raw transport hooks a Provider needs to build
// Readers for each run. ReadHistorical/StartContinuousSync fail
// ErrNotConfigured until SetCoreMethods has supplied a non-nil Factory.
type CoreMethods struct {
	Factory StreamFactory
}

// Provider is the state machine above the Reader: it binds the Reader to
// the Chain collaborator, normalizes head-heights after chain acceptance,
// and exposes the public sync API.
type Provider struct {
	mu       sync.Mutex
	state    providerState
	chain    Chain
	reader   *Reader
	readerCfg ReaderConfig
	coreMethods CoreMethods
	handlers ProviderHandlers
	logger   diag.Logger

	configured bool
}

// NewProvider constructs an idle Provider. Chain, a Reader (or the config to
// build one per run), and handlers must be supplied via the Set* methods
// before ReadHistorical/StartContinuousSync will succeed.
func NewProvider(logger diag.Logger) *Provider {
	if logger == nil {
		logger = diag.Noop{}
	}
	return &Provider{state: stateIdle, logger: logger}
}

// SetChain injects the chain collaborator.
func (p *Provider) SetChain(chain Chain) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chain = chain
}

// SetReader injects the Reader tuning configuration (retry/parallelism
// knobs) used to build a fresh Reader for each sync run — a new Reader per
// run mirrors the Provider state table's "open Reader" side effect on every
// Idle -> non-Idle transition. It does not by itself satisfy NotConfigured;
// see SetCoreMethods.
func (p *Provider) SetReader(cfg ReaderConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readerCfg = cfg
	if p.readerCfg.Factory == nil {
		p.readerCfg.Factory = p.coreMethods.Factory
	}
}

// SetCoreMethods injects the transport hooks a Reader needs to open
// streams. ReadHistorical/StartContinuousSync fail ErrNotConfigured until
// this has been called.
func (p *Provider) SetCoreMethods(methods CoreMethods) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.coreMethods = methods
	if p.readerCfg.Factory == nil {
		p.readerCfg.Factory = methods.Factory
	}
	p.configured = methods.Factory != nil
}

// SetHandlers installs the public event callbacks.
func (p *Provider) SetHandlers(h ProviderHandlers) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = h
}

// State returns the Provider's current state machine position.
func (p *Provider) State() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.String()
}

// ReadHistorical runs one historical sync pass over [fromHeight, toHeight].
func (p *Provider) ReadHistorical(ctx context.Context, fromHeight, toHeight uint32) error {
	p.mu.Lock()
	if !p.configured || p.chain == nil {
		p.mu.Unlock()
		return ErrNotConfigured
	}
	if p.state != stateIdle {
		p.mu.Unlock()
		return ErrBusyState
	}
	p.state = stateHistoricalSync
	chain := p.chain
	cfg := p.readerConfigLocked()
	p.mu.Unlock()

	if err := p.ensureChainRoot(ctx, chain, fromHeight); err != nil {
		p.mu.Lock()
		p.state = stateIdle
		p.mu.Unlock()
		return err
	}

	done := make(chan struct{})
	var runErr error

	reader := NewReader(cfg, ReaderHandlers{
		Batch: p.handleBatch(ctx, chain),
		HistoricalDataObtained: func() {
			if err := chain.Validate(ctx); err != nil {
				p.finishHistorical(err)
			} else {
				p.finishHistorical(nil)
			}
			close(done)
		},
		Error: func(err error) {
			p.finishHistoricalError(err)
			runErr = err
			close(done)
		},
	})

	p.mu.Lock()
	p.reader = reader
	p.mu.Unlock()

	if err := reader.ReadHistorical(ctx, fromHeight, toHeight); err != nil {
		p.mu.Lock()
		p.state = stateIdle
		p.reader = nil
		p.mu.Unlock()
		return err
	}

	<-done
	return runErr
}

// StartContinuousSync opens the single long-lived subscription at
// fromHeight.
func (p *Provider) StartContinuousSync(ctx context.Context, fromHeight uint32) error {
	p.mu.Lock()
	if !p.configured || p.chain == nil {
		p.mu.Unlock()
		return ErrNotConfigured
	}
	if p.state != stateIdle {
		p.mu.Unlock()
		return ErrBusyState
	}
	p.state = stateContinuousSync
	chain := p.chain
	cfg := p.readerConfigLocked()
	p.mu.Unlock()

	if err := p.ensureChainRoot(ctx, chain, fromHeight); err != nil {
		p.mu.Lock()
		p.state = stateIdle
		p.mu.Unlock()
		return err
	}

	reader := NewReader(cfg, ReaderHandlers{
		Batch: p.handleBatch(ctx, chain),
		Error: func(err error) {
			p.mu.Lock()
			p.state = stateIdle
			p.reader = nil
			p.mu.Unlock()
			if p.handlers.Error != nil {
				p.handlers.Error(err)
			}
		},
	})

	p.mu.Lock()
	p.reader = reader
	p.mu.Unlock()

	if err := reader.SubscribeToNew(ctx, fromHeight); err != nil {
		p.mu.Lock()
		p.state = stateIdle
		p.reader = nil
		p.mu.Unlock()
		return err
	}
	return nil
}

// Stop idempotently cancels whichever run is active and returns the
// Provider to Idle.
func (p *Provider) Stop() {
	p.mu.Lock()
	state := p.state
	reader := p.reader
	p.mu.Unlock()

	if state == stateIdle || reader == nil {
		return
	}

	switch state {
	case stateHistoricalSync:
		reader.StopReadingHistorical()
	case stateContinuousSync:
		reader.UnsubscribeFromNew()
	}

	p.mu.Lock()
	p.state = stateIdle
	p.reader = nil
	p.mu.Unlock()

	if p.handlers.Stopped != nil {
		p.handlers.Stopped()
	}
}

// readerConfigLocked returns the Reader configuration for the run about to
// start, falling back to the Provider's own logger when none was set
// explicitly via SetReader. Caller must hold p.mu.
func (p *Provider) readerConfigLocked() ReaderConfig {
	cfg := p.readerCfg
	if cfg.Logger == nil {
		cfg.Logger = p.logger
	}
	return cfg
}

// ensureChainRoot resets the chain to be anchored at fromHeight-1 if it has
// no header there yet, allowing starts above genesis without requiring
// prior history.
func (p *Provider) ensureChainRoot(ctx context.Context, chain Chain, fromHeight uint32) error {
	if fromHeight <= 1 {
		return nil
	}
	if _, ok := chain.HashByHeight(fromHeight - 1); ok {
		return nil
	}
	return chain.Reset(ctx, fromHeight)
}

// handleBatch is the single entry point for both historical and continuous
// batches, so the reject contract is enforced uniformly across both paths.
func (p *Provider) handleBatch(ctx context.Context, chain Chain) BatchFunc {
	return func(batch Batch, reject RejectFunc) {
		accepted, err := chain.AddHeaders(ctx, batch.Headers, batch.HeadHeight)
		if err != nil {
			if IsSPVError(err) {
				reject(err)
				return
			}
			p.logger.Debugf("chain rejected batch %s fatally: %v", batch, err)
			p.fatal(newSyncError(KindChainFatal, err))
			return
		}

		difference := uint32(len(batch.Headers) - len(accepted))
		if len(accepted) == 0 {
			return
		}
		if p.handlers.ChainUpdated != nil {
			p.handlers.ChainUpdated(ChainUpdate{Headers: accepted, HeadHeight: batch.HeadHeight + difference})
		}
	}
}

// fatal is invoked from inside handleBatch, which itself runs on the
// Reader's own single control goroutine — never call a blocking Reader
// teardown method here directly, or the Reader would deadlock waiting on
// a loop iteration that can't complete until this call returns. Teardown
// is dispatched to its own goroutine instead.
func (p *Provider) fatal(err error) {
	p.mu.Lock()
	reader := p.reader
	p.state = stateIdle
	p.reader = nil
	p.mu.Unlock()

	if reader != nil {
		go func() {
			reader.StopReadingHistorical()
			reader.UnsubscribeFromNew()
		}()
	}
	if p.handlers.Error != nil {
		p.handlers.Error(err)
	}
}

func (p *Provider) finishHistorical(validateErr error) {
	p.mu.Lock()
	p.state = stateIdle
	p.reader = nil
	p.mu.Unlock()

	if validateErr != nil {
		if p.handlers.Error != nil {
			p.handlers.Error(newSyncError(KindChainFatal, fmt.Errorf("validate: %w", validateErr)))
		}
		return
	}
	if p.handlers.HistoricalDataObtained != nil {
		p.handlers.HistoricalDataObtained()
	}
}

func (p *Provider) finishHistoricalError(err error) {
	p.mu.Lock()
	p.state = stateIdle
	p.reader = nil
	p.mu.Unlock()

	if p.handlers.Error != nil {
		p.handlers.Error(err)
	}
}
