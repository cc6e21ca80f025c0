// Package transport implements headersync.StreamFactory over a gRPC
// streaming RPC: TLS dial options, keepalive tuning, and a Recv loop
// classifying transport errors by gRPC status code.
package transport

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding/gzip"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	headersync "github.com/dashpay/spv-headersync"
	"github.com/dashpay/spv-headersync/internal/diag"
	"github.com/dashpay/spv-headersync/internal/wire"
)

// sdkName/sdkVersion are sent as outgoing metadata on every call.
const (
	sdkName    = "spv-headersync-go"
	sdkVersion = "0.1.0"
	subscribeMethod = "/headersync.v1.HeaderSync/Subscribe"
)

// ChannelOptions configures gRPC channel behavior: connection timeouts,
// message size limits, keepalive, flow-control windows, and compression.
type ChannelOptions struct {
	ConnectTimeout    time.Duration // not read by Dial
	MinConnectTimeout time.Duration // default 10s

	MaxRecvMsgSize int // default 1GB
	MaxSendMsgSize int // default 32MB

	KeepaliveTime        time.Duration // default 30s
	KeepaliveTimeout     time.Duration // default 5s
	PermitWithoutStream  bool

	InitialWindowSize     int32 // default 4MB
	InitialConnWindowSize int32 // default 8MB

	WriteBufferSize int // default 64KB
	ReadBufferSize  int // gRPC's own default when zero

	UseCompression bool
	Insecure       bool // skip TLS; local/dev nodes only
}

// Transport dials one remote node and opens header/transaction streams
// against it as headersync.Streams.
type Transport struct {
	conn   *grpc.ClientConn
	apiKey string
	logger diag.Logger

	// maxReconnectAttempts/reconnectInterval bound the transparent
	// reconnect loop a continuous stream runs internally.
	maxReconnectAttempts uint32
	reconnectInterval    time.Duration
}

// Dial connects to endpoint (host:port, or an https:// URL) and returns a
// Transport ready to open Streams.
func Dial(ctx context.Context, endpoint, apiKey string, opts ChannelOptions, logger diag.Logger) (*Transport, error) {
	if logger == nil {
		logger = diag.Noop{}
	}
	target := normalizeTarget(endpoint)

	dialOpts, err := buildDialOptions(opts)
	if err != nil {
		return nil, err
	}

	conn, err := grpc.DialContext(ctx, target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", target, err)
	}

	return &Transport{
		conn:                 conn,
		apiKey:               apiKey,
		logger:               logger,
		maxReconnectAttempts: 240,
		reconnectInterval:    5 * time.Second,
	}, nil
}

func normalizeTarget(endpoint string) string {
	if strings.Contains(endpoint, "://") {
		u, err := url.Parse(endpoint)
		if err == nil {
			if u.Port() != "" {
				return u.Host
			}
			return u.Hostname() + ":443"
		}
	}
	if strings.Contains(endpoint, ":") {
		return endpoint
	}
	return endpoint + ":443"
}

func buildDialOptions(opts ChannelOptions) ([]grpc.DialOption, error) {
	var dialOpts []grpc.DialOption

	if opts.Insecure {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}

	keepaliveTime := 30 * time.Second
	if opts.KeepaliveTime > 0 {
		keepaliveTime = opts.KeepaliveTime
	}
	keepaliveTimeout := 5 * time.Second
	if opts.KeepaliveTimeout > 0 {
		keepaliveTimeout = opts.KeepaliveTimeout
	}
	dialOpts = append(dialOpts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
		Time:                keepaliveTime,
		Timeout:             keepaliveTimeout,
		PermitWithoutStream: opts.PermitWithoutStream,
	}))

	maxRecvMsgSize := 1024 * 1024 * 1024
	if opts.MaxRecvMsgSize > 0 {
		maxRecvMsgSize = opts.MaxRecvMsgSize
	}
	maxSendMsgSize := 32 * 1024 * 1024
	if opts.MaxSendMsgSize > 0 {
		maxSendMsgSize = opts.MaxSendMsgSize
	}
	callOpts := []grpc.CallOption{
		grpc.MaxCallRecvMsgSize(maxRecvMsgSize),
		grpc.MaxCallSendMsgSize(maxSendMsgSize),
		grpc.CallContentSubtype(wire.ContentSubtype),
	}
	if opts.UseCompression {
		callOpts = append(callOpts, grpc.UseCompressor(gzip.Name))
	}
	dialOpts = append(dialOpts, grpc.WithDefaultCallOptions(callOpts...))

	minConnectTimeout := 10 * time.Second
	if opts.MinConnectTimeout > 0 {
		minConnectTimeout = opts.MinConnectTimeout
	}
	dialOpts = append(dialOpts, grpc.WithConnectParams(grpc.ConnectParams{
		Backoff:           backoff.DefaultConfig,
		MinConnectTimeout: minConnectTimeout,
	}))

	if opts.InitialWindowSize > 0 {
		dialOpts = append(dialOpts, grpc.WithInitialWindowSize(opts.InitialWindowSize))
	} else {
		dialOpts = append(dialOpts, grpc.WithInitialWindowSize(4*1024*1024))
	}
	if opts.InitialConnWindowSize > 0 {
		dialOpts = append(dialOpts, grpc.WithInitialConnWindowSize(opts.InitialConnWindowSize))
	} else {
		dialOpts = append(dialOpts, grpc.WithInitialConnWindowSize(8*1024*1024))
	}

	writeBufferSize := 64 * 1024
	if opts.WriteBufferSize > 0 {
		writeBufferSize = opts.WriteBufferSize
	}
	dialOpts = append(dialOpts, grpc.WithWriteBufferSize(writeBufferSize))
	if opts.ReadBufferSize > 0 {
		dialOpts = append(dialOpts, grpc.WithReadBufferSize(opts.ReadBufferSize))
	}

	return dialOpts, nil
}

// Close tears down the underlying channel.
func (t *Transport) Close() error {
	return t.conn.Close()
}

// OpenHistorical implements headersync.StreamFactory.
func (t *Transport) OpenHistorical(ctx context.Context, fromHeight, count uint32) (headersync.Stream, error) {
	return t.open(ctx, fromHeight, count, false, nil)
}

// OpenContinuous implements headersync.StreamFactory.
func (t *Transport) OpenContinuous(ctx context.Context, fromHeight uint32) (headersync.ContinuousStream, error) {
	s, err := t.open(ctx, fromHeight, 0, true, nil)
	if err != nil {
		return nil, err
	}
	return s.(*grpcStream), nil
}

// OpenTransactionHistorical/OpenTransactionContinuous open the
// transaction-stream variant used by headersync.BloomFilterCoordinator.
// They are exposed under different names than OpenHistorical/OpenContinuous
// (rather than an overload, which Go doesn't have) since the two variants
// take different argument shapes; TxStreamFactory wraps them to present the
// shape headersync.BloomFilterCoordinator expects.
func (t *Transport) OpenTransactionHistorical(ctx context.Context, fromHeight, count uint32, addresses [][]byte) (headersync.Stream, error) {
	return t.open(ctx, fromHeight, count, false, addresses)
}

func (t *Transport) OpenTransactionContinuous(ctx context.Context, fromHeight uint32, addresses [][]byte) (headersync.ContinuousStream, error) {
	s, err := t.open(ctx, fromHeight, 0, true, addresses)
	if err != nil {
		return nil, err
	}
	return s.(*grpcStream), nil
}

// TxStreamFactory adapts a Transport to headersync.TxStreamFactory, the
// shape headersync.BloomFilterCoordinator drives its transaction stream
// through.
type TxStreamFactory struct {
	Transport *Transport
}

func (f TxStreamFactory) OpenHistorical(ctx context.Context, fromHeight, count uint32, addresses []headersync.Address) (headersync.Stream, error) {
	return f.Transport.OpenTransactionHistorical(ctx, fromHeight, count, toByteAddresses(addresses))
}

func (f TxStreamFactory) OpenContinuous(ctx context.Context, fromHeight uint32, addresses []headersync.Address) (headersync.ContinuousStream, error) {
	return f.Transport.OpenTransactionContinuous(ctx, fromHeight, toByteAddresses(addresses))
}

func toByteAddresses(addresses []headersync.Address) [][]byte {
	out := make([][]byte, len(addresses))
	for i, a := range addresses {
		out[i] = []byte(a)
	}
	return out
}

func (t *Transport) open(ctx context.Context, fromHeight, count uint32, continuous bool, addresses [][]byte) (headersync.Stream, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	s := &grpcStream{
		transport:  t,
		ctx:        streamCtx,
		cancel:     cancel,
		events:     make(chan headersync.StreamEvent, 32),
		continuous: continuous,
		fromHeight: fromHeight,
		count:      count,
		addresses:  addresses,
	}

	cs, err := t.dialSubscribe(streamCtx, fromHeight, count, continuous, addresses)
	if err != nil {
		cancel()
		return nil, err
	}
	s.cs = cs

	go s.recvLoop()
	return s, nil
}

func (t *Transport) dialSubscribe(ctx context.Context, fromHeight, count uint32, continuous bool, addresses [][]byte) (grpc.ClientStream, error) {
	md := metadata.New(map[string]string{
		"x-sdk-name":    sdkName,
		"x-sdk-version": sdkVersion,
	})
	if t.apiKey != "" {
		md.Set("x-token", t.apiKey)
	}
	outCtx := metadata.NewOutgoingContext(ctx, md)

	cs, err := t.conn.NewStream(outCtx, &grpc.StreamDesc{
		StreamName:    "Subscribe",
		ServerStreams: true,
		ClientStreams: true,
	}, subscribeMethod)
	if err != nil {
		return nil, fmt.Errorf("transport: open stream: %w", err)
	}

	req := &wire.Envelope{
		Kind:       wire.KindSubscribe,
		FromHeight: fromHeight,
		Count:      count,
		Continuous: continuous,
		Addresses:  addresses,
	}
	if err := cs.SendMsg(req); err != nil {
		cs.CloseSend()
		return nil, fmt.Errorf("transport: send subscribe request: %w", err)
	}
	return cs, nil
}

// grpcStream adapts one gRPC ClientStream to headersync.Stream /
// headersync.ContinuousStream. For a continuous stream, recvLoop retries
// transparently inside the transport on a transient error; the Reader
// never sees these as end/error events, only a genuine exhaustion or
// cancellation.
type grpcStream struct {
	transport  *Transport
	ctx        context.Context
	cancel     context.CancelFunc
	events     chan headersync.StreamEvent
	continuous bool
	fromHeight uint32
	count      uint32
	addresses  [][]byte

	mu              sync.Mutex
	cs              grpc.ClientStream
	beforeReconnect func(updater func(fromHeight, count uint32))
	terminal        bool
}

func (s *grpcStream) Events() <-chan headersync.StreamEvent { return s.events }

func (s *grpcStream) BeforeReconnect(updater func(fromHeight uint32, count uint32)) {
	s.mu.Lock()
	s.beforeReconnect = updater
	s.mu.Unlock()
}

func (s *grpcStream) Cancel() {
	s.finish(headersync.ErrCancelled)
}

func (s *grpcStream) Destroy(err error) {
	if err == nil {
		err = headersync.ErrCancelled
	}
	s.finish(err)
}

// finish is idempotent: only the first caller (explicit Cancel/Destroy, or
// recvLoop's own terminal classification) gets to push the terminal event
// and close the channel.
func (s *grpcStream) finish(err error) {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return
	}
	s.terminal = true
	s.mu.Unlock()

	s.cancel()
	if err == headersync.ErrCancelled {
		s.events <- headersync.StreamEvent{Kind: headersync.EventError, Err: headersync.ErrCancelled}
	} else {
		s.events <- headersync.StreamEvent{Kind: headersync.EventError, Err: err}
	}
	close(s.events)
}

func (s *grpcStream) recvLoop() {
	attempts := uint32(0)
	for {
		env, err := s.recvOne()
		if err == nil {
			s.deliver(env)
			continue
		}

		if s.ctx.Err() != nil {
			s.finish(headersync.ErrCancelled)
			return
		}

		if err == io.EOF {
			s.finishEnd()
			return
		}

		if !s.continuous || !isTransient(err) {
			s.finish(fmt.Errorf("transport: stream error: %w", err))
			return
		}

		attempts++
		if attempts > s.transport.maxReconnectAttempts {
			s.finish(fmt.Errorf("transport: exhausted reconnect attempts: %w", err))
			return
		}
		s.transport.logger.Warnf("transport: reconnect attempt %d/%d after %v", attempts, s.transport.maxReconnectAttempts, err)

		select {
		case <-time.After(s.transport.reconnectInterval):
		case <-s.ctx.Done():
			s.finish(headersync.ErrCancelled)
			return
		}

		if rerr := s.reconnect(); rerr != nil {
			continue
		}
		attempts = 0
	}
}

func (s *grpcStream) reconnect() error {
	fromHeight, count := s.fromHeight, s.count
	s.mu.Lock()
	hook := s.beforeReconnect
	s.mu.Unlock()
	if hook != nil {
		hook(func(f, c uint32) { fromHeight, count = f, c })
	}

	cs, err := s.transport.dialSubscribe(s.ctx, fromHeight, count, s.continuous, s.addresses)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cs = cs
	s.mu.Unlock()
	s.fromHeight, s.count = fromHeight, count
	return nil
}

func (s *grpcStream) recvOne() (*wire.Envelope, error) {
	s.mu.Lock()
	cs := s.cs
	s.mu.Unlock()

	var env wire.Envelope
	if err := cs.RecvMsg(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (s *grpcStream) deliver(env *wire.Envelope) {
	switch env.Kind {
	case wire.KindHeaderFrame:
		headers := make([]headersync.Header, 0, len(env.Headers))
		for _, h := range env.Headers {
			headers = append(headers, headersync.Header(h))
		}
		s.events <- headersync.StreamEvent{Kind: headersync.EventData, Frame: headersync.Frame{Headers: headers}}

	case wire.KindTxFrame:
		frame := headersync.Frame{}
		if len(env.Transactions) > 0 {
			frame.Transactions = []headersync.Transaction{headersync.Transaction(env.Transactions)}
		}
		if len(env.MerkleBlock) > 0 {
			mb := headersync.MerkleBlock(env.MerkleBlock)
			frame.MerkleBlock = &mb
		}
		s.events <- headersync.StreamEvent{Kind: headersync.EventData, Frame: frame}

	case wire.KindPing:
		// no client pong is needed: wire.Envelope round trips are
		// request/response per RPC, not a raw duplex ping/pong.
	}
}

func (s *grpcStream) finishEnd() {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return
	}
	s.terminal = true
	s.mu.Unlock()
	s.events <- headersync.StreamEvent{Kind: headersync.EventEnd}
	close(s.events)
}

func isTransient(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}
