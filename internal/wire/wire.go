// Package wire defines the frame envelope carried between spvsyncd and the
// remote node, and a gRPC codec for it.
//
// No generated protobuf stub backs this RPC surface. Envelope is a plain
// Go struct carried over gRPC via Codec, a small encoding.Codec registered
// under a distinct content-subtype — a documented, supported gRPC
// extension point for exactly this situation (see
// google.golang.org/grpc/encoding.Codec and CallContentSubtype).
package wire

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// Kind discriminates the payload an Envelope carries.
type Kind uint8

const (
	KindSubscribe Kind = iota
	KindHeaderFrame
	KindTxFrame
	KindPing
	KindPong
	KindBeforeReconnect
)

// Envelope is the single message type exchanged on the Subscribe stream in
// both directions. Only the fields relevant to Kind are populated; the
// rest are left zero.
type Envelope struct {
	Kind Kind `json:"kind"`

	// Subscribe request fields (client -> server, Kind == KindSubscribe).
	FromHeight uint32 `json:"from_height,omitempty"`
	Count      uint32 `json:"count,omitempty"`       // 0 means unbounded (continuous)
	Continuous bool   `json:"continuous,omitempty"`
	Addresses  [][]byte `json:"addresses,omitempty"` // non-nil selects the transaction-stream variant

	// Header-frame fields (server -> client, Kind == KindHeaderFrame).
	Headers [][]byte `json:"headers,omitempty"`

	// Transaction-frame fields (server -> client, Kind == KindTxFrame).
	Transactions []byte `json:"transactions,omitempty"` // raw concatenated tx blob; split by transport
	MerkleBlock  []byte `json:"merkle_block,omitempty"`

	// Error carries a terminal error message when the server tears the
	// stream down outside the normal gRPC status-code path.
	Error string `json:"error,omitempty"`
}

// ContentSubtype is the gRPC content-subtype this package's Codec is
// registered under (see grpc.CallContentSubtype).
const ContentSubtype = "headersync-json"

// Codec marshals/unmarshals Envelope (and only Envelope) as JSON. gRPC
// requires Name() to be lowercase; registering it makes it selectable via
// grpc.CallContentSubtype(wire.ContentSubtype) without a "application/grpc+"
// prefix, or via grpc.ForceCodec(wire.Codec{}) for fixed-codec dial setups.
type Codec struct{}

func (Codec) Name() string { return ContentSubtype }

func (Codec) Marshal(v any) ([]byte, error) {
	env, ok := v.(*Envelope)
	if !ok {
		return nil, fmt.Errorf("wire: codec only marshals *Envelope, got %T", v)
	}
	return json.Marshal(env)
}

func (Codec) Unmarshal(data []byte, v any) error {
	env, ok := v.(*Envelope)
	if !ok {
		return fmt.Errorf("wire: codec only unmarshals into *Envelope, got %T", v)
	}
	return json.Unmarshal(data, env)
}

func init() {
	encoding.RegisterCodec(Codec{})
}
