package wire

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCodec_RoundTrip(t *testing.T) {
	in := &Envelope{
		Kind:       KindHeaderFrame,
		Headers:    [][]byte{[]byte("header-1"), []byte("header-2")},
		FromHeight: 42,
	}

	var codec Codec
	data, err := codec.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out Envelope
	if err := codec.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if diff := cmp.Diff(*in, out); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestCodec_RejectsWrongType(t *testing.T) {
	var codec Codec
	if _, err := codec.Marshal("not an envelope"); err == nil {
		t.Fatal("expected error marshaling non-Envelope value")
	}
	var dst string
	if err := codec.Unmarshal([]byte(`{}`), &dst); err == nil {
		t.Fatal("expected error unmarshaling into non-Envelope value")
	}
}
