package main

import (
	"context"
	"fmt"
	"sync"

	headersync "github.com/dashpay/spv-headersync"
)

// memChain is a minimal in-memory headersync.Chain: it accepts any
// contiguous batch without proof-of-work or reorg validation. Real chain
// validation is an external collaborator's job; this stands in for it so
// the daemon has something to drive end to end.
type memChain struct {
	mu     sync.Mutex
	tip    uint32
	hashes map[uint32][]byte
}

func newMemChain() *memChain {
	return &memChain{hashes: make(map[uint32][]byte)}
}

func (c *memChain) AddHeaders(_ context.Context, headers []headersync.Header, headHeight uint32) (headersync.AcceptedHeaders, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	accepted := make(headersync.AcceptedHeaders, 0, len(headers))
	height := headHeight
	for _, h := range headers {
		c.hashes[height] = h
		accepted = append(accepted, h)
		height++
	}
	c.tip = height - 1
	return accepted, nil
}

func (c *memChain) Validate(context.Context) error { return nil }

func (c *memChain) Reset(_ context.Context, height uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hashes = map[uint32][]byte{height - 1: []byte(fmt.Sprintf("synthetic-root-%d", height-1))}
	c.tip = height - 1
	return nil
}

func (c *memChain) HashByHeight(height uint32) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.hashes[height]
	return h, ok
}

// Tip returns the highest height accepted so far, for status logging.
func (c *memChain) Tip() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tip
}
