// Package rtc holds the transient per-peer state the signaling core
// keeps while relaying WebRTC payloads. It never inspects or modifies
// SDP/ICE content.
package rtc

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

type pairKey struct {
	roomID string
	from   uuid.UUID
	to     uuid.UUID
}

// CandidateBuffer queues ICE candidates that arrive for a peer before
// the corresponding session description has been relayed to it.
// Candidates are FIFO per (room, sender, target) pair and drained
// exactly once, immediately after the description goes out; candidates
// arriving after that pass straight through. Nothing here is
// persisted.
type CandidateBuffer struct {
	mu      sync.Mutex
	pending map[pairKey][]json.RawMessage
	ready   map[pairKey]bool
}

// NewCandidateBuffer creates an empty buffer.
func NewCandidateBuffer() *CandidateBuffer {
	return &CandidateBuffer{
		pending: make(map[pairKey][]json.RawMessage),
		ready:   make(map[pairKey]bool),
	}
}

// Hold buffers candidate if the pair's description has not been
// relayed yet. It returns true when buffered; false means the caller
// should relay the candidate immediately.
func (b *CandidateBuffer) Hold(roomID string, from, to uuid.UUID, candidate json.RawMessage) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := pairKey{roomID: roomID, from: from, to: to}
	if b.ready[key] {
		return false
	}
	b.pending[key] = append(b.pending[key], candidate)
	return true
}

// Release marks the pair's description as relayed and returns any
// buffered candidates in arrival order. The buffer for the pair is
// empty afterwards; a second Release returns nil.
func (b *CandidateBuffer) Release(roomID string, from, to uuid.UUID) []json.RawMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := pairKey{roomID: roomID, from: from, to: to}
	b.ready[key] = true
	queued := b.pending[key]
	delete(b.pending, key)
	return queued
}

// Forget discards all state for a room once its call ends.
func (b *CandidateBuffer) Forget(roomID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key := range b.pending {
		if key.roomID == roomID {
			delete(b.pending, key)
		}
	}
	for key := range b.ready {
		if key.roomID == roomID {
			delete(b.ready, key)
		}
	}
}
