package rtc

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestCandidatesBufferedUntilRelease(t *testing.T) {
	b := NewCandidateBuffer()
	from, to := uuid.New(), uuid.New()

	c1 := json.RawMessage(`{"candidate":"a"}`)
	c2 := json.RawMessage(`{"candidate":"b"}`)

	assert.True(t, b.Hold("room-1", from, to, c1))
	assert.True(t, b.Hold("room-1", from, to, c2))

	queued := b.Release("room-1", from, to)
	assert.Equal(t, []json.RawMessage{c1, c2}, queued)

	// Drained exactly once
	assert.Nil(t, b.Release("room-1", from, to))
}

func TestCandidatesPassThroughAfterRelease(t *testing.T) {
	b := NewCandidateBuffer()
	from, to := uuid.New(), uuid.New()

	b.Release("room-1", from, to)

	held := b.Hold("room-1", from, to, json.RawMessage(`{"candidate":"late"}`))
	assert.False(t, held)
}

func TestPairsAreIndependent(t *testing.T) {
	b := NewCandidateBuffer()
	a, c, d := uuid.New(), uuid.New(), uuid.New()

	b.Hold("room-1", a, c, json.RawMessage(`1`))
	b.Hold("room-1", a, d, json.RawMessage(`2`))

	// Releasing a->c does not drain a->d
	assert.Len(t, b.Release("room-1", a, c), 1)
	assert.Len(t, b.Release("room-1", a, d), 1)

	// Opposite direction of a pair is tracked separately
	b.Hold("room-2", a, c, json.RawMessage(`3`))
	assert.Nil(t, b.Release("room-2", c, a))
	assert.Len(t, b.Release("room-2", a, c), 1)
}

func TestForgetDropsRoomState(t *testing.T) {
	b := NewCandidateBuffer()
	from, to := uuid.New(), uuid.New()

	b.Hold("room-1", from, to, json.RawMessage(`1`))
	b.Release("room-1", to, from)
	b.Forget("room-1")

	// Back to buffering from scratch
	assert.Nil(t, b.Release("room-1", from, to))
	assert.True(t, b.Hold("room-1", to, from, json.RawMessage(`2`)))
}
