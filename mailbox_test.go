package pipeline

import (
	"testing"

	"github.com/creastat/infra/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/voxline/pipeline/core"
)

func testLogger() telemetry.Logger {
	return telemetry.New(telemetry.Config{Level: "error"})
}

func TestMailboxFIFO(t *testing.T) {
	m := NewMailbox("test", 8, testLogger())

	first := core.NewData("first")
	second := core.NewData("second")
	require.True(t, m.Enqueue(first))
	require.True(t, m.Enqueue(second))

	assert.Equal(t, first.ID, (<-m.ch).ID)
	assert.Equal(t, second.ID, (<-m.ch).ID)
}

func TestMailboxDropsWhenFull(t *testing.T) {
	m := NewMailbox("test", 2, testLogger())

	assert.True(t, m.Enqueue(core.NewData(1)))
	assert.True(t, m.Enqueue(core.NewData(2)))
	assert.False(t, m.Enqueue(core.NewData(3)))
	assert.False(t, m.Enqueue(core.NewData(4)))

	assert.Equal(t, 2, m.Len())
	assert.Equal(t, uint64(2), m.Dropped())

	// Draining makes room again.
	<-m.ch
	assert.True(t, m.Enqueue(core.NewData(5)))
}

func TestMailboxDefaultCapacity(t *testing.T) {
	m := NewMailbox("test", 0, testLogger())
	assert.Equal(t, DefaultMailboxCapacity, cap(m.ch))
	assert.Equal(t, "test", m.Name())
}

func TestMailboxEnqueueNeverBlocks(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		capacity := rapid.IntRange(1, 32).Draw(rt, "capacity")
		offered := rapid.IntRange(0, 64).Draw(rt, "offered")

		m := NewMailbox("test", capacity, testLogger())
		accepted := 0
		for i := 0; i < offered; i++ {
			if m.Enqueue(core.NewData(i)) {
				accepted++
			}
		}

		want := offered
		if want > capacity {
			want = capacity
		}
		if accepted != want {
			rt.Fatalf("accepted %d messages, want %d", accepted, want)
		}
		if int(m.Dropped()) != offered-want {
			rt.Fatalf("dropped %d, want %d", m.Dropped(), offered-want)
		}
	})
}
