package engine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClock_NewClock(t *testing.T) {
	c := NewClock()
	assert.Equal(t, uint64(0), c.Current(), "new clock should start at 0")
}

func TestClock_NewClockAt(t *testing.T) {
	c := NewClockAt(100)
	assert.Equal(t, uint64(100), c.Current(), "clock should start at specified value")
}

func TestClock_Next_Incrementing(t *testing.T) {
	c := NewClock()

	// First call returns 1 (increments then returns)
	assert.Equal(t, uint64(1), c.Next())
	assert.Equal(t, uint64(2), c.Next())
	assert.Equal(t, uint64(3), c.Next())

	assert.Equal(t, uint64(3), c.Current())
}

func TestClock_Witness(t *testing.T) {
	c := NewClockAt(5)

	assert.Equal(t, uint64(10), c.Witness(9), "peer ahead: max(5,9)+1")
	assert.Equal(t, uint64(11), c.Witness(3), "peer behind: still strictly increases")
	assert.Equal(t, uint64(11), c.Current())
}

func TestClock_ThreadSafe(t *testing.T) {
	c := NewClock()
	const goroutines = 100
	const callsPerGoroutine = 100

	var wg sync.WaitGroup
	seqs := make(chan uint64, goroutines*callsPerGoroutine)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < callsPerGoroutine; j++ {
				if j%2 == 0 {
					seqs <- c.Next()
				} else {
					seqs <- c.Witness(uint64(j))
				}
			}
		}()
	}

	wg.Wait()
	close(seqs)

	seen := make(map[uint64]bool)
	for seq := range seqs {
		assert.False(t, seen[seq], "seq %d generated twice", seq)
		seen[seq] = true
	}
	assert.Len(t, seen, goroutines*callsPerGoroutine)
}

func TestClock_Jump(t *testing.T) {
	c := NewClockAt(4)

	assert.True(t, c.Jump(9))
	assert.Equal(t, uint64(9), c.Current())
	assert.False(t, c.Jump(9), "equal value is not a jump")
	assert.False(t, c.Jump(2))
	assert.Equal(t, uint64(9), c.Current())
}
