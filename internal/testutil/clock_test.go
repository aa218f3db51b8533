package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualTime_StartsAtEpoch(t *testing.T) {
	m := NewManualTime(time.Time{})
	assert.Equal(t, Epoch, m.Now())
}

func TestManualTime_Advance(t *testing.T) {
	m := NewManualTime(time.Time{})

	got := m.Advance(5 * time.Second)
	assert.Equal(t, Epoch.Add(5*time.Second), got)
	assert.Equal(t, got, m.Now())

	m.Set(Epoch)
	assert.Equal(t, Epoch, m.Now())
}

func TestManualTime_ThreadSafe(t *testing.T) {
	m := NewManualTime(time.Time{})
	const goroutines = 50

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			m.Advance(time.Millisecond)
		}()
	}
	wg.Wait()

	assert.Equal(t, Epoch.Add(goroutines*time.Millisecond), m.Now())
}
