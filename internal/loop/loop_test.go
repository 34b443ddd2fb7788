package loop

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoop_RunsInPostOrder(t *testing.T) {
	l := New()
	defer l.Stop()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, l.Post(func() { got = append(got, i) }))
	}
	require.True(t, l.Do(func() {}))

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestLoop_ConcurrentPostersAreSerialized(t *testing.T) {
	l := New()
	defer l.Stop()

	counter := 0
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				l.Post(func() { counter++ })
			}
		}()
	}
	wg.Wait()

	var final int
	l.Do(func() { final = counter })
	assert.Equal(t, 2000, final)
}

func TestLoop_PostAfterStop(t *testing.T) {
	l := New()
	l.Stop()
	<-l.Done()

	ran := false
	assert.False(t, l.Post(func() { ran = true }))
	assert.False(t, l.Do(func() { ran = true }))
	assert.False(t, ran)
}

func TestLoop_StopDropsQueuedWork(t *testing.T) {
	l := New()
	release := make(chan struct{})
	started := make(chan struct{})
	l.Post(func() {
		close(started)
		<-release
	})
	<-started

	ran := false
	l.Post(func() { ran = true })
	l.Stop()
	close(release)

	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not exit")
	}
	assert.False(t, ran)
}

func TestLoop_StopFromInside(t *testing.T) {
	l := New()
	l.Post(func() { l.Stop() })
	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not exit")
	}
	l.Stop()
}
