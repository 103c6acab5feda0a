package ledger_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/trip-ledger/ledger"
)

func TestGuard_SameKey_Serialized(t *testing.T) {
	g := ledger.NewGuard()
	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := g.Do(context.Background(), "p1/lodging", func() error {
				n := inside.Add(1)
				if n > maxSeen.Load() {
					maxSeen.Store(n)
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen.Load())
}

func TestGuard_DifferentKeys_RunConcurrently(t *testing.T) {
	g := ledger.NewGuard()
	held := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = g.Do(context.Background(), "a", func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ran := false
	err := g.Do(ctx, "b", func() error { ran = true; return nil })
	close(release)

	require.NoError(t, err)
	assert.True(t, ran)
}

func TestGuard_WaiterGivesUpOnCancel(t *testing.T) {
	// GIVEN: A key held by a slow operation
	// WHEN: A second caller's context expires while waiting
	// THEN: It returns the context error without running

	g := ledger.NewGuard()
	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = g.Do(context.Background(), "k", func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ran := false
	err := g.Do(ctx, "k", func() error { ran = true; return nil })

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, ran)
}
