package realtime

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecountAppliesInDispatchOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gate := make(chan struct{})
	started := make(chan struct{}, 8)
	var mu sync.Mutex
	n := 0
	fetch := func(context.Context) (int, error) {
		mu.Lock()
		n++
		v := n
		mu.Unlock()
		started <- struct{}{}
		<-gate
		return v, nil
	}
	var applied []int
	var cycles []uint64
	r := newRecount(ctx, fetch, func(v int, err error, cycle uint64) {
		assert.NoError(t, err)
		applied = append(applied, v)
		cycles = append(cycles, cycle)
	})

	first := r.Request()
	<-started
	second := r.Request()
	third := r.Request()

	gate <- struct{}{}
	require.NoError(t, <-first)
	<-started
	gate <- struct{}{}
	require.NoError(t, <-second)
	require.NoError(t, <-third)
	r.wait()

	assert.Equal(t, []int{1, 2}, applied)
	assert.Equal(t, []uint64{1, 2}, cycles)
	assert.Equal(t, uint64(2), r.Cycles())
}

func TestRecountCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	applied := 0
	r := newRecount(ctx, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}, func(int, error, uint64) { applied++ })

	done := r.Request()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.ErrorIs(t, <-r.Request(), context.Canceled)
	r.wait()
	assert.Zero(t, applied)
}
