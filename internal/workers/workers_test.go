package workers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/IVOES/splinterdb/internal/config"
)

func TestPoolRunsSubmittedTasks(t *testing.T) {
	p := New(2)
	defer p.Stop()

	var n atomic.Int32
	for i := 0; i < 10; i++ {
		p.SubmitWait(func() { n.Add(1) })
	}
	require.Equal(t, int32(10), n.Load())
}

func TestGroupsReturnsPoolPerClass(t *testing.T) {
	g := NewGroups(map[config.BGPool]int{config.PoolNormal: 2, config.PoolMemtable: 1})
	defer g.Stop()

	require.NotNil(t, g.Pool(config.PoolNormal))
	require.Same(t, g.Pool(config.PoolNormal), g.Pool(config.PoolNormal))
}

func TestBatchWaitReturnsFirstError(t *testing.T) {
	b := NewBatch(context.Background(), 4)
	boom := errors.New("boom")

	var ran atomic.Int32
	for i := 0; i < 8; i++ {
		i := i
		b.Go(func(ctx context.Context) error {
			if i == 3 {
				return boom
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			ran.Add(1)
			return nil
		})
	}
	err := b.Wait()
	require.ErrorIs(t, err, boom)
}
