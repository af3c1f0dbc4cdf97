package rxgrpc

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestDemandLedger_Saturates(t *testing.T) {
	var l demandLedger
	require.True(t, l.addDemand(math.MaxInt64-5))
	require.True(t, l.addDemand(10))
	assert.Equal(t, int64(Unbounded), l.outstanding())

	// once unbounded, nothing changes
	assert.False(t, l.addDemand(1))
	assert.True(t, l.tryConsume(1000))
	assert.Equal(t, int64(Unbounded), l.outstanding())
}

func TestDemandLedger_TryConsume(t *testing.T) {
	var l demandLedger
	assert.False(t, l.tryConsume(1))

	l.addDemand(3)
	assert.True(t, l.tryConsume(2))
	assert.False(t, l.tryConsume(2))
	assert.Equal(t, int64(1), l.outstanding())
	assert.True(t, l.tryConsume(1))
	assert.Equal(t, int64(0), l.outstanding())
}

func TestDemandLedger_ConcurrentAdds(t *testing.T) {
	var l demandLedger
	var grp errgroup.Group
	for i := 0; i < 8; i++ {
		grp.Go(func() error {
			for j := 0; j < 10000; j++ {
				l.addDemand(1)
			}
			return nil
		})
	}
	require.NoError(t, grp.Wait())
	assert.Equal(t, int64(80000), l.outstanding())
}

func TestDemandLedger_SingleFlight(t *testing.T) {
	var l demandLedger
	require.True(t, l.markWorkScheduled())
	// others only register missed work while a drain is running
	assert.False(t, l.markWorkScheduled())
	assert.False(t, l.markWorkScheduled())

	missed := l.markWorkDone(1)
	assert.Equal(t, int32(2), missed)
	assert.Equal(t, int32(0), l.markWorkDone(missed))

	// the next caller drains again
	assert.True(t, l.markWorkScheduled())
	assert.Equal(t, int32(0), l.markWorkDone(1))
}
