package ringchan

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_PanicsOnZeroCapacity(t *testing.T) {
	assert.Panics(t, func() { New[int](0, DropOldest) })
}

func TestSend_DropOldest(t *testing.T) {
	rc := New[int](3, DropOldest)
	for i := 1; i <= 5; i++ {
		assert.True(t, rc.Send(i), "drop-oldest send MUST always accept")
	}

	require.Equal(t, 3, rc.Len())
	var got []int
	for {
		v, ok := rc.TryReceive()
		if !ok {
			break
		}
		got = append(got, v)
	}
	assert.Equal(t, []int{3, 4, 5}, got, "oldest values MUST be discarded")

	m := rc.GetMetrics()
	assert.Equal(t, int64(5), m.Written)
	assert.Equal(t, int64(2), m.Overwritten)
	assert.Equal(t, int64(3), m.Processed)
	assert.Zero(t, m.Rejected)
}

func TestSend_RejectNewest(t *testing.T) {
	rc := New[string](2, RejectNewest)
	assert.True(t, rc.Send("a"))
	assert.True(t, rc.Send("b"))
	assert.False(t, rc.Send("c"), "full reject-newest channel MUST refuse")

	v, ok := rc.Receive()
	require.True(t, ok)
	assert.Equal(t, "a", v)
	v, ok = rc.Receive()
	require.True(t, ok)
	assert.Equal(t, "b", v)

	m := rc.GetMetrics()
	assert.Equal(t, int64(2), m.Written)
	assert.Equal(t, int64(1), m.Rejected)
	assert.Zero(t, m.Overwritten)
}

func TestTryReceive_Empty(t *testing.T) {
	rc := New[int](1, DropOldest)
	v, ok := rc.TryReceive()
	assert.False(t, ok)
	assert.Zero(t, v)
}

func TestReceive_AfterClose(t *testing.T) {
	rc := New[int](1, DropOldest)
	rc.Send(7)
	rc.Close()

	v, ok := rc.Receive()
	assert.True(t, ok)
	assert.Equal(t, 7, v)
	_, ok = rc.Receive()
	assert.False(t, ok)
}

func TestForceSend_ConcurrentProducers(t *testing.T) {
	rc := New[int](8, DropOldest)

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				rc.ForceSend(p*100 + i)
			}
		}(p)
	}
	wg.Wait()

	m := rc.GetMetrics()
	assert.Equal(t, int64(400), m.Written)
	assert.Equal(t, 8, rc.Len())
	assert.Equal(t, m.Written-m.Overwritten, int64(rc.Len()))
}

func TestOverflowPolicy_String(t *testing.T) {
	assert.Equal(t, "drop-oldest", DropOldest.String())
	assert.Equal(t, "reject-newest", RejectNewest.String())
	assert.Equal(t, "OverflowPolicy(9)", OverflowPolicy(9).String())
	assert.Equal(t, RejectNewest, New[int](1, RejectNewest).Policy())
}
