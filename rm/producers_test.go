package rm

import (
	"sync"
	"testing"

	"github.com/pingcap-incubator/tinybroker/model"
	"github.com/stretchr/testify/require"
)

func TestTxLockTableSerializesSameProducer(t *testing.T) {
	table := newTxLockTable()
	var order []int
	var mu sync.Mutex
	l := table.acquire(1)

	done := make(chan struct{})
	go func() {
		l2 := table.acquire(1)
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		table.release(1, l2)
		close(done)
	}()
	mu.Lock()
	order = append(order, 1)
	mu.Unlock()
	table.release(1, l)
	<-done
	require.Equal(t, []int{1, 2}, order)
}

func TestTxLockTableIndependentProducers(t *testing.T) {
	table := newTxLockTable()
	l1 := table.acquire(1)
	// a different producer is not blocked
	l2 := table.acquire(2)
	table.release(2, l2)
	table.release(1, l1)
}

func TestTxLockTableReclaim(t *testing.T) {
	table := newTxLockTable()
	l := table.acquire(7)
	// reclaim while held only marks the lock; it survives until release
	table.reclaim(7)
	table.guard.Lock()
	_, ok := table.locks[7]
	table.guard.Unlock()
	require.True(t, ok)

	table.release(7, l)
	table.guard.Lock()
	_, ok = table.locks[7]
	table.guard.Unlock()
	require.False(t, ok)

	// reclaiming an idle lock removes it immediately
	l = table.acquire(8)
	table.release(8, l)
	table.reclaim(8)
	table.guard.Lock()
	_, ok = table.locks[8]
	table.guard.Unlock()
	require.False(t, ok)
}

func TestProducerStateManagerEviction(t *testing.T) {
	m := NewProducerStateManager(2)
	evicted := make(map[model.ProducerID]bool)
	touch := func(id model.ProducerID) {
		pid := model.ProducerIdentity{ID: id, Epoch: 0}
		m.Touch(1, pid, func() { evicted[id] = true })
	}

	touch(1)
	touch(2)
	require.Equal(t, 2, m.Len())
	touch(3)
	require.Equal(t, 2, m.Len())
	require.True(t, evicted[1])

	// touching moves a producer to the front and saves it
	touch(2)
	touch(4)
	require.True(t, evicted[3])
	require.False(t, evicted[2])
}

func TestProducerStateManagerForget(t *testing.T) {
	m := NewProducerStateManager(4)
	pid := model.ProducerIdentity{ID: 1, Epoch: 0}
	m.Touch(1, pid, nil)
	require.Equal(t, 1, m.Len())
	m.Forget(1, pid)
	require.Equal(t, 0, m.Len())
	// forgetting twice is fine
	m.Forget(1, pid)
}
