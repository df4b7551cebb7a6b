package rm

import (
	"container/list"
	"sync"

	"github.com/pingcap-incubator/tinybroker/model"
)

// txLockTable hands out one mutex per producer id so admission for the
// same session is serialized while different sessions proceed in
// parallel. Locks are refcounted: a lock acquired during admission stays
// alive across the replicate suspension and is reclaimed once the
// producer is forgotten and no admission still holds it.
type txLockTable struct {
	guard sync.Mutex
	locks map[model.ProducerID]*txLock
}

type txLock struct {
	mu    sync.Mutex
	refs  int
	stale bool
}

func newTxLockTable() *txLockTable {
	return &txLockTable{locks: make(map[model.ProducerID]*txLock)}
}

// acquire pins and locks the producer's mutex. Callers must pair it with
// release on every exit path.
func (t *txLockTable) acquire(id model.ProducerID) *txLock {
	t.guard.Lock()
	l, ok := t.locks[id]
	if !ok {
		l = &txLock{}
		t.locks[id] = l
	}
	l.refs++
	t.guard.Unlock()
	l.mu.Lock()
	return l
}

func (t *txLockTable) release(id model.ProducerID, l *txLock) {
	l.mu.Unlock()
	t.guard.Lock()
	l.refs--
	if l.refs == 0 && l.stale {
		delete(t.locks, id)
	}
	t.guard.Unlock()
}

// reclaim marks the producer's lock for removal; it disappears once the
// last in-flight admission releases it.
func (t *txLockTable) reclaim(id model.ProducerID) {
	t.guard.Lock()
	if l, ok := t.locks[id]; ok {
		if l.refs == 0 {
			delete(t.locks, id)
		} else {
			l.stale = true
		}
	}
	t.guard.Unlock()
}

// ProducerStateManager is a process-wide LRU over producer sessions. Every
// partition registers the producers it observes; when the manager is over
// capacity the least recently used session is evicted by invoking the
// cleanup function its partition registered.
type ProducerStateManager struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	index    map[producerKey]*list.Element
}

type producerKey struct {
	partition uint64
	pid       model.ProducerIdentity
}

type producerRef struct {
	key   producerKey
	evict func()
}

func NewProducerStateManager(capacity int) *ProducerStateManager {
	return &ProducerStateManager{
		capacity: capacity,
		ll:       list.New(),
		index:    make(map[producerKey]*list.Element),
	}
}

// Touch records activity for a producer, registering it if unseen. The
// evict callback runs outside the manager's lock.
func (m *ProducerStateManager) Touch(partition uint64, pid model.ProducerIdentity, evict func()) {
	key := producerKey{partition: partition, pid: pid}
	var victim *producerRef
	m.mu.Lock()
	if el, ok := m.index[key]; ok {
		m.ll.MoveToFront(el)
		m.mu.Unlock()
		return
	}
	el := m.ll.PushFront(&producerRef{key: key, evict: evict})
	m.index[key] = el
	if m.ll.Len() > m.capacity {
		back := m.ll.Back()
		victim = back.Value.(*producerRef)
		m.ll.Remove(back)
		delete(m.index, victim.key)
	}
	m.mu.Unlock()
	if victim != nil && victim.evict != nil {
		victim.evict()
	}
}

// Forget drops a producer without invoking its eviction callback.
func (m *ProducerStateManager) Forget(partition uint64, pid model.ProducerIdentity) {
	key := producerKey{partition: partition, pid: pid}
	m.mu.Lock()
	if el, ok := m.index[key]; ok {
		m.ll.Remove(el)
		delete(m.index, key)
	}
	m.mu.Unlock()
}

func (m *ProducerStateManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ll.Len()
}
