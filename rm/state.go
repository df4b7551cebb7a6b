package rm

import (
	"time"

	"github.com/google/btree"
	"github.com/pingcap-incubator/tinybroker/model"
)

// The state of this state machine changes via two paths:
//
//   - by applying already-committed batches from raft in log order (the
//     classic RSM path), which advances logState;
//
//   - by admitting a request before its replication outcome is known,
//     which only ever touches memState.
//
// Letting both streams mutate the same containers would need ad-hoc
// rollback when replication fails, so the two views stay segregated and
// are reconciled when batches apply. logState survives term changes;
// memState is wiped whenever the observed raft term moves.

const seqCacheSize = 5

type seqCacheEntry struct {
	seq    int32
	offset model.KafkaOffset
}

// seqEntry tracks the newest accepted sequence number of a producer
// session plus a short history for bounded-window retry detection.
type seqEntry struct {
	pid         model.ProducerIdentity
	seq         int32
	lastOffset  model.KafkaOffset
	cache       []seqCacheEntry
	lastWriteTs int64
}

func newSeqEntry(pid model.ProducerIdentity) *seqEntry {
	return &seqEntry{
		pid:        pid,
		seq:        -1,
		lastOffset: model.NoKafkaOffset,
	}
}

// update installs a newly committed (seq, offset) pair, shifting the
// previous current pair into the history ring. Older sequences are
// ignored; an equal sequence only refreshes the offset.
func (e *seqEntry) update(newSeq int32, newOffset model.KafkaOffset) {
	if newSeq < e.seq {
		return
	}
	if e.seq == newSeq {
		e.lastOffset = newOffset
		return
	}
	if e.seq >= 0 && e.lastOffset >= 0 {
		e.cache = append(e.cache, seqCacheEntry{seq: e.seq, offset: e.lastOffset})
		for len(e.cache) >= seqCacheSize {
			e.cache = e.cache[1:]
		}
	}
	e.seq = newSeq
	e.lastOffset = newOffset
}

// cachedOffset returns the committed offset of seq if it is the current
// sequence or still inside the history window.
func (e *seqEntry) cachedOffset(seq int32) (model.KafkaOffset, bool) {
	if e.seq == seq {
		return e.lastOffset, true
	}
	for _, c := range e.cache {
		if c.seq == seq {
			return c.offset, true
		}
	}
	return model.NoKafkaOffset, false
}

func (e *seqEntry) clone() *seqEntry {
	c := *e
	c.cache = append([]seqCacheEntry(nil), e.cache...)
	return &c
}

func (e *seqEntry) equal(o *seqEntry) bool {
	if e.pid != o.pid || e.seq != o.seq || e.lastOffset != o.lastOffset ||
		e.lastWriteTs != o.lastWriteTs || len(e.cache) != len(o.cache) {
		return false
	}
	for i := range e.cache {
		if e.cache[i] != o.cache[i] {
			return false
		}
	}
	return true
}

// seqEntryWrapper stamps a seq entry with the term it was last written in.
type seqEntryWrapper struct {
	entry *seqEntry
	term  model.TermID
}

// txData is a declared open transaction: its coordinator-assigned sequence
// and the tm partition responsible for it.
type txData struct {
	txSeq       model.TxSeq
	tmPartition model.PartitionID
}

type expirationInfo struct {
	timeout     time.Duration
	lastUpdate  time.Time
	isRequested bool
}

func (e expirationInfo) deadline() time.Time {
	return e.lastUpdate.Add(e.timeout)
}

func (e expirationInfo) isExpired(now time.Time) bool {
	return e.isRequested || !e.deadline().After(now)
}

// offsetItem adapts model.LogOffset to the btree item interface; the
// ordered sets below exist to answer "smallest first offset of any open
// transaction" for the LSO without scanning.
type offsetItem model.LogOffset

func (a offsetItem) Less(b btree.Item) bool {
	return a < b.(offsetItem)
}

const offsetTreeDegree = 8

func newOffsetSet() *btree.BTree {
	return btree.New(offsetTreeDegree)
}

func insertOffset(t *btree.BTree, o model.LogOffset) {
	t.ReplaceOrInsert(offsetItem(o))
}

func deleteOffset(t *btree.BTree, o model.LogOffset) {
	t.Delete(offsetItem(o))
}

func minOffset(t *btree.BTree) (model.LogOffset, bool) {
	if t.Len() == 0 {
		return model.NoLogOffset, false
	}
	return model.LogOffset(t.Min().(offsetItem)), true
}

// logState is the durable view, advanced mainly by applied committed
// batches (STM lists its other writers). It survives term changes and is
// what snapshots capture.
type logState struct {
	// highest fenced epoch per producer id; monotonic
	fencePidEpoch map[model.ProducerID]model.ProducerEpoch
	// open transactions that have at least one data batch written
	ongoingMap map[model.ProducerIdentity]model.TxRange
	// first offsets of ongoingMap entries, ordered
	ongoingSet *btree.BTree
	// legacy prepare markers; treated as ongoing for LSO purposes
	prepared map[model.ProducerIdentity]model.PrepareMarker
	aborted  []model.TxRange
	// envelopes of abort segments spilled out of RAM
	abortIndexes      []AbortIndex
	lastAbortSnapshot abortSnapshot
	seqTable          map[model.ProducerIdentity]*seqEntryWrapper
	// declared open transactions (fence applied, not yet decided)
	currentTxes map[model.ProducerIdentity]txData
	expiration  map[model.ProducerIdentity]expirationInfo
}

func newLogState() *logState {
	return &logState{
		fencePidEpoch:     make(map[model.ProducerID]model.ProducerEpoch),
		ongoingMap:        make(map[model.ProducerIdentity]model.TxRange),
		ongoingSet:        newOffsetSet(),
		prepared:          make(map[model.ProducerIdentity]model.PrepareMarker),
		seqTable:          make(map[model.ProducerIdentity]*seqEntryWrapper),
		currentTxes:       make(map[model.ProducerIdentity]txData),
		expiration:        make(map[model.ProducerIdentity]expirationInfo),
		lastAbortSnapshot: abortSnapshot{first: model.NoLogOffset, last: model.NoLogOffset},
	}
}

func (l *logState) forget(pid model.ProducerIdentity) {
	delete(l.fencePidEpoch, pid.ID)
	if r, ok := l.ongoingMap[pid]; ok {
		deleteOffset(l.ongoingSet, r.First)
		delete(l.ongoingMap, pid)
	}
	delete(l.prepared, pid)
	delete(l.seqTable, pid)
	delete(l.currentTxes, pid)
	delete(l.expiration, pid)
}

func (l *logState) reset() {
	l.fencePidEpoch = make(map[model.ProducerID]model.ProducerEpoch)
	l.ongoingMap = make(map[model.ProducerIdentity]model.TxRange)
	l.ongoingSet = newOffsetSet()
	l.prepared = make(map[model.ProducerIdentity]model.PrepareMarker)
	l.aborted = nil
	l.abortIndexes = nil
	l.lastAbortSnapshot = abortSnapshot{first: model.NoLogOffset, last: model.NoLogOffset}
	l.seqTable = make(map[model.ProducerIdentity]*seqEntryWrapper)
	l.currentTxes = make(map[model.ProducerIdentity]txData)
	l.expiration = make(map[model.ProducerIdentity]expirationInfo)
}

// memState absorbs the effect of requests before they are known to
// commit. It is bound to one leader term; sync discards it wholesale when
// the observed term moves, which is the only discard mechanism.
type memState struct {
	term model.TermID
	// pre-replication LSO barrier: the estimated first offset of a
	// transaction whose first data batch is still replicating
	estimated map[model.ProducerIdentity]model.LogOffset
	// first offsets of transactions whose data batch committed but whose
	// fence/data interleaving is not fully applied yet
	txStart  map[model.ProducerIdentity]model.LogOffset
	txStarts *btree.BTree
	// transactions whose begin fence is replicating but not yet applied
	expected map[model.ProducerIdentity]model.TxSeq
	// transactions moving toward commit; filters stale abort requests
	preparing map[model.ProducerIdentity]model.PrepareMarker
	// offset of the most recent commit/abort marker
	lastEndTx model.LogOffset
	// explicitly remembered to keep the LSO non-regressing in-term
	lastLso model.LogOffset
}

func newMemState(term model.TermID) *memState {
	return &memState{
		term:      term,
		estimated: make(map[model.ProducerIdentity]model.LogOffset),
		txStart:   make(map[model.ProducerIdentity]model.LogOffset),
		txStarts:  newOffsetSet(),
		expected:  make(map[model.ProducerIdentity]model.TxSeq),
		preparing: make(map[model.ProducerIdentity]model.PrepareMarker),
		lastEndTx: model.NoLogOffset,
		lastLso:   model.NoLogOffset,
	}
}

func (m *memState) forget(pid model.ProducerIdentity) {
	delete(m.expected, pid)
	delete(m.estimated, pid)
	delete(m.preparing, pid)
	if first, ok := m.txStart[pid]; ok {
		deleteOffset(m.txStarts, first)
		delete(m.txStart, pid)
	}
}
