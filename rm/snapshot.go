package rm

import (
	"time"

	"github.com/pingcap-incubator/tinybroker/model"
	"github.com/pingcap-incubator/tinybroker/util/codec"
	"github.com/pingcap-incubator/tinybroker/util/engine_util"
	"github.com/pingcap/errors"
)

// Snapshot versions. 0-2 predate the current transaction metadata layout
// and are refused at load; v3 keeps tx sequences separate, v4 combines
// them with the tm partition into tx_data. Writers always emit v4.
const (
	SnapshotVersionV3 = 3
	SnapshotVersionV4 = 4
)

// AbortIndex is the offset envelope of one abort segment spilled out of
// RAM. The envelope stays in memory so aborted-range queries only fault
// in segments that overlap.
type AbortIndex struct {
	First model.LogOffset
	Last  model.LogOffset
}

// abortSnapshot is a loaded abort segment.
type abortSnapshot struct {
	first   model.LogOffset
	last    model.LogOffset
	aborted []model.TxRange
}

func (a abortSnapshot) match(idx AbortIndex) bool {
	return a.first == idx.First && a.last == idx.Last
}

// SeqSnapshot is the persisted form of one producer's sequence state.
type SeqSnapshot struct {
	Pid         model.ProducerIdentity
	Seq         int32
	LastOffset  model.KafkaOffset
	Cache       []SeqCachePair
	LastWriteTs int64
}

type SeqCachePair struct {
	Seq    int32
	Offset model.KafkaOffset
}

// TxDataSnapshot records a declared open transaction (v4).
type TxDataSnapshot struct {
	Pid   model.ProducerIdentity
	TxSeq model.TxSeq
	Tm    model.PartitionID
}

// ExpirationSnapshot records a producer's transaction timeout.
type ExpirationSnapshot struct {
	Pid     model.ProducerIdentity
	Timeout time.Duration
}

// TxSnapshot is the local STM snapshot. Field order matches the wire
// layout; see EncodeTxSnapshot.
type TxSnapshot struct {
	Version      uint8
	Fenced       []model.ProducerIdentity
	Ongoing      []model.TxRange
	Prepared     []model.PrepareMarker
	Aborted      []model.TxRange
	AbortIndexes []AbortIndex
	Offset       model.LogOffset
	Seqs         []SeqSnapshot
	TxData       []TxDataSnapshot
	Expiration   []ExpirationSnapshot
}

func appendPid(b []byte, pid model.ProducerIdentity) []byte {
	b = codec.AppendInt64(b, int64(pid.ID))
	b = codec.AppendInt16(b, int16(pid.Epoch))
	return b
}

func decodePid(d *codec.Decoder) model.ProducerIdentity {
	id := d.Int64()
	epoch := d.Int16()
	return model.ProducerIdentity{ID: model.ProducerID(id), Epoch: model.ProducerEpoch(epoch)}
}

func appendTxRange(b []byte, r model.TxRange) []byte {
	b = appendPid(b, r.Pid)
	b = codec.AppendInt64(b, int64(r.First))
	b = codec.AppendInt64(b, int64(r.Last))
	return b
}

func decodeTxRange(d *codec.Decoder) model.TxRange {
	pid := decodePid(d)
	first := d.Int64()
	last := d.Int64()
	return model.TxRange{Pid: pid, First: model.LogOffset(first), Last: model.LogOffset(last)}
}

// EncodeTxSnapshot serializes the snapshot in the latest version with the
// framing header {version u8, size u32, offset i64}.
func EncodeTxSnapshot(s *TxSnapshot) []byte {
	var p []byte
	p = codec.AppendUvarint(p, uint64(len(s.Fenced)))
	for _, pid := range s.Fenced {
		p = appendPid(p, pid)
	}
	p = codec.AppendUvarint(p, uint64(len(s.Ongoing)))
	for _, r := range s.Ongoing {
		p = appendTxRange(p, r)
	}
	p = codec.AppendUvarint(p, uint64(len(s.Prepared)))
	for _, m := range s.Prepared {
		p = codec.AppendInt32(p, int32(m.TmPartition))
		p = codec.AppendInt64(p, int64(m.TxSeq))
		p = appendPid(p, m.Pid)
	}
	p = codec.AppendUvarint(p, uint64(len(s.Aborted)))
	for _, r := range s.Aborted {
		p = appendTxRange(p, r)
	}
	p = codec.AppendUvarint(p, uint64(len(s.AbortIndexes)))
	for _, idx := range s.AbortIndexes {
		p = codec.AppendInt64(p, int64(idx.First))
		p = codec.AppendInt64(p, int64(idx.Last))
	}
	p = codec.AppendInt64(p, int64(s.Offset))
	p = codec.AppendUvarint(p, uint64(len(s.Seqs)))
	for _, e := range s.Seqs {
		p = appendPid(p, e.Pid)
		p = codec.AppendInt32(p, e.Seq)
		p = codec.AppendInt64(p, int64(e.LastOffset))
		p = codec.AppendUvarint(p, uint64(len(e.Cache)))
		for _, c := range e.Cache {
			p = codec.AppendInt32(p, c.Seq)
			p = codec.AppendInt64(p, int64(c.Offset))
		}
		p = codec.AppendInt64(p, e.LastWriteTs)
	}
	p = codec.AppendUvarint(p, uint64(len(s.TxData)))
	for _, t := range s.TxData {
		p = appendPid(p, t.Pid)
		p = codec.AppendInt64(p, int64(t.TxSeq))
		p = codec.AppendInt32(p, int32(t.Tm))
	}
	p = codec.AppendUvarint(p, uint64(len(s.Expiration)))
	for _, e := range s.Expiration {
		p = appendPid(p, e.Pid)
		p = codec.AppendInt64(p, e.Timeout.Nanoseconds()/int64(time.Millisecond))
	}

	var out []byte
	out = codec.AppendUint8(out, SnapshotVersionV4)
	out = codec.AppendUint32(out, uint32(len(p)))
	out = codec.AppendInt64(out, int64(s.Offset))
	return append(out, p...)
}

// DecodeTxSnapshot reads a snapshot of version 3 or 4. Older versions are
// unsupported; loading one is fatal for the partition replica.
func DecodeTxSnapshot(data []byte) (*TxSnapshot, error) {
	d := codec.NewDecoder(data)
	version := d.Uint8()
	size := d.Uint32()
	headerOffset := d.Int64()
	if err := d.Err(); err != nil {
		return nil, err
	}
	if version < SnapshotVersionV3 {
		return nil, errors.Errorf("unsupported tx snapshot version %d", version)
	}
	if version > SnapshotVersionV4 {
		return nil, errors.Errorf("unknown tx snapshot version %d", version)
	}
	if int(size) != d.Remaining() {
		return nil, errors.Errorf("tx snapshot size mismatch: header %d, got %d", size, d.Remaining())
	}

	s := &TxSnapshot{Version: version}
	n := d.Uvarint()
	for i := uint64(0); i < n && d.Err() == nil; i++ {
		s.Fenced = append(s.Fenced, decodePid(d))
	}
	n = d.Uvarint()
	for i := uint64(0); i < n && d.Err() == nil; i++ {
		s.Ongoing = append(s.Ongoing, decodeTxRange(d))
	}
	n = d.Uvarint()
	for i := uint64(0); i < n && d.Err() == nil; i++ {
		tm := d.Int32()
		txSeq := d.Int64()
		pid := decodePid(d)
		s.Prepared = append(s.Prepared, model.PrepareMarker{
			TmPartition: model.PartitionID(tm),
			TxSeq:       model.TxSeq(txSeq),
			Pid:         pid,
		})
	}
	n = d.Uvarint()
	for i := uint64(0); i < n && d.Err() == nil; i++ {
		s.Aborted = append(s.Aborted, decodeTxRange(d))
	}
	n = d.Uvarint()
	for i := uint64(0); i < n && d.Err() == nil; i++ {
		first := d.Int64()
		last := d.Int64()
		s.AbortIndexes = append(s.AbortIndexes, AbortIndex{
			First: model.LogOffset(first),
			Last:  model.LogOffset(last),
		})
	}
	s.Offset = model.LogOffset(d.Int64())
	if d.Err() == nil && s.Offset != model.LogOffset(headerOffset) {
		return nil, errors.Errorf("tx snapshot offset mismatch: header %d, body %d", headerOffset, s.Offset)
	}
	n = d.Uvarint()
	for i := uint64(0); i < n && d.Err() == nil; i++ {
		e := SeqSnapshot{}
		e.Pid = decodePid(d)
		e.Seq = d.Int32()
		e.LastOffset = model.KafkaOffset(d.Int64())
		cn := d.Uvarint()
		for j := uint64(0); j < cn && d.Err() == nil; j++ {
			seq := d.Int32()
			off := d.Int64()
			e.Cache = append(e.Cache, SeqCachePair{Seq: seq, Offset: model.KafkaOffset(off)})
		}
		e.LastWriteTs = d.Int64()
		s.Seqs = append(s.Seqs, e)
	}
	n = d.Uvarint()
	for i := uint64(0); i < n && d.Err() == nil; i++ {
		t := TxDataSnapshot{}
		t.Pid = decodePid(d)
		t.TxSeq = model.TxSeq(d.Int64())
		if version >= SnapshotVersionV4 {
			t.Tm = model.PartitionID(d.Int32())
		} else {
			t.Tm = model.NoPartitionID
		}
		s.TxData = append(s.TxData, t)
	}
	n = d.Uvarint()
	for i := uint64(0); i < n && d.Err() == nil; i++ {
		e := ExpirationSnapshot{}
		e.Pid = decodePid(d)
		e.Timeout = time.Duration(d.Int64()) * time.Millisecond
		s.Expiration = append(s.Expiration, e)
	}
	if err := d.Err(); err != nil {
		return nil, err
	}
	return s, nil
}

func encodeAbortSnapshot(s abortSnapshot) []byte {
	var b []byte
	b = codec.AppendInt64(b, int64(s.first))
	b = codec.AppendInt64(b, int64(s.last))
	b = codec.AppendUint32(b, uint32(len(s.aborted)))
	for _, r := range s.aborted {
		b = appendTxRange(b, r)
	}
	return b
}

func decodeAbortSnapshot(data []byte) (abortSnapshot, error) {
	d := codec.NewDecoder(data)
	s := abortSnapshot{}
	s.first = model.LogOffset(d.Int64())
	s.last = model.LogOffset(d.Int64())
	count := d.Uint32()
	for i := uint32(0); i < count && d.Err() == nil; i++ {
		s.aborted = append(s.aborted, decodeTxRange(d))
	}
	return s, d.Err()
}

var localSnapshotKey = []byte("rm/snapshot")

func abortSegmentKey(idx AbortIndex) []byte {
	key := []byte("rm/abort/")
	key = codec.AppendUint64(key, uint64(idx.First))
	key = codec.AppendUint64(key, uint64(idx.Last))
	return key
}

// SnapshotStore persists the local STM snapshot and the spilled abort
// segments in the partition's badger engine. Abort segments are
// content-addressed by their (first, last) envelope.
type SnapshotStore struct {
	engines *engine_util.Engines
}

func NewSnapshotStore(engines *engine_util.Engines) *SnapshotStore {
	return &SnapshotStore{engines: engines}
}

func (s *SnapshotStore) SaveSnapshot(data []byte) error {
	return engine_util.PutValue(s.engines.DB, localSnapshotKey, data)
}

// LoadSnapshot returns the raw local snapshot, or found=false when the
// partition has never snapshotted.
func (s *SnapshotStore) LoadSnapshot() (data []byte, found bool, err error) {
	data, err = engine_util.GetValue(s.engines.DB, localSnapshotKey)
	if err != nil {
		if engine_util.IsErrNotFound(err) {
			return nil, false, nil
		}
		return nil, false, errors.WithStack(err)
	}
	return data, true, nil
}

func (s *SnapshotStore) saveAbortSnapshot(snap abortSnapshot) error {
	key := abortSegmentKey(AbortIndex{First: snap.first, Last: snap.last})
	return engine_util.PutValue(s.engines.DB, key, encodeAbortSnapshot(snap))
}

func (s *SnapshotStore) loadAbortSnapshot(idx AbortIndex) (abortSnapshot, bool, error) {
	data, err := engine_util.GetValue(s.engines.DB, abortSegmentKey(idx))
	if err != nil {
		if engine_util.IsErrNotFound(err) {
			return abortSnapshot{}, false, nil
		}
		return abortSnapshot{}, false, errors.WithStack(err)
	}
	snap, err := decodeAbortSnapshot(data)
	if err != nil {
		return abortSnapshot{}, false, err
	}
	return snap, true, nil
}

// AbortRanges loads the tx ranges of one spilled segment; used by the
// inspection tooling.
func (s *SnapshotStore) AbortRanges(idx AbortIndex) ([]model.TxRange, error) {
	snap, found, err := s.loadAbortSnapshot(idx)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.Errorf("abort segment [%d, %d] not found", idx.First, idx.Last)
	}
	return snap.aborted, nil
}

// RemoveAll deletes the local snapshot and every abort segment named by
// indexes.
func (s *SnapshotStore) RemoveAll(indexes []AbortIndex) error {
	wb := new(engine_util.WriteBatch)
	wb.Delete(localSnapshotKey)
	for _, idx := range indexes {
		wb.Delete(abortSegmentKey(idx))
	}
	return s.engines.Write(wb)
}
