package model

import (
	"time"

	"github.com/pingcap-incubator/tinybroker/util/codec"
	"github.com/pingcap/errors"
)

// BatchType discriminates the record batches the partition state machine
// dispatches on. Data batches may additionally carry a control marker.
type BatchType int8

const (
	BatchData BatchType = iota + 1
	BatchTxFence
	BatchTxPrepare
)

// ControlType is the marker kind of a control batch. The numeric values
// follow the Kafka control record convention.
type ControlType int16

const (
	ControlNone     ControlType = -1
	ControlTxAbort  ControlType = 0
	ControlTxCommit ControlType = 1
)

// Control record versions. The fence version determines which optional
// fields (tx_seq, timeout, tm partition) are present in the payload.
const (
	FenceV0        int8 = 0
	FenceV1        int8 = 1
	FenceV2        int8 = 2
	PrepareVersion int8 = 0
)

// RecordBatch is the unit replicated through raft and fed to Apply. The
// user payload is opaque to the state machine; only the framing fields and
// the control/fence payloads matter here.
type RecordBatch struct {
	Type       BatchType
	Term       TermID
	BaseOffset LogOffset
	LastOffset LogOffset
	Identity   BatchIdentity
	Control    ControlType
	// Payload holds the encoded fence or prepare marker for those batch
	// types; user record data otherwise (unused by the state machine).
	Payload []byte
}

// FenceBatchData is the decoded form of a fence batch payload.
type FenceBatchData struct {
	Pid         ProducerIdentity
	HasTx       bool
	TxSeq       TxSeq
	TxTimeout   time.Duration
	TmPartition PartitionID
}

// PrepareMarker is the legacy prepare control record.
type PrepareMarker struct {
	TmPartition PartitionID
	TxSeq       TxSeq
	Pid         ProducerIdentity
}

// MakeFenceBatchV0 builds an epoch-only fence batch.
func MakeFenceBatchV0(pid ProducerIdentity) RecordBatch {
	var payload []byte
	payload = codec.AppendUint8(payload, uint8(FenceV0))
	return fenceBatch(pid, payload)
}

// MakeFenceBatchV1 builds a fence batch carrying the tx sequence and the
// producer-declared transaction timeout.
func MakeFenceBatchV1(pid ProducerIdentity, txSeq TxSeq, txTimeout time.Duration) RecordBatch {
	var payload []byte
	payload = codec.AppendUint8(payload, uint8(FenceV1))
	payload = codec.AppendInt64(payload, int64(txSeq))
	payload = codec.AppendInt64(payload, txTimeout.Nanoseconds()/int64(time.Millisecond))
	return fenceBatch(pid, payload)
}

// MakeFenceBatchV2 additionally records the transaction manager partition
// responsible for the transaction.
func MakeFenceBatchV2(pid ProducerIdentity, txSeq TxSeq, txTimeout time.Duration, tm PartitionID) RecordBatch {
	var payload []byte
	payload = codec.AppendUint8(payload, uint8(FenceV2))
	payload = codec.AppendInt64(payload, int64(txSeq))
	payload = codec.AppendInt64(payload, txTimeout.Nanoseconds()/int64(time.Millisecond))
	payload = codec.AppendInt32(payload, int32(tm))
	return fenceBatch(pid, payload)
}

func fenceBatch(pid ProducerIdentity, payload []byte) RecordBatch {
	return RecordBatch{
		Type:    BatchTxFence,
		Control: ControlNone,
		Identity: BatchIdentity{
			Pid:         pid,
			FirstSeq:    -1,
			LastSeq:     -1,
			RecordCount: 1,
		},
		Payload: payload,
	}
}

// ReadFenceBatch decodes a fence batch of any supported version.
func ReadFenceBatch(b RecordBatch) (FenceBatchData, error) {
	data := FenceBatchData{
		Pid:         b.Identity.Pid,
		TmPartition: NoPartitionID,
	}
	if b.Type != BatchTxFence {
		return data, errors.Errorf("not a fence batch: type %d", b.Type)
	}
	d := codec.NewDecoder(b.Payload)
	version := int8(d.Uint8())
	if err := d.Err(); err != nil {
		return data, err
	}
	if version > FenceV2 {
		return data, errors.Errorf("unknown fence batch version %d", version)
	}
	if version >= FenceV1 {
		data.TxSeq = TxSeq(d.Int64())
		data.TxTimeout = time.Duration(d.Int64()) * time.Millisecond
		data.HasTx = true
	}
	if version >= FenceV2 {
		data.TmPartition = PartitionID(d.Int32())
	}
	return data, d.Err()
}

// MakePrepareBatch builds a legacy prepare marker batch.
func MakePrepareBatch(m PrepareMarker) RecordBatch {
	var payload []byte
	payload = codec.AppendUint8(payload, uint8(PrepareVersion))
	payload = codec.AppendInt32(payload, int32(m.TmPartition))
	payload = codec.AppendInt64(payload, int64(m.TxSeq))
	return RecordBatch{
		Type:    BatchTxPrepare,
		Control: ControlNone,
		Identity: BatchIdentity{
			Pid:         m.Pid,
			FirstSeq:    -1,
			LastSeq:     -1,
			RecordCount: 1,
		},
		Payload: payload,
	}
}

// ReadPrepareBatch decodes a prepare marker batch.
func ReadPrepareBatch(b RecordBatch) (PrepareMarker, error) {
	m := PrepareMarker{Pid: b.Identity.Pid}
	if b.Type != BatchTxPrepare {
		return m, errors.Errorf("not a prepare batch: type %d", b.Type)
	}
	d := codec.NewDecoder(b.Payload)
	version := int8(d.Uint8())
	if err := d.Err(); err != nil {
		return m, err
	}
	if version != PrepareVersion {
		return m, errors.Errorf("unknown prepare batch version %d", version)
	}
	m.TmPartition = PartitionID(d.Int32())
	m.TxSeq = TxSeq(d.Int64())
	return m, d.Err()
}

// MakeControlBatch builds a commit or abort marker for pid's transaction.
func MakeControlBatch(pid ProducerIdentity, ct ControlType) RecordBatch {
	return RecordBatch{
		Type:    BatchData,
		Control: ct,
		Identity: BatchIdentity{
			Pid:             pid,
			FirstSeq:        -1,
			LastSeq:         -1,
			RecordCount:     1,
			IsTransactional: true,
		},
	}
}
