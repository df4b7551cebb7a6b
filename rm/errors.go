package rm

import "github.com/pingcap/errors"

// TxErr is the closed error taxonomy of the transactional surface. A nil
// error stands for the "none" member; every transport or raft failure is
// mapped into one of these at the boundary and never surfaced raw.
type TxErr int

const (
	TxErrLeaderNotFound TxErr = iota + 1
	TxErrShardNotFound
	TxErrPartitionNotExists
	TxErrNotCoordinator
	TxErrCoordinatorNotAvailable
	TxErrPreparingRebalance
	TxErrConcurrentTransactions
	TxErrConflict
	TxErrUnknownServerError
	TxErrRequestRejected
	TxErrInvalidProducerIDMapping
	TxErrInvalidTxnState
	TxErrFenced
	TxErrInvalidProducerEpoch
	TxErrTxNotFound
	TxErrTxIDNotFound
	TxErrPartitionDisabled
	TxErrTimeout
	TxErrShuttingDown
)

func (e TxErr) Error() string {
	switch e {
	case TxErrLeaderNotFound:
		return "leader not found"
	case TxErrShardNotFound:
		return "shard not found"
	case TxErrPartitionNotExists:
		return "partition not exists"
	case TxErrNotCoordinator:
		return "not coordinator"
	case TxErrCoordinatorNotAvailable:
		return "coordinator not available"
	case TxErrPreparingRebalance:
		return "preparing rebalance"
	case TxErrConcurrentTransactions:
		return "concurrent transactions"
	case TxErrConflict:
		return "conflict"
	case TxErrUnknownServerError:
		return "unknown server error"
	case TxErrRequestRejected:
		return "request rejected"
	case TxErrInvalidProducerIDMapping:
		return "invalid producer id mapping"
	case TxErrInvalidTxnState:
		return "invalid txn state"
	case TxErrFenced:
		return "producer fenced"
	case TxErrInvalidProducerEpoch:
		return "invalid producer epoch"
	case TxErrTxNotFound:
		return "transaction not found"
	case TxErrTxIDNotFound:
		return "transactional id not found"
	case TxErrPartitionDisabled:
		return "partition disabled"
	case TxErrTimeout:
		return "timeout"
	case TxErrShuttingDown:
		return "shutting down"
	default:
		return "unknown tx error"
	}
}

// ErrOutOfOrderSequence is the kafka-level result for sequence-number
// violations on the idempotent path. It is deliberately not a TxErr.
var ErrOutOfOrderSequence = errors.New("out of order sequence number")

// Sentinel errors the consensus implementation returns; mapRaftErr folds
// them into the taxonomy at the admission boundary.
var (
	ErrNotLeader          = errors.New("raft: not leader")
	ErrTermChanged        = errors.New("raft: term changed")
	ErrReplicationTimeout = errors.New("raft: replication timed out")
	ErrShutdown           = errors.New("raft: shutting down")
)

func mapRaftErr(err error) TxErr {
	switch errors.Cause(err) {
	case ErrNotLeader, ErrTermChanged:
		return TxErrNotCoordinator
	case ErrReplicationTimeout:
		return TxErrTimeout
	case ErrShutdown:
		return TxErrShuttingDown
	default:
		return TxErrUnknownServerError
	}
}
