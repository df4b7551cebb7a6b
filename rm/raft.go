package rm

import (
	"context"

	"github.com/pingcap-incubator/tinybroker/model"
)

// ReplicateOptions selects the durability level of one replicate call.
type ReplicateOptions struct {
	// WaitCommitted makes Replicate return only after the batch is
	// committed by a quorum; otherwise leader-local append suffices.
	WaitCommitted bool
}

// ReplicateResult reports where a replicated batch landed.
type ReplicateResult struct {
	BaseOffset model.LogOffset
	LastOffset model.LogOffset
	Term       model.TermID
}

// Consensus is the raft replica the state machine sits on. The harness
// feeds committed batches to Apply in strict log order; replication errors
// surface as the rm sentinel errors (ErrNotLeader etc.).
type Consensus interface {
	// Replicate appends the batch if the replica still leads expected.
	Replicate(ctx context.Context, expected model.TermID, batch model.RecordBatch, opts ReplicateOptions) (ReplicateResult, error)
	CommittedOffset() model.LogOffset
	Term() model.TermID
	IsLeader() bool
}

// OffsetTranslator maps raft log offsets to the client-visible offset
// space and back. Control batches are invisible to clients, so the two
// spaces drift apart.
type OffsetTranslator interface {
	FromLogOffset(model.LogOffset) model.KafkaOffset
	ToLogOffset(model.KafkaOffset) model.LogOffset
}

// TxGateway is the transaction coordinator frontend. The state machine
// only ever asks it to abort an expired transaction; the coordinator
// replies by replicating the abort marker through the usual path.
type TxGateway interface {
	TryAbort(ctx context.Context, tm model.PartitionID, pid model.ProducerIdentity, txSeq model.TxSeq) error
}

// FeatureTable gates cluster-wide feature activation.
type FeatureTable interface {
	IsActive(feature string) bool
}

// FeatureTransactionPartitioning selects fence batch v2 (carrying the tm
// partition) over v1.
const FeatureTransactionPartitioning = "transaction_partitioning"
