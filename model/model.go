// Package model holds the fundamental types shared by the broker's
// partition subsystems: offsets, terms, producer identities and the
// record batch shapes the replicated state machines dispatch on.
package model

import "fmt"

type TermID int64

// LogOffset is an offset in the raft log. KafkaOffset is the client-visible
// offset after translation (control and configuration batches are invisible
// to clients, so the two diverge over time).
type LogOffset int64

type KafkaOffset int64

const (
	NoLogOffset   LogOffset   = -1
	NoKafkaOffset KafkaOffset = -1
	NoTermID      TermID      = -1
)

type ProducerID int64

type ProducerEpoch int16

// ProducerIdentity names one incarnation of a logical producer. Two
// identities with equal ID but different Epoch belong to the same session
// across restarts; a higher epoch fences the lower.
type ProducerIdentity struct {
	ID    ProducerID
	Epoch ProducerEpoch
}

var NoProducerIdentity = ProducerIdentity{ID: -1, Epoch: 0}

func (p ProducerIdentity) Valid() bool {
	return p.ID >= 0
}

func (p ProducerIdentity) String() string {
	return fmt.Sprintf("{producer_identity: id=%d epoch=%d}", p.ID, p.Epoch)
}

// TxSeq is the monotonic transaction sequence number the coordinator
// assigns within a producer session.
type TxSeq int64

type PartitionID int32

const NoPartitionID PartitionID = -1

// TxRange is the log-offset envelope of one transaction's data batches.
type TxRange struct {
	Pid   ProducerIdentity
	First LogOffset
	Last  LogOffset
}

func (r TxRange) Overlaps(from, to LogOffset) bool {
	return r.First <= to && r.Last >= from
}

// BatchIdentity carries the producer-facing identity of a data batch:
// who wrote it and which sequence numbers it covers.
type BatchIdentity struct {
	Pid             ProducerIdentity
	FirstSeq        int32
	LastSeq         int32
	RecordCount     int32
	IsTransactional bool
	// MaxTimestamp is the largest record timestamp in the batch, unix ms.
	MaxTimestamp int64
}

// HasIdempotentID reports whether the batch belongs to an idempotent
// producer session (a valid producer id was assigned).
func (b BatchIdentity) HasIdempotentID() bool {
	return b.Pid.Valid()
}
