package rm

import (
	"context"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinybroker/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdempotentRetryReturnsCachedOffset(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()
	env.trans.delta = 90
	env.consensus.setLogPosition(96)

	pid := model.ProducerIdentity{ID: 7, Epoch: 0}
	bid := dataBid(pid, 0, 4, false)

	res, err := env.stm.Replicate(context.Background(), bid, dataBatch(bid), ReplicateOptions{})
	require.Nil(t, err)
	require.Equal(t, model.KafkaOffset(10), res.LastOffset)
	replicated := env.consensus.replicateCount()

	// the retry is answered from the seq cache without touching raft
	res, err = env.stm.Replicate(context.Background(), bid, dataBatch(bid), ReplicateOptions{})
	require.Nil(t, err)
	require.Equal(t, model.KafkaOffset(10), res.LastOffset)
	require.Equal(t, replicated, env.consensus.replicateCount())
}

func TestOutOfOrderSequenceRejected(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()

	pid := model.ProducerIdentity{ID: 3, Epoch: 0}
	bid := dataBid(pid, 0, 4, false)
	_, err := env.stm.Replicate(context.Background(), bid, dataBatch(bid), ReplicateOptions{})
	require.Nil(t, err)

	// a gap after the accepted tail
	gap := dataBid(pid, 7, 9, false)
	_, err = env.stm.Replicate(context.Background(), gap, dataBatch(gap), ReplicateOptions{})
	require.Equal(t, ErrOutOfOrderSequence, err)

	// a fresh producer must start at zero
	fresh := model.ProducerIdentity{ID: 4, Epoch: 0}
	late := dataBid(fresh, 3, 5, false)
	_, err = env.stm.Replicate(context.Background(), late, dataBatch(late), ReplicateOptions{})
	require.Equal(t, ErrOutOfOrderSequence, err)
}

func TestSequenceHistoryWindowRetry(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()

	pid := model.ProducerIdentity{ID: 11, Epoch: 0}
	offsets := make(map[int32]model.KafkaOffset)
	seq := int32(0)
	for i := 0; i < 4; i++ {
		bid := dataBid(pid, seq, seq, false)
		res, err := env.stm.Replicate(context.Background(), bid, dataBatch(bid), ReplicateOptions{})
		require.Nil(t, err)
		offsets[seq] = res.LastOffset
		seq++
	}
	replicated := env.consensus.replicateCount()

	// every sequence still in the window answers with its original offset
	for s, want := range offsets {
		bid := dataBid(pid, s, s, false)
		res, err := env.stm.Replicate(context.Background(), bid, dataBatch(bid), ReplicateOptions{})
		require.Nil(t, err)
		assert.Equal(t, want, res.LastOffset)
	}
	require.Equal(t, replicated, env.consensus.replicateCount())
}

func TestEpochFence(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()
	ctx := context.Background()

	old := model.ProducerIdentity{ID: 7, Epoch: 0}
	env.consensus.append(t, model.MakeFenceBatchV0(old), 1)

	_, err := env.stm.BeginTx(ctx, old, 1, time.Minute, 0)
	require.Nil(t, err)

	// a higher epoch fences the old session
	cur := model.ProducerIdentity{ID: 7, Epoch: 1}
	env.consensus.append(t, model.MakeFenceBatchV0(cur), 1)

	_, err = env.stm.BeginTx(ctx, old, 2, time.Minute, 0)
	require.Equal(t, TxErrFenced, err)
	_, err = env.stm.BeginTx(ctx, cur, 1, time.Minute, 0)
	require.Nil(t, err)
}

func TestFenceEpochMonotonic(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()

	pid := model.ProducerIdentity{ID: 9, Epoch: 3}
	env.consensus.append(t, model.MakeFenceBatchV0(pid), 1)
	require.Equal(t, model.ProducerEpoch(3), env.stm.logState.fencePidEpoch[pid.ID])

	// a stale fence is dropped silently
	stale := model.ProducerIdentity{ID: 9, Epoch: 1}
	env.consensus.append(t, model.MakeFenceBatchV0(stale), 1)
	require.Equal(t, model.ProducerEpoch(3), env.stm.logState.fencePidEpoch[pid.ID])
}

func TestLsoBarrier(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()
	pid := model.ProducerIdentity{ID: 5, Epoch: 0}

	env.consensus.setLogPosition(149)
	env.consensus.append(t, model.MakeFenceBatchV2(pid, 1, time.Minute, 0), 1)

	bid := dataBid(pid, 0, 30, true)
	last := env.consensus.append(t, dataBatch(bid), 31)
	require.Equal(t, model.LogOffset(180), last)

	// committed moves ahead while the tx stays open
	env.consensus.setLogPosition(201)
	require.Equal(t, model.LogOffset(149), env.stm.LastStableOffset())

	env.consensus.setLogPosition(205)
	env.consensus.append(t, model.MakeControlBatch(pid, model.ControlTxAbort), 1)
	require.Equal(t, model.LogOffset(204), env.stm.LastStableOffset())

	ranges, err := env.stm.AbortedTransactions(0, 1000)
	require.Nil(t, err)
	require.Equal(t, []model.TxRange{{Pid: pid, First: 150, Last: 180}}, ranges)
}

func TestLsoNonDecreasingWithinTerm(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()
	pid := model.ProducerIdentity{ID: 2, Epoch: 0}
	ctx := context.Background()

	_, err := env.stm.BeginTx(ctx, pid, 1, time.Minute, 0)
	require.Nil(t, err)
	bid := dataBid(pid, 0, 0, true)
	_, err = env.stm.Replicate(ctx, bid, dataBatch(bid), ReplicateOptions{})
	require.Nil(t, err)

	prev := env.stm.LastStableOffset()
	for i := int32(1); i < 5; i++ {
		b := dataBid(pid, i, i, true)
		_, err = env.stm.Replicate(ctx, b, dataBatch(b), ReplicateOptions{})
		require.Nil(t, err)
		cur := env.stm.LastStableOffset()
		require.True(t, cur >= prev, "lso regressed: %d -> %d", prev, cur)
		prev = cur
	}
	require.Nil(t, env.stm.CommitTx(ctx, pid, 1))
	require.True(t, env.stm.LastStableOffset() >= prev)
}

func TestTransactionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()
	ctx := context.Background()
	pid := model.ProducerIdentity{ID: 21, Epoch: 0}

	term, err := env.stm.BeginTx(ctx, pid, 1, time.Minute, 3)
	require.Nil(t, err)
	require.Equal(t, model.TermID(1), term)

	// begin retry with the same sequence is idempotent
	term, err = env.stm.BeginTx(ctx, pid, 1, time.Minute, 3)
	require.Nil(t, err)
	require.Equal(t, model.TermID(1), term)

	td, ok := env.stm.logState.currentTxes[pid]
	require.True(t, ok)
	require.Equal(t, model.TxSeq(1), td.txSeq)
	require.Equal(t, model.PartitionID(3), td.tmPartition)

	bid := dataBid(pid, 0, 9, true)
	_, err = env.stm.Replicate(ctx, bid, dataBatch(bid), ReplicateOptions{})
	require.Nil(t, err)
	r, ok := env.stm.logState.ongoingMap[pid]
	require.True(t, ok)
	require.Equal(t, r.First, r.Last-9)

	require.Nil(t, env.stm.CommitTx(ctx, pid, 1))
	_, ok = env.stm.logState.ongoingMap[pid]
	require.False(t, ok)
	_, ok = env.stm.logState.currentTxes[pid]
	require.False(t, ok)
	require.Equal(t, 0, env.stm.logState.ongoingSet.Len())

	// committed data leaves no aborted range behind
	ranges, err := env.stm.AbortedTransactions(0, 1<<40)
	require.Nil(t, err)
	require.Empty(t, ranges)
}

func TestTransactionalWriteWithoutBegin(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()
	pid := model.ProducerIdentity{ID: 30, Epoch: 0}
	bid := dataBid(pid, 0, 0, true)
	_, err := env.stm.Replicate(context.Background(), bid, dataBatch(bid), ReplicateOptions{})
	require.Equal(t, TxErrInvalidProducerIDMapping, err)
}

func TestAbortRecordsRange(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()
	ctx := context.Background()
	pid := model.ProducerIdentity{ID: 6, Epoch: 2}

	_, err := env.stm.BeginTx(ctx, pid, 4, time.Minute, 0)
	require.Nil(t, err)
	bid := dataBid(pid, 0, 4, true)
	_, err = env.stm.Replicate(ctx, bid, dataBatch(bid), ReplicateOptions{})
	require.Nil(t, err)
	r := env.stm.logState.ongoingMap[pid]

	require.Nil(t, env.stm.AbortTx(ctx, pid, 4))
	ranges, err := env.stm.AbortedTransactions(0, 1<<40)
	require.Nil(t, err)
	require.Equal(t, []model.TxRange{r}, ranges)
}

func TestLateAndFutureAbortClassification(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()
	ctx := context.Background()
	pid := model.ProducerIdentity{ID: 17, Epoch: 0}

	_, err := env.stm.BeginTx(ctx, pid, 5, time.Minute, 0)
	require.Nil(t, err)
	require.Nil(t, env.stm.AbortTx(ctx, pid, 5))

	// the tx is gone; the duplicate abort succeeds idempotently
	require.Nil(t, env.stm.AbortTx(ctx, pid, 5))
	// an abort for a prior coordinator session also succeeds
	_, err = env.stm.BeginTx(ctx, pid, 7, time.Minute, 0)
	require.Nil(t, err)
	require.Nil(t, env.stm.AbortTx(ctx, pid, 6))
	// a far-future sequence is rejected
	require.Equal(t, TxErrRequestRejected, env.stm.AbortTx(ctx, pid, 9))
}

func TestLeadershipChangeClearsMemState(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()
	ctx := context.Background()
	pid := model.ProducerIdentity{ID: 3, Epoch: 0}

	// seed the seq table through an idempotent write
	idem := model.ProducerIdentity{ID: 8, Epoch: 0}
	bid := dataBid(idem, 0, 0, false)
	_, err := env.stm.Replicate(ctx, bid, dataBatch(bid), ReplicateOptions{})
	require.Nil(t, err)

	_, err = env.stm.BeginTx(ctx, pid, 4, time.Minute, 0)
	require.Nil(t, err)
	// make sure an in-flight marker is present: expected holds the tx the
	// fence declared
	env.stm.mu.Lock()
	env.stm.memState.expected[pid] = 4
	fencedBefore := len(env.stm.logState.fencePidEpoch)
	env.stm.mu.Unlock()
	require.Equal(t, model.TermID(1), env.stm.memState.term)

	// the replica loses and regains leadership two terms later
	env.consensus.mu.Lock()
	env.consensus.term += 2
	env.consensus.mu.Unlock()

	bid2 := dataBid(idem, 1, 1, false)
	_, err = env.stm.Replicate(ctx, bid2, dataBatch(bid2), ReplicateOptions{})
	require.Nil(t, err)

	env.stm.mu.Lock()
	defer env.stm.mu.Unlock()
	require.Equal(t, model.TermID(3), env.stm.memState.term)
	require.Empty(t, env.stm.memState.expected)
	// log state survives the transfer
	require.Equal(t, fencedBefore, len(env.stm.logState.fencePidEpoch))
	w, ok := env.stm.logState.seqTable[idem]
	require.True(t, ok)
	require.Equal(t, int32(1), w.entry.seq)
}

func TestNotLeaderRejected(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()
	env.consensus.mu.Lock()
	env.consensus.leader = false
	env.consensus.mu.Unlock()

	pid := model.ProducerIdentity{ID: 1, Epoch: 0}
	_, err := env.stm.BeginTx(context.Background(), pid, 1, time.Minute, 0)
	require.Equal(t, TxErrNotCoordinator, err)
}

func TestOngoingSetMatchesOngoingMap(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()
	ctx := context.Background()

	for i := int64(0); i < 5; i++ {
		pid := model.ProducerIdentity{ID: model.ProducerID(100 + i), Epoch: 0}
		_, err := env.stm.BeginTx(ctx, pid, 1, time.Minute, 0)
		require.Nil(t, err)
		bid := dataBid(pid, 0, 0, true)
		_, err = env.stm.Replicate(ctx, bid, dataBatch(bid), ReplicateOptions{})
		require.Nil(t, err)
	}
	requireOngoingSetConsistent(t, env.stm)

	// finish a couple and re-check
	require.Nil(t, env.stm.CommitTx(ctx, model.ProducerIdentity{ID: 101, Epoch: 0}, 1))
	require.Nil(t, env.stm.AbortTx(ctx, model.ProducerIdentity{ID: 103, Epoch: 0}, 1))
	requireOngoingSetConsistent(t, env.stm)
}

func requireOngoingSetConsistent(t *testing.T, s *STM) {
	s.mu.Lock()
	defer s.mu.Unlock()
	require.Equal(t, len(s.logState.ongoingMap), s.logState.ongoingSet.Len())
	for _, r := range s.logState.ongoingMap {
		require.True(t, s.logState.ongoingSet.Has(offsetItem(r.First)))
	}
}

func TestMaxCollectibleOffset(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()
	require.Equal(t, model.LogOffset(0), env.stm.MaxCollectibleOffset())

	pid := model.ProducerIdentity{ID: 40, Epoch: 0}
	bid := dataBid(pid, 0, 9, false)
	_, err := env.stm.Replicate(context.Background(), bid, dataBatch(bid), ReplicateOptions{})
	require.Nil(t, err)
	lso := env.stm.LastStableOffset()
	require.Equal(t, lso-1, env.stm.MaxCollectibleOffset())
}

func TestGetTransactions(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()
	ctx := context.Background()
	pid := model.ProducerIdentity{ID: 51, Epoch: 0}

	_, err := env.stm.BeginTx(ctx, pid, 2, time.Minute, 0)
	require.Nil(t, err)
	txes, err := env.stm.GetTransactions()
	require.Nil(t, err)
	info, ok := txes[pid]
	require.True(t, ok)
	require.Equal(t, TxStatusInitiating, info.Status)
	require.True(t, info.HasExpirationInfo)
	require.Equal(t, time.Minute, info.Timeout)

	bid := dataBid(pid, 0, 0, true)
	_, err = env.stm.Replicate(ctx, bid, dataBatch(bid), ReplicateOptions{})
	require.Nil(t, err)
	txes, err = env.stm.GetTransactions()
	require.Nil(t, err)
	info = txes[pid]
	require.Equal(t, TxStatusOngoing, info.Status)
	require.Equal(t, env.stm.logState.ongoingMap[pid].First, info.LsoBound)
	require.Equal(t, int32(0), info.Seq)

	env.consensus.mu.Lock()
	env.consensus.leader = false
	env.consensus.mu.Unlock()
	_, err = env.stm.GetTransactions()
	require.Equal(t, TxErrNotCoordinator, err)
}

func TestReplicateInStages(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()
	pid := model.ProducerIdentity{ID: 61, Epoch: 0}
	bid := dataBid(pid, 0, 4, false)

	stages := env.stm.ReplicateInStages(context.Background(), bid, dataBatch(bid), ReplicateOptions{})
	require.Nil(t, <-stages.Enqueued)
	res := <-stages.Result
	require.Nil(t, res.Err)
	require.Equal(t, model.KafkaOffset(4), res.Result.LastOffset)

	// a failed admission resolves both stages with the error
	bad := dataBid(pid, 9, 9, false)
	stages = env.stm.ReplicateInStages(context.Background(), bad, dataBatch(bad), ReplicateOptions{})
	require.Equal(t, ErrOutOfOrderSequence, <-stages.Enqueued)
	res = <-stages.Result
	require.Equal(t, ErrOutOfOrderSequence, res.Err)
}

func TestPlainReplicateBypassesSequencing(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()
	bid := model.BatchIdentity{Pid: model.NoProducerIdentity, RecordCount: 3}

	res, err := env.stm.Replicate(context.Background(), bid, dataBatch(bid), ReplicateOptions{})
	require.Nil(t, err)
	require.Equal(t, model.KafkaOffset(2), res.LastOffset)
	env.stm.mu.Lock()
	defer env.stm.mu.Unlock()
	require.Empty(t, env.stm.logState.seqTable)
}

func TestMarkExpiredUnknownTx(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()
	err := env.stm.MarkExpired(model.ProducerIdentity{ID: 99, Epoch: 0})
	require.Equal(t, TxErrTxNotFound, err)
}

func TestPrepareTransferLeadershipDrains(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()

	release := env.stm.PrepareTransferLeadership()
	done := make(chan error, 1)
	go func() {
		pid := model.ProducerIdentity{ID: 70, Epoch: 0}
		_, err := env.stm.BeginTx(context.Background(), pid, 1, time.Minute, 0)
		done <- err
	}()
	select {
	case <-done:
		t.Fatal("admission ran under the transfer lock")
	case <-time.After(50 * time.Millisecond):
	}
	release()
	require.Nil(t, <-done)
}
