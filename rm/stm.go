// Package rm implements the per-partition resource manager state machine
// of the transactional subsystem. For each partition the state machine
// tracks the transactions affecting it, maintains the last stable offset,
// keeps the list of aborted transactions, enforces monotonicity of the
// producer sequence numbers and fences off old producer epochs.
package rm

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap-incubator/tinybroker/config"
	"github.com/pingcap-incubator/tinybroker/model"
	"github.com/pingcap-incubator/tinybroker/util/engine_util"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// KafkaResult is the client-visible outcome of a replicated data batch.
type KafkaResult struct {
	LastOffset model.KafkaOffset
}

// KafkaReplicateResult pairs a replicate outcome with its error.
type KafkaReplicateResult struct {
	Result KafkaResult
	Err    error
}

// KafkaStages lets the caller pipeline acknowledgements: Enqueued resolves
// once the request is ordered into the raft pipeline, Result once the
// replication outcome is known.
type KafkaStages struct {
	Enqueued <-chan error
	Result   <-chan KafkaReplicateResult
}

// TxStatus is the introspected state of one transaction.
type TxStatus int

const (
	TxStatusOngoing TxStatus = iota
	TxStatusPreparing
	TxStatusPrepared
	TxStatusInitiating
)

func (s TxStatus) String() string {
	switch s {
	case TxStatusOngoing:
		return "ongoing"
	case TxStatusPreparing:
		return "preparing"
	case TxStatusPrepared:
		return "prepared"
	case TxStatusInitiating:
		return "initiating"
	default:
		return "unknown"
	}
}

// TransactionInfo is the introspection record returned by GetTransactions.
type TransactionInfo struct {
	Status   TxStatus
	LsoBound model.LogOffset
	// Seq is the producer's last accepted sequence number, -1 if none.
	Seq int32

	HasExpirationInfo bool
	Timeout           time.Duration
	LastUpdate        time.Time
}

type abortOrigin int

const (
	abortOriginPresent abortOrigin = iota
	abortOriginPast
	abortOriginFuture
	abortOriginUnknown
)

// STM is the replicated resource manager of one partition. The applier,
// fed committed batches in log order by the raft harness, advances
// logState. Admission mutates memState and, once a data batch replicated,
// also records its sequence in logState's seq table. The producer
// eviction hook, the abort-segment spill, MarkExpired and the expiration
// dispatcher update logState as well.
type STM struct {
	cfg       *config.Config
	partition uint64

	raft       Consensus
	translator OffsetTranslator
	txGateway  TxGateway
	features   FeatureTable
	snaps      *SnapshotStore

	producerMgr *ProducerStateManager
	registry    prometheus.Registerer
	metrics     *stmMetrics

	// stateLock is held in read mode across transactional and idempotent
	// admission (including the replicate suspension) and in write mode to drain in-flight
	// requests: leadership transfer and raft snapshot install.
	stateLock sync.RWMutex
	txLocks   *txLockTable

	// mu guards logState, memState and the applied offset.
	mu        sync.Mutex
	logState  *logState
	memState  *memState
	applied   model.LogOffset
	appliedCh chan struct{}

	bootstrapCommitted model.LogOffset
	snapshotSize       *atomic.Uint64

	abortTimer    *time.Timer
	timerMu       sync.Mutex
	timerDeadline time.Time
	abortQueue    chan model.ProducerIdentity

	autoAbortEnabled bool
	stopCh           chan struct{}
	stopOnce         sync.Once
	wg               sync.WaitGroup
}

func NewSTM(
	cfg *config.Config,
	partition uint64,
	raft Consensus,
	translator OffsetTranslator,
	txGateway TxGateway,
	features FeatureTable,
	engines *engine_util.Engines,
) *STM {
	return &STM{
		cfg:              cfg,
		partition:        partition,
		raft:             raft,
		translator:       translator,
		txGateway:        txGateway,
		features:         features,
		snaps:            NewSnapshotStore(engines),
		registry:         prometheus.DefaultRegisterer,
		metrics:          newSTMMetrics(partition),
		txLocks:          newTxLockTable(),
		logState:         newLogState(),
		memState:         newMemState(model.NoTermID),
		applied:          model.NoLogOffset,
		appliedCh:        make(chan struct{}),
		snapshotSize:     atomic.NewUint64(0),
		autoAbortEnabled: cfg.AutoAbortEnabled,
		stopCh:           make(chan struct{}),
	}
}

// SetProducerStateManager attaches the cross-partition producer LRU.
// Must be called before Start.
func (s *STM) SetProducerStateManager(m *ProducerStateManager) {
	s.producerMgr = m
}

// SetMetricsRegisterer overrides the prometheus registerer; nil disables
// metrics registration. Must be called before Start.
func (s *STM) SetMetricsRegisterer(r prometheus.Registerer) {
	s.registry = r
}

// Start rehydrates the state machine from the local snapshot and starts
// the background schedulers. A snapshot that fails to load is fatal for
// this partition replica: it refuses to open rather than serve a view
// that could regress the LSO.
func (s *STM) Start() error {
	data, found, err := s.snaps.LoadSnapshot()
	if err != nil {
		return err
	}
	if found {
		snap, err := DecodeTxSnapshot(data)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.installSnapshotLocked(snap)
		s.mu.Unlock()
		s.snapshotSize.Store(uint64(len(data)))
		s.metrics.snapshotSize.Set(float64(len(data)))
		log.Info("rm stm rehydrated from local snapshot",
			zap.Uint64("partition", s.partition),
			zap.Int64("offset", int64(snap.Offset)),
			zap.Uint8("version", snap.Version))
	}
	s.bootstrapCommitted = s.raft.CommittedOffset()
	if s.registry != nil {
		if err := s.metrics.register(s.registry); err != nil {
			return err
		}
	}
	if s.autoAbortEnabled {
		s.startExpirationScheduler()
	}
	if s.cfg.LogStatsInterval.Duration > 0 {
		s.startStatsLoop()
	}
	return nil
}

// Stop raises the partition-wide abort source: suspended operations
// observe it and return shutting_down.
func (s *STM) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		if s.registry != nil {
			s.metrics.unregister(s.registry)
		}
	})
}

// opCtx bounds one admission operation by the configured sync timeout.
func (s *STM) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.SyncTimeout.Duration)
}

// waitApplied blocks until the applier has consumed the log up to target.
func (s *STM) waitApplied(ctx context.Context, target model.LogOffset) error {
	for {
		s.mu.Lock()
		if s.applied >= target {
			s.mu.Unlock()
			return nil
		}
		ch := s.appliedCh
		s.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return TxErrTimeout
		case <-s.stopCh:
			return TxErrShuttingDown
		}
	}
}

// sync waits for the local replica to be the current-term leader with the
// log applied up to the committed offset observed at call time. If the
// observed term differs from the mem-state's, the mem-state is discarded;
// this is the only mechanism that discards it.
func (s *STM) sync(ctx context.Context) (model.TermID, error) {
	select {
	case <-s.stopCh:
		return model.NoTermID, TxErrShuttingDown
	default:
	}
	if !s.raft.IsLeader() {
		return model.NoTermID, TxErrNotCoordinator
	}
	term := s.raft.Term()
	if err := s.waitApplied(ctx, s.raft.CommittedOffset()); err != nil {
		return model.NoTermID, err
	}
	if !s.raft.IsLeader() || s.raft.Term() != term {
		return model.NoTermID, TxErrNotCoordinator
	}
	s.mu.Lock()
	if s.memState.term != term {
		log.Info("rm stm term changed, clearing mem state",
			zap.Uint64("partition", s.partition),
			zap.Int64("old", int64(s.memState.term)),
			zap.Int64("new", int64(term)))
		s.memState = newMemState(term)
	}
	s.mu.Unlock()
	return term, nil
}

// BeginTx opens a transaction for pid by replicating a fence batch. On a
// retry with the same tx sequence the current term is returned without
// re-replicating.
func (s *STM) BeginTx(
	ctx context.Context,
	pid model.ProducerIdentity,
	txSeq model.TxSeq,
	txTimeout time.Duration,
	tm model.PartitionID,
) (model.TermID, error) {
	s.stateLock.RLock()
	defer s.stateLock.RUnlock()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	term, err := s.sync(ctx)
	if err != nil {
		return model.NoTermID, err
	}
	l := s.txLocks.acquire(pid.ID)
	defer s.txLocks.release(pid.ID, l)

	s.mu.Lock()
	if fenced, ok := s.logState.fencePidEpoch[pid.ID]; ok && pid.Epoch < fenced {
		s.mu.Unlock()
		s.metrics.fencedRejects.Inc()
		return model.NoTermID, TxErrFenced
	}
	if td, ok := s.logState.currentTxes[pid]; ok {
		if td.txSeq == txSeq {
			// an already-begun retry
			s.mu.Unlock()
			return term, nil
		}
		s.mu.Unlock()
		log.Warn("begin tx with unexpected sequence",
			zap.Uint64("partition", s.partition),
			zap.Stringer("pid", pid),
			zap.Int64("current", int64(td.txSeq)),
			zap.Int64("requested", int64(txSeq)))
		return model.NoTermID, TxErrInvalidTxnState
	}
	if expected, ok := s.memState.expected[pid]; ok {
		s.mu.Unlock()
		if expected == txSeq {
			return term, nil
		}
		return model.NoTermID, TxErrInvalidTxnState
	}
	s.mu.Unlock()

	var fence model.RecordBatch
	if s.features.IsActive(FeatureTransactionPartitioning) {
		fence = model.MakeFenceBatchV2(pid, txSeq, txTimeout, tm)
	} else {
		fence = model.MakeFenceBatchV1(pid, txSeq, txTimeout)
	}
	if _, err := s.raft.Replicate(ctx, term, fence, ReplicateOptions{WaitCommitted: true}); err != nil {
		return model.NoTermID, mapRaftErr(err)
	}

	s.mu.Lock()
	if s.memState.term == term {
		s.memState.expected[pid] = txSeq
	}
	s.mu.Unlock()
	s.tryArm(time.Now().Add(txTimeout + s.cfg.TxTimeoutDelay.Duration))
	return term, nil
}

// CommitTx replicates the commit marker for pid's transaction and waits
// until it applies. A commit for an already-finished tx sequence succeeds
// idempotently.
func (s *STM) CommitTx(ctx context.Context, pid model.ProducerIdentity, txSeq model.TxSeq) error {
	return s.finishTx(ctx, pid, txSeq, model.ControlTxCommit)
}

// AbortTx is symmetric to CommitTx. The abort is accepted even when the
// producer is past the requested tx sequence if the origin classifier
// attributes the request to a prior coordinator session.
func (s *STM) AbortTx(ctx context.Context, pid model.ProducerIdentity, txSeq model.TxSeq) error {
	return s.finishTx(ctx, pid, txSeq, model.ControlTxAbort)
}

func (s *STM) finishTx(ctx context.Context, pid model.ProducerIdentity, txSeq model.TxSeq, ct model.ControlType) error {
	s.stateLock.RLock()
	defer s.stateLock.RUnlock()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	term, err := s.sync(ctx)
	if err != nil {
		return err
	}
	l := s.txLocks.acquire(pid.ID)
	defer s.txLocks.release(pid.ID, l)

	s.mu.Lock()
	if fenced, ok := s.logState.fencePidEpoch[pid.ID]; ok && pid.Epoch < fenced {
		s.mu.Unlock()
		s.metrics.fencedRejects.Inc()
		return TxErrFenced
	}
	td, hasTx := s.logState.currentTxes[pid]
	if !hasTx || td.txSeq != txSeq {
		origin := s.abortOriginLocked(pid, txSeq)
		s.mu.Unlock()
		switch origin {
		case abortOriginPast, abortOriginUnknown:
			// the tx was already decided; answer idempotently
			return nil
		default:
			return TxErrRequestRejected
		}
	}
	if ct == model.ControlTxCommit {
		s.memState.preparing[pid] = model.PrepareMarker{
			TmPartition: td.tmPartition,
			TxSeq:       td.txSeq,
			Pid:         pid,
		}
	}
	s.mu.Unlock()

	res, err := s.raft.Replicate(ctx, term, model.MakeControlBatch(pid, ct), ReplicateOptions{WaitCommitted: true})
	if err != nil {
		return mapRaftErr(err)
	}
	return s.waitApplied(ctx, res.LastOffset)
}

// abortOriginLocked classifies a commit/abort request against the highest
// tx sequence tracked for pid across mem and log state.
func (s *STM) abortOriginLocked(pid model.ProducerIdentity, txSeq model.TxSeq) abortOrigin {
	tracked := model.TxSeq(-1)
	found := false
	if seq, ok := s.memState.expected[pid]; ok {
		tracked, found = seq, true
	}
	if m, ok := s.memState.preparing[pid]; ok && (!found || m.TxSeq > tracked) {
		tracked, found = m.TxSeq, true
	}
	if td, ok := s.logState.currentTxes[pid]; ok && (!found || td.txSeq > tracked) {
		tracked, found = td.txSeq, true
	}
	if !found {
		return abortOriginUnknown
	}
	if tracked > txSeq {
		return abortOriginPast
	}
	if tracked < txSeq {
		return abortOriginFuture
	}
	return abortOriginPresent
}

// ReplicateInStages admits and replicates a data batch, exposing the two
// acknowledgement stages separately.
func (s *STM) ReplicateInStages(ctx context.Context, bid model.BatchIdentity, batch model.RecordBatch, opts ReplicateOptions) *KafkaStages {
	enq := make(chan error, 1)
	out := make(chan KafkaReplicateResult, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res, err := s.doReplicate(ctx, bid, batch, opts, enq)
		out <- KafkaReplicateResult{Result: res, Err: err}
	}()
	return &KafkaStages{Enqueued: enq, Result: out}
}

// Replicate composes both stages of ReplicateInStages.
func (s *STM) Replicate(ctx context.Context, bid model.BatchIdentity, batch model.RecordBatch, opts ReplicateOptions) (KafkaResult, error) {
	stages := s.ReplicateInStages(ctx, bid, batch, opts)
	if err := <-stages.Enqueued; err != nil {
		return KafkaResult{}, err
	}
	r := <-stages.Result
	return r.Result, r.Err
}

func (s *STM) doReplicate(ctx context.Context, bid model.BatchIdentity, batch model.RecordBatch, opts ReplicateOptions, enq chan<- error) (res KafkaResult, err error) {
	enqueued := false
	defer func() {
		if !enqueued {
			enq <- err
		}
	}()
	markEnqueued := func() {
		enqueued = true
		enq <- nil
	}

	batch.Type = model.BatchData
	batch.Control = model.ControlNone
	batch.Identity = bid

	if bid.IsTransactional {
		return s.transactionalReplicate(ctx, bid, batch, markEnqueued)
	}
	if bid.HasIdempotentID() {
		return s.idempotentReplicate(ctx, bid, batch, opts, markEnqueued)
	}
	return s.replicateMsg(ctx, batch, opts, markEnqueued)
}

func (s *STM) transactionalReplicate(ctx context.Context, bid model.BatchIdentity, batch model.RecordBatch, markEnqueued func()) (KafkaResult, error) {
	s.stateLock.RLock()
	defer s.stateLock.RUnlock()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	term, err := s.sync(ctx)
	if err != nil {
		return KafkaResult{}, err
	}
	l := s.txLocks.acquire(bid.Pid.ID)
	defer s.txLocks.release(bid.Pid.ID, l)

	s.mu.Lock()
	if fenced, ok := s.logState.fencePidEpoch[bid.Pid.ID]; ok && bid.Pid.Epoch < fenced {
		s.mu.Unlock()
		s.metrics.fencedRejects.Inc()
		return KafkaResult{}, TxErrInvalidProducerEpoch
	}
	// a transactional write outside a declared transaction is a client
	// protocol error
	if _, ok := s.logState.currentTxes[bid.Pid]; !ok {
		if _, ok := s.memState.expected[bid.Pid]; !ok {
			s.mu.Unlock()
			return KafkaResult{}, TxErrInvalidProducerIDMapping
		}
	}
	if off, ok := s.knownSeqLocked(bid); ok {
		s.mu.Unlock()
		markEnqueued()
		return KafkaResult{LastOffset: off}, nil
	}
	if err := s.checkSeqLocked(bid); err != nil {
		s.mu.Unlock()
		s.metrics.seqRejects.Inc()
		return KafkaResult{}, err
	}
	// before replicating the first batch of a transaction its offset is
	// unknown, but read-committed fetches must not pass it: estimate
	// with the last committed offset
	if s.memState.term == term {
		if !s.isTxStartKnownLocked(bid.Pid) {
			estimate := s.raft.CommittedOffset()
			if estimate < 0 {
				estimate = 0
			}
			s.memState.estimated[bid.Pid] = estimate
		}
	}
	s.mu.Unlock()

	markEnqueued()
	res, err := s.raft.Replicate(ctx, term, batch, ReplicateOptions{WaitCommitted: true})
	if err != nil {
		s.mu.Lock()
		if s.memState.term == term {
			delete(s.memState.estimated, bid.Pid)
		}
		s.mu.Unlock()
		return KafkaResult{}, mapRaftErr(err)
	}

	ko := s.translator.FromLogOffset(res.LastOffset)
	s.mu.Lock()
	s.setSeqLocked(bid, ko, term)
	if s.memState.term == term {
		if _, ok := s.memState.txStart[bid.Pid]; !ok {
			s.memState.txStart[bid.Pid] = res.BaseOffset
			insertOffset(s.memState.txStarts, res.BaseOffset)
		}
		delete(s.memState.estimated, bid.Pid)
	}
	s.mu.Unlock()
	s.touchProducer(bid.Pid)
	return KafkaResult{LastOffset: ko}, nil
}

func (s *STM) idempotentReplicate(ctx context.Context, bid model.BatchIdentity, batch model.RecordBatch, opts ReplicateOptions, markEnqueued func()) (KafkaResult, error) {
	s.stateLock.RLock()
	defer s.stateLock.RUnlock()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	term, err := s.sync(ctx)
	if err != nil {
		return KafkaResult{}, err
	}
	l := s.txLocks.acquire(bid.Pid.ID)
	defer s.txLocks.release(bid.Pid.ID, l)

	s.mu.Lock()
	if fenced, ok := s.logState.fencePidEpoch[bid.Pid.ID]; ok && bid.Pid.Epoch < fenced {
		s.mu.Unlock()
		s.metrics.fencedRejects.Inc()
		return KafkaResult{}, TxErrInvalidProducerEpoch
	}
	if off, ok := s.knownSeqLocked(bid); ok {
		s.mu.Unlock()
		markEnqueued()
		return KafkaResult{LastOffset: off}, nil
	}
	if err := s.checkSeqLocked(bid); err != nil {
		s.mu.Unlock()
		s.metrics.seqRejects.Inc()
		return KafkaResult{}, err
	}
	s.mu.Unlock()

	markEnqueued()
	res, err := s.raft.Replicate(ctx, term, batch, opts)
	if err != nil {
		return KafkaResult{}, mapRaftErr(err)
	}
	ko := s.translator.FromLogOffset(res.LastOffset)
	s.mu.Lock()
	s.setSeqLocked(bid, ko, term)
	s.mu.Unlock()
	s.touchProducer(bid.Pid)
	return KafkaResult{LastOffset: ko}, nil
}

func (s *STM) replicateMsg(ctx context.Context, batch model.RecordBatch, opts ReplicateOptions, markEnqueued func()) (KafkaResult, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	term, err := s.sync(ctx)
	if err != nil {
		return KafkaResult{}, err
	}
	markEnqueued()
	res, err := s.raft.Replicate(ctx, term, batch, opts)
	if err != nil {
		return KafkaResult{}, mapRaftErr(err)
	}
	return KafkaResult{LastOffset: s.translator.FromLogOffset(res.LastOffset)}, nil
}

func (s *STM) isTxStartKnownLocked(pid model.ProducerIdentity) bool {
	if _, ok := s.logState.ongoingMap[pid]; ok {
		return true
	}
	if _, ok := s.memState.txStart[pid]; ok {
		return true
	}
	_, ok := s.memState.estimated[pid]
	return ok
}

// knownSeqLocked detects retries: the batch's last sequence is either the
// producer's current sequence or still inside the history window.
func (s *STM) knownSeqLocked(bid model.BatchIdentity) (model.KafkaOffset, bool) {
	w, ok := s.logState.seqTable[bid.Pid]
	if !ok {
		return model.NoKafkaOffset, false
	}
	return w.entry.cachedOffset(bid.LastSeq)
}

func (s *STM) checkSeqLocked(bid model.BatchIdentity) error {
	w, ok := s.logState.seqTable[bid.Pid]
	if !ok || w.entry.seq < 0 {
		if bid.FirstSeq == 0 {
			return nil
		}
		return ErrOutOfOrderSequence
	}
	if bid.FirstSeq == w.entry.seq+1 {
		return nil
	}
	return ErrOutOfOrderSequence
}

func (s *STM) setSeqLocked(bid model.BatchIdentity, offset model.KafkaOffset, term model.TermID) {
	w := s.ensureSeqLocked(bid.Pid)
	w.entry.update(bid.LastSeq, offset)
	w.entry.lastWriteTs = bid.MaxTimestamp
	w.term = term
}

func (s *STM) ensureSeqLocked(pid model.ProducerIdentity) *seqEntryWrapper {
	w, ok := s.logState.seqTable[pid]
	if !ok {
		w = &seqEntryWrapper{entry: newSeqEntry(pid)}
		s.logState.seqTable[pid] = w
	}
	return w
}

func (s *STM) touchProducer(pid model.ProducerIdentity) {
	if s.producerMgr == nil {
		return
	}
	s.producerMgr.Touch(s.partition, pid, func() {
		s.cleanupProducerState(pid)
	})
}

// cleanupProducerState is the producer-state manager's eviction hook. A
// producer with an undecided transaction is kept; everything else about
// the session is forgotten.
func (s *STM) cleanupProducerState(pid model.ProducerIdentity) {
	s.mu.Lock()
	if _, ok := s.logState.currentTxes[pid]; ok {
		s.mu.Unlock()
		return
	}
	if _, ok := s.logState.ongoingMap[pid]; ok {
		s.mu.Unlock()
		return
	}
	s.forgetProducerLocked(pid)
	s.mu.Unlock()
}

func (s *STM) forgetProducerLocked(pid model.ProducerIdentity) {
	s.logState.forget(pid)
	s.memState.forget(pid)
	s.txLocks.reclaim(pid.ID)
	if s.producerMgr != nil {
		s.producerMgr.Forget(s.partition, pid)
	}
}

// Apply is the log-state reducer. The surrounding raft harness invokes it
// with committed batches in strict log order; it is the main writer of
// logState (see STM for the others).
func (s *STM) Apply(b model.RecordBatch) error {
	var applyErr error
	var touched []model.ProducerIdentity
	armDeadline := time.Time{}

	s.mu.Lock()
	switch b.Type {
	case model.BatchTxFence:
		armDeadline, applyErr = s.applyFenceLocked(b)
	case model.BatchTxPrepare:
		applyErr = s.applyPrepareLocked(b)
	case model.BatchData:
		if b.Control != model.ControlNone {
			s.applyControlLocked(b.Identity.Pid, b.Control, b.LastOffset)
		} else {
			s.applyDataLocked(b.Identity, b)
			if b.Identity.HasIdempotentID() {
				touched = append(touched, b.Identity.Pid)
			}
		}
	}
	s.applied = b.LastOffset
	close(s.appliedCh)
	s.appliedCh = make(chan struct{})
	spill := len(s.logState.aborted) > s.cfg.AbortIndexSegmentSize
	s.metrics.ongoingTxes.Set(float64(len(s.logState.ongoingMap)))
	s.metrics.producers.Set(float64(len(s.logState.seqTable)))
	s.mu.Unlock()

	for _, pid := range touched {
		s.touchProducer(pid)
	}
	if !armDeadline.IsZero() {
		s.tryArm(armDeadline)
	}
	if spill {
		if err := s.offloadAbortedTxns(); err != nil {
			log.Warn("failed to offload aborted tx ranges",
				zap.Uint64("partition", s.partition), zap.Error(err))
		}
	}
	return applyErr
}

func (s *STM) applyFenceLocked(b model.RecordBatch) (time.Time, error) {
	data, err := model.ReadFenceBatch(b)
	if err != nil {
		log.Error("failed to decode fence batch",
			zap.Uint64("partition", s.partition), zap.Error(err))
		return time.Time{}, err
	}
	pid := data.Pid
	fenced, known := s.logState.fencePidEpoch[pid.ID]
	if known && pid.Epoch < fenced {
		// stale epoch; drop silently
		return time.Time{}, nil
	}
	if known && pid.Epoch > fenced {
		// fencing is by contract: the old session's state is dropped
		// without synthesizing aborted ranges
		s.forgetProducerLocked(model.ProducerIdentity{ID: pid.ID, Epoch: fenced})
	}
	s.logState.fencePidEpoch[pid.ID] = pid.Epoch
	if !data.HasTx {
		return time.Time{}, nil
	}
	now := time.Now()
	s.logState.currentTxes[pid] = txData{txSeq: data.TxSeq, tmPartition: data.TmPartition}
	s.logState.expiration[pid] = expirationInfo{timeout: data.TxTimeout, lastUpdate: now}
	delete(s.memState.expected, pid)
	return now.Add(data.TxTimeout + s.cfg.TxTimeoutDelay.Duration), nil
}

func (s *STM) applyPrepareLocked(b model.RecordBatch) error {
	m, err := model.ReadPrepareBatch(b)
	if err != nil {
		log.Error("failed to decode prepare batch",
			zap.Uint64("partition", s.partition), zap.Error(err))
		return err
	}
	s.logState.prepared[m.Pid] = m
	delete(s.memState.preparing, m.Pid)
	delete(s.memState.expected, m.Pid)
	return nil
}

func (s *STM) applyControlLocked(pid model.ProducerIdentity, ct model.ControlType, off model.LogOffset) {
	if r, ok := s.logState.ongoingMap[pid]; ok {
		deleteOffset(s.logState.ongoingSet, r.First)
		delete(s.logState.ongoingMap, pid)
		if ct == model.ControlTxAbort {
			s.logState.aborted = append(s.logState.aborted, r)
			s.metrics.abortedTxes.Inc()
		}
	}
	delete(s.logState.prepared, pid)
	delete(s.logState.currentTxes, pid)
	delete(s.logState.expiration, pid)
	s.memState.forget(pid)
	s.memState.lastEndTx = off
}

func (s *STM) applyDataLocked(bid model.BatchIdentity, b model.RecordBatch) {
	if bid.HasIdempotentID() {
		ko := s.translator.FromLogOffset(b.LastOffset)
		w := s.ensureSeqLocked(bid.Pid)
		w.entry.update(bid.LastSeq, ko)
		w.entry.lastWriteTs = bid.MaxTimestamp
		w.term = b.Term
	}
	if !bid.IsTransactional {
		return
	}
	pid := bid.Pid
	if r, ok := s.logState.ongoingMap[pid]; ok {
		r.Last = b.LastOffset
		s.logState.ongoingMap[pid] = r
	} else {
		s.logState.ongoingMap[pid] = model.TxRange{Pid: pid, First: b.BaseOffset, Last: b.LastOffset}
		insertOffset(s.logState.ongoingSet, b.BaseOffset)
	}
	// the apply materializes what mem-state estimated
	if first, ok := s.memState.txStart[pid]; ok {
		deleteOffset(s.memState.txStarts, first)
		delete(s.memState.txStart, pid)
	}
	delete(s.memState.estimated, pid)
	if exp, ok := s.logState.expiration[pid]; ok {
		exp.lastUpdate = time.Now()
		s.logState.expiration[pid] = exp
	}
}

// LastStableOffset bounds read-committed consumers: no offset at or below
// it belongs to an undecided transaction. It never regresses within a
// term.
func (s *STM) LastStableOffset() model.LogOffset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStableOffsetLocked()
}

func (s *STM) lastStableOffsetLocked() model.LogOffset {
	lso := s.raft.CommittedOffset()
	if m, ok := minOffset(s.logState.ongoingSet); ok && m < lso {
		lso = m
	}
	if m, ok := minOffset(s.memState.txStarts); ok && m < lso {
		lso = m
	}
	for _, o := range s.memState.estimated {
		if o < lso {
			lso = o
		}
	}
	// keep "decided and applied" semantics
	lso--
	if lso < s.memState.lastLso {
		lso = s.memState.lastLso
	} else {
		s.memState.lastLso = lso
	}
	s.metrics.lastStable.Set(float64(lso))
	return lso
}

// MaxCollectibleOffset bounds log GC below the last stable offset.
func (s *STM) MaxCollectibleOffset() model.LogOffset {
	lso := s.LastStableOffset()
	if lso <= 0 {
		return 0
	}
	return lso - 1
}

// AbortedTransactions returns the aborted tx ranges overlapping the
// offset window, merging the in-memory list with any spilled segments
// whose envelope overlaps. A segment load failure is recoverable: the
// query fails and may be retried.
func (s *STM) AbortedTransactions(from, to model.LogOffset) ([]model.TxRange, error) {
	s.mu.Lock()
	var result []model.TxRange
	for _, r := range s.logState.aborted {
		if r.Overlaps(from, to) {
			result = append(result, r)
		}
	}
	var overlapping []AbortIndex
	for _, idx := range s.logState.abortIndexes {
		if idx.First <= to && idx.Last >= from {
			overlapping = append(overlapping, idx)
		}
	}
	cached := s.logState.lastAbortSnapshot
	s.mu.Unlock()

	for _, idx := range overlapping {
		snap := cached
		if !snap.match(idx) {
			loaded, found, err := s.snaps.loadAbortSnapshot(idx)
			if err != nil {
				return nil, err
			}
			if !found {
				return nil, errors.Errorf("abort segment [%d, %d] is missing", idx.First, idx.Last)
			}
			snap = loaded
			s.mu.Lock()
			s.logState.lastAbortSnapshot = loaded
			s.mu.Unlock()
		}
		for _, r := range snap.aborted {
			if r.Overlaps(from, to) {
				result = append(result, r)
			}
		}
	}
	return result, nil
}

// offloadAbortedTxns spills the oldest chunk of the aborted list to an
// abort segment once it crosses the configured threshold.
func (s *STM) offloadAbortedTxns() error {
	s.mu.Lock()
	if len(s.logState.aborted) < s.cfg.AbortIndexSegmentSize {
		s.mu.Unlock()
		return nil
	}
	chunk := append([]model.TxRange(nil), s.logState.aborted[:s.cfg.AbortIndexSegmentSize]...)
	s.mu.Unlock()

	snap := abortSnapshot{first: chunk[0].First, last: chunk[0].Last, aborted: chunk}
	for _, r := range chunk {
		if r.First < snap.first {
			snap.first = r.First
		}
		if r.Last > snap.last {
			snap.last = r.Last
		}
	}
	if err := s.snaps.saveAbortSnapshot(snap); err != nil {
		return err
	}

	s.mu.Lock()
	// the applier is the only appender, so the spilled prefix is intact
	s.logState.aborted = append([]model.TxRange(nil), s.logState.aborted[len(chunk):]...)
	s.logState.abortIndexes = append(s.logState.abortIndexes, AbortIndex{First: snap.first, Last: snap.last})
	s.logState.lastAbortSnapshot = snap
	s.mu.Unlock()
	log.Info("offloaded aborted tx ranges",
		zap.Uint64("partition", s.partition),
		zap.Int64("first", int64(snap.first)),
		zap.Int64("last", int64(snap.last)),
		zap.Int("count", len(chunk)))
	return nil
}

// TakeLocalSnapshot persists the current log-state at the applied offset.
func (s *STM) TakeLocalSnapshot() error {
	s.mu.Lock()
	snap := s.snapshotFromStateLocked()
	s.mu.Unlock()
	data := EncodeTxSnapshot(snap)
	if err := s.snaps.SaveSnapshot(data); err != nil {
		return err
	}
	s.snapshotSize.Store(uint64(len(data)))
	s.metrics.snapshotSize.Set(float64(len(data)))
	return nil
}

// LocalSnapshotSize reports the size of the last written local snapshot.
func (s *STM) LocalSnapshotSize() uint64 {
	return s.snapshotSize.Load()
}

func (s *STM) snapshotFromStateLocked() *TxSnapshot {
	snap := &TxSnapshot{Version: SnapshotVersionV4, Offset: s.applied}
	for id, epoch := range s.logState.fencePidEpoch {
		snap.Fenced = append(snap.Fenced, model.ProducerIdentity{ID: id, Epoch: epoch})
	}
	for _, r := range s.logState.ongoingMap {
		snap.Ongoing = append(snap.Ongoing, r)
	}
	for _, m := range s.logState.prepared {
		snap.Prepared = append(snap.Prepared, m)
	}
	snap.Aborted = append(snap.Aborted, s.logState.aborted...)
	snap.AbortIndexes = append(snap.AbortIndexes, s.logState.abortIndexes...)
	for pid, w := range s.logState.seqTable {
		e := SeqSnapshot{
			Pid:         pid,
			Seq:         w.entry.seq,
			LastOffset:  w.entry.lastOffset,
			LastWriteTs: w.entry.lastWriteTs,
		}
		for _, c := range w.entry.cache {
			e.Cache = append(e.Cache, SeqCachePair{Seq: c.seq, Offset: c.offset})
		}
		snap.Seqs = append(snap.Seqs, e)
	}
	for pid, td := range s.logState.currentTxes {
		snap.TxData = append(snap.TxData, TxDataSnapshot{Pid: pid, TxSeq: td.txSeq, Tm: td.tmPartition})
	}
	for pid, exp := range s.logState.expiration {
		snap.Expiration = append(snap.Expiration, ExpirationSnapshot{Pid: pid, Timeout: exp.timeout})
	}
	return snap
}

func (s *STM) installSnapshotLocked(snap *TxSnapshot) {
	now := time.Now()
	s.logState.reset()
	for _, pid := range snap.Fenced {
		if epoch, ok := s.logState.fencePidEpoch[pid.ID]; !ok || pid.Epoch > epoch {
			s.logState.fencePidEpoch[pid.ID] = pid.Epoch
		}
	}
	for _, r := range snap.Ongoing {
		s.logState.ongoingMap[r.Pid] = r
		insertOffset(s.logState.ongoingSet, r.First)
	}
	for _, m := range snap.Prepared {
		s.logState.prepared[m.Pid] = m
	}
	s.logState.aborted = append([]model.TxRange(nil), snap.Aborted...)
	s.logState.abortIndexes = append([]AbortIndex(nil), snap.AbortIndexes...)
	for _, e := range snap.Seqs {
		entry := newSeqEntry(e.Pid)
		entry.seq = e.Seq
		entry.lastOffset = e.LastOffset
		entry.lastWriteTs = e.LastWriteTs
		for _, c := range e.Cache {
			entry.cache = append(entry.cache, seqCacheEntry{seq: c.Seq, offset: c.Offset})
		}
		s.logState.seqTable[e.Pid] = &seqEntryWrapper{entry: entry}
	}
	for _, t := range snap.TxData {
		s.logState.currentTxes[t.Pid] = txData{txSeq: t.TxSeq, tmPartition: t.Tm}
	}
	for _, e := range snap.Expiration {
		s.logState.expiration[e.Pid] = expirationInfo{timeout: e.Timeout, lastUpdate: now}
	}
	s.applied = snap.Offset
}

// ApplyRaftSnapshot replaces the whole state at a raft snapshot install:
// the batches below the snapshot offset are gone, so the state machine
// restarts from its local snapshot semantics at that offset.
func (s *STM) ApplyRaftSnapshot(offset model.LogOffset) {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	s.mu.Lock()
	s.logState.reset()
	s.memState = newMemState(s.raft.Term())
	s.applied = offset
	close(s.appliedCh)
	s.appliedCh = make(chan struct{})
	s.mu.Unlock()
}

// GetTransactions reports the open transactions of the partition.
func (s *STM) GetTransactions() (map[model.ProducerIdentity]TransactionInfo, error) {
	if !s.raft.IsLeader() {
		return nil, TxErrNotCoordinator
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make(map[model.ProducerIdentity]TransactionInfo)
	for pid := range s.memState.expected {
		info := TransactionInfo{Status: TxStatusInitiating, LsoBound: model.NoLogOffset, Seq: -1}
		if est, ok := s.memState.estimated[pid]; ok {
			info.LsoBound = est
		}
		res[pid] = info
	}
	for pid := range s.logState.currentTxes {
		info := TransactionInfo{Status: TxStatusInitiating, LsoBound: model.NoLogOffset, Seq: -1}
		if r, ok := s.logState.ongoingMap[pid]; ok {
			info.Status = TxStatusOngoing
			info.LsoBound = r.First
		} else if _, ok := s.logState.prepared[pid]; ok {
			info.Status = TxStatusPrepared
		} else if _, ok := s.memState.preparing[pid]; ok {
			info.Status = TxStatusPreparing
		} else if est, ok := s.memState.estimated[pid]; ok {
			info.LsoBound = est
		}
		if w, ok := s.logState.seqTable[pid]; ok {
			info.Seq = w.entry.seq
		}
		if exp, ok := s.logState.expiration[pid]; ok {
			info.HasExpirationInfo = true
			info.Timeout = exp.timeout
			info.LastUpdate = exp.lastUpdate
		}
		res[pid] = info
	}
	return res, nil
}

// MarkExpired requests an immediate auto-abort of pid's transaction.
func (s *STM) MarkExpired(pid model.ProducerIdentity) error {
	s.mu.Lock()
	if _, ok := s.logState.currentTxes[pid]; !ok {
		s.mu.Unlock()
		return TxErrTxNotFound
	}
	exp := s.logState.expiration[pid]
	exp.isRequested = true
	s.logState.expiration[pid] = exp
	s.mu.Unlock()
	s.tryArm(time.Now())
	return nil
}

// RemovePersistentState deletes the partition's local snapshot and every
// abort segment; used when the partition is moved away or removed.
func (s *STM) RemovePersistentState() error {
	s.mu.Lock()
	indexes := append([]AbortIndex(nil), s.logState.abortIndexes...)
	s.mu.Unlock()
	if err := s.snaps.RemoveAll(indexes); err != nil {
		return err
	}
	s.snapshotSize.Store(0)
	s.metrics.snapshotSize.Set(0)
	return nil
}

// PrepareTransferLeadership acquires the state write lock, draining
// in-flight replicates. The returned release function must be called once
// the transfer finished.
func (s *STM) PrepareTransferLeadership() func() {
	s.stateLock.Lock()
	return func() {
		s.stateLock.Unlock()
	}
}
