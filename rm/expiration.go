package rm

import (
	"context"
	"time"

	"github.com/pingcap-incubator/tinybroker/model"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// The expiration scheduler runs one timer per STM. Transactions whose
// owners vanished are auto-aborted through the external coordinator; the
// abort marker then arrives through the normal apply path and removes the
// transaction. Coordinator round trips run on a dedicated dispatcher
// goroutine so a slow coordinator never blocks the timer; failed calls
// are retried on the next tick.

const abortQueueCapacity = 128

func (s *STM) startExpirationScheduler() {
	s.abortQueue = make(chan model.ProducerIdentity, abortQueueCapacity)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.stopCh:
				return
			case pid := <-s.abortQueue:
				s.tryAbortOldTx(pid)
			}
		}
	}()

	s.timerMu.Lock()
	s.abortTimer = time.NewTimer(s.cfg.AbortInterval.Duration)
	s.timerDeadline = time.Now().Add(s.cfg.AbortInterval.Duration)
	s.timerMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.stopCh:
				s.timerMu.Lock()
				s.abortTimer.Stop()
				s.timerMu.Unlock()
				return
			case <-s.abortTimer.C:
				s.abortOldTxes()
				s.timerMu.Lock()
				s.abortTimer.Reset(s.cfg.AbortInterval.Duration)
				s.timerDeadline = time.Now().Add(s.cfg.AbortInterval.Duration)
				s.timerMu.Unlock()
			}
		}
	}()
}

// tryArm pulls the expiration timer forward so it fires at or before
// deadline. It only ever moves the timer closer; a deadline at or after
// the pending one is ignored.
func (s *STM) tryArm(deadline time.Time) {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.abortTimer == nil {
		// auto-abort disabled
		return
	}
	if !deadline.Before(s.timerDeadline) {
		return
	}
	d := time.Until(deadline)
	if d < 0 {
		d = 0
	}
	s.abortTimer.Stop()
	s.abortTimer.Reset(d)
	s.timerDeadline = deadline
}

// abortOldTxes collects the producers whose transactions expired and
// hands each to the dispatcher for a coordinator round trip.
func (s *STM) abortOldTxes() {
	now := time.Now()
	grace := s.cfg.TxTimeoutDelay.Duration
	var expired []model.ProducerIdentity
	s.mu.Lock()
	for pid, exp := range s.logState.expiration {
		if exp.isRequested || !exp.deadline().Add(grace).After(now) {
			expired = append(expired, pid)
		}
	}
	s.mu.Unlock()
	for _, pid := range expired {
		select {
		case s.abortQueue <- pid:
		default:
			// the dispatcher is saturated; the next tick retries
		}
	}
}

func (s *STM) tryAbortOldTx(pid model.ProducerIdentity) {
	s.mu.Lock()
	td, hasTx := s.logState.currentTxes[pid]
	if !hasTx {
		// no declared transaction behind this entry; nothing for the
		// coordinator to abort
		delete(s.logState.expiration, pid)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	log.Info("auto-aborting expired transaction",
		zap.Uint64("partition", s.partition),
		zap.Stringer("pid", pid),
		zap.Int64("tx_seq", int64(td.txSeq)))

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SyncTimeout.Duration)
	defer cancel()
	if err := s.txGateway.TryAbort(ctx, td.tmPartition, pid, td.txSeq); err != nil {
		log.Warn("coordinator try-abort failed, will retry",
			zap.Uint64("partition", s.partition),
			zap.Stringer("pid", pid),
			zap.Error(err))
		return
	}
	// the abort marker arrives through apply and removes the tx
	s.metrics.expiredTxes.Inc()
}

func (s *STM) startStatsLoop() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.LogStatsInterval.Duration)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.logTxStats()
			}
		}
	}()
}

func (s *STM) logTxStats() {
	s.mu.Lock()
	ongoing := len(s.logState.ongoingMap)
	current := len(s.logState.currentTxes)
	aborted := len(s.logState.aborted)
	indexes := len(s.logState.abortIndexes)
	producers := len(s.logState.seqTable)
	s.mu.Unlock()
	log.Info("tx stats",
		zap.Uint64("partition", s.partition),
		zap.Int("ongoing", ongoing),
		zap.Int("current_txes", current),
		zap.Int("aborted_in_mem", aborted),
		zap.Int("abort_indexes", indexes),
		zap.Int("producers", producers))
}
