package rm

// This file contains the in-memory raft harness the stm tests run on: a
// consensus fake that assigns offsets, commits immediately and feeds the
// applier, plus translator/gateway/feature fakes.

import (
	"context"
	"io/ioutil"
	"sync"
	"testing"

	"github.com/pingcap-incubator/tinybroker/config"
	"github.com/pingcap-incubator/tinybroker/model"
	"github.com/pingcap-incubator/tinybroker/util/engine_util"
	"github.com/stretchr/testify/require"
)

type testConsensus struct {
	mu         sync.Mutex
	stm        *STM
	term       model.TermID
	leader     bool
	next       model.LogOffset
	committed  model.LogOffset
	replicates int
	history    []model.RecordBatch
}

func newTestConsensus() *testConsensus {
	return &testConsensus{
		term:      1,
		leader:    true,
		next:      0,
		committed: -1,
	}
}

func (c *testConsensus) Replicate(ctx context.Context, expected model.TermID, batch model.RecordBatch, opts ReplicateOptions) (ReplicateResult, error) {
	c.mu.Lock()
	if !c.leader {
		c.mu.Unlock()
		return ReplicateResult{}, ErrNotLeader
	}
	if expected != c.term {
		c.mu.Unlock()
		return ReplicateResult{}, ErrTermChanged
	}
	c.replicates++
	count := model.LogOffset(batch.Identity.RecordCount)
	if count <= 0 {
		count = 1
	}
	batch.Term = c.term
	batch.BaseOffset = c.next
	batch.LastOffset = c.next + count - 1
	c.next = batch.LastOffset + 1
	c.committed = batch.LastOffset
	c.history = append(c.history, batch)
	stm := c.stm
	res := ReplicateResult{
		BaseOffset: batch.BaseOffset,
		LastOffset: batch.LastOffset,
		Term:       c.term,
	}
	c.mu.Unlock()
	if stm != nil {
		if err := stm.Apply(batch); err != nil {
			return ReplicateResult{}, err
		}
	}
	return res, nil
}

func (c *testConsensus) CommittedOffset() model.LogOffset {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.committed
}

func (c *testConsensus) Term() model.TermID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.term
}

func (c *testConsensus) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leader
}

func (c *testConsensus) replicateCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replicates
}

// setLogPosition fast-forwards the log as if untracked batches had been
// appended and committed.
func (c *testConsensus) setLogPosition(next model.LogOffset) {
	c.mu.Lock()
	c.next = next
	c.committed = next - 1
	c.mu.Unlock()
	if c.stm != nil {
		c.stm.mu.Lock()
		c.stm.applied = next - 1
		c.stm.mu.Unlock()
	}
}

// append places a batch at explicit offsets, commits it and applies it,
// bypassing admission. Tests use it to stage log contents directly.
func (c *testConsensus) append(t *testing.T, batch model.RecordBatch, count model.LogOffset) model.LogOffset {
	c.mu.Lock()
	batch.Term = c.term
	batch.BaseOffset = c.next
	batch.LastOffset = c.next + count - 1
	c.next = batch.LastOffset + 1
	c.committed = batch.LastOffset
	c.history = append(c.history, batch)
	stm := c.stm
	c.mu.Unlock()
	require.NotNil(t, stm)
	require.Nil(t, stm.Apply(batch))
	return batch.LastOffset
}

type testTranslator struct {
	delta int64
}

func (tr *testTranslator) FromLogOffset(o model.LogOffset) model.KafkaOffset {
	return model.KafkaOffset(int64(o) - tr.delta)
}

func (tr *testTranslator) ToLogOffset(o model.KafkaOffset) model.LogOffset {
	return model.LogOffset(int64(o) + tr.delta)
}

// testGateway records try-abort calls; with an stm attached it plays the
// coordinator and drives the abort through the transactional path.
type testGateway struct {
	mu    sync.Mutex
	stm   *STM
	calls []tryAbortCall
}

type tryAbortCall struct {
	tm    model.PartitionID
	pid   model.ProducerIdentity
	txSeq model.TxSeq
}

func (g *testGateway) TryAbort(ctx context.Context, tm model.PartitionID, pid model.ProducerIdentity, txSeq model.TxSeq) error {
	g.mu.Lock()
	g.calls = append(g.calls, tryAbortCall{tm: tm, pid: pid, txSeq: txSeq})
	stm := g.stm
	g.mu.Unlock()
	if stm != nil {
		return stm.AbortTx(ctx, pid, txSeq)
	}
	return nil
}

func (g *testGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

type testFeatures bool

func (f testFeatures) IsActive(feature string) bool {
	return bool(f)
}

type testEnv struct {
	stm       *STM
	consensus *testConsensus
	trans     *testTranslator
	gateway   *testGateway
	cfg       *config.Config
	engines   *engine_util.Engines
}

func (e *testEnv) close() {
	e.stm.Stop()
	e.engines.Destroy()
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	dir, err := ioutil.TempDir("", "rm_stm_test")
	require.Nil(t, err)
	cfg := config.NewTestConfig()
	cfg.DBPath = dir
	for _, m := range mutate {
		m(cfg)
	}
	db := engine_util.CreateDB("rm", cfg)
	engines := engine_util.NewEngines(db, dir)

	consensus := newTestConsensus()
	trans := &testTranslator{}
	gateway := &testGateway{}
	stm := NewSTM(cfg, 1, consensus, trans, gateway, testFeatures(true), engines)
	stm.SetMetricsRegisterer(nil)
	consensus.stm = stm
	gateway.stm = stm
	require.Nil(t, stm.Start())
	return &testEnv{
		stm:       stm,
		consensus: consensus,
		trans:     trans,
		gateway:   gateway,
		cfg:       cfg,
		engines:   engines,
	}
}

func dataBid(pid model.ProducerIdentity, firstSeq, lastSeq int32, transactional bool) model.BatchIdentity {
	return model.BatchIdentity{
		Pid:             pid,
		FirstSeq:        firstSeq,
		LastSeq:         lastSeq,
		RecordCount:     lastSeq - firstSeq + 1,
		IsTransactional: transactional,
	}
}

func dataBatch(bid model.BatchIdentity) model.RecordBatch {
	return model.RecordBatch{
		Type:     model.BatchData,
		Control:  model.ControlNone,
		Identity: bid,
	}
}
