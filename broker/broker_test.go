package broker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alma.local/covfuzz/broker"
	"alma.local/covfuzz/config"
	"alma.local/covfuzz/corpus"
	"alma.local/covfuzz/events"
	"alma.local/covfuzz/fuzzer"
	"alma.local/covfuzz/internal/engine"
	"alma.local/covfuzz/internal/targets"
	"alma.local/covfuzz/shmem"
	"alma.local/covfuzz/state"
)

type client struct {
	eng *engine.Engine
	st  *state.State
	mgr *events.Client
}

func channel(t *testing.T) *shmem.Channel {
	c, err := shmem.CreateChannel(shmem.NewName("test-chan"), 1<<16, shmem.Drop)
	require.NoError(t, err)
	t.Cleanup(func() { c.Remove() })
	return c
}

func newClient(t *testing.T, b *broker.Broker, id uint32) *client {
	cfg := config.Default()
	cfg.Engine.MapSize = 1 << 10
	cfg.Engine.SolutionsDir = ""
	cfg.Engine.Seed = 11
	eng, err := engine.New(cfg, engine.WithHarness(targets.Sentinel))
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	st, err := engine.NewState(cfg, id)
	require.NoError(t, err)

	out, in := channel(t), channel(t)
	require.NoError(t, b.Attach(id, out, in))
	return &client{eng: eng, st: st, mgr: events.NewClient(context.Background(), id, out, in)}
}

func (c *client) evaluate(t *testing.T, input string) fuzzer.Result {
	res, _, err := c.eng.Fuzzer.EvaluateInput(context.Background(), c.eng.Executor, c.st, c.mgr, []byte(input), corpus.Seed())
	require.NoError(t, err)
	return res
}

func (c *client) process(t *testing.T) int {
	n, err := c.mgr.Process(context.Background(), c.eng.Fuzzer, c.st, c.eng.Executor)
	require.NoError(t, err)
	return n
}

func TestTwoClientsShareFindings(t *testing.T) {
	b := broker.New(nil)
	a, c := newClient(t, b, 0), newClient(t, b, 1)

	require.Equal(t, fuzzer.ResultCorpus, a.evaluate(t, "a"))
	require.Equal(t, fuzzer.ResultCorpus, c.evaluate(t, "x"))
	_, err := b.PollOnce()
	require.NoError(t, err)

	// "x" only covers an edge client 0 already has
	assert.Equal(t, 0, a.process(t))
	assert.False(t, a.st.Corpus.Contains([]byte("x")))
	assert.Equal(t, 1, c.process(t))
	assert.True(t, c.st.Corpus.Contains([]byte("a")))

	tc, err := c.st.Corpus.Get(1)
	require.NoError(t, err)
	assert.Equal(t, corpus.ImportedFrom(0), tc.Origin)

	// the import did not execute the target
	assert.Equal(t, uint64(1), c.st.Executions)

	// client 1 now knows edge 1 and rejects a local rediscovery of it
	assert.Equal(t, fuzzer.ResultNone, c.evaluate(t, "ay"))

	assert.Equal(t, uint64(1), b.Stats().Client(0).CorpusSize)
	assert.Equal(t, uint64(1), b.Stats().Client(1).CorpusSize)
}

func TestObjectivesAreCountedNotImported(t *testing.T) {
	b := broker.New(nil)
	a, c := newClient(t, b, 0), newClient(t, b, 1)

	require.Equal(t, fuzzer.ResultSolution, a.evaluate(t, "abc"))
	_, err := b.PollOnce()
	require.NoError(t, err)
	assert.Zero(t, c.process(t))
	assert.Zero(t, c.st.Solutions.Count())
	assert.Equal(t, uint64(1), b.Stats().TotalObjectives())
}

func TestRunBroadcastsStop(t *testing.T) {
	b := broker.New(nil, broker.WithPollInterval(time.Millisecond))
	a, c := newClient(t, b, 0), newClient(t, b, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, nil) }()
	cancel()
	require.NoError(t, <-done)

	for _, cl := range []*client{a, c} {
		_, err := cl.mgr.Process(context.Background(), cl.eng.Fuzzer, cl.st, cl.eng.Executor)
		assert.ErrorIs(t, err, fuzzer.ErrShuttingDown)
	}
}

func TestAttachTwice(t *testing.T) {
	b := broker.New(nil)
	newClient(t, b, 3)
	assert.Error(t, b.Attach(3, channel(t), channel(t)))
}
