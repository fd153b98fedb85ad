package workflow

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"acf/internal/config"
	"acf/internal/events"
	"acf/internal/idempotency"
	"acf/internal/mutex"
	"acf/internal/store"
	"acf/internal/supersede"
	"acf/internal/turn"
	"acf/internal/types"
)

// testCfg shrinks every window and timeout so a full turn runs in tens of
// milliseconds.
func testCfg(t *testing.T) config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Mutex.LeaseDuration = config.Duration(time.Second)
	cfg.Mutex.WaitTimeout = config.Duration(100 * time.Millisecond)
	cfg.Accumulation.ChannelWindows = map[string]config.Duration{
		"web": config.Duration(30 * time.Millisecond),
	}
	cfg.Accumulation.DefaultWindow = config.Duration(30 * time.Millisecond)
	cfg.Accumulation.MinWindow = config.Duration(10 * time.Millisecond)
	cfg.Accumulation.MaxWindow = config.Duration(250 * time.Millisecond)
	cfg.Workflow.StepRetries = 1
	cfg.Workflow.RetryBackoff = config.Duration(10 * time.Millisecond)
	cfg.Store.DSN = filepath.Join(t.TempDir(), "acf.db")
	return cfg
}

type rig struct {
	cfg    config.Config
	orch   *Orchestrator
	acc    *turn.Accumulator
	coord  *supersede.Coordinator
	mtx    *mutex.Memory
	st     *store.Store
	events *collectorListener
}

func newRig(t *testing.T, brain types.Brain, mutate ...func(*config.Config)) *rig {
	t.Helper()
	cfg := testCfg(t)
	for _, m := range mutate {
		m(&cfg)
	}
	mtx := mutex.NewMemory(nil)
	return buildRig(t, cfg, brain, mtx, mtx)
}

func buildRig(t *testing.T, cfg config.Config, brain types.Brain, mtx mutex.Mutex, mem *mutex.Memory) *rig {
	t.Helper()

	st, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
	require.NoError(t, err)

	router := events.NewRouter()
	collector := &collectorListener{}
	router.Subscribe("*", collector)

	acc := turn.NewAccumulator(cfg.Accumulation)
	coord := supersede.NewCoordinator(acc, func(ev types.Event) {
		router.Emit(context.Background(), ev)
	})
	cache := idempotency.New(cfg.Idempotency)

	return &rig{
		cfg:    cfg,
		orch:   New(cfg, mtx, acc, coord, cache, st, router, brain),
		acc:    acc,
		coord:  coord,
		mtx:    mem,
		st:     st,
		events: collector,
	}
}

func webMsg(id, content string) types.RawMessage {
	return types.RawMessage{
		ID:         id,
		Content:    content,
		Channel:    "web",
		Sender:     "u1",
		Tenant:     "t1",
		Agent:      "a1",
		ReceivedAt: time.Now().UTC(),
	}
}

func turnsByStatus(t *testing.T, r *rig, key types.SessionKey, status types.TurnStatus) []*types.LogicalTurn {
	t.Helper()
	all, err := r.st.ListTurns(context.Background(), key)
	require.NoError(t, err)
	var out []*types.LogicalTurn
	for _, lt := range all {
		if lt.Status == status {
			out = append(out, lt)
		}
	}
	return out
}

func TestSubmitCompletesTurn(t *testing.T) {
	brain := &scriptedBrain{
		ProcessFunc: func(call int, ctx context.Context, tc *types.TurnContext) (*types.TurnResult, error) {
			return &types.TurnResult{Response: "done", FollowUpHint: 2 * time.Second}, nil
		},
	}
	r := newRig(t, brain)
	ctx := context.Background()

	msg := webMsg("m1", "Please check my order status.")
	key := SessionKeyFor(msg)

	result, err := r.orch.Submit(ctx, msg, "")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "done", result.Response)
	assert.NotEmpty(t, result.TurnID)

	stored, err := r.st.GetTurn(ctx, result.TurnID)
	require.NoError(t, err)
	assert.Equal(t, types.TurnComplete, stored.Status)
	assert.Equal(t, []string{"m1"}, stored.MessageIDs())
	assert.False(t, stored.CompletedAt.IsZero())

	// The checkpoint is gone, the lock is free, and the follow-up hint is
	// staged for the next window.
	_, _, err = r.st.LoadCheckpoint(ctx, key)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.False(t, r.mtx.Held(key.String()))
	assert.Equal(t, 2*time.Second, r.acc.Hint(key))

	seen := r.events.typesSeen()
	assert.Contains(t, seen, types.EventSessionCreated)
	assert.Contains(t, seen, types.EventTurnStarted)
	assert.Contains(t, seen, types.EventTurnCompleted)
}

func TestBusySessionKeepsMessageBuffered(t *testing.T) {
	r := newRig(t, &scriptedBrain{})
	ctx := context.Background()

	msg := webMsg("m1", "Hello there.")
	key := SessionKeyFor(msg)

	lease, ok, err := r.mtx.Acquire(ctx, key.String(), time.Second, 0)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = r.orch.Submit(ctx, msg, "")
	assert.ErrorIs(t, err, ErrBusy)
	assert.True(t, r.acc.HasPending(key), "rejected submission stays buffered")

	// Once the holder releases, the buffered message forms the next turn.
	require.NoError(t, lease.Release(ctx))
	result, err := r.orch.RunSession(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, result)

	stored, err := r.st.GetTurn(ctx, result.TurnID)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, stored.MessageIDs())
}

func TestMidTurnMessageSupersedesCleanTurn(t *testing.T) {
	var r *rig
	msg2 := webMsg("m2", "Actually, cancel that.")

	brain := &scriptedBrain{
		ProcessFunc: func(call int, ctx context.Context, tc *types.TurnContext) (*types.TurnResult, error) {
			if call == 1 {
				r.acc.Enqueue(SessionKeyFor(msg2), msg2)
				require.True(t, tc.HasPendingMessages(ctx))
				return &types.TurnResult{Response: "first"}, nil
			}
			return &types.TurnResult{Response: "merged"}, nil
		},
	}
	r = newRig(t, brain)
	ctx := context.Background()

	msg1 := webMsg("m1", "Book me a flight to Lisbon.")
	key := SessionKeyFor(msg1)

	result, err := r.orch.Submit(ctx, msg1, "")
	require.NoError(t, err)
	assert.Equal(t, "merged", result.Response)
	assert.Equal(t, 2, brain.Calls())

	superseded := turnsByStatus(t, r, key, types.TurnSuperseded)
	complete := turnsByStatus(t, r, key, types.TurnComplete)
	require.Len(t, superseded, 1)
	require.Len(t, complete, 1)

	assert.Equal(t, []string{"m1"}, superseded[0].MessageIDs())
	assert.Equal(t, []string{"m1", "m2"}, complete[0].MessageIDs())
	assert.Equal(t, superseded[0].TurnGroupID, complete[0].TurnGroupID,
		"supersede chain shares one turn group")
	assert.Equal(t, complete[0].ID, result.TurnID)

	assert.Contains(t, r.events.typesSeen(), types.EventTurnSuperseded)
}

// Two workers race: A holds the mutex mid-turn, B's submission lands in the
// buffer and is claimed by A's superseding turn. B must come away empty:
// no brain call, no persisted turn, no second response for one message.
func TestStolenPendingProducesNoEmptyTurn(t *testing.T) {
	var r *rig
	entered := make(chan struct{})
	proceed := make(chan struct{})

	brain := &scriptedBrain{
		ProcessFunc: func(call int, ctx context.Context, tc *types.TurnContext) (*types.TurnResult, error) {
			if call == 1 {
				close(entered)
				<-proceed
				return &types.TurnResult{Response: "first"}, nil
			}
			return &types.TurnResult{Response: "merged"}, nil
		},
	}
	r = newRig(t, brain, func(c *config.Config) {
		c.Mutex.WaitTimeout = config.Duration(2 * time.Second)
	})
	ctx := context.Background()

	msg1 := webMsg("m1", "Book me a flight to Lisbon.")
	msg2 := webMsg("m2", "Actually, make it Porto.")
	key := SessionKeyFor(msg1)

	resA := make(chan *types.TurnResult, 1)
	go func() {
		res, err := r.orch.Submit(ctx, msg1, "")
		assert.NoError(t, err)
		resA <- res
	}()

	<-entered

	resB := make(chan *types.TurnResult, 1)
	errB := make(chan error, 1)
	go func() {
		res, err := r.orch.Submit(ctx, msg2, "")
		resB <- res
		errB <- err
	}()

	// B's message is buffered and B is parked on the mutex; let A's turn
	// observe it and supersede.
	require.Eventually(t, func() bool { return r.acc.HasPending(key) },
		time.Second, 5*time.Millisecond)
	close(proceed)

	a := <-resA
	require.NotNil(t, a)
	assert.Equal(t, "merged", a.Response)

	b := <-resB
	require.NoError(t, <-errB)
	assert.Nil(t, b, "the merged turn already answered worker B's message")

	assert.Equal(t, 2, brain.Calls(), "an empty window must not reach the brain")

	superseded := turnsByStatus(t, r, key, types.TurnSuperseded)
	complete := turnsByStatus(t, r, key, types.TurnComplete)
	require.Len(t, superseded, 1)
	require.Len(t, complete, 1, "no phantom turn alongside the merged one")
	assert.Equal(t, []string{"m1", "m2"}, complete[0].MessageIDs())
	assert.False(t, r.mtx.Held(key.String()))
}

func TestFailedTurnClearsPendingFact(t *testing.T) {
	var r *rig
	var failedTurnID string
	msg2 := webMsg("m2", "And another thing.")

	brain := &scriptedBrain{
		ProcessFunc: func(call int, ctx context.Context, tc *types.TurnContext) (*types.TurnResult, error) {
			failedTurnID = tc.Turn.ID
			r.acc.Enqueue(SessionKeyFor(msg2), msg2)
			if !tc.HasPendingMessages(ctx) {
				return nil, errors.New("pending message not observed")
			}
			return nil, errors.New("model unavailable")
		},
	}
	r = newRig(t, brain)
	ctx := context.Background()

	msg1 := webMsg("m1", "Summarize my inbox.")
	key := SessionKeyFor(msg1)

	_, err := r.orch.Submit(ctx, msg1, "")
	require.Error(t, err)
	var rf *ReasoningFailure
	assert.ErrorAs(t, err, &rf)
	assert.False(t, r.mtx.Held(key.String()))

	// The fact for the dead turn must not linger once its buffer drains.
	r.acc.TakePending(key)
	assert.False(t, r.coord.HasPendingMessages(ctx, key, failedTurnID))
}

func TestRetriedSubmitDoesNotDoubleBuffer(t *testing.T) {
	r := newRig(t, &scriptedBrain{})
	ctx := context.Background()

	msg := webMsg("m1", "Hello there.")
	key := SessionKeyFor(msg)

	lease, ok, err := r.mtx.Acquire(ctx, key.String(), time.Second, 0)
	require.NoError(t, err)
	require.True(t, ok)

	// The first attempt fails busy; the client retries with the same token.
	_, err = r.orch.Submit(ctx, msg, "tok-busy")
	assert.ErrorIs(t, err, ErrBusy)
	_, err = r.orch.Submit(ctx, msg, "tok-busy")
	assert.ErrorIs(t, err, ErrBusy)

	assert.Len(t, r.acc.PeekPending(key), 1, "the retry must not buffer the message twice")

	require.NoError(t, lease.Release(ctx))
	result, err := r.orch.RunSession(ctx, key)
	require.NoError(t, err)

	stored, err := r.st.GetTurn(ctx, result.TurnID)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, stored.MessageIDs())
}

func TestCommittedTurnQueuesMidTurnMessages(t *testing.T) {
	var r *rig
	msg2 := webMsg("m2", "One more thing please.")

	brain := &scriptedBrain{
		ProcessFunc: func(call int, ctx context.Context, tc *types.TurnContext) (*types.TurnResult, error) {
			if call == 1 {
				tc.RecordSideEffect(types.SideEffect{
					Action:      "charge",
					BusinessKey: "order-7",
					Class:       types.EffectIrreversible,
					ExecutedAt:  time.Now().UTC(),
				})
				r.acc.Enqueue(SessionKeyFor(msg2), msg2)
				return &types.TurnResult{Response: "charged"}, nil
			}
			return &types.TurnResult{Response: "followup"}, nil
		},
	}
	r = newRig(t, brain)
	ctx := context.Background()

	msg1 := webMsg("m1", "Charge my card for order 7.")
	key := SessionKeyFor(msg1)

	// RunSession drains: the committed turn finishes as-is, then the queued
	// message forms a second turn.
	result, err := r.orch.Submit(ctx, msg1, "")
	require.NoError(t, err)
	assert.Equal(t, "followup", result.Response)
	assert.Equal(t, 2, brain.Calls())

	complete := turnsByStatus(t, r, key, types.TurnComplete)
	require.Len(t, complete, 2)

	first, second := complete[0], complete[1]
	assert.Equal(t, []string{"m1"}, first.MessageIDs())
	assert.True(t, first.CommitPointReached)
	assert.Equal(t, []string{"m2"}, second.MessageIDs())
	assert.False(t, second.CommitPointReached)
	assert.NotEqual(t, first.TurnGroupID, second.TurnGroupID,
		"queued messages start a fresh turn group")

	assert.Contains(t, r.events.typesSeen(), types.EventCommitReached)
}

func TestRequestTokenDeduplicates(t *testing.T) {
	brain := &scriptedBrain{}
	r := newRig(t, brain)
	ctx := context.Background()

	msg := webMsg("m1", "Send the invoice again.")

	first, err := r.orch.Submit(ctx, msg, "tok-1")
	require.NoError(t, err)

	// A client retry with the same token returns the recorded result
	// without buffering the message or invoking the brain again.
	second, err := r.orch.Submit(ctx, msg, "tok-1")
	require.NoError(t, err)

	assert.Equal(t, first.TurnID, second.TurnID)
	assert.Equal(t, 1, brain.Calls())
	assert.False(t, r.acc.HasPending(SessionKeyFor(msg)))

	// A different token is a new request.
	third, err := r.orch.Submit(ctx, webMsg("m3", "Send the invoice again."), "tok-2")
	require.NoError(t, err)
	assert.NotEqual(t, first.TurnID, third.TurnID)
	assert.Equal(t, 2, brain.Calls())
}

func TestResumesFromCheckpoint(t *testing.T) {
	var sawIDs []string
	brain := &scriptedBrain{
		ProcessFunc: func(call int, ctx context.Context, tc *types.TurnContext) (*types.TurnResult, error) {
			sawIDs = tc.Turn.MessageIDs()
			return &types.TurnResult{Response: "resumed"}, nil
		},
	}
	r := newRig(t, brain)
	ctx := context.Background()

	msg := webMsg("m1", "Where is my package?")
	key := SessionKeyFor(msg)

	// Simulate a worker that crashed after accumulate: the turn and its
	// checkpoint are durable, nothing is buffered.
	lt := turn.NewLogicalTurn(key, "")
	lt.Messages = []types.RawMessage{msg}
	require.NoError(t, r.st.SaveTurn(ctx, lt))
	require.NoError(t, r.st.SaveCheckpoint(ctx, lt, string(StepAccumulate)))

	result, err := r.orch.RunSession(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, lt.ID, result.TurnID, "resume continues the checkpointed turn")
	assert.Equal(t, []string{"m1"}, sawIDs)

	stored, err := r.st.GetTurn(ctx, lt.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TurnComplete, stored.Status)

	_, _, err = r.st.LoadCheckpoint(ctx, key)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLeaseLossFailsTurn(t *testing.T) {
	brain := &scriptedBrain{
		ProcessFunc: func(call int, ctx context.Context, tc *types.TurnContext) (*types.TurnResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	cfg := testCfg(t)
	cfg.Mutex.LeaseDuration = config.Duration(90 * time.Millisecond)
	cfg.Mutex.ExtendFailurePolicy = config.ExtendFailFast

	mem := mutex.NewMemory(nil)
	r := buildRig(t, cfg, brain, &flakyExtendMutex{inner: mem}, mem)
	ctx := context.Background()

	msg := webMsg("m1", "Summarize the whole archive.")
	key := SessionKeyFor(msg)

	_, err := r.orch.Submit(ctx, msg, "")
	assert.ErrorIs(t, err, ErrLeaseLost)

	// The failed turn still released its lock.
	assert.False(t, r.mtx.Held(key.String()))
}

func TestExtendPolicyRetryThenFail(t *testing.T) {
	cfg := testCfg(t)
	cfg.Mutex.ExtendFailurePolicy = config.ExtendRetryThenFail
	cfg.Mutex.ExtendRetries = 1
	o := &Orchestrator{cfg: cfg}
	ctx := context.Background()

	assert.True(t, o.extendWithPolicy(ctx, &scriptedLease{failures: 1}),
		"a single transient renewal failure recovers on retry")
	assert.False(t, o.extendWithPolicy(ctx, &scriptedLease{failures: 5}),
		"renewal gives up once the retry budget is spent")

	cfg.Mutex.ExtendFailurePolicy = config.ExtendFailFast
	o = &Orchestrator{cfg: cfg}
	assert.False(t, o.extendWithPolicy(ctx, &scriptedLease{failures: 1}))
}

func TestBrainDeciderAbsorbContinue(t *testing.T) {
	var r *rig
	var turnIDs []string
	msg2 := webMsg("m2", "Also add travel insurance.")

	brain := &deciderBrain{}
	brain.ProcessFunc = func(call int, ctx context.Context, tc *types.TurnContext) (*types.TurnResult, error) {
		turnIDs = append(turnIDs, tc.Turn.ID)
		if call == 1 {
			r.acc.Enqueue(SessionKeyFor(msg2), msg2)
			return &types.TurnResult{Response: "partial"}, nil
		}
		return &types.TurnResult{Response: "absorbed"}, nil
	}
	brain.DecideFunc = func(ctx context.Context, lt types.LogicalTurn, pending []types.RawMessage) (types.SupersedeDecision, bool) {
		return types.SupersedeDecision{
			Action:   types.ActionAbsorb,
			Strategy: types.AbsorbContinueWithAppended,
			Reason:   "same intent",
		}, true
	}
	r = newRig(t, brain)
	ctx := context.Background()

	msg1 := webMsg("m1", "Book me a flight to Lisbon.")
	key := SessionKeyFor(msg1)

	result, err := r.orch.Submit(ctx, msg1, "")
	require.NoError(t, err)
	assert.Equal(t, "absorbed", result.Response)

	// Continue keeps one turn: both invocations saw the same turn id and
	// only one record exists.
	require.Len(t, turnIDs, 2)
	assert.Equal(t, turnIDs[0], turnIDs[1])

	all, err := r.st.ListTurns(ctx, key)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, types.TurnComplete, all[0].Status)
	assert.Equal(t, []string{"m1", "m2"}, all[0].MessageIDs())

	assert.Contains(t, r.events.typesSeen(), types.EventTurnMessageAbsorbed)
}

func TestBrainDeciderForceComplete(t *testing.T) {
	var r *rig
	msg2 := webMsg("m2", "Unrelated new question.")

	brain := &deciderBrain{}
	brain.ProcessFunc = func(call int, ctx context.Context, tc *types.TurnContext) (*types.TurnResult, error) {
		if call == 1 {
			r.acc.Enqueue(SessionKeyFor(msg2), msg2)
			return &types.TurnResult{Response: "first"}, nil
		}
		return &types.TurnResult{Response: "second"}, nil
	}
	brain.DecideFunc = func(ctx context.Context, lt types.LogicalTurn, pending []types.RawMessage) (types.SupersedeDecision, bool) {
		return types.SupersedeDecision{Action: types.ActionForceComplete, Reason: "answer stands"}, true
	}
	r = newRig(t, brain)
	ctx := context.Background()

	msg1 := webMsg("m1", "What are your opening hours?")
	key := SessionKeyFor(msg1)

	result, err := r.orch.Submit(ctx, msg1, "")
	require.NoError(t, err)
	assert.Equal(t, "second", result.Response)

	complete := turnsByStatus(t, r, key, types.TurnComplete)
	require.Len(t, complete, 2)
	assert.Equal(t, []string{"m1"}, complete[0].MessageIDs())
	assert.Equal(t, []string{"m2"}, complete[1].MessageIDs())
	assert.NotEqual(t, complete[0].TurnGroupID, complete[1].TurnGroupID)
}
