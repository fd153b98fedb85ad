// Package workflow implements the durable four-step turn state machine:
// acquire_mutex, accumulate, run_turn, commit_and_respond. Each step is
// independently retryable and its output is persisted before the next step
// starts, so a crash mid-execution resumes from the last completed step.
// The session mutex acquired in step 1 is held across steps 2-4 and
// released exactly once on every exit path.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"acf/internal/config"
	"acf/internal/events"
	"acf/internal/idempotency"
	"acf/internal/logging"
	"acf/internal/mutex"
	"acf/internal/store"
	"acf/internal/supersede"
	"acf/internal/turn"
	"acf/internal/types"
)

// Step names one durable step.
type Step string

const (
	StepAcquireMutex Step = "acquire_mutex"
	StepAccumulate   Step = "accumulate"
	StepRunTurn      Step = "run_turn"
	StepCommit       Step = "commit_and_respond"
)

// Orchestrator drives turns for any number of sessions concurrently.
// Cross-worker coordination happens only through the mutex and the
// idempotency cache; per-session state is mutated by exactly one worker at
// a time.
type Orchestrator struct {
	cfg    config.Config
	mtx    mutex.Mutex
	acc    *turn.Accumulator
	coord  *supersede.Coordinator
	cache  *idempotency.Cache
	store  *store.Store
	router *events.Router
	brain  types.Brain

	clock func() time.Time
}

// New wires an orchestrator. All collaborators are required.
func New(
	cfg config.Config,
	mtx mutex.Mutex,
	acc *turn.Accumulator,
	coord *supersede.Coordinator,
	cache *idempotency.Cache,
	st *store.Store,
	router *events.Router,
	brain types.Brain,
) *Orchestrator {
	return &Orchestrator{
		cfg:    cfg,
		mtx:    mtx,
		acc:    acc,
		coord:  coord,
		cache:  cache,
		store:  st,
		router: router,
		brain:  brain,
		clock:  func() time.Time { return time.Now().UTC() },
	}
}

// SessionKeyFor derives the concurrency boundary from an inbound message.
func SessionKeyFor(msg types.RawMessage) types.SessionKey {
	return types.SessionKey{
		Tenant:       msg.Tenant,
		Agent:        msg.Agent,
		Interlocutor: msg.Sender,
		Channel:      msg.Channel,
	}
}

// Submit is the ingress entry point: it buffers the message and runs the
// session until its pending work drains. requestToken, when non-empty, is
// the client-supplied idempotency token; a retried submission with the same
// token returns the recorded result without creating a duplicate turn.
func (o *Orchestrator) Submit(ctx context.Context, msg types.RawMessage, requestToken string) (*types.TurnResult, error) {
	key := SessionKeyFor(msg)

	if requestToken == "" {
		return o.submit(ctx, key, msg)
	}

	reqKey := idempotency.RequestKey(msg.Tenant, requestToken)
	v, cached, err := o.cache.Do(idempotency.LayerRequest, reqKey, func() (any, error) {
		return o.submit(ctx, key, msg)
	})
	if err != nil {
		return nil, err
	}
	result, ok := v.(*types.TurnResult)
	if !ok {
		return nil, fmt.Errorf("request cache held unexpected %T", v)
	}
	if cached {
		logging.Workflow("request %s deduplicated at REQUEST layer", reqKey)
	}
	return result, nil
}

func (o *Orchestrator) submit(ctx context.Context, key types.SessionKey, msg types.RawMessage) (*types.TurnResult, error) {
	o.acc.Enqueue(key, msg)
	return o.RunSession(ctx, key)
}

// RunSession processes turns for one session until no pending messages
// remain, returning the last turn's result. A busy session returns ErrBusy
// with the message still buffered; it forms the next turn once the running
// worker releases the mutex.
func (o *Orchestrator) RunSession(ctx context.Context, key types.SessionKey) (*types.TurnResult, error) {
	var last *types.TurnResult
	for {
		result, err := o.runOneTurn(ctx, key)
		if err != nil {
			return last, err
		}
		last = result
		if !o.acc.HasPending(key) {
			return last, nil
		}
		logging.Workflow("session %s still has pending messages; starting next turn", key)
	}
}

// runOneTurn executes the four-step state machine for one logical turn.
func (o *Orchestrator) runOneTurn(ctx context.Context, key types.SessionKey) (*types.TurnResult, error) {
	leaseDur := o.cfg.Mutex.LeaseDuration.Std()

	// Step 1: acquire_mutex.
	var lease mutex.Lease
	err := o.runStep(ctx, StepAcquireMutex, func(ctx context.Context) error {
		l, ok, err := o.mtx.Acquire(ctx, key.String(), leaseDur, o.cfg.Mutex.WaitTimeout.Std())
		if err != nil {
			return fmt.Errorf("acquire: %w", err)
		}
		if !ok {
			return ErrBusy
		}
		lease = l
		return nil
	})
	if err != nil {
		return nil, err
	}

	// The only mandatory cleanup in the system: the lock is released
	// exactly once, on success in commit_and_respond or here for any
	// unhandled error or panic in any step.
	var releaseOnce sync.Once
	release := func() {
		releaseOnce.Do(func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				logging.WorkflowError("release %s: %v", key, err)
			}
		})
	}
	defer release()

	if created, err := o.store.EnsureSession(ctx, key); err != nil {
		return nil, fmt.Errorf("ensure session: %w", err)
	} else if created {
		o.router.Emit(ctx, types.Event{
			Type:       types.EventSessionCreated,
			SessionKey: key.String(),
			Tenant:     key.Tenant,
			Agent:      key.Agent,
			Timestamp:  o.clock(),
		})
	}

	// The turn context and keepalive close over live handles; everything
	// below must treat turnCtx cancellation as lease loss.
	turnCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stopKeepalive := o.keepLeaseAlive(turnCtx, key, lease, cancel)
	defer stopKeepalive()

	// Step 2: accumulate, or resume a checkpointed turn.
	t, resumed, err := o.accumulateOrResume(turnCtx, key)
	if err != nil {
		return nil, o.causeOrErr(turnCtx, err)
	}
	if t == nil {
		// The buffered messages were claimed by another worker's superseding
		// turn while this worker waited on the mutex. That turn already
		// answered them; producing a second turn here would double-respond.
		logging.Workflow("window for %s closed empty; messages were claimed by another turn", key)
		release()
		return nil, nil
	}
	if resumed {
		logging.Workflow("resumed turn %s from checkpoint", t.ID)
	}

	// The pending fact must not outlive the turn, whichever way it ends.
	defer func() { o.coord.Resolve(t.ID) }()

	// TURN-layer guard: the same accumulated turn is never processed twice.
	if result, ok := o.cachedTurnResult(t); ok {
		logging.Workflow("turn %s deduplicated at TURN layer", t.ID)
		release()
		return result, nil
	}

	// Step 3: run_turn, including the supersede loop.
	var result *types.TurnResult
	err = o.runStep(turnCtx, StepRunTurn, func(ctx context.Context) error {
		r, err := o.processTurn(ctx, &t)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, o.causeOrErr(turnCtx, err)
	}

	// Step 4: commit_and_respond.
	err = o.runStep(turnCtx, StepCommit, func(ctx context.Context) error {
		return o.commit(ctx, t, result)
	})
	if err != nil {
		return nil, o.causeOrErr(turnCtx, err)
	}

	release()
	return result, nil
}

// accumulateOrResume returns the turn to process: a checkpointed turn left
// by a crashed worker, or a fresh one accumulated from the inbox. The
// accumulated turn is persisted before the function returns so run_turn
// never starts without a durable record. A nil turn with nil error means
// the window closed empty and there is nothing to process.
func (o *Orchestrator) accumulateOrResume(ctx context.Context, key types.SessionKey) (*types.LogicalTurn, bool, error) {
	if cp, step, err := o.store.LoadCheckpoint(ctx, key); err == nil {
		logging.Workflow("found checkpoint for %s at step %s (turn %s)", key, step, cp.ID)
		return cp, true, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	t := turn.NewLogicalTurn(key, "")
	err := o.runStep(ctx, StepAccumulate, func(ctx context.Context) error {
		if err := o.acc.Accumulate(ctx, key, t); err != nil {
			return err
		}
		if len(t.Messages) == 0 {
			// Nothing to persist: the buffer was drained by another turn
			// while the window was open.
			return nil
		}
		if err := o.store.SaveTurn(ctx, t); err != nil {
			return err
		}
		return o.store.SaveCheckpoint(ctx, t, string(StepAccumulate))
	})
	if err != nil {
		return nil, false, err
	}
	if len(t.Messages) == 0 {
		return nil, false, nil
	}
	return t, false, nil
}

func (o *Orchestrator) cachedTurnResult(t *types.LogicalTurn) (*types.TurnResult, bool) {
	key := idempotency.TurnKey(t.Key.Tenant, t.Key, t.MessageIDs())
	v, found := o.cache.Get(idempotency.LayerTurn, key)
	if !found {
		return nil, false
	}
	result, ok := v.(*types.TurnResult)
	return result, ok
}

// processTurn invokes the reasoning component and reconciles messages that
// arrived mid-flight, looping when a decision restarts or extends the turn.
// tp is replaced when a SUPERSEDE or ABSORB(RESTART) mints a successor.
func (o *Orchestrator) processTurn(ctx context.Context, tp **types.LogicalTurn) (*types.TurnResult, error) {
	for {
		t := *tp
		t.Status = types.TurnProcessing
		if err := o.store.SaveTurn(ctx, t); err != nil {
			return nil, err
		}
		o.fillAndEmit(types.Event{
			Type:    types.EventTurnStarted,
			Payload: map[string]any{"message_count": len(t.Messages), "turn_group_id": t.TurnGroupID},
		}, t)

		tracker := turn.NewCommitPointTracker(t, o.cfg.Workflow.TreatCompensatableAsCommit, func(ev types.Event) {
			o.fillAndEmit(ev, t)
		})
		tc := o.buildTurnContext(t, tracker)

		result, err := o.brain.Process(ctx, tc)
		if err != nil {
			return nil, &ReasoningFailure{TurnID: t.ID, Err: err}
		}
		if result == nil {
			result = &types.TurnResult{}
		}
		result.TurnID = t.ID

		if !o.coord.HasPendingMessages(ctx, t.Key, t.ID) {
			return result, nil
		}

		decision := o.decide(ctx, t)
		outcome, err := o.coord.Apply(ctx, decision, t)
		if err != nil {
			return nil, err
		}

		switch {
		case outcome.Next != nil:
			// The superseded turn's terminal status and its successor are
			// persisted before the brain runs again.
			if err := o.store.SaveTurn(ctx, t); err != nil {
				return nil, err
			}
			if err := o.store.DeleteCheckpoint(ctx, t.ID); err != nil {
				return nil, err
			}
			next := outcome.Next
			if err := o.store.SaveTurn(ctx, next); err != nil {
				return nil, err
			}
			if err := o.store.SaveCheckpoint(ctx, next, string(StepAccumulate)); err != nil {
				return nil, err
			}
			*tp = next

		case outcome.Absorbed:
			// Same turn, larger message set; re-checkpoint and re-invoke
			// without discarding completed work.
			if err := o.store.SaveTurn(ctx, t); err != nil {
				return nil, err
			}
			if err := o.store.SaveCheckpoint(ctx, t, string(StepAccumulate)); err != nil {
				return nil, err
			}

		default:
			// QUEUE or FORCE_COMPLETE: finish this turn as-is; pending
			// messages form the next turn after release.
			return result, nil
		}
	}
}

// decide asks the brain when it can decide supersede, otherwise applies the
// conservative default policy.
func (o *Orchestrator) decide(ctx context.Context, t *types.LogicalTurn) types.SupersedeDecision {
	if decider, ok := o.brain.(types.SupersedeDecider); ok {
		if decision, decided := decider.DecideSupersede(ctx, t.Snapshot(), o.acc.PeekPending(t.Key)); decided {
			logging.Supersede("brain decided %s for turn %s: %s", decision.Action, t.ID, decision.Reason)
			return decision
		}
	}
	decision := supersede.DefaultPolicy(t.Snapshot())
	logging.Supersede("default policy decided %s for turn %s", decision.Action, t.ID)
	return decision
}

// commit persists the finished turn, records the TURN-layer result, and
// hands the follow-up hint to the accumulator. Nothing before this step
// persists results, so a reasoning failure leaves no partial commit.
func (o *Orchestrator) commit(ctx context.Context, t *types.LogicalTurn, result *types.TurnResult) error {
	t.Status = types.TurnCommitting
	if err := o.store.SaveTurn(ctx, t); err != nil {
		return err
	}

	t.Status = types.TurnComplete
	t.CompletedAt = o.clock()
	if err := o.store.SaveTurn(ctx, t); err != nil {
		return err
	}

	o.cache.Set(idempotency.LayerTurn, idempotency.TurnKey(t.Key.Tenant, t.Key, t.MessageIDs()), result)

	if err := o.store.DeleteCheckpoint(ctx, t.ID); err != nil {
		logging.WorkflowError("delete checkpoint for %s: %v", t.ID, err)
	}
	o.coord.Resolve(t.ID)

	if result.FollowUpHint > 0 {
		o.acc.SetHint(t.Key, result.FollowUpHint)
	}

	o.fillAndEmit(types.Event{
		Type: types.EventTurnCompleted,
		Payload: map[string]any{
			"aggregation_reason":   string(t.AggregationReason),
			"commit_point_reached": t.CommitPointReached,
			"side_effects":         len(t.SideEffects),
		},
	}, t)
	return nil
}

// runStep runs one durable step with the configured retry budget and
// exponential backoff. Non-retryable errors (busy, lease lost, reasoning
// failure, non-retryable action errors) fail immediately.
func (o *Orchestrator) runStep(ctx context.Context, step Step, fn func(context.Context) error) error {
	backoff := o.cfg.Workflow.RetryBackoff.Std()
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			if attempt > 0 {
				logging.Workflow("step %s succeeded on retry %d", step, attempt)
			}
			return nil
		}
		if !retryable(err) || attempt >= o.cfg.Workflow.StepRetries {
			break
		}
		logging.Workflow("step %s attempt %d failed: %v; retrying", step, attempt+1, err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("step %s: %w", step, context.Cause(ctx))
		case <-time.After(backoff << attempt):
		}
	}
	if !errors.Is(err, ErrBusy) {
		logging.WorkflowError("step %s failed: %v", step, err)
	}
	return fmt.Errorf("step %s: %w", step, err)
}

// causeOrErr surfaces ErrLeaseLost when the turn context was cancelled by
// the keepalive rather than by the caller.
func (o *Orchestrator) causeOrErr(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); errors.Is(cause, ErrLeaseLost) {
		return ErrLeaseLost
	}
	return err
}

// keepLeaseAlive renews the session lease periodically while a turn runs.
// Renewal failures are handled per the configured policy; when the policy
// gives up the turn context is cancelled with ErrLeaseLost.
func (o *Orchestrator) keepLeaseAlive(ctx context.Context, key types.SessionKey, lease mutex.Lease, cancel context.CancelCauseFunc) (stop func()) {
	interval := o.cfg.Mutex.LeaseDuration.Std() / 3
	if interval <= 0 {
		interval = time.Second
	}

	done := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if o.extendWithPolicy(ctx, lease) {
					continue
				}
				logging.WorkflowError("lease renewal for %s exhausted (%s); failing turn", key, o.cfg.Mutex.ExtendFailurePolicy)
				cancel(ErrLeaseLost)
				return
			}
		}
	}()

	return func() { once.Do(func() { close(done) }) }
}

func (o *Orchestrator) extendWithPolicy(ctx context.Context, lease mutex.Lease) bool {
	leaseDur := o.cfg.Mutex.LeaseDuration.Std()

	ok, err := lease.Extend(ctx, leaseDur)
	if ok && err == nil {
		return true
	}
	if o.cfg.Mutex.ExtendFailurePolicy == config.ExtendFailFast {
		return false
	}

	for i := 0; i < o.cfg.Mutex.ExtendRetries; i++ {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(50 * time.Millisecond):
		}
		if ok, err = lease.Extend(ctx, leaseDur); ok && err == nil {
			logging.Mutex("lease renewal recovered on retry %d", i+1)
			return true
		}
	}
	return false
}
