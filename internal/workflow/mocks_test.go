package workflow

import (
	"context"
	"sync"
	"time"

	"acf/internal/mutex"
	"acf/internal/types"
)

// scriptedBrain drives tests: ProcessFunc receives the call count (1-based)
// so scripts can behave differently per invocation. DecideFunc, when set,
// makes the brain a SupersedeDecider.
type scriptedBrain struct {
	mu         sync.Mutex
	calls      int
	ProcessFunc func(call int, ctx context.Context, tc *types.TurnContext) (*types.TurnResult, error)
	DecideFunc  func(ctx context.Context, turn types.LogicalTurn, pending []types.RawMessage) (types.SupersedeDecision, bool)
}

func (b *scriptedBrain) Process(ctx context.Context, tc *types.TurnContext) (*types.TurnResult, error) {
	b.mu.Lock()
	b.calls++
	call := b.calls
	b.mu.Unlock()

	if b.ProcessFunc != nil {
		return b.ProcessFunc(call, ctx, tc)
	}
	return &types.TurnResult{Response: "ok"}, nil
}

func (b *scriptedBrain) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// deciderBrain adds the optional supersede capability.
type deciderBrain struct {
	scriptedBrain
}

func (b *deciderBrain) DecideSupersede(ctx context.Context, turn types.LogicalTurn, pending []types.RawMessage) (types.SupersedeDecision, bool) {
	if b.DecideFunc != nil {
		return b.DecideFunc(ctx, turn, pending)
	}
	return types.SupersedeDecision{}, false
}

// collectorListener records routed events for assertions.
type collectorListener struct {
	mu  sync.Mutex
	got []types.Event
}

func (c *collectorListener) Name() string { return "collector" }

func (c *collectorListener) Handle(_ context.Context, ev types.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, ev)
	return nil
}

func (c *collectorListener) typesSeen() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.got))
	for _, ev := range c.got {
		out = append(out, ev.Type)
	}
	return out
}

// flakyExtendMutex hands out leases whose renewal always fails, simulating
// a lock backend that lost the lease server-side.
type flakyExtendMutex struct {
	inner *mutex.Memory
}

func (f *flakyExtendMutex) Acquire(ctx context.Context, key string, lease, wait time.Duration) (mutex.Lease, bool, error) {
	l, ok, err := f.inner.Acquire(ctx, key, lease, wait)
	if !ok || err != nil {
		return nil, ok, err
	}
	return &failingExtendLease{Lease: l}, true, nil
}

type failingExtendLease struct {
	mutex.Lease
}

func (l *failingExtendLease) Extend(ctx context.Context, lease time.Duration) (bool, error) {
	return false, nil
}

// scriptedLease fails the next n Extend calls, then succeeds.
type scriptedLease struct {
	mu       sync.Mutex
	failures int
}

func (l *scriptedLease) Key() string { return "t1:a1:u1:web" }

func (l *scriptedLease) Extend(ctx context.Context, lease time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failures > 0 {
		l.failures--
		return false, nil
	}
	return true, nil
}

func (l *scriptedLease) Release(ctx context.Context) error { return nil }
