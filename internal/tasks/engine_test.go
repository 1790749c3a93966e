package tasks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lithium-project/lithium/pkg/resilience"
)

// scriptedAction records call counts per node and can be told to fail a
// node's first N invocations before succeeding, to drive retry scenarios.
type scriptedAction struct {
	mu        sync.Mutex
	calls     map[string]int
	order     []string
	failUntil map[string]int
}

func newScriptedAction() *scriptedAction {
	return &scriptedAction{calls: map[string]int{}, failUntil: map[string]int{}}
}

func (s *scriptedAction) fn(ctx context.Context, node *Node) (Future, error) {
	s.mu.Lock()
	s.calls[node.ID]++
	n := s.calls[node.ID]
	s.order = append(s.order, node.ID)
	limit := s.failUntil[node.ID]
	s.mu.Unlock()

	if n <= limit {
		return Immediate(nil, errors.New("scripted failure")), nil
	}
	return Immediate("ok", nil), nil
}

func (s *scriptedAction) callCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

func (s *scriptedAction) callOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.order...)
}

func fastRetryConfig() resilience.RetryConfig {
	return resilience.RetryConfig{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
}

func drive(e *Engine, r *Run, maxTicks int) {
	for i := 0; i < maxTicks && r.Status() == RunRunning; i++ {
		e.Tick(r)
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSequentialGroupRunsChildrenInOrder(t *testing.T) {
	script := newScriptedAction()
	root := &Node{ID: "root", Kind: KindGroup, GroupMode: Sequential, Children: []*Node{
		{ID: "a", Kind: KindAction},
		{ID: "b", Kind: KindAction},
		{ID: "c", Kind: KindAction},
	}}
	e := NewEngine(script.fn, nil, fastRetryConfig(), nil)
	r := e.NewRun("run-1", root)
	drive(e, r, 60)

	if r.Status() != RunCompleted {
		t.Fatalf("expected RunCompleted, got %s", r.Status())
	}
	order := script.callOrder()
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("expected sequential order [a b c], got %v", order)
	}
}

func TestParallelGroupCompletesAllChildren(t *testing.T) {
	script := newScriptedAction()
	root := &Node{ID: "root", Kind: KindGroup, GroupMode: Parallel, Children: []*Node{
		{ID: "a", Kind: KindAction},
		{ID: "b", Kind: KindAction},
	}}
	e := NewEngine(script.fn, nil, fastRetryConfig(), nil)
	r := e.NewRun("run-1", root)
	drive(e, r, 60)

	if r.Status() != RunCompleted {
		t.Fatalf("expected RunCompleted, got %s", r.Status())
	}
	if script.callCount("a") != 1 || script.callCount("b") != 1 {
		t.Fatalf("expected both children called exactly once, got %v", script.calls)
	}
}

func TestLoopRepeatsUntilCountExhausted(t *testing.T) {
	script := newScriptedAction()
	count := 3
	root := &Node{ID: "root", Kind: KindLoop, LoopCount: &count, Children: []*Node{
		{ID: "body", Kind: KindAction},
	}}
	e := NewEngine(script.fn, nil, fastRetryConfig(), nil)
	r := e.NewRun("run-1", root)
	drive(e, r, 100)

	if r.Status() != RunCompleted {
		t.Fatalf("expected RunCompleted, got %s", r.Status())
	}
	if script.callCount("body") != 3 {
		t.Fatalf("expected body run 3 times, got %d", script.callCount("body"))
	}
}

func TestLoopConditionFalseSkipsBodyEntirely(t *testing.T) {
	script := newScriptedAction()
	root := &Node{ID: "root", Kind: KindLoop,
		LoopCondition: &Condition{Kind: "never"},
		Children:      []*Node{{ID: "body", Kind: KindAction}},
	}
	cond := func(ctx context.Context, c Condition) (bool, error) { return false, nil }
	e := NewEngine(script.fn, cond, fastRetryConfig(), nil)
	r := e.NewRun("run-1", root)
	drive(e, r, 30)

	if r.Status() != RunCompleted {
		t.Fatalf("expected RunCompleted, got %s", r.Status())
	}
	if script.callCount("body") != 0 {
		t.Fatalf("expected loop body never run, got %d calls", script.callCount("body"))
	}
}

func TestOptionalConditionSkipsNode(t *testing.T) {
	script := newScriptedAction()
	root := &Node{ID: "root", Kind: KindAction, Conditions: []Condition{{Kind: "gate"}}}
	cond := func(ctx context.Context, c Condition) (bool, error) { return false, nil }
	e := NewEngine(script.fn, cond, fastRetryConfig(), nil)
	r := e.NewRun("run-1", root)
	drive(e, r, 30)

	if r.Status() != RunCompleted {
		t.Fatalf("expected RunCompleted (skip is non-fatal), got %s", r.Status())
	}
	if script.callCount("root") != 0 {
		t.Fatalf("expected action never called, got %d", script.callCount("root"))
	}
}

func TestRequiredConditionFailsNode(t *testing.T) {
	script := newScriptedAction()
	root := &Node{ID: "root", Kind: KindAction, Conditions: []Condition{{Kind: "gate", Required: true}}}
	cond := func(ctx context.Context, c Condition) (bool, error) { return false, nil }
	e := NewEngine(script.fn, cond, fastRetryConfig(), nil)
	r := e.NewRun("run-1", root)
	drive(e, r, 30)

	if r.Status() != RunFailed {
		t.Fatalf("expected RunFailed, got %s", r.Status())
	}
}

func TestRetryThenSkipExhaustsAttemptsThenSkips(t *testing.T) {
	script := newScriptedAction()
	script.failUntil["root"] = 100 // always fails
	root := &Node{ID: "root", Kind: KindAction, ErrorBehavior: RetryThenSkip, AttemptLimit: 2}
	e := NewEngine(script.fn, nil, fastRetryConfig(), nil)
	r := e.NewRun("run-1", root)
	drive(e, r, 80)

	if r.Status() != RunCompleted {
		t.Fatalf("expected RunCompleted (skip is non-fatal to the run), got %s", r.Status())
	}
	if script.callCount("root") != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", script.callCount("root"))
	}
}

func TestRetrySucceedsWithinAttemptLimit(t *testing.T) {
	script := newScriptedAction()
	script.failUntil["root"] = 2 // fails attempts 1 and 2, succeeds on 3
	root := &Node{ID: "root", Kind: KindAction, ErrorBehavior: RetryThenStop, AttemptLimit: 3}
	e := NewEngine(script.fn, nil, fastRetryConfig(), nil)
	r := e.NewRun("run-1", root)
	drive(e, r, 80)

	if r.Status() != RunCompleted {
		t.Fatalf("expected RunCompleted, got %s", r.Status())
	}
	if script.callCount("root") != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", script.callCount("root"))
	}
}

func TestOnErrorTriggerFiresBeforeFailing(t *testing.T) {
	script := newScriptedAction()
	script.failUntil["main"] = 100
	root := &Node{
		ID: "main", Kind: KindAction, ErrorBehavior: StopRun, AttemptLimit: 1,
		Triggers: map[TriggerKind]*Node{OnError: {ID: "cleanup", Kind: KindAction}},
	}
	e := NewEngine(script.fn, nil, fastRetryConfig(), nil)
	r := e.NewRun("run-1", root)

	var events []ProgressEvent
	r.Subscribe(func(ev ProgressEvent) { events = append(events, ev) })
	drive(e, r, 60)

	if r.Status() != RunFailed {
		t.Fatalf("expected RunFailed, got %s", r.Status())
	}
	if script.callCount("cleanup") != 1 {
		t.Fatalf("expected cleanup trigger called once, got %d", script.callCount("cleanup"))
	}
	sawFailed := false
	for _, ev := range events {
		if ev.Kind == StepFailed && ev.NodeID == "main" {
			sawFailed = true
		}
	}
	if !sawFailed {
		t.Fatalf("expected a step-failed event for main, got %v", events)
	}
}

func TestCancelBypassesRetryAndUnwinds(t *testing.T) {
	script := newScriptedAction()
	script.failUntil["root"] = 100
	root := &Node{ID: "root", Kind: KindAction, ErrorBehavior: RetryThenStop, AttemptLimit: 5}
	e := NewEngine(script.fn, nil, fastRetryConfig(), nil)
	r := e.NewRun("run-1", root)

	e.Tick(r) // root: phaseInit -> phaseMain
	r.Cancel()
	drive(e, r, 60)

	if r.Status() != RunCancelled {
		t.Fatalf("expected RunCancelled, got %s", r.Status())
	}
	if script.callCount("root") != 1 {
		t.Fatalf("expected no retries after cancellation, got %d calls", script.callCount("root"))
	}
}

func TestSequentialGroupFailurePropagatesToRoot(t *testing.T) {
	script := newScriptedAction()
	script.failUntil["child"] = 100
	root := &Node{ID: "root", Kind: KindGroup, GroupMode: Sequential, ErrorBehavior: StopRun, AttemptLimit: 1,
		Children: []*Node{{ID: "child", Kind: KindAction, ErrorBehavior: StopRun, AttemptLimit: 1}},
	}
	e := NewEngine(script.fn, nil, fastRetryConfig(), nil)
	r := e.NewRun("run-1", root)
	drive(e, r, 60)

	if r.Status() != RunFailed {
		t.Fatalf("expected RunFailed, got %s", r.Status())
	}
	if script.callCount("child") != 1 {
		t.Fatalf("expected child attempted exactly once, got %d", script.callCount("child"))
	}
}

// TestInterruptRetriesSuspendedStepFromScratch mirrors the interrupt
// scenario a Loop whose body is a long exposure: while the body's Future is
// still pending, an interrupt is raised; once the rescue subtree finishes,
// the suspended exposure step must be re-invoked from scratch (a fresh
// Future), never resumed from the Future it was blocked on when the
// interrupt fired, and the loop's own iteration count must not advance
// because of the interrupt.
func TestInterruptRetriesSuspendedStepFromScratch(t *testing.T) {
	script := newScriptedAction()

	var mu sync.Mutex
	var exposureChans []chan ChanResult
	exposureAction := func(ctx context.Context, node *Node) (Future, error) {
		mu.Lock()
		ch := make(chan ChanResult, 1)
		exposureChans = append(exposureChans, ch)
		mu.Unlock()
		script.mu.Lock()
		script.calls["exposure"]++
		script.order = append(script.order, "exposure")
		script.mu.Unlock()
		return FromChannel(ch), nil
	}

	one := 1
	root := &Node{ID: "root", Kind: KindLoop, AcceptsInterrupts: true, LoopCount: &one,
		Children: []*Node{{ID: "exposure", Kind: KindAction}},
	}
	rescue := &Node{ID: "rescue", Kind: KindAction}

	actionFn := func(ctx context.Context, node *Node) (Future, error) {
		if node.ID == "exposure" {
			return exposureAction(ctx, node)
		}
		return script.fn(ctx, node)
	}

	e := NewEngine(actionFn, nil, fastRetryConfig(), nil)
	r := e.NewRun("run-1", root)

	// Drive until the loop has started its body and is blocked on
	// exposure's first (now-stale) Future.
	for i := 0; i < 10; i++ {
		e.Tick(r)
	}
	if script.callCount("exposure") != 1 {
		t.Fatalf("expected exposure started once before interrupt, got %d", script.callCount("exposure"))
	}

	if err := r.RequestInterrupt("exposure", rescue); err != nil {
		t.Fatalf("RequestInterrupt: %v", err)
	}

	// Let the rescue subtree run to completion, then give the loop enough
	// ticks to restart the exposure step.
	for i := 0; i < 15; i++ {
		e.Tick(r)
	}
	if script.callCount("rescue") != 1 {
		t.Fatalf("expected rescue to run exactly once while suspended, got %d", script.callCount("rescue"))
	}
	if script.callCount("exposure") != 2 {
		t.Fatalf("expected exposure to be re-invoked from scratch after the interrupt, got %d calls", script.callCount("exposure"))
	}

	// Completing the original, abandoned Future must have no effect: it was
	// discarded when the interrupt finished and exposure was reset.
	mu.Lock()
	original := exposureChans[0]
	mu.Unlock()
	original <- ChanResult{Result: "late"}
	drive(e, r, 10)
	if r.Status() == RunCompleted {
		t.Fatalf("run completed from the original, abandoned Future instead of the restarted one")
	}

	// Completing the restarted Future lets the run finish.
	mu.Lock()
	restarted := exposureChans[1]
	mu.Unlock()
	restarted <- ChanResult{Result: "done"}
	drive(e, r, 60)

	if r.Status() != RunCompleted {
		t.Fatalf("expected RunCompleted, got %s", r.Status())
	}
	if script.callCount("exposure") != 2 {
		t.Fatalf("expected exactly 2 exposure invocations total, got %d", script.callCount("exposure"))
	}
}
