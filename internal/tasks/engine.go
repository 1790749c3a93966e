package tasks

import (
	"context"
	"strconv"
	"sync"
	"time"

	lerrors "github.com/lithium-project/lithium/pkg/errors"
	"github.com/lithium-project/lithium/pkg/metrics"
	"github.com/lithium-project/lithium/pkg/resilience"
	"github.com/sirupsen/logrus"
)

// RunStatus is a run's overall terminal/non-terminal state.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// interruptState records a pending interrupt request: subtree should run to
// completion once evaluate reaches the accepting ancestor's main phase.
type interruptState struct {
	acceptorID string
	subtree    *Node
}

// Run is one execution of a task tree. All of its state lives here so the
// same Engine can drive multiple runs (of the same or different trees)
// concurrently, one Tick at a time each.
type Run struct {
	id   string
	root *Node
	rt   map[string]*nodeRuntime
	bus  *progressBus

	mu     sync.Mutex
	status RunStatus

	ctx    context.Context
	cancel context.CancelFunc

	pendingInterrupt *interruptState
}

func (r *Run) ID() string { return r.id }

func (r *Run) Status() RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Subscribe registers handler on this run's progress stream, in the same
// synchronous subscription-order delivery internal/configstore uses.
func (r *Run) Subscribe(handler ProgressHandler) func() { return r.bus.Subscribe(handler) }

// Cancel requests cooperative cancellation. Idempotent: context.CancelFunc
// already is.
func (r *Run) Cancel() { r.cancel() }

func (r *Run) emit(nodeID string, kind EventKind, payload any) {
	r.bus.emit(ProgressEvent{Timestamp: time.Now().UnixNano(), NodeID: nodeID, Kind: kind, Payload: payload})
}

// RequestInterrupt asks that subtree run ahead of whatever node is
// currently executing, per §4.4: "the request walks up until a node that
// accepts it is found; that node suspends its current iteration, executes
// the interrupting subtree, then resumes." requestingNodeID is the node
// asking for the interrupt (e.g. the leaf that detected a meridian flip);
// the search starts at its parent and walks toward the root.
func (r *Run) RequestInterrupt(requestingNodeID string, subtree *Node) error {
	path := findPath(r.root, requestingNodeID)
	if path == nil {
		return lerrors.New(lerrors.NotFound, "unknown node").With("node", requestingNodeID)
	}
	for i := len(path) - 2; i >= 0; i-- {
		if path[i].AcceptsInterrupts {
			r.mu.Lock()
			r.pendingInterrupt = &interruptState{acceptorID: path[i].ID, subtree: subtree}
			r.mu.Unlock()
			return nil
		}
	}
	return lerrors.New(lerrors.NotSupported, "no ancestor accepts interruption").With("node", requestingNodeID)
}

func findPath(node *Node, targetID string) []*Node {
	if node.ID == targetID {
		return []*Node{node}
	}
	for _, child := range node.Children {
		if p := findPath(child, targetID); p != nil {
			return append([]*Node{node}, p...)
		}
	}
	for _, trigger := range node.Triggers {
		if p := findPath(trigger, targetID); p != nil {
			return append([]*Node{node}, p...)
		}
	}
	return nil
}

// Engine drives one or more Runs tick by tick. It owns no state of its own
// beyond the callbacks every run shares.
type Engine struct {
	actionFn ActionFunc
	condFn   ConditionFunc
	retryCfg resilience.RetryConfig
	log      *logrus.Entry
}

func NewEngine(actionFn ActionFunc, condFn ConditionFunc, retryCfg resilience.RetryConfig, log *logrus.Entry) *Engine {
	return &Engine{actionFn: actionFn, condFn: condFn, retryCfg: retryCfg, log: log}
}

// NewRun begins a fresh run of root, not yet ticked.
func (e *Engine) NewRun(id string, root *Node) *Run {
	ctx, cancel := context.WithCancel(context.Background())
	return &Run{
		id:     id,
		root:   root,
		rt:     make(map[string]*nodeRuntime),
		bus:    newProgressBus(),
		status: RunRunning,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Tick drives the run forward by one logical tick, per §4.4's five-step
// sequence. It returns whether any progress was made, so a caller retrying
// on a fixed period can tell a genuinely idle run from one still working.
func (e *Engine) Tick(r *Run) bool {
	if r.Status() != RunRunning {
		return false
	}

	outcome := e.evaluate(r.ctx, r, r.root, []*Node{r.root})
	hadWork := outcome != outcomeBlocked
	metrics.TaskTicks.WithLabelValues(strconv.FormatBool(hadWork)).Inc()

	if outcome.terminal() {
		r.mu.Lock()
		switch {
		case r.ctx.Err() != nil:
			r.status = RunCancelled
		case outcome == outcomeFailed:
			r.status = RunFailed
		default:
			r.status = RunCompleted
		}
		final := r.status
		r.mu.Unlock()
		metrics.TaskRuns.WithLabelValues(string(final)).Inc()
	}
	return hadWork
}

func withChild(path []*Node, child *Node) []*Node {
	next := make([]*Node, len(path)+1)
	copy(next, path)
	next[len(path)] = child
	return next
}

func (r *Run) checkConditions(ctx context.Context, cond ConditionFunc, node *Node) (holds bool, requiredFail bool, err error) {
	for _, c := range node.Conditions {
		ok := true
		if cond != nil {
			ok, err = cond(ctx, c)
			if err != nil {
				return false, false, err
			}
		}
		if !ok {
			return false, c.Required, nil
		}
	}
	return true, false, nil
}

// evaluate makes at most the amount of progress on node (and, recursively,
// its active descendants) that one tick allows, returning what happened.
// path is the chain of ancestors from the root down to and including node,
// used to resolve inherited error-behavior and to search for an
// interrupt-accepting ancestor.
func (e *Engine) evaluate(ctx context.Context, r *Run, node *Node, path []*Node) stepOutcome {
	rt := r.rtFor(node.ID)

	r.mu.Lock()
	interrupting := r.pendingInterrupt != nil && r.pendingInterrupt.acceptorID == node.ID && rt.phase == phaseMain
	var subtree *Node
	if interrupting {
		subtree = r.pendingInterrupt.subtree
	}
	r.mu.Unlock()

	if interrupting {
		outcome := e.evaluate(ctx, r, subtree, path)
		if !outcome.terminal() {
			return outcomeProgressed
		}
		r.resetSubtree(subtree)
		// The child node suspended by the interrupt (e.g. the exposure step
		// in an exposure loop) restarts from the beginning rather than
		// resuming its stale Future; node's own cursor (loop iteration,
		// childIdx) is left untouched so it does not advance.
		r.resetActiveChildren(node)
		r.mu.Lock()
		r.pendingInterrupt = nil
		r.mu.Unlock()
		return outcomeProgressed
	}

	switch rt.status {
	case statusDone:
		return outcomeDone
	case statusSkipped:
		return outcomeSkipped
	case statusFailed:
		return outcomeFailed
	}

	switch rt.phase {
	case phaseInit:
		holds, requiredFail, err := r.checkConditions(ctx, e.condFn, node)
		if err != nil {
			return e.resolveFailure(r, node, path, err)
		}
		if !holds {
			if requiredFail {
				return e.resolveFailure(r, node, path, lerrors.New(lerrors.Conflict, "required condition was not met").With("node", node.ID))
			}
			rt.status = statusSkipped
			rt.phase = phaseDone
			r.emit(node.ID, ProgressHint, "condition not met, skipped")
			return outcomeSkipped
		}
		rt.status = statusRunning
		if node.Triggers[BeforeStart] != nil {
			rt.phase = phaseTriggerBefore
		} else {
			rt.phase = phaseMain
			r.emit(node.ID, StepStarted, nil)
		}
		return outcomeProgressed

	case phaseTriggerBefore:
		outcome := e.evaluate(ctx, r, node.Triggers[BeforeStart], path)
		if !outcome.terminal() {
			return outcomeBlocked
		}
		rt.phase = phaseMain
		r.emit(node.ID, StepStarted, nil)
		return outcomeProgressed

	case phaseMain:
		if !rt.nextAttemptAt.IsZero() && time.Now().Before(rt.nextAttemptAt) {
			return outcomeBlocked
		}
		outcome, err := e.evaluateBody(ctx, r, node, path)
		switch outcome {
		case outcomeBlocked, outcomeProgressed:
			return outcome
		case outcomeFailed:
			return e.resolveFailure(r, node, path, err)
		default: // outcomeDone or outcomeSkipped both mean "the body is finished"
			if node.Triggers[AfterComplete] != nil {
				rt.phase = phaseTriggerAfter
				return outcomeProgressed
			}
			rt.status = statusDone
			rt.phase = phaseDone
			r.emit(node.ID, StepCompleted, nil)
			return outcomeDone
		}

	case phaseTriggerAfter:
		outcome := e.evaluate(ctx, r, node.Triggers[AfterComplete], path)
		if !outcome.terminal() {
			return outcomeBlocked
		}
		rt.status = statusDone
		rt.phase = phaseDone
		r.emit(node.ID, StepCompleted, nil)
		return outcomeDone

	case phaseTriggerError:
		outcome := e.evaluate(ctx, r, node.Triggers[OnError], path)
		if !outcome.terminal() {
			return outcomeBlocked
		}
		rt.status = statusFailed
		rt.phase = phaseDone
		r.emit(node.ID, StepFailed, rt.pendingErr)
		return outcomeFailed
	}
	return outcomeBlocked
}

func (e *Engine) evaluateBody(ctx context.Context, r *Run, node *Node, path []*Node) (stepOutcome, error) {
	switch node.Kind {
	case KindAction:
		return e.evaluateAction(ctx, r, node)
	case KindLoop:
		return e.evaluateLoop(ctx, r, node, path)
	default:
		if node.GroupMode == Parallel {
			return e.evaluateParallelGroup(ctx, r, node, path)
		}
		return e.evaluateSequentialGroup(ctx, r, node, path)
	}
}

func (e *Engine) evaluateAction(ctx context.Context, r *Run, node *Node) (stepOutcome, error) {
	rt := r.rtFor(node.ID)
	if rt.future == nil {
		future, err := e.actionFn(ctx, node)
		if err != nil {
			return outcomeFailed, err
		}
		rt.future = future
		return outcomeProgressed, nil
	}
	done, _, err := rt.future.Poll(ctx)
	if !done {
		return outcomeBlocked, nil
	}
	rt.future = nil
	if err != nil {
		return outcomeFailed, err
	}
	return outcomeDone, nil
}

func (e *Engine) evaluateSequentialGroup(ctx context.Context, r *Run, node *Node, path []*Node) (stepOutcome, error) {
	rt := r.rtFor(node.ID)
	for rt.childIdx < len(node.Children) {
		child := node.Children[rt.childIdx]
		outcome := e.evaluate(ctx, r, child, withChild(path, child))
		switch outcome {
		case outcomeBlocked:
			return outcomeBlocked, nil
		case outcomeFailed:
			return outcomeFailed, lerrors.Newf(lerrors.Internal, "child %s of %s failed", child.ID, node.ID)
		case outcomeDone, outcomeSkipped:
			rt.childIdx++
		default: // outcomeProgressed: this child made progress but isn't finished
			return outcomeProgressed, nil
		}
	}
	return outcomeDone, nil
}

func (e *Engine) evaluateParallelGroup(ctx context.Context, r *Run, node *Node, path []*Node) (stepOutcome, error) {
	strict := effectiveErrorBehavior(path) == StopRun || effectiveErrorBehavior(path) == RetryThenStop

	anyProgress := false
	allTerminal := true
	anyFailed := false
	for _, child := range node.Children {
		outcome := e.evaluate(ctx, r, child, withChild(path, child))
		switch outcome {
		case outcomeBlocked:
			allTerminal = false
		case outcomeProgressed:
			allTerminal = false
			anyProgress = true
		case outcomeFailed:
			anyFailed = true
			if strict {
				return outcomeFailed, lerrors.Newf(lerrors.Internal, "parallel group %s aborted on child %s", node.ID, child.ID)
			}
		}
	}
	if allTerminal {
		if anyFailed {
			return outcomeFailed, lerrors.Newf(lerrors.Internal, "parallel group %s had a failed child", node.ID)
		}
		return outcomeDone, nil
	}
	if anyProgress {
		return outcomeProgressed, nil
	}
	return outcomeBlocked, nil
}

func (e *Engine) evaluateLoop(ctx context.Context, r *Run, node *Node, path []*Node) (stepOutcome, error) {
	rt := r.rtFor(node.ID)

	if node.LoopCount != nil && rt.iteration >= *node.LoopCount {
		return outcomeDone, nil
	}

	if rt.childIdx == 0 {
		holds := true
		if node.LoopCondition != nil {
			ok, err := e.checkLoopCondition(ctx, *node.LoopCondition)
			if err != nil {
				return outcomeFailed, err
			}
			holds = ok
		}
		if !holds {
			return outcomeDone, nil
		}
	}

	for rt.childIdx < len(node.Children) {
		child := node.Children[rt.childIdx]
		outcome := e.evaluate(ctx, r, child, withChild(path, child))
		switch outcome {
		case outcomeBlocked:
			return outcomeBlocked, nil
		case outcomeFailed:
			return outcomeFailed, lerrors.Newf(lerrors.Internal, "loop %s body failed", node.ID)
		case outcomeDone, outcomeSkipped:
			rt.childIdx++
		default: // outcomeProgressed
			return outcomeProgressed, nil
		}
	}

	rt.iteration++
	r.emit(node.ID, LoopIteration, rt.iteration)
	for _, child := range node.Children {
		r.resetSubtree(child)
	}
	rt.childIdx = 0
	return outcomeProgressed, nil
}

func (e *Engine) checkLoopCondition(ctx context.Context, cond Condition) (bool, error) {
	if e.condFn == nil {
		return true, nil
	}
	return e.condFn(ctx, cond)
}

// resolveFailure applies the node's effective error-behavior to a body or
// condition failure. Under cancellation (r.ctx already done), retry/skip
// policy is bypassed entirely per §5: a cancelled awaiter always unwinds
// invoking on-error, never retries.
func (e *Engine) resolveFailure(r *Run, node *Node, path []*Node, err error) stepOutcome {
	rt := r.rtFor(node.ID)
	rt.pendingErr = err

	if r.ctx.Err() == nil {
		behavior := effectiveErrorBehavior(path)
		limit := effectiveAttemptLimit(node)

		if behavior == RetryThenSkip || behavior == RetryThenStop {
			rt.attempts++
			if rt.attempts < limit {
				delay := resilience.BackoffForAttempt(e.retryCfg, rt.attempts-1)
				attempts := rt.attempts
				nextAt := time.Now().Add(delay)
				r.resetSubtree(node)
				rt = r.rtFor(node.ID)
				rt.attempts = attempts
				rt.nextAttemptAt = nextAt
				rt.status = statusRunning
				rt.phase = phaseMain
				return outcomeProgressed
			}
			if behavior == RetryThenSkip {
				behavior = SkipNode
			} else {
				behavior = StopRun
			}
		}

		if behavior == SkipNode {
			rt.status = statusSkipped
			rt.phase = phaseDone
			r.emit(node.ID, StepFailed, err)
			return outcomeSkipped
		}
		// StopRun falls through to the on-error trigger (if any) below.
	}

	if node.Triggers[OnError] != nil && rt.phase != phaseTriggerError {
		rt.phase = phaseTriggerError
		return outcomeProgressed
	}
	rt.status = statusFailed
	rt.phase = phaseDone
	r.emit(node.ID, StepFailed, err)
	return outcomeFailed
}
