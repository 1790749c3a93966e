// Package tasks implements the Task Engine: a tick-driven, single-threaded
// cooperative interpreter for tree-structured acquisition sequences, with
// retry, error-behavior cascades, cancellation, interruption, and a
// subscribable progress stream.
package tasks

// NodeKind distinguishes the three shapes a tree node can take.
type NodeKind string

const (
	KindAction NodeKind = "action"
	KindLoop   NodeKind = "loop"
	KindGroup  NodeKind = "group"
)

// GroupMode selects how a Group node's children are scheduled.
type GroupMode string

const (
	Sequential GroupMode = "sequential"
	Parallel   GroupMode = "parallel"
)

// ErrorBehavior is a node's policy on its own failure, cascading to
// children that don't declare their own. The root's default is
// RetryThenStop.
type ErrorBehavior string

const (
	StopRun       ErrorBehavior = "stop-run"
	SkipNode      ErrorBehavior = "skip-node"
	RetryThenSkip ErrorBehavior = "retry-then-skip"
	RetryThenStop ErrorBehavior = "retry-then-stop"
)

// DefaultErrorBehavior is applied at the root when none is declared.
const DefaultErrorBehavior = RetryThenStop

// TriggerKind names the three hook points a node may attach a subtree to.
type TriggerKind string

const (
	BeforeStart   TriggerKind = "before-start"
	AfterComplete TriggerKind = "after-complete"
	OnError       TriggerKind = "on-error"
)

// Condition gates whether a node executes. An unmet condition skips the
// node unless Required is true, in which case the node fails.
type Condition struct {
	Kind     string         `yaml:"kind" json:"kind"`
	Params   map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	Required bool           `yaml:"required,omitempty" json:"required,omitempty"`
}

// Node is one element of a task tree: a leaf action, a loop, or a group of
// children run sequentially or in parallel. JSON tags mirror the YAML ones
// so a tree submitted through the command surface (save-script) decodes
// identically to one loaded from a saved file.
type Node struct {
	ID       string         `yaml:"id" json:"id"`
	Kind     NodeKind       `yaml:"kind" json:"kind"`
	Action   string         `yaml:"action,omitempty" json:"action,omitempty"`
	Params   map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	Children []*Node        `yaml:"children,omitempty" json:"children,omitempty"`

	Conditions []Condition           `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	Triggers   map[TriggerKind]*Node `yaml:"triggers,omitempty" json:"triggers,omitempty"`

	ErrorBehavior ErrorBehavior `yaml:"error_behavior,omitempty" json:"error_behavior,omitempty"`
	AttemptLimit  int           `yaml:"attempt_limit,omitempty" json:"attempt_limit,omitempty"`

	GroupMode GroupMode `yaml:"group_mode,omitempty" json:"group_mode,omitempty"`

	LoopCondition *Condition `yaml:"loop_condition,omitempty" json:"loop_condition,omitempty"`
	LoopCount     *int       `yaml:"loop_count,omitempty" json:"loop_count,omitempty"`

	// AcceptsInterrupts marks this node as a valid target for
	// Run.RequestInterrupt: a descendant may ask that a subtree run ahead
	// of whatever this node is currently doing. The spec describes the
	// walk-up-until-accepted search but leaves what "accepts" means up to
	// the tree author, so it is an explicit per-node opt-in.
	AcceptsInterrupts bool `yaml:"accepts_interrupts,omitempty" json:"accepts_interrupts,omitempty"`
}

// effectiveErrorBehavior resolves the error-behavior a node runs under:
// its own declared value, or the nearest ancestor's (the root always has
// one, defaulting to RetryThenStop).
func effectiveErrorBehavior(path []*Node) ErrorBehavior {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i].ErrorBehavior != "" {
			return path[i].ErrorBehavior
		}
	}
	return DefaultErrorBehavior
}

// effectiveAttemptLimit resolves a node's own attempt-limit, defaulting to 1.
func effectiveAttemptLimit(n *Node) int {
	if n.AttemptLimit <= 0 {
		return 1
	}
	return n.AttemptLimit
}
