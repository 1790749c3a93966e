package tasks

import "testing"

func TestEffectiveErrorBehaviorWalksUpToNearestDeclared(t *testing.T) {
	root := &Node{ID: "root", ErrorBehavior: SkipNode}
	group := &Node{ID: "group"}
	leaf := &Node{ID: "leaf", ErrorBehavior: StopRun}

	if got := effectiveErrorBehavior([]*Node{root, group}); got != SkipNode {
		t.Fatalf("expected group to inherit root's SkipNode, got %s", got)
	}
	if got := effectiveErrorBehavior([]*Node{root, group, leaf}); got != StopRun {
		t.Fatalf("expected leaf's own declared StopRun, got %s", got)
	}
}

func TestEffectiveErrorBehaviorDefaultsAtRoot(t *testing.T) {
	root := &Node{ID: "root"}
	if got := effectiveErrorBehavior([]*Node{root}); got != DefaultErrorBehavior {
		t.Fatalf("expected default %s, got %s", DefaultErrorBehavior, got)
	}
}

func TestEffectiveAttemptLimitDefaultsToOne(t *testing.T) {
	n := &Node{ID: "n"}
	if got := effectiveAttemptLimit(n); got != 1 {
		t.Fatalf("expected default attempt limit 1, got %d", got)
	}
	n.AttemptLimit = 4
	if got := effectiveAttemptLimit(n); got != 4 {
		t.Fatalf("expected declared attempt limit 4, got %d", got)
	}
}
