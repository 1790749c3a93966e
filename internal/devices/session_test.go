package devices

import (
	"context"
	"testing"

	lerrors "github.com/lithium-project/lithium/pkg/errors"
)

func TestSessionLifecycleTransitions(t *testing.T) {
	driver := newFakeDriver()
	driver.present["addr"] = true
	s := newSession("dev", driver, 0, nil, nil)

	if s.State() != Disconnected {
		t.Fatalf("expected initial state Disconnected, got %v", s.State())
	}

	desc, _ := driver.Probe(context.Background(), "addr")
	if err := s.open(context.Background(), *desc); err != nil {
		t.Fatalf("open: %v", err)
	}
	if s.State() != Connected {
		t.Fatalf("expected Connected after open, got %v", s.State())
	}

	if err := s.close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if s.State() != Disconnected {
		t.Fatalf("expected Disconnected after close, got %v", s.State())
	}
}

func TestSessionOpenFailureFaults(t *testing.T) {
	driver := newFakeDriver()
	driver.present["addr"] = true
	driver.failOpen["addr"] = true
	s := newSession("dev", driver, 0, nil, nil)

	desc, _ := driver.Probe(context.Background(), "addr")
	if err := s.open(context.Background(), *desc); err == nil {
		t.Fatal("expected open to fail")
	}
	if s.State() != Faulted {
		t.Fatalf("expected Faulted after open failure, got %v", s.State())
	}
}

func TestSessionOperationsRequireConnected(t *testing.T) {
	driver := newFakeDriver()
	s := newSession("dev", driver, 0, nil, nil)

	_, err := s.getProperty(context.Background(), "x")
	if lerrors.KindOf(err) != lerrors.Disconnected {
		t.Fatalf("expected Disconnected error on a never-opened session, got %v", err)
	}
}

func TestSessionDoubleOpenConflicts(t *testing.T) {
	driver := newFakeDriver()
	driver.present["addr"] = true
	s := newSession("dev", driver, 0, nil, nil)
	desc, _ := driver.Probe(context.Background(), "addr")

	if err := s.open(context.Background(), *desc); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.open(context.Background(), *desc); lerrors.KindOf(err) != lerrors.Conflict {
		t.Fatalf("expected Conflict on double open, got %v", err)
	}
}
