package line

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"

	"context"

	"github.com/lithium-project/lithium/internal/configstore"
	"github.com/lithium-project/lithium/internal/devices"
)

// fakeDevice is a minimal line-protocol server used to exercise the driver
// against a real TCP connection rather than a mock. It serves exactly one
// connection then returns.
func fakeDevice(ln net.Listener) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	r := bufio.NewReader(conn)
	props := map[string]any{"temp": 21.5}
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			return
		}
		var req record
		if err := json.Unmarshal(line, &req); err != nil {
			return
		}
		switch req.Op {
		case "identify":
			writeRecord(conn, record{Vendor: "Acme", Model: "X1"})
			return
		case "get-property":
			writeRecord(conn, record{Token: req.Token, OK: true, Result: props[req.Property]})
		case "set-property":
			props[req.Property] = req.Value
			writeRecord(conn, record{Token: req.Token, OK: true})
		case "invoke":
			writeRecord(conn, record{Token: req.Token, OK: true, Result: "done:" + req.Action})
		case "subscribe":
			writeRecord(conn, record{Token: req.Token, OK: true})
			go func() {
				time.Sleep(20 * time.Millisecond)
				writeRecord(conn, record{Event: true, Property: "temp", Value: 99.0})
			}()
		}
	}
}

func listen(t *testing.T) (net.Listener, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return ln, ln.Addr().String()
}

func TestLineDriverProbe(t *testing.T) {
	ln, addr := listen(t)
	defer ln.Close()
	go fakeDevice(ln)

	d := New(time.Second, time.Second)
	desc, err := d.Probe(context.Background(), addr)
	if err != nil || desc == nil {
		t.Fatalf("probe: desc=%v err=%v", desc, err)
	}
	if desc.Vendor != "Acme" {
		t.Errorf("got vendor %q", desc.Vendor)
	}
}

func TestLineDriverProbeUnreachableIsNotFound(t *testing.T) {
	d := New(50*time.Millisecond, time.Second)
	desc, err := d.Probe(context.Background(), "127.0.0.1:1")
	if err != nil {
		t.Fatalf("expected nil error for unreachable probe, got %v", err)
	}
	if desc != nil {
		t.Fatalf("expected nil descriptor, got %+v", desc)
	}
}

func TestLineDriverRequestReply(t *testing.T) {
	ln, addr := listen(t)
	defer ln.Close()
	go fakeDevice(ln)

	d := New(time.Second, time.Second)
	session, err := d.Open(context.Background(), devices.Descriptor{Address: addr})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close(context.Background(), session)

	v, err := d.GetProperty(context.Background(), session, "temp")
	if err != nil {
		t.Fatalf("get-property: %v", err)
	}
	if f, _ := v.AsFloat(); f != 21.5 {
		t.Errorf("got %v, want 21.5", f)
	}

	if err := d.SetProperty(context.Background(), session, "temp", configstore.Float(30)); err != nil {
		t.Fatalf("set-property: %v", err)
	}

	result, err := d.Invoke(context.Background(), session, "slew", nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result != "done:slew" {
		t.Errorf("got %v", result)
	}
}

func TestLineDriverSubscribe(t *testing.T) {
	ln, addr := listen(t)
	defer ln.Close()
	go fakeDevice(ln)

	d := New(time.Second, time.Second)
	session, err := d.Open(context.Background(), devices.Descriptor{Address: addr})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close(context.Background(), session)

	events, cancel, err := d.Subscribe(context.Background(), session, "*")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	select {
	case ev := <-events:
		if ev.Name != "temp" {
			t.Errorf("got event for %q", ev.Name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}
