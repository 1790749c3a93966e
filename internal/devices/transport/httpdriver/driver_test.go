package httpdriver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lithium-project/lithium/internal/configstore"
	"github.com/lithium-project/lithium/internal/devices"
	lerrors "github.com/lithium-project/lithium/pkg/errors"
)

func newTestServer(t *testing.T) *httptest.Server {
	props := map[string]any{"gain": 100.0}
	mux := http.NewServeMux()
	mux.HandleFunc("/identify", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"vendor": "Acme", "model": "Y2"})
	})
	mux.HandleFunc("/properties/gain", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{"value": props["gain"]})
		case http.MethodPut:
			var body struct{ Value any }
			json.NewDecoder(r.Body).Decode(&body)
			props["gain"] = body.Value
			w.WriteHeader(http.StatusOK)
		}
	})
	mux.HandleFunc("/properties/readonly", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"value": 1.0})
	})
	mux.HandleFunc("/actions/home", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"result": "homed"})
	})
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{{"name": "gain", "value": 5.0}})
	})
	return httptest.NewServer(mux)
}

func TestHTTPDriverProbeAndProperties(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	d := New(time.Second)
	desc, err := d.Probe(context.Background(), srv.URL)
	if err != nil || desc == nil {
		t.Fatalf("probe: desc=%v err=%v", desc, err)
	}
	if desc.Vendor != "Acme" {
		t.Errorf("got vendor %q", desc.Vendor)
	}

	session, err := d.Open(context.Background(), *desc)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	v, err := d.GetProperty(context.Background(), session, "gain")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if f, _ := v.AsFloat(); f != 100 {
		t.Errorf("got %v", f)
	}

	if err := d.SetProperty(context.Background(), session, "gain", configstore.Float(200)); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, _ = d.GetProperty(context.Background(), session, "gain")
	if f, _ := v.AsFloat(); f != 200 {
		t.Errorf("got %v after set", f)
	}
}

func TestHTTPDriverSetReadOnlyPropertyIsNotSupported(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	d := New(time.Second)
	session, err := d.Open(context.Background(), devices.Descriptor{Address: srv.URL})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	err = d.SetProperty(context.Background(), session, "readonly", configstore.Int(1))
	if lerrors.KindOf(err) != lerrors.NotSupported {
		t.Fatalf("expected NotSupported, got %v", err)
	}
}

func TestHTTPDriverInvoke(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	d := New(time.Second)
	session, err := d.Open(context.Background(), devices.Descriptor{Address: srv.URL})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	result, err := d.Invoke(context.Background(), session, "home", nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result != "homed" {
		t.Errorf("got %v", result)
	}
}

func TestHTTPDriverSubscribePolls(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	d := New(time.Second)
	session, err := d.Open(context.Background(), devices.Descriptor{Address: srv.URL})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	events, cancel, err := d.Subscribe(context.Background(), session, "*")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	select {
	case ev := <-events:
		if ev.Name != "gain" {
			t.Errorf("got event for %q", ev.Name)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for polled event")
	}
}

func TestHTTPDriverProbeUnreachableIsNotFound(t *testing.T) {
	d := New(50 * time.Millisecond)
	desc, err := d.Probe(context.Background(), "http://127.0.0.1:1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if desc != nil {
		t.Fatalf("expected nil descriptor, got %+v", desc)
	}
}
