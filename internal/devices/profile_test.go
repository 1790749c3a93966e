package devices

import (
	"context"
	"testing"

	"github.com/lithium-project/lithium/internal/configstore"
)

func buildProfileValue(entries ...ProfileEntry) configstore.Value {
	items := make([]configstore.Value, 0, len(entries))
	for _, e := range entries {
		item := configstore.Map().
			Set("id", configstore.String(e.ID)).
			Set("driver", configstore.String(e.Driver)).
			Set("address", configstore.String(e.Address))
		items = append(items, item)
	}
	return configstore.List(items...)
}

func TestParseProfile(t *testing.T) {
	v := buildProfileValue(
		ProfileEntry{ID: "mount", Driver: "fake", Address: "a"},
		ProfileEntry{ID: "camera", Driver: "fake", Address: "b"},
	)
	entries, err := ParseProfile(v)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(entries) != 2 || entries[0].ID != "mount" || entries[1].Address != "b" {
		t.Errorf("unexpected entries: %+v", entries)
	}
}

func TestParseProfileRejectsNonList(t *testing.T) {
	if _, err := ParseProfile(configstore.Map()); err == nil {
		t.Fatal("expected an error for a non-list profile value")
	}
}

func TestConnectProfilePartialFailure(t *testing.T) {
	m, driver := testManager()
	driver.present["ok-addr"] = true
	// "bad-addr" is left absent from driver.present, so Probe reports not-found.

	entries := []ProfileEntry{
		{ID: "mount", Driver: "fake", Address: "ok-addr"},
		{ID: "camera", Driver: "fake", Address: "bad-addr"},
	}
	result := m.ConnectProfile(context.Background(), entries)
	if result.Status != PartiallyConnected {
		t.Fatalf("expected partially-connected, got %v", result.Status)
	}
	if _, failed := result.Errors["camera"]; !failed {
		t.Error("expected camera to be reported as failed")
	}
	if _, failed := result.Errors["mount"]; failed {
		t.Error("expected mount to have connected successfully")
	}

	infos := m.ListDevices()
	var mountState, cameraState SessionState
	for _, info := range infos {
		switch info.ID {
		case "mount":
			mountState = info.State
		case "camera":
			cameraState = info.State
		}
	}
	if mountState != Connected {
		t.Errorf("expected mount Connected, got %v", mountState)
	}
	if cameraState != Faulted {
		t.Errorf("expected camera Faulted, got %v", cameraState)
	}

	select {
	case ev := <-m.Events():
		if ev.DeviceID != "camera" || ev.Kind != SessionFaulted {
			t.Fatalf("expected a camera SessionFaulted event, got %+v", ev)
		}
	default:
		t.Fatal("expected a fault event for the unreachable device")
	}
}

func TestConnectProfileFullyConnected(t *testing.T) {
	m, driver := testManager()
	driver.present["a"] = true
	driver.present["b"] = true

	entries := []ProfileEntry{
		{ID: "mount", Driver: "fake", Address: "a"},
		{ID: "camera", Driver: "fake", Address: "b"},
	}
	result := m.ConnectProfile(context.Background(), entries)
	if result.Status != FullyConnected {
		t.Fatalf("expected fully-connected, got %v", result.Status)
	}
}

func TestConnectProfileAllFail(t *testing.T) {
	m, _ := testManager()
	entries := []ProfileEntry{{ID: "mount", Driver: "fake", Address: "nowhere"}}
	result := m.ConnectProfile(context.Background(), entries)
	if result.Status != ProfileFailed {
		t.Fatalf("expected failed, got %v", result.Status)
	}
}
