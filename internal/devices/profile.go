package devices

import (
	"context"

	"github.com/lithium-project/lithium/internal/configstore"
	lerrors "github.com/lithium-project/lithium/pkg/errors"
)

// ProfileEntry names one device a connection profile should open: which
// driver to use and at which address.
type ProfileEntry struct {
	ID      string
	Driver  string
	Address string
}

// ProfileStatus is the overall outcome of a connect-profile run.
type ProfileStatus string

const (
	FullyConnected     ProfileStatus = "fully-connected"
	PartiallyConnected ProfileStatus = "partially-connected"
	ProfileFailed      ProfileStatus = "failed"
)

// ProfileResult reports connect-profile's outcome per device plus the
// rolled-up overall status.
type ProfileResult struct {
	Status  ProfileStatus
	Errors  map[string]error
}

// ParseProfile decodes a connection profile from a config subtree: a list
// of mappings each with "id", "driver", "address" keys, matching the shape
// a Save/Load-profile round trip through the Config Store would persist.
func ParseProfile(v configstore.Value) ([]ProfileEntry, error) {
	items, ok := v.AsList()
	if !ok {
		return nil, lerrors.New(lerrors.InvalidArgument, "connection profile must be a list")
	}
	entries := make([]ProfileEntry, 0, len(items))
	for i, item := range items {
		id, ok := stringField(item, "id")
		if !ok {
			return nil, lerrors.Newf(lerrors.InvalidArgument, "profile entry %d missing id", i)
		}
		driver, ok := stringField(item, "driver")
		if !ok {
			return nil, lerrors.Newf(lerrors.InvalidArgument, "profile entry %d missing driver", i)
		}
		address, ok := stringField(item, "address")
		if !ok {
			return nil, lerrors.Newf(lerrors.InvalidArgument, "profile entry %d missing address", i)
		}
		entries = append(entries, ProfileEntry{ID: id, Driver: driver, Address: address})
	}
	return entries, nil
}

func stringField(v configstore.Value, key string) (string, bool) {
	field, ok := v.Get(key)
	if !ok {
		return "", false
	}
	return field.AsString()
}

// ConnectProfile opens every entry in declaration order, tolerating
// individual failures: per §4.3, a partial failure does not abort the
// profile, and each device's final connect result is reported.
func (m *Manager) ConnectProfile(ctx context.Context, entries []ProfileEntry) ProfileResult {
	result := ProfileResult{Errors: make(map[string]error)}
	succeeded := 0
	for _, entry := range entries {
		if err := m.Connect(ctx, entry.ID, entry.Driver, entry.Address); err != nil {
			result.Errors[entry.ID] = err
			continue
		}
		succeeded++
	}

	switch {
	case succeeded == len(entries):
		result.Status = FullyConnected
	case succeeded == 0:
		result.Status = ProfileFailed
	default:
		result.Status = PartiallyConnected
	}
	return result
}
