package kernel

import (
	"context"

	"github.com/lithium-project/lithium/internal/configstore"
	"github.com/lithium-project/lithium/internal/devices"
	"github.com/lithium-project/lithium/internal/tasks"
	lerrors "github.com/lithium-project/lithium/pkg/errors"
)

// deviceBinding implements the convention this package wires into the Task
// Engine: a leaf action node's Action names a device operation
// ("get-property", "set-property", "invoke") with the device id and
// operation arguments carried in Params, and a condition's Kind names a
// comparison ("property-equals", "config-equals") against the Device
// Manager's cached state or the Config Store. The engine itself has no
// opinion on what these strings mean, per ActionFunc/ConditionFunc's doc
// comments in internal/tasks; this is that opinion, kept in the kernel
// package since it is the thing that owns both subsystems.
//
// cmd/lithiumd builds one of these before constructing the Task Engine
// (the Engine has to exist before the Kernel does) and passes its Action/
// Condition methods as the engine's ActionFunc/ConditionFunc.
type deviceBinding struct {
	devices *devices.Manager
	config  *configstore.Store
}

// NewDeviceBinding returns the ActionFunc/ConditionFunc pair cmd/lithiumd
// wires into tasks.NewEngine.
func NewDeviceBinding(devicesMgr *devices.Manager, store *configstore.Store) (tasks.ActionFunc, tasks.ConditionFunc) {
	b := &deviceBinding{devices: devicesMgr, config: store}
	return b.Action, b.Condition
}

func (b *deviceBinding) Action(ctx context.Context, node *tasks.Node) (tasks.Future, error) {
	device, _ := node.Params["device"].(string)
	if device == "" {
		return nil, lerrors.Newf(lerrors.InvalidArgument, "action node %q has no device param", node.ID).With("node", node.ID)
	}

	switch node.Action {
	case "get-property":
		name, _ := node.Params["name"].(string)
		v, err := b.devices.GetProperty(ctx, device, name)
		if err != nil {
			return nil, err
		}
		return tasks.Immediate(toAny(v), nil), nil

	case "set-property":
		name, _ := node.Params["name"].(string)
		v, err := fromAny(node.Params["value"])
		if err != nil {
			return nil, err
		}
		if err := b.devices.SetProperty(ctx, device, name, v); err != nil {
			return nil, err
		}
		return tasks.Immediate(nil, nil), nil

	case "invoke":
		action, _ := node.Params["action"].(string)
		result, err := b.devices.Invoke(ctx, device, action, node.Params["args"])
		if err != nil {
			return nil, err
		}
		return tasks.Immediate(result, nil), nil

	default:
		return nil, lerrors.Newf(lerrors.InvalidArgument, "unknown device action %q", node.Action).
			With("node", node.ID).With("action", node.Action)
	}
}

// Condition runs inside the engine's tick. property-equals reads through
// Manager.GetProperty: a value still fresh in the Session's cache is
// returned without a driver call, but a stale or uncached property is read
// from the driver, so that check waits for the device's reply.
func (b *deviceBinding) Condition(ctx context.Context, cond tasks.Condition) (bool, error) {
	switch cond.Kind {
	case "property-equals":
		device, _ := cond.Params["device"].(string)
		name, _ := cond.Params["name"].(string)
		want, err := fromAny(cond.Params["value"])
		if err != nil {
			return false, err
		}
		got, err := b.devices.GetProperty(ctx, device, name)
		if err != nil {
			if lerrors.KindOf(err) == lerrors.NotFound {
				return false, nil
			}
			return false, err
		}
		return configstore.Equal(got, want), nil

	case "config-equals":
		path, _ := cond.Params["path"].(string)
		p, err := configstore.ParsePath(path)
		if err != nil {
			return false, err
		}
		got, ok := b.config.Get(p)
		if !ok {
			return false, nil
		}
		want, err := fromAny(cond.Params["value"])
		if err != nil {
			return false, err
		}
		return configstore.Equal(got, want), nil

	default:
		return false, lerrors.Newf(lerrors.InvalidArgument, "unknown condition kind %q", cond.Kind).With("kind", cond.Kind)
	}
}
