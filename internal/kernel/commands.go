package kernel

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/lithium-project/lithium/internal/configstore"
	"github.com/lithium-project/lithium/internal/tasks"
	lerrors "github.com/lithium-project/lithium/pkg/errors"
)

// Response is the command surface's reply shape: {ok:false, kind, message,
// context} on failure, {ok:true, result} on success, per §6/§7.
type Response struct {
	OK      bool           `json:"ok"`
	Result  any            `json:"result,omitempty"`
	Kind    string         `json:"kind,omitempty"`
	Message string         `json:"message,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// Dispatch routes one command-surface request to the subsystem responsible
// for it and renders the result (or error) into a Response. op/args mirror
// the structured document §6 describes: an operation name plus arguments.
func (k *Kernel) Dispatch(ctx context.Context, op string, args map[string]any) Response {
	result, err := k.dispatch(ctx, op, args)
	if err != nil {
		return errorResponse(err)
	}
	return Response{OK: true, Result: result}
}

func errorResponse(err error) Response {
	lerr, ok := err.(*lerrors.Error)
	if !ok {
		return Response{Kind: string(lerrors.Internal), Message: err.Error()}
	}
	return Response{Kind: string(lerr.Kind), Message: lerr.Message, Context: lerr.Context}
}

func (k *Kernel) dispatch(ctx context.Context, op string, args map[string]any) (any, error) {
	switch op {
	// Device operations.
	case "connect":
		return k.cmdConnect(ctx, args)
	case "disconnect":
		return k.cmdDisconnect(ctx, args)
	case "get-property":
		return k.cmdGetProperty(ctx, args)
	case "set-property":
		return k.cmdSetProperty(ctx, args)
	case "invoke-action":
		return k.cmdInvokeAction(ctx, args)
	case "list-devices":
		return k.cmdListDevices(), nil

	// Component operations.
	case "rescan":
		return k.cmdRescan(ctx), nil
	case "load":
		return k.cmdLoad(ctx, args)
	case "unload":
		return nil, k.cmdUnload(ctx, args)
	case "enable":
		return nil, k.cmdEnable(args)
	case "disable":
		return nil, k.cmdDisable(args)
	case "list-components":
		return k.cmdListComponents(), nil

	// Task operations.
	case "load-script":
		return k.cmdLoadScript(args)
	case "save-script":
		return nil, k.cmdSaveScript(args)
	case "delete-script":
		return nil, k.cmdDeleteScript(args)
	case "start":
		return k.cmdStart(args)
	case "stop":
		return nil, k.cmdStop(args)
	case "status":
		return k.cmdStatus(args)
	case "list-scripts":
		return k.Scripts.List()

	// Config operations.
	case "get":
		return k.cmdConfigGet(args)
	case "set":
		return nil, k.cmdConfigSet(args)
	case "load-profile":
		return nil, k.cmdLoadProfile(args)
	case "save-profile":
		return nil, k.cmdSaveProfile(args)
	case "list-profiles":
		return k.Profiles.List()
	case "delete-profile":
		return nil, k.cmdDeleteProfile(args)

	default:
		return nil, lerrors.Newf(lerrors.InvalidArgument, "unknown operation %q", op).With("op", op)
	}
}

func argString(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", lerrors.Newf(lerrors.InvalidArgument, "missing argument %q", key).With("arg", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", lerrors.Newf(lerrors.InvalidArgument, "argument %q must be a string", key).With("arg", key)
	}
	return s, nil
}

func optionalString(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func optionalBool(args map[string]any, key string) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return false
}

// --- Device operations ---

func (k *Kernel) cmdConnect(ctx context.Context, args map[string]any) (any, error) {
	id, err := argString(args, "id")
	if err != nil {
		return nil, err
	}
	driver, err := argString(args, "driver")
	if err != nil {
		return nil, err
	}
	address, err := argString(args, "address")
	if err != nil {
		return nil, err
	}
	return nil, k.Devices.Connect(ctx, id, driver, address)
}

func (k *Kernel) cmdDisconnect(ctx context.Context, args map[string]any) (any, error) {
	id, err := argString(args, "id")
	if err != nil {
		return nil, err
	}
	return nil, k.Devices.Disconnect(ctx, id)
}

func (k *Kernel) cmdGetProperty(ctx context.Context, args map[string]any) (any, error) {
	id, err := argString(args, "id")
	if err != nil {
		return nil, err
	}
	name, err := argString(args, "name")
	if err != nil {
		return nil, err
	}
	v, err := k.Devices.GetProperty(ctx, id, name)
	if err != nil {
		return nil, err
	}
	return toAny(v), nil
}

func (k *Kernel) cmdSetProperty(ctx context.Context, args map[string]any) (any, error) {
	id, err := argString(args, "id")
	if err != nil {
		return nil, err
	}
	name, err := argString(args, "name")
	if err != nil {
		return nil, err
	}
	val, err := fromAny(args["value"])
	if err != nil {
		return nil, err
	}
	return nil, k.Devices.SetProperty(ctx, id, name, val)
}

func (k *Kernel) cmdInvokeAction(ctx context.Context, args map[string]any) (any, error) {
	id, err := argString(args, "id")
	if err != nil {
		return nil, err
	}
	action, err := argString(args, "action")
	if err != nil {
		return nil, err
	}
	return k.Devices.Invoke(ctx, id, action, args["args"])
}

func (k *Kernel) cmdListDevices() []map[string]any {
	infos := k.Devices.ListDevices()
	out := make([]map[string]any, 0, len(infos))
	for _, info := range infos {
		out = append(out, map[string]any{
			"id":     info.ID,
			"driver": info.Driver,
			"state":  info.State.String(),
		})
	}
	return out
}

// --- Component operations ---

func (k *Kernel) cmdRescan(ctx context.Context) map[string]any {
	report := k.Components.Rescan(ctx, k.componentContext())
	return map[string]any{
		"loaded":  report.Loaded,
		"failed":  report.Failed,
		"skipped": report.Skipped,
		"cyclic":  report.Cyclic,
	}
}

// cmdLoad rescans and checks whether the named bundle came up. The runtime
// only exposes scan-everything discovery, not a way to target one bundle,
// so "load" is rescan-then-verify rather than a narrower operation.
func (k *Kernel) cmdLoad(ctx context.Context, args map[string]any) (any, error) {
	name, err := argString(args, "name")
	if err != nil {
		return nil, err
	}
	report := k.Components.Rescan(ctx, k.componentContext())
	if reason, failed := report.Failed[name]; failed {
		return nil, lerrors.Newf(lerrors.Internal, "component %s failed to load: %s", name, reason).With("component", name)
	}
	states := k.Components.List()
	if _, ok := states[name]; !ok {
		return nil, lerrors.Newf(lerrors.NotFound, "no bundle named %q was discovered", name).With("component", name)
	}
	return map[string]any{"name": name, "state": states[name].String()}, nil
}

func (k *Kernel) cmdUnload(ctx context.Context, args map[string]any) error {
	name, err := argString(args, "name")
	if err != nil {
		return err
	}
	return k.Components.Unload(ctx, name, optionalBool(args, "force"))
}

func (k *Kernel) cmdEnable(args map[string]any) error {
	name, err := argString(args, "name")
	if err != nil {
		return err
	}
	return k.Components.Enable(name)
}

func (k *Kernel) cmdDisable(args map[string]any) error {
	name, err := argString(args, "name")
	if err != nil {
		return err
	}
	return k.Components.Disable(name)
}

func (k *Kernel) cmdListComponents() []map[string]any {
	states := k.Components.List()
	out := make([]map[string]any, 0, len(states))
	for _, name := range componentNames(states) {
		out = append(out, map[string]any{"name": name, "state": states[name].String()})
	}
	return out
}

// --- Task operations ---

func decodeNode(value any) (*tasks.Node, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, lerrors.Wrap(lerrors.InvalidArgument, "encode task tree", err)
	}
	var node tasks.Node
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, lerrors.Wrap(lerrors.InvalidArgument, "decode task tree", err)
	}
	return &node, nil
}

func (k *Kernel) cmdLoadScript(args map[string]any) (any, error) {
	name, err := argString(args, "name")
	if err != nil {
		return nil, err
	}
	return k.Scripts.Load(name)
}

func (k *Kernel) cmdSaveScript(args map[string]any) error {
	name, err := argString(args, "name")
	if err != nil {
		return err
	}
	root, ok := args["root"]
	if !ok {
		return lerrors.New(lerrors.InvalidArgument, "missing argument \"root\"").With("arg", "root")
	}
	node, err := decodeNode(root)
	if err != nil {
		return err
	}
	return k.Scripts.Save(name, node)
}

func (k *Kernel) cmdDeleteScript(args map[string]any) error {
	name, err := argString(args, "name")
	if err != nil {
		return err
	}
	return k.Scripts.Delete(name)
}

func (k *Kernel) cmdStart(args map[string]any) (any, error) {
	script, err := argString(args, "script")
	if err != nil {
		return nil, err
	}
	root, err := k.Scripts.Load(script)
	if err != nil {
		return nil, err
	}
	id := uuid.New().String()
	run := k.Engine.NewRun(id, root)
	k.registerRun(run)
	k.publishTaskProgress(id, run)
	return map[string]any{"run_id": id}, nil
}

func (k *Kernel) cmdStop(args map[string]any) error {
	runID, err := argString(args, "run_id")
	if err != nil {
		return err
	}
	run, ok := k.lookupRun(runID)
	if !ok {
		return lerrors.Newf(lerrors.NotFound, "no run with id %q", runID).With("run_id", runID)
	}
	run.Cancel()
	return nil
}

func (k *Kernel) cmdStatus(args map[string]any) (any, error) {
	runID := optionalString(args, "run_id")
	if runID == "" {
		ids := k.listRuns()
		out := make([]map[string]any, 0, len(ids))
		for _, id := range ids {
			run, ok := k.lookupRun(id)
			if !ok {
				continue
			}
			out = append(out, map[string]any{"run_id": id, "status": string(run.Status())})
		}
		return out, nil
	}
	run, ok := k.lookupRun(runID)
	if !ok {
		return nil, lerrors.Newf(lerrors.NotFound, "no run with id %q", runID).With("run_id", runID)
	}
	return map[string]any{"run_id": runID, "status": string(run.Status())}, nil
}

// --- Config operations ---

func (k *Kernel) cmdConfigGet(args map[string]any) (any, error) {
	pathStr, err := argString(args, "path")
	if err != nil {
		return nil, err
	}
	path, err := configstore.ParsePath(pathStr)
	if err != nil {
		return nil, lerrors.Wrap(lerrors.InvalidArgument, "parse config path", err).With("path", pathStr)
	}
	v, ok := k.Config.Get(path)
	if !ok {
		return nil, lerrors.Newf(lerrors.NotFound, "no config value at %q", pathStr).With("path", pathStr)
	}
	return toAny(v), nil
}

func (k *Kernel) cmdConfigSet(args map[string]any) error {
	pathStr, err := argString(args, "path")
	if err != nil {
		return err
	}
	path, err := configstore.ParsePath(pathStr)
	if err != nil {
		return lerrors.Wrap(lerrors.InvalidArgument, "parse config path", err).With("path", pathStr)
	}
	val, err := fromAny(args["value"])
	if err != nil {
		return err
	}
	return k.Config.Set(path, val)
}

func (k *Kernel) cmdLoadProfile(args map[string]any) error {
	name, err := argString(args, "name")
	if err != nil {
		return err
	}
	return k.Profiles.Load(name)
}

func (k *Kernel) cmdSaveProfile(args map[string]any) error {
	name, err := argString(args, "name")
	if err != nil {
		return err
	}
	pathStr, err := argString(args, "path")
	if err != nil {
		return err
	}
	path, err := configstore.ParsePath(pathStr)
	if err != nil {
		return lerrors.Wrap(lerrors.InvalidArgument, "parse config path", err).With("path", pathStr)
	}
	return k.Profiles.Save(name, path)
}

func (k *Kernel) cmdDeleteProfile(args map[string]any) error {
	name, err := argString(args, "name")
	if err != nil {
		return err
	}
	return k.Profiles.Delete(name)
}
