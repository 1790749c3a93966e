// Command lithiumctl is a thin HTTP client for lithiumd's command surface,
// grounded on cmd/slctl's flag-parsing/subcommand-dispatch/apiClient shape
// but pointed at Lithium's single POST /command endpoint instead of a REST
// resource tree per domain.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	defaultAddr := getenv("LITH_ADDR", "http://localhost:8080")

	root := flag.NewFlagSet("lithiumctl", flag.ContinueOnError)
	root.SetOutput(io.Discard)
	addrFlag := root.String("addr", defaultAddr, "lithiumd base URL (env LITH_ADDR)")
	timeoutFlag := root.Duration("timeout", 15*time.Second, "HTTP request timeout")
	if err := root.Parse(args); err != nil {
		return usageError(err)
	}

	remaining := root.Args()
	if len(remaining) == 0 {
		return usageError(errors.New("no command specified"))
	}

	client := &apiClient{
		baseURL: strings.TrimRight(*addrFlag, "/"),
		http:    &http.Client{Timeout: *timeoutFlag},
	}

	switch remaining[0] {
	case "device":
		return handleDevice(ctx, client, remaining[1:])
	case "component":
		return handleComponent(ctx, client, remaining[1:])
	case "task":
		return handleTask(ctx, client, remaining[1:])
	case "config":
		return handleConfig(ctx, client, remaining[1:])
	case "health":
		return handleHealth(ctx, client)
	case "command":
		return handleRawCommand(ctx, client, remaining[1:])
	case "help", "-h", "--help":
		printRootUsage()
		return nil
	default:
		return usageError(fmt.Errorf("unknown command %q", remaining[0]))
	}
}

func usageError(err error) error {
	printRootUsage()
	return err
}

func printRootUsage() {
	fmt.Println(`lithiumctl: command-line client for the Lithium App Kernel

Usage:
  lithiumctl [global flags] <command> [subcommand] [flags]

Global Flags:
  --addr       lithiumd base URL (env LITH_ADDR, default http://localhost:8080)
  --timeout    HTTP timeout (default 15s)

Commands:
  device      connect/disconnect/get-property/set-property/invoke-action/list
  component   rescan/load/unload/enable/disable/list
  task        load-script/save-script/delete-script/start/stop/status/list-scripts
  config      get/set/load-profile/save-profile/list-profiles/delete-profile
  health      print /healthz
  command     send an arbitrary {op, args} document to /command
  help        show this message`)
}

// apiClient wraps every request in the single command-surface POST, except
// health which has its own unauthenticated GET per §6.
type apiClient struct {
	baseURL string
	http    *http.Client
}

type commandEnvelope struct {
	Op   string         `json:"op"`
	Args map[string]any `json:"args,omitempty"`
}

type commandResponse struct {
	OK      bool           `json:"ok"`
	Result  any            `json:"result,omitempty"`
	Kind    string         `json:"kind,omitempty"`
	Message string         `json:"message,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

func (c *apiClient) dispatch(ctx context.Context, op string, args map[string]any) (*commandResponse, error) {
	raw, err := json.Marshal(commandEnvelope{Op: op, Args: args})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/command", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var out commandResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	return &out, nil
}

func (c *apiClient) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// run issues one command and renders it: the result on success, or the
// §7 error shape on failure, as a non-zero-exit error so scripts can check
// $?.
func (c *apiClient) run(ctx context.Context, op string, args map[string]any) error {
	resp, err := c.dispatch(ctx, op, args)
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("%s: %s", resp.Kind, resp.Message)
	}
	prettyPrint(resp.Result)
	return nil
}

func prettyPrint(v any) {
	if v == nil {
		fmt.Println("ok")
		return
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Printf("%v\n", v)
		return
	}
	fmt.Println(string(data))
}

func handleHealth(ctx context.Context, client *apiClient) error {
	data, err := client.get(ctx, "/healthz")
	if err != nil {
		return err
	}
	var parsed any
	if err := json.Unmarshal(data, &parsed); err != nil {
		fmt.Println(string(data))
		return nil
	}
	prettyPrint(parsed)
	return nil
}

func handleRawCommand(ctx context.Context, client *apiClient, args []string) error {
	fs := flag.NewFlagSet("lithiumctl command", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	op := fs.String("op", "", "operation name")
	argsJSON := fs.String("args", "", "JSON object of arguments")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*op) == "" {
		return errors.New("--op is required")
	}
	parsedArgs, err := parseJSONMap(*argsJSON)
	if err != nil {
		return fmt.Errorf("parse --args: %w", err)
	}
	return client.run(ctx, *op, parsedArgs)
}

func handleDevice(ctx context.Context, client *apiClient, args []string) error {
	if len(args) == 0 {
		return errors.New("device subcommand required: connect|disconnect|get-property|set-property|invoke-action|list")
	}
	sub, rest := args[0], args[1:]

	switch sub {
	case "list":
		return client.run(ctx, "list-devices", nil)
	case "connect":
		fs := flag.NewFlagSet("device connect", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		id := fs.String("id", "", "device id")
		driver := fs.String("driver", "", "driver name")
		address := fs.String("address", "", "device address")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		return client.run(ctx, "connect", map[string]any{"id": *id, "driver": *driver, "address": *address})
	case "disconnect":
		fs := flag.NewFlagSet("device disconnect", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		id := fs.String("id", "", "device id")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		return client.run(ctx, "disconnect", map[string]any{"id": *id})
	case "get-property":
		fs := flag.NewFlagSet("device get-property", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		id := fs.String("id", "", "device id")
		name := fs.String("name", "", "property name")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		return client.run(ctx, "get-property", map[string]any{"id": *id, "name": *name})
	case "set-property":
		fs := flag.NewFlagSet("device set-property", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		id := fs.String("id", "", "device id")
		name := fs.String("name", "", "property name")
		value := fs.String("value", "", "JSON-encoded value")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		v, err := parseJSONValue(*value)
		if err != nil {
			return fmt.Errorf("parse --value: %w", err)
		}
		return client.run(ctx, "set-property", map[string]any{"id": *id, "name": *name, "value": v})
	case "invoke-action":
		fs := flag.NewFlagSet("device invoke-action", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		id := fs.String("id", "", "device id")
		action := fs.String("action", "", "action name")
		argsJSON := fs.String("args", "", "JSON-encoded action arguments")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		v, err := parseJSONValue(*argsJSON)
		if err != nil {
			return fmt.Errorf("parse --args: %w", err)
		}
		return client.run(ctx, "invoke-action", map[string]any{"id": *id, "action": *action, "args": v})
	default:
		return fmt.Errorf("unknown device subcommand %q", sub)
	}
}

func handleComponent(ctx context.Context, client *apiClient, args []string) error {
	if len(args) == 0 {
		return errors.New("component subcommand required: rescan|load|unload|enable|disable|list")
	}
	sub, rest := args[0], args[1:]

	switch sub {
	case "list":
		return client.run(ctx, "list-components", nil)
	case "rescan":
		return client.run(ctx, "rescan", nil)
	case "load":
		name, err := requireNameFlag("component load", rest)
		if err != nil {
			return err
		}
		return client.run(ctx, "load", map[string]any{"name": name})
	case "unload":
		fs := flag.NewFlagSet("component unload", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		name := fs.String("name", "", "component name")
		force := fs.Bool("force", false, "unload even if capability handles are outstanding")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		return client.run(ctx, "unload", map[string]any{"name": *name, "force": *force})
	case "enable":
		name, err := requireNameFlag("component enable", rest)
		if err != nil {
			return err
		}
		return client.run(ctx, "enable", map[string]any{"name": name})
	case "disable":
		name, err := requireNameFlag("component disable", rest)
		if err != nil {
			return err
		}
		return client.run(ctx, "disable", map[string]any{"name": name})
	default:
		return fmt.Errorf("unknown component subcommand %q", sub)
	}
}

func handleTask(ctx context.Context, client *apiClient, args []string) error {
	if len(args) == 0 {
		return errors.New("task subcommand required: load-script|save-script|delete-script|start|stop|status|list-scripts")
	}
	sub, rest := args[0], args[1:]

	switch sub {
	case "list-scripts":
		return client.run(ctx, "list-scripts", nil)
	case "load-script":
		name, err := requireNameFlag("task load-script", rest)
		if err != nil {
			return err
		}
		return client.run(ctx, "load-script", map[string]any{"name": name})
	case "save-script":
		fs := flag.NewFlagSet("task save-script", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		name := fs.String("name", "", "script name")
		file := fs.String("file", "", "path to a JSON-encoded task tree")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if strings.TrimSpace(*file) == "" {
			return errors.New("--file is required")
		}
		data, err := os.ReadFile(*file)
		if err != nil {
			return fmt.Errorf("read %s: %w", *file, err)
		}
		var root any
		if err := json.Unmarshal(data, &root); err != nil {
			return fmt.Errorf("parse %s: %w", *file, err)
		}
		return client.run(ctx, "save-script", map[string]any{"name": *name, "root": root})
	case "delete-script":
		name, err := requireNameFlag("task delete-script", rest)
		if err != nil {
			return err
		}
		return client.run(ctx, "delete-script", map[string]any{"name": name})
	case "start":
		fs := flag.NewFlagSet("task start", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		script := fs.String("script", "", "script name to run")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		return client.run(ctx, "start", map[string]any{"script": *script})
	case "stop":
		fs := flag.NewFlagSet("task stop", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		runID := fs.String("run-id", "", "run id")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		return client.run(ctx, "stop", map[string]any{"run_id": *runID})
	case "status":
		fs := flag.NewFlagSet("task status", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		runID := fs.String("run-id", "", "run id (omit to list every run)")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		var callArgs map[string]any
		if strings.TrimSpace(*runID) != "" {
			callArgs = map[string]any{"run_id": *runID}
		}
		return client.run(ctx, "status", callArgs)
	default:
		return fmt.Errorf("unknown task subcommand %q", sub)
	}
}

func handleConfig(ctx context.Context, client *apiClient, args []string) error {
	if len(args) == 0 {
		return errors.New("config subcommand required: get|set|load-profile|save-profile|list-profiles|delete-profile")
	}
	sub, rest := args[0], args[1:]

	switch sub {
	case "list-profiles":
		return client.run(ctx, "list-profiles", nil)
	case "get":
		fs := flag.NewFlagSet("config get", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		path := fs.String("path", "", "config path")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		return client.run(ctx, "get", map[string]any{"path": *path})
	case "set":
		fs := flag.NewFlagSet("config set", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		path := fs.String("path", "", "config path")
		value := fs.String("value", "", "JSON-encoded value")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		v, err := parseJSONValue(*value)
		if err != nil {
			return fmt.Errorf("parse --value: %w", err)
		}
		return client.run(ctx, "set", map[string]any{"path": *path, "value": v})
	case "load-profile":
		name, err := requireNameFlag("config load-profile", rest)
		if err != nil {
			return err
		}
		return client.run(ctx, "load-profile", map[string]any{"name": name})
	case "save-profile":
		fs := flag.NewFlagSet("config save-profile", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		name := fs.String("name", "", "profile name")
		path := fs.String("path", "", "config path to capture")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		return client.run(ctx, "save-profile", map[string]any{"name": *name, "path": *path})
	case "delete-profile":
		name, err := requireNameFlag("config delete-profile", rest)
		if err != nil {
			return err
		}
		return client.run(ctx, "delete-profile", map[string]any{"name": name})
	default:
		return fmt.Errorf("unknown config subcommand %q", sub)
	}
}

func requireNameFlag(fsName string, args []string) (string, error) {
	fs := flag.NewFlagSet(fsName, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	name := fs.String("name", "", "name")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if strings.TrimSpace(*name) == "" {
		return "", errors.New("--name is required")
	}
	return *name, nil
}

func parseJSONMap(input string) (map[string]any, error) {
	if strings.TrimSpace(input) == "" {
		return nil, nil
	}
	var result map[string]any
	if err := json.Unmarshal([]byte(input), &result); err != nil {
		return nil, err
	}
	return result, nil
}

func parseJSONValue(input string) (any, error) {
	if strings.TrimSpace(input) == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(input), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
