package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

const defaultCoordinator = "http://localhost:8080"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "locks":
		runLocksCmd(args)
	case "agents":
		runAgentsCmd(args)
	case "assign":
		runAssignCmd(args)
	case "share":
		runShareCmd(args)
	case "watch":
		runWatchCmd(args)
	default:
		usage()
		os.Exit(1)
	}
}

func runLocksCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	switch args[0] {
	case "list":
		fs := newFlagSet("locks list")
		resource := fs.String("resource", "", "filter by resource")
		fs.ParseArgs(args[1:])
		client := newClient(*fs.coordinator)
		path := "/api/v1/locks"
		if *resource != "" {
			path += "?resource=" + url.QueryEscape(*resource)
		}
		var out json.RawMessage
		check(client.get(context.Background(), path, &out))
		printJSON(out)
	case "acquire":
		fs := newFlagSet("locks acquire")
		agent := fs.String("agent", "", "acquiring agent id")
		mode := fs.String("mode", "", "exclusive or shared (default exclusive)")
		ttl := fs.Duration("ttl", -1, "lease duration; 0 holds until released, unset takes the policy lease")
		wait := fs.Bool("wait", false, "wait for availability")
		maxWait := fs.Duration("max-wait", -1, "wait ceiling; unset takes the policy ceiling")
		fs.ParseArgs(args[1:])
		if fs.NArg() < 1 {
			fail("usage: locks acquire [flags] <resource>")
		}
		if *agent == "" {
			fail("--agent required")
		}
		payload := map[string]any{
			"resource": fs.Arg(0),
			"agent":    *agent,
			"mode":     *mode,
			"wait":     *wait,
		}
		if *ttl >= 0 {
			payload["ttl_seconds"] = int64(*ttl / time.Second)
		}
		if *maxWait >= 0 {
			payload["max_wait_seconds"] = int64(*maxWait / time.Second)
		}
		client := newClient(*fs.coordinator)
		var out json.RawMessage
		check(client.post(context.Background(), "/api/v1/locks/acquire", payload, &out))
		printJSON(out)
	case "release":
		fs := newFlagSet("locks release")
		agent := fs.String("agent", "", "holding agent id")
		fs.ParseArgs(args[1:])
		if fs.NArg() < 1 {
			fail("usage: locks release [flags] <resource>")
		}
		if *agent == "" {
			fail("--agent required")
		}
		client := newClient(*fs.coordinator)
		check(client.post(context.Background(), "/api/v1/locks/release", map[string]any{
			"resource": fs.Arg(0),
			"agent":    *agent,
		}, nil))
		fmt.Println("released")
	case "release-all":
		fs := newFlagSet("locks release-all")
		agent := fs.String("agent", "", "holding agent id")
		fs.ParseArgs(args[1:])
		if *agent == "" {
			fail("--agent required")
		}
		client := newClient(*fs.coordinator)
		var out json.RawMessage
		check(client.post(context.Background(), "/api/v1/locks/release-all", map[string]any{"agent": *agent}, &out))
		printJSON(out)
	case "check":
		fs := newFlagSet("locks check")
		mode := fs.String("mode", "", "exclusive or shared (default exclusive)")
		fs.ParseArgs(args[1:])
		if fs.NArg() < 1 {
			fail("usage: locks check [flags] <resource>")
		}
		client := newClient(*fs.coordinator)
		var out json.RawMessage
		check(client.post(context.Background(), "/api/v1/locks/check", map[string]any{
			"resource": fs.Arg(0),
			"mode":     *mode,
		}, &out))
		printJSON(out)
	case "coordinate":
		fs := newFlagSet("locks coordinate")
		agent := fs.String("agent", "", "acquiring agent id")
		task := fs.String("task", "", "task the resources serve")
		fs.ParseArgs(args[1:])
		if fs.NArg() < 1 {
			fail("usage: locks coordinate [flags] <resource>...")
		}
		if *agent == "" || *task == "" {
			fail("--agent and --task required")
		}
		client := newClient(*fs.coordinator)
		var out json.RawMessage
		check(client.post(context.Background(), "/api/v1/locks/coordinate", map[string]any{
			"task":      *task,
			"agent":     *agent,
			"resources": fs.Args(),
		}, &out))
		printJSON(out)
	default:
		usage()
		os.Exit(1)
	}
}

func runAgentsCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	switch args[0] {
	case "list":
		fs := newFlagSet("agents list")
		status := fs.String("status", "", "filter by status")
		task := fs.String("task", "", "filter by assigned task")
		snapshot := fs.Bool("snapshot", false, "aggregate availability view")
		fs.ParseArgs(args[1:])
		query := url.Values{}
		if *status != "" {
			query.Set("status", *status)
		}
		if *task != "" {
			query.Set("task", *task)
		}
		if *snapshot {
			query.Set("view", "snapshot")
		}
		path := "/api/v1/agents"
		if encoded := query.Encode(); encoded != "" {
			path += "?" + encoded
		}
		client := newClient(*fs.coordinator)
		var out json.RawMessage
		check(client.get(context.Background(), path, &out))
		printJSON(out)
	case "register":
		fs := newFlagSet("agents register")
		name := fs.String("name", "", "human readable name")
		capabilities := fs.String("capabilities", "", "comma separated capability list")
		fs.ParseArgs(args[1:])
		if fs.NArg() < 1 {
			fail("usage: agents register [flags] <agent_id>")
		}
		payload := map[string]any{"id": fs.Arg(0), "name": *name}
		if *capabilities != "" {
			payload["capabilities"] = splitList(*capabilities)
		}
		client := newClient(*fs.coordinator)
		var out json.RawMessage
		check(client.post(context.Background(), "/api/v1/agents/register", payload, &out))
		printJSON(out)
	case "fail":
		fs := newFlagSet("agents fail")
		reason := fs.String("error", "", "error details for the audit trail")
		fs.ParseArgs(args[1:])
		if fs.NArg() < 1 {
			fail("usage: agents fail [flags] <agent_id>")
		}
		client := newClient(*fs.coordinator)
		check(client.post(context.Background(), "/api/v1/agents/failure", map[string]any{
			"agent": fs.Arg(0),
			"error": *reason,
		}, nil))
		fmt.Println("failure handled")
	default:
		usage()
		os.Exit(1)
	}
}

func runAssignCmd(args []string) {
	fs := newFlagSet("assign")
	fs.ParseArgs(args)
	if fs.NArg() < 2 {
		fail("usage: assign <task_id> <agent_id>")
	}
	client := newClient(*fs.coordinator)
	var out json.RawMessage
	check(client.post(context.Background(), "/api/v1/tasks/assign", map[string]any{
		"task":  fs.Arg(0),
		"agent": fs.Arg(1),
	}, &out))
	printJSON(out)
}

func runShareCmd(args []string) {
	fs := newFlagSet("share")
	from := fs.String("from", "", "sharing agent id")
	key := fs.String("key", "", "knowledge key")
	value := fs.String("value", "", "knowledge value (json or plain text)")
	file := fs.String("file", "", "read the value from a file instead")
	fs.ParseArgs(args)
	if fs.NArg() < 1 {
		fail("usage: share [flags] <target_agent>")
	}
	if *key == "" {
		fail("--key required")
	}
	raw := []byte(*value)
	if *file != "" {
		// #nosec G304 -- CLI explicitly reads local files provided by the operator.
		data, err := os.ReadFile(*file)
		check(err)
		raw = data
	}
	if !json.Valid(raw) {
		encoded, err := json.Marshal(string(raw))
		check(err)
		raw = encoded
	}
	client := newClient(*fs.coordinator)
	check(client.post(context.Background(), "/api/v1/knowledge/share", map[string]any{
		"from":   *from,
		"target": fs.Arg(0),
		"key":    *key,
		"value":  json.RawMessage(raw),
	}, nil))
	fmt.Println("shared")
}

func runWatchCmd(args []string) {
	fs := newFlagSet("watch")
	typeFilter := fs.String("type", "", "event type prefix filter, e.g. lock.")
	fs.ParseArgs(args)

	wsURL := "ws" + strings.TrimPrefix(strings.TrimRight(*fs.coordinator, "/"), "http") + "/api/v1/events/watch"
	if *typeFilter != "" {
		wsURL += "?type=" + url.QueryEscape(*typeFilter)
	}

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	check(err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			fmt.Println(string(data))
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-interrupt:
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	case <-done:
	}
}

type flagSet struct {
	*flag.FlagSet
	coordinator *string
}

func newFlagSet(name string) *flagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	coordinator := fs.String("coordinator", envOr("CORRAL_COORDINATOR", defaultCoordinator), "coordinator base url")
	return &flagSet{FlagSet: fs, coordinator: coordinator}
}

func (fs *flagSet) ParseArgs(args []string) {
	if err := fs.Parse(args); err != nil {
		fail(err.Error())
	}
}

type client struct {
	base string
	http *http.Client
}

func newClient(base string) *client {
	return &client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if out != nil && len(data) > 0 {
		return json.Unmarshal(data, out)
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func printJSON(value any) {
	data, err := json.MarshalIndent(value, "", "  ")
	check(err)
	fmt.Println(string(data))
}

func usage() {
	fmt.Print(`corralctl - Corral coordination CLI

Usage:
  corralctl locks list [--resource db/main]
  corralctl locks acquire --agent <id> [--mode shared] [--ttl 5m] [--wait --max-wait 30s] <resource>
  corralctl locks release --agent <id> <resource>
  corralctl locks release-all --agent <id>
  corralctl locks check [--mode shared] <resource>
  corralctl locks coordinate --agent <id> --task <id> <resource>...
  corralctl agents list [--status ACTIVE] [--task <id>] [--snapshot]
  corralctl agents register [--name builder] [--capabilities build,test] <agent_id>
  corralctl agents fail [--error "reason"] <agent_id>
  corralctl assign <task_id> <agent_id>
  corralctl share --key <key> [--from <id>] [--value <json>|--file notes.json] <target_agent>
  corralctl watch [--type lock.]

Flags come before positional arguments.

Global flags:
  --coordinator   Coordinator base URL (default from CORRAL_COORDINATOR)
`)
}

func envOr(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func check(err error) {
	if err != nil {
		fail(err.Error())
	}
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
