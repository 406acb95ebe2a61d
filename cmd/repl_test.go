package cmd

import (
	"context"
	"strings"
	"testing"

	"github.com/giantswarm/mcp-conduit/internal/logging"
)

func TestParseParams(t *testing.T) {
	params, err := parseParams("")
	if err != nil || params != nil {
		t.Fatalf("empty params: got %v, %v", params, err)
	}

	params, err = parseParams(`{"name":"echo"}`)
	if err != nil {
		t.Fatalf("valid params failed: %v", err)
	}
	obj, ok := params.(map[string]interface{})
	if !ok || obj["name"] != "echo" {
		t.Fatalf("unexpected params: %v", params)
	}

	if _, err := parseParams("{not json"); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestPrettyResult(t *testing.T) {
	out := prettyResult([]byte(`{"a":1}`))
	if !strings.Contains(out, "\"a\": 1") {
		t.Fatalf("expected indented JSON, got %q", out)
	}

	// Undecodable input is passed through untouched.
	if got := prettyResult([]byte("not json")); got != "not json" {
		t.Fatalf("passthrough = %q", got)
	}
}

func TestExecuteCommandDispatch(t *testing.T) {
	r := newREPL(nil, logging.NewLoggerWithWriter(false, false, false, &strings.Builder{}))
	ctx := context.Background()

	if err := r.executeCommand(ctx, "help"); err != nil {
		t.Fatalf("help failed: %v", err)
	}

	if err := r.executeCommand(ctx, "bogus"); err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("expected unknown command error, got %v", err)
	}

	if err := r.executeCommand(ctx, "call"); err == nil || !strings.Contains(err.Error(), "usage:") {
		t.Fatalf("expected usage error, got %v", err)
	}

	if err := r.executeCommand(ctx, "exit"); err != errExit {
		t.Fatalf("expected errExit, got %v", err)
	}
}
