package tools

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jarvis-agent/jarvis/internal/safety"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
}

// blockingGate refuses any tool named in blocked and redacts "sekrit"
// from outputs.
type blockingGate struct {
	blocked map[string]bool
}

func (g *blockingGate) ValidateAction(tool string, params map[string]any) error {
	if g.blocked[tool] {
		return &safety.ViolationError{Rule: 2, Reason: "tool blocked in test"}
	}
	return nil
}

func (g *blockingGate) SanitizeOutput(text string) string {
	return strings.ReplaceAll(text, "sekrit", "[REDACTED]")
}

func TestRegistry_NoOpAtBirth(t *testing.T) {
	reg := testRegistry(t)

	if !reg.Has("no_op") {
		t.Fatal("expected no_op to be registered")
	}
	res := reg.Invoke(context.Background(), "no_op", map[string]any{"reason": "waiting on reply"})
	if !res.Success {
		t.Fatalf("no_op failed: %s", res.Error)
	}
	if res.Output != "no-op: waiting on reply" {
		t.Errorf("unexpected output: %q", res.Output)
	}
}

func TestRegistry_DuplicateRefused(t *testing.T) {
	reg := testRegistry(t)

	reg.Register(&Tool{
		Name:        "probe",
		Description: "first",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "first", nil
		},
	})
	reg.Register(&Tool{
		Name:        "probe",
		Description: "second",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "second", nil
		},
	})

	res := reg.Invoke(context.Background(), "probe", nil)
	if res.Output != "first" {
		t.Errorf("expected first registration to win, got %q", res.Output)
	}

	count := 0
	for _, name := range reg.Names() {
		if name == "probe" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected probe listed once, got %d", count)
	}
}

func TestRegistry_InvalidRegistrationRefused(t *testing.T) {
	reg := testRegistry(t)
	before := len(reg.Names())

	reg.Register(nil)
	reg.Register(&Tool{Name: "", Handler: func(ctx context.Context, args map[string]any) (string, error) { return "", nil }})
	reg.Register(&Tool{Name: "no-handler"})

	if got := len(reg.Names()); got != before {
		t.Errorf("expected %d tools, got %d", before, got)
	}
}

func TestRegistry_UnknownTool(t *testing.T) {
	reg := testRegistry(t)

	res := reg.Invoke(context.Background(), "does_not_exist", nil)
	if res.Success {
		t.Fatal("expected failure for unknown tool")
	}
	if !strings.Contains(res.Error, "unknown tool") {
		t.Errorf("unexpected error: %q", res.Error)
	}
	if res.Meta["kind"] != "validation" {
		t.Errorf("expected validation kind, got %v", res.Meta["kind"])
	}
}

func TestRegistry_HandlerErrorKeepsOutput(t *testing.T) {
	reg := testRegistry(t)
	reg.Register(&Tool{
		Name: "partial",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "partial output", fmt.Errorf("boom")
		},
	})

	res := reg.Invoke(context.Background(), "partial", nil)
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Output != "partial output" {
		t.Errorf("expected output preserved on failure, got %q", res.Output)
	}
	if res.Error != "boom" {
		t.Errorf("unexpected error: %q", res.Error)
	}
	if res.Meta["kind"] != "tool_failure" {
		t.Errorf("expected tool_failure kind, got %v", res.Meta["kind"])
	}
}

func TestRegistry_Timeout(t *testing.T) {
	reg := testRegistry(t)
	reg.Register(&Tool{
		Name:    "slow",
		Timeout: 50 * time.Millisecond,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			select {
			case <-time.After(5 * time.Second):
				return "done", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	})

	res := reg.Invoke(context.Background(), "slow", nil)
	if res.Success {
		t.Fatal("expected timeout failure")
	}
	if res.Error != "timeout" {
		t.Errorf("expected 'timeout', got %q", res.Error)
	}
	if res.Meta["kind"] != "tool_timeout" {
		t.Errorf("expected tool_timeout kind, got %v", res.Meta["kind"])
	}
}

func TestRegistry_Cancellation(t *testing.T) {
	reg := testRegistry(t)
	reg.Register(&Tool{
		Name: "waiting",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res := reg.Invoke(ctx, "waiting", nil)
	if res.Success {
		t.Fatal("expected failure on cancellation")
	}
	if res.Error != "cancelled" {
		t.Errorf("expected 'cancelled', got %q", res.Error)
	}
}

func TestRegistry_PanicContained(t *testing.T) {
	reg := testRegistry(t)
	reg.Register(&Tool{
		Name: "bomb",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			panic("kaboom")
		},
	})

	res := reg.Invoke(context.Background(), "bomb", nil)
	if res.Success {
		t.Fatal("expected failure from panic")
	}
	if !strings.Contains(res.Error, "kaboom") {
		t.Errorf("expected panic message in error, got %q", res.Error)
	}
}

func TestRegistry_GateBlocks(t *testing.T) {
	reg := NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)), &blockingGate{
		blocked: map[string]bool{"danger": true},
	})
	executed := false
	reg.Register(&Tool{
		Name: "danger",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			executed = true
			return "ran", nil
		},
	})

	res := reg.Invoke(context.Background(), "danger", nil)
	if res.Success {
		t.Fatal("expected safety block")
	}
	if executed {
		t.Error("handler must not run when the gate blocks")
	}
	if res.Meta["kind"] != "safety_violation" {
		t.Errorf("expected safety_violation kind, got %v", res.Meta["kind"])
	}
	if res.Meta["rule"] != 2 {
		t.Errorf("expected rule 2 in meta, got %v", res.Meta["rule"])
	}
}

func TestRegistry_SanitizesOutput(t *testing.T) {
	reg := NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)), &blockingGate{})
	reg.Register(&Tool{
		Name: "leaky",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "the password is sekrit", nil
		},
	})

	res := reg.Invoke(context.Background(), "leaky", nil)
	if !res.Success {
		t.Fatalf("unexpected failure: %s", res.Error)
	}
	if strings.Contains(res.Output, "sekrit") {
		t.Errorf("output not sanitized: %q", res.Output)
	}
	if !strings.Contains(res.Output, "[REDACTED]") {
		t.Errorf("expected redaction marker: %q", res.Output)
	}
}

func TestRegistry_DurationRecorded(t *testing.T) {
	reg := testRegistry(t)

	res := reg.Invoke(context.Background(), "no_op", nil)
	if _, ok := res.Meta["duration_ms"].(int64); !ok {
		t.Errorf("expected duration_ms in meta, got %v", res.Meta)
	}
}

func TestRegistry_SchemasOrderAndShape(t *testing.T) {
	reg := testRegistry(t)
	for _, name := range []string{"alpha", "beta", "gamma"} {
		reg.Register(&Tool{
			Name:        name,
			Description: "test tool " + name,
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return "", nil
			},
		})
	}

	names := reg.Names()
	want := []string{"no_op", "alpha", "beta", "gamma"}
	if len(names) != len(want) {
		t.Fatalf("expected %d names, got %d: %v", len(want), len(names), names)
	}
	for i, n := range want {
		if names[i] != n {
			t.Errorf("names[%d] = %q, want %q", i, names[i], n)
		}
	}

	schemas := reg.Schemas()
	if len(schemas) != len(want) {
		t.Fatalf("expected %d schemas, got %d", len(want), len(schemas))
	}
	first := schemas[0]
	if first["type"] != "function" {
		t.Errorf("expected function type, got %v", first["type"])
	}
	fn, ok := first["function"].(map[string]any)
	if !ok {
		t.Fatalf("expected function map, got %T", first["function"])
	}
	if fn["name"] != "no_op" {
		t.Errorf("expected no_op first, got %v", fn["name"])
	}
}
