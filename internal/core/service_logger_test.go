package core

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

type captureLogger struct {
	mu      sync.Mutex
	entries []string
}

func (c *captureLogger) log(level, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, level+": "+msg)
}

func (c *captureLogger) Debug(msg string, _ ...any) { c.log("debug", msg) }
func (c *captureLogger) Info(msg string, _ ...any)  { c.log("info", msg) }
func (c *captureLogger) Warn(msg string, _ ...any)  { c.log("warn", msg) }
func (c *captureLogger) Error(msg string, _ ...any) { c.log("error", msg) }

func (c *captureLogger) has(entry string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e == entry {
			return true
		}
	}
	return false
}

func TestServiceLogsLifecycleEvents(t *testing.T) {
	logger := &captureLogger{}
	env := newTestEnv(t, WithLogger(logger))
	ctx := context.Background()

	res, err := env.svc.SaveRecord(ctx, tech, plasmidDraft("pWL060"), SaveOptions{})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !logger.has("info: record created") {
		t.Fatalf("missing creation log, got %v", logger.entries)
	}

	if err := env.svc.DeleteRecord(ctx, tech, EntityPlasmid, res.Record.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !logger.has("info: record deleted") {
		t.Fatalf("missing deletion log, got %v", logger.entries)
	}

	if err := env.svc.DeleteRecord(ctx, tech, EntityPlasmid, 12345); err == nil {
		t.Fatal("expected failure")
	}
	if !logger.has("error: operation failed") {
		t.Fatalf("missing failure log, got %v", logger.entries)
	}
}

func TestZerologAdapterEmitsStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZerologLogger(zerolog.New(&buf))

	logger.Info("record created", "type", "plasmid", "id", int64(7))
	out := buf.String()
	for _, want := range []string{`"message":"record created"`, `"type":"plasmid"`, `"id":7`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output missing %s:\n%s", want, out)
		}
	}
}
