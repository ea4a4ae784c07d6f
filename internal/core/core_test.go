package core

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/antigravity-dev/aonp/internal/eventbus"
	"github.com/antigravity-dev/aonp/internal/store"
	"github.com/antigravity-dev/aonp/internal/store/sqlitestore"
)

func pinCellTree() map[string]any {
	return map[string]any{
		"name": "pin-cell",
		"materials": map[string]any{
			"fuel": map[string]any{
				"density":       10.4,
				"density_units": "g/cm3",
				"temperature":   900.0,
				"nuclides": []any{
					map[string]any{"name": "U235", "fraction": 0.03, "fraction_type": "atom"},
					map[string]any{"name": "U238", "fraction": 0.97, "fraction_type": "atom"},
				},
			},
		},
		"geometry": map[string]any{
			"kind":        "script",
			"path":        "geometry/pin_cell.py",
			"entry_point": "build",
		},
		"settings": map[string]any{
			"batches":   120,
			"inactive":  20,
			"particles": 10000,
			"seed":      42,
		},
		"nuclear_data": map[string]any{
			"library": "endfb80",
			"path":    "/data/endfb80/cross_sections.xml",
		},
	}
}

func newTestCore(t *testing.T) *Core {
	t.Helper()
	s, err := sqlitestore.Open(filepath.Join(t.TempDir(), "aonp.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, eventbus.New(s))
}

func TestSubmitStudyThenGetRun(t *testing.T) {
	ctx := context.Background()
	c := newTestCore(t)

	result, verr := c.SubmitStudy(ctx, pinCellTree())
	if verr != nil {
		t.Fatalf("submit study: %v", verr)
	}
	if result.RunID == "" || result.SpecHash == "" {
		t.Fatalf("expected run_id and spec_hash to be populated, got %+v", result)
	}
	if result.Status != string(store.StatusQueued) {
		t.Errorf("status = %s, want queued", result.Status)
	}

	run, verr := c.GetRun(ctx, result.RunID)
	if verr != nil {
		t.Fatalf("get run: %v", verr)
	}
	if run.Status != store.StatusQueued {
		t.Errorf("run status = %s, want queued", run.Status)
	}
}

func TestSubmitStudyTwiceSharesSpecHash(t *testing.T) {
	ctx := context.Background()
	c := newTestCore(t)

	first, verr := c.SubmitStudy(ctx, pinCellTree())
	if verr != nil {
		t.Fatalf("first submit: %v", verr)
	}
	second, verr := c.SubmitStudy(ctx, pinCellTree())
	if verr != nil {
		t.Fatalf("second submit: %v", verr)
	}
	if first.RunID == second.RunID {
		t.Error("expected two distinct run_ids")
	}
	if first.SpecHash != second.SpecHash {
		t.Error("expected both submissions to share one spec_hash")
	}
}

func TestSubmitStudyRejectsInvalidSpec(t *testing.T) {
	ctx := context.Background()
	c := newTestCore(t)

	tree := pinCellTree()
	tree["settings"].(map[string]any)["inactive"] = 200

	if _, verr := c.SubmitStudy(ctx, tree); verr == nil {
		t.Fatal("expected a validation error for inactive >= batches")
	}
}

func TestDecodeSpecTreeAcceptsYAMLAndJSON(t *testing.T) {
	yamlDoc := []byte(`
name: pin-cell
settings:
  batches: 120
  inactive: 20
`)
	tree, verr := DecodeSpecTree(yamlDoc, "application/yaml")
	if verr != nil {
		t.Fatalf("decode yaml: %v", verr)
	}
	if tree["name"] != "pin-cell" {
		t.Fatalf("name = %v, want pin-cell", tree["name"])
	}
	settings, ok := tree["settings"].(map[string]any)
	if !ok {
		t.Fatalf("settings = %T, want map[string]any", tree["settings"])
	}
	if settings["batches"] != 120 {
		t.Errorf("batches = %v, want 120", settings["batches"])
	}

	jsonDoc := []byte(`{"name": "pin-cell", "settings": {"batches": 120}}`)
	tree, verr = DecodeSpecTree(jsonDoc, "application/json")
	if verr != nil {
		t.Fatalf("decode json: %v", verr)
	}
	if tree["name"] != "pin-cell" {
		t.Fatalf("name = %v, want pin-cell", tree["name"])
	}
}

func TestDecodeSpecTreeRejectsMalformedYAML(t *testing.T) {
	if _, verr := DecodeSpecTree([]byte("not: [valid"), "yaml"); verr == nil {
		t.Fatal("expected a validation error for malformed yaml")
	}
}

func TestGetRunNotFound(t *testing.T) {
	c := newTestCore(t)
	if _, verr := c.GetRun(context.Background(), "does-not-exist"); verr == nil {
		t.Fatal("expected a NotFound error")
	}
}

func TestGetSummaryBeforeExtractionReturnsNil(t *testing.T) {
	ctx := context.Background()
	c := newTestCore(t)

	result, verr := c.SubmitStudy(ctx, pinCellTree())
	if verr != nil {
		t.Fatalf("submit study: %v", verr)
	}
	summary, verr := c.GetSummary(ctx, result.RunID)
	if verr != nil {
		t.Fatalf("get summary: %v", verr)
	}
	if summary != nil {
		t.Errorf("expected nil summary before extraction, got %+v", summary)
	}
}

func TestListRunsFiltersByStatus(t *testing.T) {
	ctx := context.Background()
	c := newTestCore(t)

	if _, verr := c.SubmitStudy(ctx, pinCellTree()); verr != nil {
		t.Fatalf("submit study: %v", verr)
	}

	runs, verr := c.ListRuns(ctx, store.ListFilter{Status: store.StatusQueued})
	if verr != nil {
		t.Fatalf("list runs: %v", verr)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 queued run, got %d", len(runs))
	}

	runs, verr = c.ListRuns(ctx, store.ListFilter{Status: store.StatusFailed})
	if verr != nil {
		t.Fatalf("list runs: %v", verr)
	}
	if len(runs) != 0 {
		t.Errorf("expected 0 failed runs, got %d", len(runs))
	}
}

func TestCancelRunOnQueuedRunSucceeds(t *testing.T) {
	ctx := context.Background()
	c := newTestCore(t)

	result, verr := c.SubmitStudy(ctx, pinCellTree())
	if verr != nil {
		t.Fatalf("submit study: %v", verr)
	}

	status, verr := c.CancelRun(ctx, result.RunID)
	if verr != nil {
		t.Fatalf("cancel run: %v", verr)
	}
	if status != "ok" {
		t.Errorf("status = %s, want ok", status)
	}

	run, verr := c.GetRun(ctx, result.RunID)
	if verr != nil {
		t.Fatalf("get run: %v", verr)
	}
	if !run.CancelRequested {
		t.Error("expected cancel_requested to be set")
	}
}

func TestCancelRunTwiceOnQueuedRunIsOkBothTimes(t *testing.T) {
	ctx := context.Background()
	c := newTestCore(t)

	result, verr := c.SubmitStudy(ctx, pinCellTree())
	if verr != nil {
		t.Fatalf("submit study: %v", verr)
	}

	if status, verr := c.CancelRun(ctx, result.RunID); verr != nil || status != "ok" {
		t.Fatalf("first cancel: status=%s err=%v", status, verr)
	}

	// Cancelling an already cancel_requested but still-queued run is still
	// "ok": the flag is idempotent and the run has not yet reached a
	// terminal status.
	status, verr := c.CancelRun(ctx, result.RunID)
	if verr != nil {
		t.Fatalf("second cancel: %v", verr)
	}
	if status != "ok" {
		t.Errorf("status = %s, want ok", status)
	}
}

func TestStreamRunDeliversPublishedEvents(t *testing.T) {
	ctx := context.Background()
	c := newTestCore(t)

	result, verr := c.SubmitStudy(ctx, pinCellTree())
	if verr != nil {
		t.Fatalf("submit study: %v", verr)
	}

	sub, verr := c.StreamRun(ctx, result.RunID)
	if verr != nil {
		t.Fatalf("stream run: %v", verr)
	}
	defer sub.Close()

	c.bus.Publish(store.Event{RunID: result.RunID, Type: "phase_changed"})

	select {
	case e := <-sub.Events:
		if e.Type != "run_created" {
			t.Errorf("expected replayed run_created first, got %s", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for replayed event")
	}
	select {
	case e := <-sub.Events:
		if e.Type != "phase_changed" {
			t.Errorf("expected phase_changed, got %s", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live event")
	}
}
