// Package core is the external-interface surface of the platform (spec.md
// §6): submission, query, streaming, and cancellation, independent of any
// transport. An HTTP/SSE front-end, an agent layer, or an operator CLI all
// drive the system through a Core handle rather than package-level state —
// spec.md §9's explicit-handle design note, generalized from the teacher's
// constructor-injected services.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/antigravity-dev/aonp/internal/aonperr"
	"github.com/antigravity-dev/aonp/internal/eventbus"
	"github.com/antigravity-dev/aonp/internal/specmodel"
	"github.com/antigravity-dev/aonp/internal/store"
)

// Core owns the Run Store and Event Bus and exposes the submission, query,
// stream, and cancel contracts of spec.md §6.
type Core struct {
	store store.Store
	bus   *eventbus.Bus
}

// New builds a Core over an already-opened Store and Bus.
func New(s store.Store, bus *eventbus.Bus) *Core {
	return &Core{store: s, bus: bus}
}

// Close releases the underlying Store connection.
func (c *Core) Close() error {
	return c.store.Close()
}

// DecodeSpecTree parses a raw study submission payload into the generic tree
// SubmitStudy accepts, reading either YAML or JSON per spec.md §4.1. format
// is the submission's declared content type (e.g. an HTTP Content-Type
// header); anything not recognized as YAML falls back to JSON, the wire
// format specmodel.Parse's own callers already use.
func DecodeSpecTree(data []byte, format string) (map[string]any, *aonperr.Error) {
	var tree map[string]any
	if isYAML(format) {
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return nil, aonperr.Wrap(aonperr.Validation, fmt.Errorf("decode yaml spec tree: %w", err))
		}
		return tree, nil
	}
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, aonperr.Wrap(aonperr.Validation, fmt.Errorf("decode json spec tree: %w", err))
	}
	return tree, nil
}

func isYAML(format string) bool {
	f := strings.ToLower(strings.TrimSpace(format))
	return strings.Contains(f, "yaml") || strings.HasSuffix(f, ".yml") || strings.HasSuffix(f, ".yaml")
}

// SubmitResult is returned by SubmitStudy.
type SubmitResult struct {
	RunID    string
	SpecHash string
	Status   string
}

// SubmitStudy validates rawSpecTree, upserts its Study, and creates a new
// Run. Submitting an equivalent spec twice yields two distinct run_ids
// sharing one spec_hash (P2 Study idempotency).
func (c *Core) SubmitStudy(ctx context.Context, rawSpecTree map[string]any) (*SubmitResult, *aonperr.Error) {
	spec, verr := specmodel.Parse(rawSpecTree)
	if verr != nil {
		return nil, verr
	}

	hash := specmodel.SpecHashOf(spec)
	if _, err := c.store.UpsertStudy(ctx, hash, specmodel.CanonicalBytes(spec)); err != nil {
		return nil, aonperr.Wrap(aonperr.Store, err)
	}

	runID := uuid.NewString()
	run, err := c.store.CreateRun(ctx, runID, hash)
	if err != nil {
		return nil, aonperr.Wrap(aonperr.Store, err)
	}
	// CreateRun already appended a durable run_created event; only notify
	// live subscribers here rather than writing a second copy to the log.
	c.bus.Publish(store.Event{RunID: runID, Type: "run_created", Payload: map[string]any{"spec_hash": string(hash)}})

	return &SubmitResult{RunID: run.RunID, SpecHash: string(hash), Status: string(run.Status)}, nil
}

// GetRun returns the current state of runID.
func (c *Core) GetRun(ctx context.Context, runID string) (*store.Run, *aonperr.Error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, wrapLookupErr(err)
	}
	return run, nil
}

// GetSummary returns runID's Summary, or nil if none has been produced yet.
func (c *Core) GetSummary(ctx context.Context, runID string) (*store.Summary, *aonperr.Error) {
	summary, err := c.store.GetSummary(ctx, runID)
	if err != nil {
		if aonperr.IsType(err, aonperr.NotFound) {
			return nil, nil
		}
		return nil, aonperr.Wrap(aonperr.Store, err)
	}
	return summary, nil
}

// ListRuns lists Runs matching filter.
func (c *Core) ListRuns(ctx context.Context, filter store.ListFilter) ([]*store.Run, *aonperr.Error) {
	runs, err := c.store.ListRuns(ctx, filter)
	if err != nil {
		return nil, aonperr.Wrap(aonperr.Store, err)
	}
	return runs, nil
}

// StreamRun subscribes to runID's live event stream, replaying recent
// history first (spec.md §4.6). The caller must Close the subscription.
func (c *Core) StreamRun(ctx context.Context, runID string) (*eventbus.Subscription, *aonperr.Error) {
	sub, err := c.bus.Subscribe(ctx, runID)
	if err != nil {
		return nil, aonperr.Wrap(aonperr.Store, err)
	}
	return sub, nil
}

// CancelRun sets runID's cooperative cancellation flag. Returns "ok" if the
// flag was set, "already_terminal" if the run had already finished (both
// adapters' RequestCancel is a conditional update: it only takes effect on
// a queued or running Run, so a terminal Run is left untouched).
func (c *Core) CancelRun(ctx context.Context, runID string) (string, *aonperr.Error) {
	run, err := c.store.RequestCancel(ctx, runID)
	if err != nil {
		return "", wrapLookupErr(err)
	}
	if run.Status == store.StatusSucceeded || run.Status == store.StatusFailed {
		return "already_terminal", nil
	}
	c.bus.Publish(store.Event{RunID: runID, Type: "cancel_requested"})
	return "ok", nil
}

func wrapLookupErr(err error) *aonperr.Error {
	if aonperr.IsType(err, aonperr.NotFound) {
		return err.(*aonperr.Error)
	}
	return aonperr.Wrap(aonperr.Store, fmt.Errorf("core: %w", err))
}
