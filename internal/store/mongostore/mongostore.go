// Package mongostore is the document-database Run Store adapter, for
// deployments that outgrow the embedded sqlitestore's single-writer lock.
// ClaimNext uses FindOneAndUpdate, Mongo's native atomic compare-and-set
// primitive, as the direct document-database analogue of sqlitestore's
// BEGIN IMMEDIATE transaction.
package mongostore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/antigravity-dev/aonp/internal/aonperr"
	"github.com/antigravity-dev/aonp/internal/clock"
	"github.com/antigravity-dev/aonp/internal/specmodel"
	"github.com/antigravity-dev/aonp/internal/store"
)

// Store is the MongoDB-backed Run Store adapter.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	clock  clock.Clock
}

type studyDoc struct {
	SpecHash      string    `bson:"_id"`
	CanonicalSpec []byte    `bson:"canonical_spec"`
	CreatedAt     time.Time `bson:"created_at"`
}

type runDoc struct {
	RunID           string     `bson:"_id"`
	SpecHash        string     `bson:"spec_hash"`
	Status          string     `bson:"status"`
	Phase           string     `bson:"phase"`
	Attempt         int        `bson:"attempt"`
	ClaimedBy       string     `bson:"claimed_by"`
	LeaseExpiresAt  *time.Time `bson:"lease_expires_at,omitempty"`
	CancelRequested bool       `bson:"cancel_requested"`
	CreatedAt       time.Time  `bson:"created_at"`
	StartedAt       *time.Time `bson:"started_at,omitempty"`
	EndedAt         *time.Time `bson:"ended_at,omitempty"`
	RenewedAt       *time.Time `bson:"renewed_at,omitempty"`
	Artifacts       store.Artifacts `bson:"artifacts"`
	Error           *aonperr.Error  `bson:"error,omitempty"`
}

func (d runDoc) toRun() *store.Run {
	return &store.Run{
		RunID:           d.RunID,
		SpecHash:        specmodel.SpecHash(d.SpecHash),
		Status:          store.RunStatus(d.Status),
		Phase:           store.RunPhase(d.Phase),
		Attempt:         d.Attempt,
		ClaimedBy:       d.ClaimedBy,
		LeaseExpiresAt:  d.LeaseExpiresAt,
		CancelRequested: d.CancelRequested,
		CreatedAt:       d.CreatedAt,
		StartedAt:       d.StartedAt,
		EndedAt:         d.EndedAt,
		RenewedAt:       d.RenewedAt,
		Artifacts:       d.Artifacts,
		Error:           d.Error,
	}
}

type summaryDoc struct {
	RunID               string    `bson:"_id"`
	SchemaVersion       int       `bson:"schema_version"`
	Keff                float64   `bson:"keff"`
	KeffStd             float64   `bson:"keff_std"`
	KeffUncertaintyPCM  float64   `bson:"keff_uncertainty_pcm"`
	NBatches            int       `bson:"n_batches"`
	NInactive           int       `bson:"n_inactive"`
	NParticles          int       `bson:"n_particles"`
	ExtractedAt         time.Time `bson:"extracted_at"`
}

type eventDoc struct {
	RunID   string         `bson:"run_id"`
	TS      time.Time      `bson:"ts"`
	Type    string         `bson:"type"`
	Agent   string         `bson:"agent"`
	Payload map[string]any `bson:"payload"`
}

type agentOutputDoc struct {
	RunID         string         `bson:"run_id"`
	Agent         string         `bson:"agent"`
	Kind          string         `bson:"kind"`
	Data          map[string]any `bson:"data"`
	SchemaVersion int            `bson:"schema_version"`
	TS            time.Time      `bson:"ts"`
}

// Open connects to uri and ensures the indices spec.md §4.3 requires exist
// on dbName.
func Open(ctx context.Context, uri, dbName string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongostore: ping: %w", err)
	}
	s := &Store{client: client, db: client.Database(dbName), clock: clock.System{}}
	if err := s.ensureIndices(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) WithClock(c clock.Clock) *Store {
	s.clock = c
	return s
}

func (s *Store) runs() *mongo.Collection    { return s.db.Collection("runs") }
func (s *Store) studies() *mongo.Collection { return s.db.Collection("studies") }
func (s *Store) summaries() *mongo.Collection { return s.db.Collection("summaries") }
func (s *Store) events() *mongo.Collection  { return s.db.Collection("events") }
func (s *Store) agentOutputs() *mongo.Collection { return s.db.Collection("agent_outputs") }

func (s *Store) ensureIndices(ctx context.Context) error {
	_, err := s.runs().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "spec_hash", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "lease_expires_at", Value: 1}}},
		{Keys: bson.D{{Key: "phase", Value: 1}, {Key: "status", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("mongostore: create run indices: %w", err)
	}
	_, err = s.events().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "ts", Value: 1}}},
		{Keys: bson.D{{Key: "type", Value: 1}, {Key: "ts", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("mongostore: create event indices: %w", err)
	}
	_, err = s.agentOutputs().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "agent", Value: 1}, {Key: "kind", Value: 1}, {Key: "ts", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("mongostore: create agent_output index: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Disconnect(context.Background())
}

// Drop removes the database; used by test cleanup only.
func (s *Store) Drop(ctx context.Context) error {
	return s.db.Drop(ctx)
}

func (s *Store) UpsertStudy(ctx context.Context, hash specmodel.SpecHash, canonicalSpec []byte) (*store.Study, error) {
	now := s.clock.Now()
	_, err := s.studies().UpdateOne(ctx,
		bson.M{"_id": string(hash)},
		bson.M{"$setOnInsert": studyDoc{SpecHash: string(hash), CanonicalSpec: canonicalSpec, CreatedAt: now}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return nil, fmt.Errorf("mongostore: upsert study: %w", err)
	}
	var doc studyDoc
	if err := s.studies().FindOne(ctx, bson.M{"_id": string(hash)}).Decode(&doc); err != nil {
		return nil, fmt.Errorf("mongostore: read study after upsert: %w", err)
	}
	return &store.Study{SpecHash: specmodel.SpecHash(doc.SpecHash), CanonicalSpec: doc.CanonicalSpec, CreatedAt: doc.CreatedAt}, nil
}

func (s *Store) CreateRun(ctx context.Context, runID string, hash specmodel.SpecHash) (*store.Run, error) {
	now := s.clock.Now()
	doc := runDoc{
		RunID:     runID,
		SpecHash:  string(hash),
		Status:    string(store.StatusQueued),
		Phase:     string(store.PhaseBundle),
		CreatedAt: now,
	}
	if _, err := s.runs().InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, aonperr.Newf(aonperr.Conflict, "run %q already exists", runID)
		}
		return nil, fmt.Errorf("mongostore: create run: %w", err)
	}
	if err := s.AppendEvent(ctx, store.Event{RunID: runID, TS: now, Type: "run_created", Payload: map[string]any{"spec_hash": string(hash)}}); err != nil {
		return nil, err
	}
	return s.GetRun(ctx, runID)
}

func (s *Store) GetRun(ctx context.Context, runID string) (*store.Run, error) {
	var doc runDoc
	err := s.runs().FindOne(ctx, bson.M{"_id": runID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, aonperr.Newf(aonperr.NotFound, "run %q not found", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("mongostore: get run: %w", err)
	}
	return doc.toRun(), nil
}

func (s *Store) ListRuns(ctx context.Context, filter store.ListFilter) ([]*store.Run, error) {
	q := bson.M{}
	if filter.Status != "" {
		q["status"] = string(filter.Status)
	}
	if filter.SpecHash != "" {
		q["spec_hash"] = string(filter.SpecHash)
	}
	if filter.Since != nil {
		q["created_at"] = bson.M{"$gte": *filter.Since}
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	cur, err := s.runs().Find(ctx, q, opts)
	if err != nil {
		return nil, fmt.Errorf("mongostore: list runs: %w", err)
	}
	defer cur.Close(ctx)

	var out []*store.Run
	for cur.Next(ctx) {
		var doc runDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongostore: decode run: %w", err)
		}
		out = append(out, doc.toRun())
	}
	return out, cur.Err()
}

func (s *Store) UpdateRunPhase(ctx context.Context, runID string, update store.PhaseUpdate) (*store.Run, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if update.Phase != "" {
		run.Phase = update.Phase
	}
	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.Started && run.StartedAt == nil {
		run.StartedAt = &now
	}
	if update.Ended {
		run.EndedAt = &now
	}
	if update.ArtifactsDelta != nil {
		if update.ArtifactsDelta.BundlePath != "" {
			run.Artifacts.BundlePath = update.ArtifactsDelta.BundlePath
		}
		if update.ArtifactsDelta.StatepointPath != "" {
			run.Artifacts.StatepointPath = update.ArtifactsDelta.StatepointPath
		}
		if update.ArtifactsDelta.ParquetPath != "" {
			run.Artifacts.ParquetPath = update.ArtifactsDelta.ParquetPath
		}
	}
	if update.Error != nil {
		run.Error = update.Error
	}

	if err := checkRunInvariants(run); err != nil {
		return nil, err
	}

	set := bson.M{
		"status":    string(run.Status),
		"phase":     string(run.Phase),
		"artifacts": run.Artifacts,
	}
	if run.StartedAt != nil {
		set["started_at"] = *run.StartedAt
	}
	if run.EndedAt != nil {
		set["ended_at"] = *run.EndedAt
	}
	if run.Error != nil {
		set["error"] = run.Error
	}
	res, err := s.runs().UpdateOne(ctx, bson.M{"_id": runID}, bson.M{"$set": set})
	if err != nil {
		return nil, fmt.Errorf("mongostore: update_run_phase: %w", err)
	}
	if res.MatchedCount == 0 {
		return nil, aonperr.Newf(aonperr.NotFound, "run %q not found", runID)
	}

	if err := s.AppendEvent(ctx, store.Event{RunID: runID, TS: now, Type: "phase_changed", Payload: map[string]any{
		"phase": string(run.Phase), "status": string(run.Status),
	}}); err != nil {
		return nil, err
	}
	return run, nil
}

// checkRunInvariants mirrors sqlitestore's invariant check; kept identical
// across adapters so both fail the same conformance cases.
func checkRunInvariants(run *store.Run) error {
	switch run.Status {
	case store.StatusQueued:
		if run.ClaimedBy != "" || run.LeaseExpiresAt != nil || run.StartedAt != nil || run.EndedAt != nil {
			return aonperr.New(aonperr.Conflict, "invalid transition: queued run must have no claim, lease, started_at, or ended_at")
		}
	case store.StatusRunning:
		if run.ClaimedBy == "" || run.LeaseExpiresAt == nil {
			return aonperr.New(aonperr.Conflict, "invalid transition: running run requires claimed_by and lease_expires_at")
		}
	case store.StatusSucceeded, store.StatusFailed:
		if run.EndedAt == nil || run.ClaimedBy != "" || run.LeaseExpiresAt != nil || run.Phase != store.PhaseDone {
			return aonperr.New(aonperr.Conflict, "invalid transition: terminal run requires ended_at, cleared claim/lease, and phase=done")
		}
	}
	return nil
}

func (s *Store) RequestCancel(ctx context.Context, runID string) (*store.Run, error) {
	res, err := s.runs().UpdateOne(ctx,
		bson.M{"_id": runID, "status": bson.M{"$in": []string{string(store.StatusQueued), string(store.StatusRunning)}}},
		bson.M{"$set": bson.M{"cancel_requested": true}},
	)
	if err != nil {
		return nil, fmt.Errorf("mongostore: request cancel: %w", err)
	}
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if res.MatchedCount > 0 {
		_ = s.AppendEvent(ctx, store.Event{RunID: runID, TS: s.clock.Now(), Type: "cancel_requested"})
	}
	return run, nil
}

func (s *Store) InsertSummary(ctx context.Context, sm store.Summary) error {
	if sm.SchemaVersion == 0 {
		sm.SchemaVersion = 1
	}
	now := s.clock.Now()
	_, err := s.summaries().InsertOne(ctx, summaryDoc{
		RunID: sm.RunID, SchemaVersion: sm.SchemaVersion, Keff: sm.Keff, KeffStd: sm.KeffStd,
		KeffUncertaintyPCM: sm.KeffUncertaintyPCM, NBatches: sm.NBatches, NInactive: sm.NInactive,
		NParticles: sm.NParticles, ExtractedAt: now,
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return aonperr.Newf(aonperr.Conflict, "summary for run %q already exists", sm.RunID)
		}
		return fmt.Errorf("mongostore: insert summary: %w", err)
	}
	return s.AppendEvent(ctx, store.Event{RunID: sm.RunID, TS: now, Type: "summary_extracted", Payload: map[string]any{
		"keff": sm.Keff, "keff_std": sm.KeffStd,
	}})
}

func (s *Store) GetSummary(ctx context.Context, runID string) (*store.Summary, error) {
	var doc summaryDoc
	err := s.summaries().FindOne(ctx, bson.M{"_id": runID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongostore: get summary: %w", err)
	}
	return &store.Summary{
		RunID: doc.RunID, SchemaVersion: doc.SchemaVersion, Keff: doc.Keff, KeffStd: doc.KeffStd,
		KeffUncertaintyPCM: doc.KeffUncertaintyPCM, NBatches: doc.NBatches, NInactive: doc.NInactive,
		NParticles: doc.NParticles, ExtractedAt: doc.ExtractedAt,
	}, nil
}

func (s *Store) AppendEvent(ctx context.Context, e store.Event) error {
	if e.TS.IsZero() {
		e.TS = s.clock.Now()
	}
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	_, err := s.events().InsertOne(ctx, eventDoc{RunID: e.RunID, TS: e.TS, Type: e.Type, Agent: e.Agent, Payload: payload})
	if err != nil {
		return fmt.Errorf("mongostore: append event: %w", err)
	}
	return nil
}

func (s *Store) GetEvents(ctx context.Context, runID string, filter store.EventFilter) ([]store.Event, error) {
	q := bson.M{"run_id": runID}
	if filter.Since != nil {
		q["ts"] = bson.M{"$gt": *filter.Since}
	}
	if filter.Type != "" {
		q["type"] = filter.Type
	}
	opts := options.Find().SetSort(bson.D{{Key: "ts", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	cur, err := s.events().Find(ctx, q, opts)
	if err != nil {
		return nil, fmt.Errorf("mongostore: get events: %w", err)
	}
	defer cur.Close(ctx)

	var out []store.Event
	for cur.Next(ctx) {
		var doc eventDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongostore: decode event: %w", err)
		}
		out = append(out, store.Event{RunID: doc.RunID, TS: doc.TS, Type: doc.Type, Agent: doc.Agent, Payload: doc.Payload})
	}
	return out, cur.Err()
}

func (s *Store) InsertAgentOutput(ctx context.Context, o store.AgentOutput) error {
	if o.SchemaVersion == 0 {
		o.SchemaVersion = 1
	}
	now := s.clock.Now()
	_, err := s.agentOutputs().InsertOne(ctx, agentOutputDoc{
		RunID: o.RunID, Agent: o.Agent, Kind: o.Kind, Data: o.Data, SchemaVersion: o.SchemaVersion, TS: now,
	})
	if err != nil {
		return fmt.Errorf("mongostore: insert agent output: %w", err)
	}
	return nil
}

// ClaimNext uses FindOneAndUpdate's atomic read-modify-write to give the
// same at-most-one-claimant guarantee as sqlitestore's BEGIN IMMEDIATE
// transaction.
func (s *Store) ClaimNext(ctx context.Context, workerID string, leaseTTL time.Duration) (*store.Run, error) {
	now := s.clock.Now()
	newExpiry := now.Add(leaseTTL)

	filter := bson.M{"$or": []bson.M{
		{"status": string(store.StatusQueued)},
		{"status": string(store.StatusRunning), "lease_expires_at": bson.M{"$lte": now}},
	}}
	update := bson.M{
		"$set": bson.M{
			"status":           string(store.StatusRunning),
			"claimed_by":       workerID,
			"lease_expires_at": newExpiry,
		},
		"$inc": bson.M{"attempt": 1},
	}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetReturnDocument(options.After)

	var doc runDoc
	err := s.runs().FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongostore: claim_next: %w", err)
	}

	if doc.StartedAt == nil {
		_, _ = s.runs().UpdateOne(ctx, bson.M{"_id": doc.RunID, "started_at": bson.M{"$exists": false}}, bson.M{"$set": bson.M{"started_at": now}})
		doc.StartedAt = &now
	}

	run := doc.toRun()
	if err := s.AppendEvent(ctx, store.Event{RunID: run.RunID, TS: now, Type: "run_claimed", Payload: map[string]any{
		"worker_id": workerID, "attempt": run.Attempt, "lease_ttl_seconds": leaseTTL.Seconds(),
	}}); err != nil {
		return nil, err
	}
	return run, nil
}

func (s *Store) RenewLease(ctx context.Context, runID, workerID string, leaseTTL time.Duration) (bool, error) {
	now := s.clock.Now()
	newExpiry := now.Add(leaseTTL)
	res, err := s.runs().UpdateOne(ctx,
		bson.M{"_id": runID, "claimed_by": workerID, "status": string(store.StatusRunning)},
		bson.M{"$set": bson.M{"lease_expires_at": newExpiry, "renewed_at": now}},
	)
	if err != nil {
		return false, fmt.Errorf("mongostore: renew lease: %w", err)
	}
	if res.MatchedCount == 0 {
		return true, nil
	}
	return false, s.AppendEvent(ctx, store.Event{RunID: runID, TS: now, Type: "lease_renewed", Agent: workerID})
}

func (s *Store) Release(ctx context.Context, runID, workerID string, finalStatus store.RunStatus, artifactsDelta *store.Artifacts, runErr *aonperr.Error) (bool, error) {
	var existing runDoc
	err := s.runs().FindOne(ctx, bson.M{"_id": runID, "claimed_by": workerID}).Decode(&existing)
	if err == mongo.ErrNoDocuments {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("mongostore: release lookup: %w", err)
	}

	now := s.clock.Now()
	artifacts := existing.Artifacts
	if artifactsDelta != nil {
		if artifactsDelta.BundlePath != "" {
			artifacts.BundlePath = artifactsDelta.BundlePath
		}
		if artifactsDelta.StatepointPath != "" {
			artifacts.StatepointPath = artifactsDelta.StatepointPath
		}
		if artifactsDelta.ParquetPath != "" {
			artifacts.ParquetPath = artifactsDelta.ParquetPath
		}
	}

	set := bson.M{
		"status":     string(finalStatus),
		"phase":      string(store.PhaseDone),
		"ended_at":   now,
		"claimed_by": "",
		"artifacts":  artifacts,
	}
	if runErr != nil {
		set["error"] = runErr
	}
	res, err := s.runs().UpdateOne(ctx,
		bson.M{"_id": runID, "claimed_by": workerID},
		bson.M{"$set": set, "$unset": bson.M{"lease_expires_at": ""}},
	)
	if err != nil {
		return false, fmt.Errorf("mongostore: release update: %w", err)
	}
	if res.MatchedCount == 0 {
		return true, nil
	}

	if err := s.AppendEvent(ctx, store.Event{RunID: runID, TS: now, Type: "run_released", Payload: map[string]any{
		"status": string(finalStatus), "worker_id": workerID,
	}}); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) ReapExpiredLeases(ctx context.Context) ([]string, error) {
	now := s.clock.Now()
	cur, err := s.runs().Find(ctx, bson.M{"status": string(store.StatusRunning), "lease_expires_at": bson.M{"$lte": now}})
	if err != nil {
		return nil, fmt.Errorf("mongostore: scan expired leases: %w", err)
	}
	var ids []string
	for cur.Next(ctx) {
		var doc runDoc
		if err := cur.Decode(&doc); err != nil {
			cur.Close(ctx)
			return nil, err
		}
		ids = append(ids, doc.RunID)
	}
	cur.Close(ctx)

	for _, id := range ids {
		_, err := s.runs().UpdateOne(ctx,
			bson.M{"_id": id, "status": string(store.StatusRunning), "lease_expires_at": bson.M{"$lte": now}},
			bson.M{"$set": bson.M{"status": string(store.StatusQueued), "claimed_by": "", "phase": string(store.PhaseBundle)},
				"$unset": bson.M{"lease_expires_at": ""}},
		)
		if err != nil {
			return nil, fmt.Errorf("mongostore: reap %s: %w", id, err)
		}
		_ = s.AppendEvent(ctx, store.Event{RunID: id, TS: now, Type: "lease_expired"})
	}
	return ids, nil
}
