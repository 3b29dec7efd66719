// Package changeengine is the sole authority that mutates an itinerary
// document (spec.md §4.1). Every other component routes writes through it.
package changeengine

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/exotic-travel-booking/itinerary-engine/internal/docstore"
	"github.com/exotic-travel-booking/itinerary-engine/internal/eventbus"
	"github.com/exotic-travel-booking/itinerary-engine/internal/idempotency"
	"github.com/exotic-travel-booking/itinerary-engine/internal/itinerary"
)

// ApplyResult is the outcome of apply/undo/rollback.
type ApplyResult struct {
	ToVersion int            `json:"toVersion"`
	Diff      itinerary.Diff `json:"diff"`
}

// ProposeResult is the outcome of propose: the would-be diff plus the full
// document as it would read after applying, without persisting anything.
type ProposeResult struct {
	Diff       itinerary.Diff      `json:"diff"`
	PreviewDoc itinerary.Itinerary `json:"previewDoc"`
}

const (
	maxWriteRetries  = 3
	retryBackoffBase = 50 * time.Millisecond
	retryBackoffCap  = 500 * time.Millisecond
)

// Engine mutates itinerary documents through the Change Engine contract.
// Per-itinerary writes are serialized with a mutex keyed by itinerary id —
// the simpler of the two options spec.md §5 allows.
type Engine struct {
	store docstore.Store
	bus   *eventbus.Bus
	idem  *idempotency.Cache
	tracer trace.Tracer

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New constructs an Engine. idem may be nil; idempotency-keyed applies then
// behave as if the key were absent.
func New(store docstore.Store, bus *eventbus.Bus, idem *idempotency.Cache) *Engine {
	return &Engine{
		store:  store,
		bus:    bus,
		idem:   idem,
		tracer: otel.Tracer("changeengine"),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (e *Engine) lockFor(id string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	m, ok := e.locks[id]
	if !ok {
		m = &sync.Mutex{}
		e.locks[id] = m
	}
	return m
}

// Lock acquires the same per-id mutex Apply/ApplyWithDoc serialize on and
// returns the unlock func. For writers that mutate a document outside a
// ChangeSet (agent status bookkeeping, derived-field recomputation) but
// still must not race a concurrent Apply for the same id (spec.md §5:
// itinerary documents are exclusive write through the Change Engine).
func (e *Engine) Lock(id string) func() {
	mu := e.lockFor(id)
	mu.Lock()
	return mu.Unlock
}

// Propose computes the effect of a ChangeSet without persisting anything.
// It is safe to call repeatedly: spec.md invariant 3 requires two
// consecutive proposes on the same (id, cs) to yield identical diffs.
func (e *Engine) Propose(ctx context.Context, id string, cs itinerary.ChangeSet) (*ProposeResult, error) {
	ctx, span := e.tracer.Start(ctx, "changeengine.propose")
	defer span.End()
	span.SetAttributes(attribute.String("itinerary.id", id))

	doc, err := e.store.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if doc == nil {
		err := itinerary.NewError(itinerary.ErrItineraryNotFound, "itinerary not found", map[string]interface{}{"id": id})
		span.RecordError(err)
		return nil, err
	}

	working, diff, err := e.executeChangeSet(doc, cs)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return &ProposeResult{Diff: *diff, PreviewDoc: *working}, nil
}

// Apply atomically validates and commits a ChangeSet against the current
// document for id, following the normative algorithm in spec.md §4.1.
func (e *Engine) Apply(ctx context.Context, id string, cs itinerary.ChangeSet) (*ApplyResult, error) {
	if cs.IdempotencyKey != "" && e.idem != nil {
		key := idempotencyKeyFor(id, cs.IdempotencyKey)
		res, err := e.idem.Execute(ctx, key, func(ctx context.Context) (*idempotency.Result, error) {
			return e.applyCapture(ctx, id, cs)
		})
		if err != nil {
			return nil, err
		}
		var out ApplyResult
		if err := json.Unmarshal(res.Body, &out); err != nil {
			return nil, itinerary.WrapError(itinerary.ErrSchemaInvalid, "failed to decode cached apply result", err)
		}
		return &out, nil
	}

	return e.applyLocked(ctx, id, cs)
}

// applyCapture adapts applyLocked's (*ApplyResult, error) into the
// idempotency.Cache's (*idempotency.Result, error) shape so the two success
// paths (idempotency-keyed and not) share one code path for the actual
// mutation.
func (e *Engine) applyCapture(ctx context.Context, id string, cs itinerary.ChangeSet) (*idempotency.Result, error) {
	result, err := e.applyLocked(ctx, id, cs)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(result)
	if err != nil {
		return nil, itinerary.WrapError(itinerary.ErrSchemaInvalid, "failed to encode apply result", err)
	}
	return &idempotency.Result{Status: 200, Body: body}, nil
}

func idempotencyKeyFor(id, key string) string {
	return fmt.Sprintf("apply:%s:%s", id, key)
}

func (e *Engine) applyLocked(ctx context.Context, id string, cs itinerary.ChangeSet) (*ApplyResult, error) {
	mu := e.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	ctx, span := e.tracer.Start(ctx, "changeengine.apply")
	defer span.End()
	span.SetAttributes(attribute.String("itinerary.id", id), attribute.Int("ops.count", len(cs.Ops)))

	doc, err := e.store.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if doc == nil {
		err := itinerary.NewError(itinerary.ErrItineraryNotFound, "itinerary not found", map[string]interface{}{"id": id})
		span.RecordError(err)
		return nil, err
	}

	result, err := e.applyToDoc(ctx, doc, cs)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return result, nil
}

// ApplyWithDoc applies cs against a document the caller already holds
// (spec.md §4.1's applyWithDoc) — used by agents mid-pipeline that loaded
// the document for their own purposes and don't want a second Get. The
// caller's doc is still serialized against concurrent writers via the
// per-id lock.
func (e *Engine) ApplyWithDoc(ctx context.Context, doc *itinerary.Itinerary, cs itinerary.ChangeSet) (*ApplyResult, error) {
	mu := e.lockFor(doc.ID)
	mu.Lock()
	defer mu.Unlock()

	ctx, span := e.tracer.Start(ctx, "changeengine.apply_with_doc")
	defer span.End()
	span.SetAttributes(attribute.String("itinerary.id", doc.ID))

	return e.applyToDoc(ctx, doc, cs)
}

// applyToDoc runs the full normative algorithm (steps 1, 3-11; the caller
// has already performed step 1's load and step 2's idempotency lookup when
// relevant) and persists the result. Must be called with the per-id lock
// held.
func (e *Engine) applyToDoc(ctx context.Context, doc *itinerary.Itinerary, cs itinerary.ChangeSet) (*ApplyResult, error) {
	// Step 1 (continued): optimistic concurrency pre-check.
	if cs.BaseVersion != nil && *cs.BaseVersion != doc.Version {
		return nil, itinerary.NewError(itinerary.ErrVersionConflict, "base version does not match current document version", map[string]interface{}{
			"baseVersion": *cs.BaseVersion,
			"docVersion":  doc.Version,
		})
	}

	working, diff, err := e.executeChangeSet(doc, cs)
	if err != nil {
		return nil, err
	}

	if len(cs.Ops) == 0 {
		// A reason-only change set (e.g. the Editor's locked-node no-op per
		// spec.md §4.3/S3) is a valid apply that performs no version bump.
		diff.ToVersion = doc.Version
		return &ApplyResult{ToVersion: doc.Version, Diff: *diff}, nil
	}

	// Step 7: audit stamps are applied inside executeChangeSet per touched
	// node; step 9: persist with retry on storage conflict.
	rev := itinerary.Revision{
		RevisionID:    uuid.NewString(),
		ItineraryID:   doc.ID,
		VersionNumber: doc.Version,
		CreatedBy:     cs.Agent,
		CreatedAt:     itinerary.Now(),
		Description:   cs.Reason,
		ChangeCount:   len(cs.Ops),
		Snapshot:      *doc,
		Diff:          *diff,
	}

	working.Version = doc.Version + 1
	working.UpdatedAt = itinerary.Now()

	if err := e.persistWithRetry(ctx, doc.ID, working, rev); err != nil {
		return nil, err
	}

	// Step 10: publish.
	e.bus.Publish(eventbus.Event{
		Family:      eventbus.FamilyPatch,
		Type:        "patch_applied",
		ItineraryID: doc.ID,
		Payload: map[string]interface{}{
			"toVersion": working.Version,
			"diff":      diff,
		},
	})
	e.bus.Publish(eventbus.Event{
		Family:      eventbus.FamilyPatch,
		Type:        "version_updated",
		ItineraryID: doc.ID,
		Payload:     map[string]interface{}{"version": working.Version},
	})

	return &ApplyResult{ToVersion: working.Version, Diff: *diff}, nil
}

// persistWithRetry writes the new document and its preceding revision,
// retrying up to maxWriteRetries times with jittered backoff on a storage
// conflict (spec.md §4.1 step 9).
func (e *Engine) persistWithRetry(ctx context.Context, id string, doc *itinerary.Itinerary, rev itinerary.Revision) error {
	var lastErr error
	for attempt := 0; attempt <= maxWriteRetries; attempt++ {
		if attempt > 0 {
			backoff := retryBackoffBase + time.Duration(rand.Int63n(int64(retryBackoffCap-retryBackoffBase)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := e.store.AddRevision(ctx, id, rev); err != nil {
			lastErr = err
			continue
		}
		if err := e.store.Set(ctx, id, doc); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return itinerary.WrapError(itinerary.ErrWriteConflict, "failed to persist after retries", lastErr)
}
