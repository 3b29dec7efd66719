// Package api implements the HTTP surface spec.md §6 names: itinerary
// CRUD plus propose/apply/undo, revision history and rollback, node
// locking, the chat router entry point, and the two SSE streams. Grounded
// on the teacher's internal/api/handlers/ai_handler.go (Fiber handler
// shape, `c.Context().SetBodyStreamWriter` SSE pattern, otel span-per-
// handler) generalized from its RAG/chat domain to itinerary mutation.
package api

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/exotic-travel-booking/itinerary-engine/internal/chatrouter"
	"github.com/exotic-travel-booking/itinerary-engine/internal/changeengine"
	"github.com/exotic-travel-booking/itinerary-engine/internal/docstore"
	"github.com/exotic-travel-booking/itinerary-engine/internal/eventbus"
	"github.com/exotic-travel-booking/itinerary-engine/internal/itinerary"
	"github.com/exotic-travel-booking/itinerary-engine/internal/orchestrator"
)

// Handler serves the itinerary engine's HTTP surface.
type Handler struct {
	store        docstore.Store
	engine       *changeengine.Engine
	orchestrator *orchestrator.Orchestrator
	bus          *eventbus.Bus
	tracer       trace.Tracer
}

// NewHandler constructs a Handler.
func NewHandler(store docstore.Store, engine *changeengine.Engine, orch *orchestrator.Orchestrator, bus *eventbus.Bus) *Handler {
	return &Handler{store: store, engine: engine, orchestrator: orch, bus: bus, tracer: otel.Tracer("api.handler")}
}

// CreateItineraryReq is the body of POST /itineraries.
type CreateItineraryReq struct {
	UserID      string              `json:"userId"`
	Destination string              `json:"destination"`
	StartDate   string              `json:"startDate"`
	EndDate     string              `json:"endDate"`
	Themes      []string            `json:"themes"`
	Currency    string              `json:"currency"`
	Party       itinerary.Party     `json:"party"`
	BudgetTier  itinerary.BudgetTier `json:"budgetTier"`
	Settings    itinerary.Settings  `json:"settings"`
}

// CreateItinerary handles POST /itineraries: kicks off generate.
func (h *Handler) CreateItinerary(c *fiber.Ctx) error {
	ctx, span := h.tracer.Start(c.Context(), "api.create_itinerary")
	defer span.End()

	var req CreateItineraryReq
	if err := c.BodyParser(&req); err != nil {
		span.RecordError(err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	id, err := h.orchestrator.Generate(ctx, orchestrator.GenerateRequest{
		UserID:      req.UserID,
		Destination: req.Destination,
		StartDate:   req.StartDate,
		EndDate:     req.EndDate,
		Themes:      req.Themes,
		Currency:    req.Currency,
		Party:       req.Party,
		BudgetTier:  req.BudgetTier,
		Settings:    req.Settings,
	})
	if err != nil {
		span.RecordError(err)
		return writeErr(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"id": id, "status": "generating"})
}

// GetItinerary handles GET /itineraries/{id}.
func (h *Handler) GetItinerary(c *fiber.Ctx) error {
	ctx, span := h.tracer.Start(c.Context(), "api.get_itinerary")
	defer span.End()

	doc, err := h.store.Get(ctx, c.Params("id"))
	if err != nil {
		span.RecordError(err)
		return writeErr(c, err)
	}
	if doc == nil {
		return writeErr(c, itinerary.NewError(itinerary.ErrItineraryNotFound, "itinerary not found", nil))
	}
	return c.JSON(doc)
}

// ProposeChange handles POST /itineraries/{id}:propose.
func (h *Handler) ProposeChange(c *fiber.Ctx) error {
	ctx, span := h.tracer.Start(c.Context(), "api.propose_change")
	defer span.End()

	var cs itinerary.ChangeSet
	if err := c.BodyParser(&cs); err != nil {
		span.RecordError(err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	applyDefaultPreferences(&cs)

	result, err := h.engine.Propose(ctx, resolvedID(c), cs)
	if err != nil {
		span.RecordError(err)
		return writeErr(c, err)
	}
	return c.JSON(fiber.Map{"diff": result.Diff, "previewDoc": result.PreviewDoc})
}

// ApplyChange handles POST /itineraries/{id}:apply, honoring the
// Idempotency-Key header per spec.md §6.
func (h *Handler) ApplyChange(c *fiber.Ctx) error {
	ctx, span := h.tracer.Start(c.Context(), "api.apply_change")
	defer span.End()

	var cs itinerary.ChangeSet
	if err := c.BodyParser(&cs); err != nil {
		span.RecordError(err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	applyDefaultPreferences(&cs)
	if key := c.Get("Idempotency-Key"); key != "" {
		cs.IdempotencyKey = key
	}

	result, err := h.engine.Apply(ctx, resolvedID(c), cs)
	if err != nil {
		span.RecordError(err)
		return writeErr(c, err)
	}
	return c.JSON(fiber.Map{"toVersion": result.ToVersion, "diff": result.Diff})
}

// UndoChange handles POST /itineraries/{id}:undo.
func (h *Handler) UndoChange(c *fiber.Ctx) error {
	ctx, span := h.tracer.Start(c.Context(), "api.undo_change")
	defer span.End()

	result, err := h.engine.Undo(ctx, resolvedID(c))
	if err != nil {
		span.RecordError(err)
		return writeErr(c, err)
	}
	return c.JSON(fiber.Map{"toVersion": result.ToVersion, "diff": result.Diff})
}

// ListRevisions handles GET /itineraries/{id}/revisions.
func (h *Handler) ListRevisions(c *fiber.Ctx) error {
	ctx, span := h.tracer.Start(c.Context(), "api.list_revisions")
	defer span.End()

	revs, err := h.store.ListRevisions(ctx, c.Params("id"))
	if err != nil {
		span.RecordError(err)
		return writeErr(c, err)
	}
	return c.JSON(fiber.Map{"revisions": revs})
}

// GetRevision handles GET /itineraries/{id}/revisions/{rev}.
func (h *Handler) GetRevision(c *fiber.Ctx) error {
	ctx, span := h.tracer.Start(c.Context(), "api.get_revision")
	defer span.End()

	rev, err := h.store.GetRevision(ctx, c.Params("id"), c.Params("rev"))
	if err != nil {
		span.RecordError(err)
		return writeErr(c, err)
	}
	if rev == nil {
		return writeErr(c, itinerary.NewError(itinerary.ErrNodeNotFound, "revision not found", nil))
	}
	return c.JSON(rev)
}

// RollbackRevision handles POST /itineraries/{id}/revisions/{rev}/rollback.
// rev is a versionNumber, the index spec.md §6 says rollback looks up by.
func (h *Handler) RollbackRevision(c *fiber.Ctx) error {
	ctx, span := h.tracer.Start(c.Context(), "api.rollback_revision")
	defer span.End()

	version, err := strconv.Atoi(c.Params("rev"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "rev must be a version number"})
	}

	result, err := h.engine.Rollback(ctx, c.Params("id"), version)
	if err != nil {
		span.RecordError(err)
		return writeErr(c, err)
	}
	return c.JSON(fiber.Map{"toVersion": result.ToVersion})
}

// LockNodeReq is the body of PUT /itineraries/{id}/nodes/{nodeId}/lock.
type LockNodeReq struct {
	Locked bool `json:"locked"`
}

// LockNode handles PUT /itineraries/{id}/nodes/{nodeId}/lock: applies a
// direct update op toggling the node's lock, then publishes the
// node_locked/node_unlocked event the engine's own apply doesn't know to
// emit (it only ever emits patch_applied/version_updated).
func (h *Handler) LockNode(c *fiber.Ctx) error {
	ctx, span := h.tracer.Start(c.Context(), "api.lock_node")
	defer span.End()

	var req LockNodeReq
	if err := c.BodyParser(&req); err != nil {
		span.RecordError(err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	itineraryID, nodeID := c.Params("id"), c.Params("nodeId")
	cs := itinerary.ChangeSet{
		Scope:  itinerary.ScopeTrip,
		Agent:  "user",
		Reason: "lock toggle",
		// The toggle must reach a node that is already locked, so this
		// change set does not respect locks.
		Preferences: itinerary.Preferences{UserFirst: true},
		Ops: []itinerary.ChangeOperation{
			{Op: itinerary.OpUpdate, ID: nodeID, Partial: map[string]interface{}{"locked": req.Locked}},
		},
	}

	if _, err := h.engine.Apply(ctx, itineraryID, cs); err != nil {
		span.RecordError(err)
		return writeErr(c, err)
	}

	doc, err := h.store.Get(ctx, itineraryID)
	if err != nil {
		span.RecordError(err)
		return writeErr(c, err)
	}

	lockedStates := map[string]bool{}
	for _, d := range doc.Days {
		for _, n := range d.Nodes {
			lockedStates[n.ID] = n.Locked
		}
	}

	eventType := "node_unlocked"
	if req.Locked {
		eventType = "node_locked"
	}
	h.bus.Publish(eventbus.Event{
		Family:      eventbus.FamilyPatch,
		Type:        eventType,
		ItineraryID: itineraryID,
		Timestamp:   itinerary.Now(),
		Payload:     map[string]interface{}{"nodeId": nodeID, "locked": req.Locked},
	})

	return c.JSON(fiber.Map{"lockedStates": lockedStates})
}

// ChatRoute handles POST /chat/route.
func (h *Handler) ChatRoute(c *fiber.Ctx) error {
	ctx, span := h.tracer.Start(c.Context(), "api.chat_route")
	defer span.End()

	var req chatrouter.ChatRequest
	if err := c.BodyParser(&req); err != nil {
		span.RecordError(err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	resp, err := h.orchestrator.EditViaChat(ctx, req.ItineraryID, req)
	if err != nil {
		span.RecordError(err)
		return writeErr(c, err)
	}
	return c.JSON(resp)
}

// resolvedID returns the itinerary id for the current request: the ":id"
// route param directly, or the id half of an "{id}:verb" segment resolved
// by dispatchIDVerb and stashed in Locals under "resolvedID".
func resolvedID(c *fiber.Ctx) string {
	if id, ok := c.Locals("resolvedID").(string); ok && id != "" {
		return id
	}
	return c.Params("id")
}

// applyDefaultPreferences fills in DefaultPreferences() when a request body
// omitted the preferences field entirely, so a caller's silence defaults to
// respecting locks (spec.md §4.1) rather than to BodyParser's zero value,
// which would read as "explicitly bypass locks".
func applyDefaultPreferences(cs *itinerary.ChangeSet) {
	if cs.Preferences == (itinerary.Preferences{}) {
		cs.Preferences = itinerary.DefaultPreferences()
	}
}

// writeErr maps an itinerary.Error to an HTTP status code and body,
// per spec.md §7's error-kind taxonomy.
func writeErr(c *fiber.Ctx, err error) error {
	kind, ok := itinerary.KindOf(err)
	if !ok {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.Status(statusFor(kind)).JSON(fiber.Map{"kind": kind, "error": err.Error()})
}

func statusFor(kind itinerary.ErrKind) int {
	switch kind {
	case itinerary.ErrSchemaInvalid, itinerary.ErrNoOps, itinerary.ErrUnsupportedBooking, itinerary.ErrBadTimeFormat:
		return fiber.StatusBadRequest
	case itinerary.ErrItineraryNotFound, itinerary.ErrNodeNotFound, itinerary.ErrAfterNotFound:
		return fiber.StatusNotFound
	case itinerary.ErrVersionConflict, itinerary.ErrNodeLocked, itinerary.ErrInvalidStateTransition:
		return fiber.StatusConflict
	case itinerary.ErrWriteConflict, itinerary.ErrIdempotencyRace, itinerary.ErrAgentTimeout:
		return fiber.StatusTooManyRequests
	case itinerary.ErrAgentCannotHandle:
		return fiber.StatusNotImplemented
	case itinerary.ErrModelUnavailable, itinerary.ErrModelUnparseable, itinerary.ErrProviderUnavailable,
		itinerary.ErrPaymentFailed, itinerary.ErrBookingFailed:
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}
