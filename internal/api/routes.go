package api

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

// SetupRoutes registers the spec.md §6 HTTP surface on app, grouped the
// way the teacher's routes.SetupAIRoutes groups its API under /api/v1.
func SetupRoutes(app *fiber.App, h *Handler) {
	itineraries := app.Group("/itineraries")
	itineraries.Post("/", h.CreateItinerary)
	itineraries.Get("/patches", h.PatchStream)
	itineraries.Get("/:id", h.GetItinerary)
	// spec.md §6 names these with a colon-suffixed custom-method path
	// ("/itineraries/{id}:propose"); Fiber's route compiler treats a bare
	// ":" mid-segment as the start of another parameter, so the id and verb
	// are captured together as one segment and split in code instead.
	itineraries.Post("/:idVerb", h.dispatchIDVerb)
	itineraries.Get("/:id/revisions", h.ListRevisions)
	itineraries.Get("/:id/revisions/:rev", h.GetRevision)
	itineraries.Post("/:id/revisions/:rev/rollback", h.RollbackRevision)
	itineraries.Put("/:id/nodes/:nodeId/lock", h.LockNode)

	app.Post("/chat/route", h.ChatRoute)
	app.Get("/agents/events/:execId", h.AgentEventStream)
}

// dispatchIDVerb splits "{id}:propose" / "{id}:apply" / "{id}:undo" and
// routes to the matching handler, storing the bare id in Locals under
// "resolvedID", where the handlers' resolvedID() reads it.
func (h *Handler) dispatchIDVerb(c *fiber.Ctx) error {
	idVerb := c.Params("idVerb")
	id, verb, found := strings.Cut(idVerb, ":")
	if !found {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown route"})
	}
	c.Locals("resolvedID", id)

	switch verb {
	case "propose":
		return h.ProposeChange(c)
	case "apply":
		return h.ApplyChange(c)
	case "undo":
		return h.UndoChange(c)
	default:
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown itinerary verb"})
	}
}
