package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/exotic-travel-booking/itinerary-engine/internal/eventbus"
)

const heartbeatInterval = 15 * time.Second

// PatchStream handles GET /itineraries/patches?id=…: an SSE stream of
// patch_applied/version_updated/node_locked/node_unlocked events for one
// itinerary, adapted from the teacher's handleStreamingChat's
// c.Context().SetBodyStreamWriter pattern to a long-lived subscriber loop
// instead of a one-shot word-by-word reply.
func (h *Handler) PatchStream(c *fiber.Ctx) error {
	itineraryID := c.Query("id")
	if itineraryID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "id query parameter required"})
	}
	return h.stream(c, itineraryID, func(evt eventbus.Event) bool {
		return evt.Family == eventbus.FamilyPatch
	})
}

// AgentEventStream handles GET /agents/events/{execId}: an SSE stream of
// agent-progress/agent-complete events for one pipeline run. The event bus
// is keyed by itinerary id rather than execId, so the caller also supplies
// ?itineraryId=… to pick the channel. Agent events whose payload carries a
// different execId are dropped; events with no execId in their payload
// pass through.
func (h *Handler) AgentEventStream(c *fiber.Ctx) error {
	execID := c.Params("execId")
	itineraryID := c.Query("itineraryId")
	if itineraryID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "itineraryId query parameter required"})
	}
	return h.stream(c, itineraryID, func(evt eventbus.Event) bool {
		if evt.Family != eventbus.FamilyAgent {
			return false
		}
		payload, ok := evt.Payload.(map[string]interface{})
		if !ok {
			return true
		}
		id, _ := payload["execId"].(string)
		return id == "" || id == execID
	})
}

// stream writes evt as `event: <type>\ndata: <json>\n\n` for every bus
// event on itineraryID that passes keep, with a 15s ping heartbeat and an
// initial `connected` event (spec.md §6 SSE framing).
func (h *Handler) stream(c *fiber.Ctx, itineraryID string, keep func(eventbus.Event) bool) error {
	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set(fiber.HeaderAccessControlAllowOrigin, "*")

	sub := h.bus.Subscribe(itineraryID)

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer sub.Unsubscribe()

		writeEvent(w, "connected", map[string]interface{}{"itineraryId": itineraryID})
		if err := w.Flush(); err != nil {
			return
		}

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case evt, ok := <-sub.Events():
				if !ok {
					return
				}
				if !keep(evt) {
					continue
				}
				writeEvent(w, evt.Type, evt.Payload)
				if err := w.Flush(); err != nil {
					return
				}
			case <-heartbeat.C:
				fmt.Fprint(w, "event: ping\ndata: {}\n\n")
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	})

	return nil
}

func writeEvent(w *bufio.Writer, eventType string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
}
