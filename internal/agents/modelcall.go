package agents

import (
	"context"
	"encoding/json"

	"github.com/exotic-travel-booking/itinerary-engine/internal/decoder"
	"github.com/exotic-travel-booking/itinerary-engine/internal/itinerary"
	"github.com/exotic-travel-booking/itinerary-engine/internal/llm/providers"
)

// callModel sends a single prompt to provider and decodes the reply through
// the Structured-Output Decoder, retrying once via a continuation request
// carrying the same prompt, the unparseable reply, and the schema (spec.md
// §4.8 step 3). Every model-calling agent (Skeleton, Activity/Meal/Transport,
// Planner/Editor, Explainer) routes through this one path.
func callModel(ctx context.Context, provider providers.LLMProvider, prompt string, schema decoder.Schema, dayDate string) (*decoder.Result, error) {
	req := &providers.GenerateRequest{
		Messages:    []providers.Message{{Role: "user", Content: prompt}},
		MaxTokens:   1200,
		Temperature: 0.4,
	}
	resp, err := provider.GenerateResponse(ctx, req)
	if err != nil {
		return nil, itinerary.WrapError(itinerary.ErrModelUnavailable, "model call failed", err)
	}
	if len(resp.Choices) == 0 {
		return nil, itinerary.NewError(itinerary.ErrModelUnavailable, "model returned no choices", nil)
	}
	raw := resp.Choices[0].Message.Content
	schemaJSON, _ := json.Marshal(schema)

	continuer := func(ctx context.Context) (string, error) {
		contReq := &providers.GenerateRequest{
			Messages: []providers.Message{
				{Role: "user", Content: prompt},
				{Role: "assistant", Content: raw},
				{Role: "user", Content: "That was not valid JSON matching the schema. Reply with only the corrected JSON. Schema: " + string(schemaJSON)},
			},
			MaxTokens:   1200,
			Temperature: 0.2,
		}
		contResp, err := provider.GenerateResponse(ctx, contReq)
		if err != nil {
			return "", err
		}
		if len(contResp.Choices) == 0 {
			return "", itinerary.NewError(itinerary.ErrModelUnavailable, "continuation returned no choices", nil)
		}
		return contResp.Choices[0].Message.Content, nil
	}

	result, err := decoder.Decode(ctx, raw, schema, dayDate, continuer)
	if err != nil {
		return nil, itinerary.WrapError(itinerary.ErrModelUnparseable, "decode failed", err)
	}
	if !result.OK {
		return result, itinerary.NewError(itinerary.ErrModelUnparseable, "model reply did not satisfy schema", map[string]interface{}{"errors": result.Errors})
	}
	return result, nil
}
