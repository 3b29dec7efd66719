package providers

import (
	"context"

	"golang.org/x/time/rate"
)

// Throttle caps the outbound call rate to a model provider. Adapted from
// the teacher's middleware.RateLimiter (per-visitor rate.Limiter map) down
// to the single-caller case: an agent process has one outbound model
// client, not per-IP visitors, so one shared *rate.Limiter suffices.
type Throttle struct {
	limiter *rate.Limiter
}

// NewThrottle builds a Throttle allowing rps requests/sec with the given
// burst, mirroring the teacher's NewRateLimiter(rps, burst) signature.
func NewThrottle(rps float64, burst int) *Throttle {
	return &Throttle{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Wait blocks until a call token is available or ctx is cancelled.
func (t *Throttle) Wait(ctx context.Context) error {
	if t == nil || t.limiter == nil {
		return nil
	}
	return t.limiter.Wait(ctx)
}

// ThrottledProvider wraps an LLMProvider so every GenerateResponse call
// first waits on a shared Throttle, capping outbound model-call rate the
// way the teacher's rate limiter caps outbound HTTP.
type ThrottledProvider struct {
	LLMProvider
	throttle *Throttle
}

// NewThrottledProvider wraps provider with rate limiting.
func NewThrottledProvider(provider LLMProvider, throttle *Throttle) *ThrottledProvider {
	return &ThrottledProvider{LLMProvider: provider, throttle: throttle}
}

func (p *ThrottledProvider) GenerateResponse(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	if err := p.throttle.Wait(ctx); err != nil {
		return nil, err
	}
	return p.LLMProvider.GenerateResponse(ctx, req)
}
