package email

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

type rateLimited struct {
	next    Sender
	limiter *rate.Limiter
}

// RateLimited throttles sends to perSecond emails with the given burst.
// A non-positive rate returns next unchanged.
func RateLimited(next Sender, perSecond float64, burst int) Sender {
	if perSecond <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &rateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (r *rateLimited) Send(ctx context.Context, email *Email) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for send slot: %w", err)
	}
	return r.next.Send(ctx, email)
}
