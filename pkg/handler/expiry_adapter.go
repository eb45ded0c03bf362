package handler

import (
	"github.com/rs/zerolog"

	"github.com/mapquest/rendermq/pkg/expiry"
	"github.com/mapquest/rendermq/pkg/log"
	"github.com/mapquest/rendermq/pkg/tile"
)

// ExpiryAdapter wraps an expiry.Client so it satisfies the handler
// package's (unexported) expiryChecker interface, translating the
// pool's per-coordinate calls into the client's tile.Job-based RPCs and
// swallowing transport errors — a failed expiry check degrades to
// "not expired" rather than failing the whole request.
type ExpiryAdapter struct {
	client *expiry.Client
	log    zerolog.Logger
}

// NewExpiryAdapter wraps client for use as a Handler's expiry checker.
func NewExpiryAdapter(client *expiry.Client) *ExpiryAdapter {
	return &ExpiryAdapter{client: client, log: log.WithComponent("handler-expiry-client")}
}

func (e *ExpiryAdapter) isExpired(style string, format tile.Format, z, x, y int) bool {
	expired, err := e.client.IsExpired(tile.Job{Style: style, Format: format, Z: z, X: x, Y: y})
	if err != nil {
		e.log.Warn().Err(err).Msg("expiry check failed, assuming fresh")
		return false
	}
	return expired
}

func (e *ExpiryAdapter) setExpired(style string, format tile.Format, z, x, y int) {
	if _, err := e.client.SetExpired(tile.Job{Style: style, Format: format, Z: z, X: x, Y: y}, true); err != nil {
		e.log.Warn().Err(err).Msg("expiry set failed")
	}
}
