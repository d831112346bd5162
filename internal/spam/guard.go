// Package spam implements the per-connection token-bucket rate limiter.
// The check runs before any parsing so flooders pay only the cheapest work.
package spam

import (
	"sync"

	"golang.org/x/time/rate"

	sharedConfig "pan/internal/shared/config"
)

// Guard is one token bucket bound to one socket. The bucket holds at most
// MessageLimit tokens, so a long-idle connection cannot bank a larger burst
// than the window allows.
type Guard struct {
	mu         sync.Mutex
	limiter    *rate.Limiter
	violations int

	disconnectThreshold int
	windowSeconds       int
	messageLimit        int
}

// NewGuard creates a guard refilling at MessageLimit/WindowSeconds tokens
// per second with a burst of MessageLimit.
func NewGuard(cfg *sharedConfig.SpamConfig) *Guard {
	refill := rate.Limit(float64(cfg.MessageLimit) / float64(cfg.WindowSeconds))
	return &Guard{
		limiter:             rate.NewLimiter(refill, cfg.MessageLimit),
		disconnectThreshold: cfg.DisconnectThreshold,
		windowSeconds:       cfg.WindowSeconds,
		messageLimit:        cfg.MessageLimit,
	}
}

// Check consumes one token for an inbound frame. violated reports that the
// bucket was empty; disconnect reports that the violation count has reached
// the hard threshold and the socket must be closed.
func (g *Guard) Check() (violated, disconnect bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.limiter.Allow() {
		return false, false
	}
	g.violations++
	return true, g.violations >= g.disconnectThreshold
}

// Violations returns the number of violations recorded so far.
func (g *Guard) Violations() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.violations
}

// Limit returns the configured message limit, for the violation reply.
func (g *Guard) Limit() int { return g.messageLimit }

// Window returns the configured window in seconds, for the violation reply.
func (g *Guard) Window() int { return g.windowSeconds }
