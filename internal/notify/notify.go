// Package notify delivers owner-facing messages about schedule
// outcomes. Delivery is best effort: a failed notification is logged
// and dropped, it never changes post state.
package notify

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Sender is the chat transport. The bot layer implements it.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

type Notifier struct {
	mu      sync.RWMutex
	sender  Sender
	limiter *rate.Limiter
	log     zerolog.Logger
	enabled bool
}

func New(log zerolog.Logger, enabled bool, ratePerSec int) *Notifier {
	if ratePerSec <= 0 {
		ratePerSec = 3
	}
	return &Notifier{
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
		log:     log,
		enabled: enabled,
	}
}

// Bind installs the chat transport. Until bound, notifications are
// dropped with a log line; the scheduler may start before the bot.
func (n *Notifier) Bind(s Sender) {
	n.mu.Lock()
	n.sender = s
	n.mu.Unlock()
}

// SetRate replaces the send rate. Used by config hot reload.
func (n *Notifier) SetRate(perSec int) {
	if perSec <= 0 {
		return
	}
	n.limiter.SetLimit(rate.Limit(perSec))
	n.limiter.SetBurst(perSec)
}

// Notify sends text to chatID, respecting the rate limit. Errors are
// swallowed after logging.
func (n *Notifier) Notify(ctx context.Context, chatID int64, text string) {
	if !n.enabled {
		return
	}
	n.mu.RLock()
	sender := n.sender
	n.mu.RUnlock()
	if sender == nil {
		n.log.Debug().Int64("chat_id", chatID).Msg("notification dropped, no transport bound")
		return
	}
	if err := n.limiter.Wait(ctx); err != nil {
		n.log.Debug().Err(err).Int64("chat_id", chatID).Msg("notification dropped, context done")
		return
	}
	if err := sender.SendText(ctx, chatID, text); err != nil {
		n.log.Warn().Err(err).Int64("chat_id", chatID).Msg("notification send failed")
	}
}
