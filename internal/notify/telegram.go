// Package notify delivers reservation status changes to the people involved.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"village/internal/domain"
	"village/internal/events"
	"village/internal/metrics"
	"village/internal/models"
)

// Sender is the part of the Telegram bot API the notifier needs.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// RetryConfig holds configuration for retry logic.
type RetryConfig struct {
	MaxRetries  int
	RetryDelays []time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:  3,
		RetryDelays: []time.Duration{time.Second, 5 * time.Second, 30 * time.Second},
	}
}

// errPermanent marks failures that retrying cannot fix.
var errPermanent = errors.New("permanent delivery failure")

// TelegramNotifier messages the renter and the owner of a reservation.
// User ids double as Telegram chat ids.
type TelegramNotifier struct {
	sender  Sender
	limiter *rate.Limiter
	retry   RetryConfig
	logger  *zerolog.Logger
}

func NewTelegramNotifier(sender Sender, limiter *rate.Limiter, retry RetryConfig, logger *zerolog.Logger) *TelegramNotifier {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	l := logger.With().Str("component", "notify").Logger()
	return &TelegramNotifier{sender: sender, limiter: limiter, retry: retry, logger: &l}
}

// OnStatusChanged tells both parties about the change. It returns the first
// delivery error after trying every recipient.
func (n *TelegramNotifier) OnStatusChanged(ctx context.Context, change models.StatusChange) error {
	var firstErr error
	for _, m := range Messages(change) {
		err := n.sendWithRetry(ctx, m.ChatID, m.Text)
		if err != nil {
			metrics.IncNotification("failed")
			n.logger.Warn().Err(err).
				Int64("chat_id", m.ChatID).
				Int64("reservation_id", change.ReservationID).
				Msg("notification dropped")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		metrics.IncNotification("sent")
	}
	return firstErr
}

func (n *TelegramNotifier) sendWithRetry(ctx context.Context, chatID int64, text string) error {
	var lastErr error
	delays := n.retry.RetryDelays

	for attempt := 0; attempt <= n.retry.MaxRetries; attempt++ {
		if err := n.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		_, err := n.sender.Send(tgbotapi.NewMessage(chatID, text))
		if err == nil {
			return nil
		}
		lastErr = err

		wait := delayFor(delays, attempt)
		var tgErr *tgbotapi.Error
		if errors.As(err, &tgErr) {
			switch tgErr.Code {
			case 429:
				if tgErr.RetryAfter > 0 {
					wait = time.Duration(tgErr.RetryAfter) * time.Second
				}
			case 400, 403:
				return fmt.Errorf("%w: %w", errPermanent, err)
			}
		}

		if attempt == n.retry.MaxRetries {
			break
		}
		n.logger.Debug().Err(err).Int("attempt", attempt+1).Dur("delay", wait).Msg("retrying notification")

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func delayFor(delays []time.Duration, attempt int) time.Duration {
	if len(delays) == 0 {
		return 0
	}
	if attempt < len(delays) {
		return delays[attempt]
	}
	return delays[len(delays)-1]
}

// Message is one outgoing chat message.
type Message struct {
	ChatID int64
	Text   string
}

// Messages renders the texts for a status change. Unknown parties (id 0)
// are skipped, and an owner renting their own product gets one message.
func Messages(change models.StatusChange) []Message {
	var renterText, ownerText string
	switch change.Status {
	case models.StatusAccepted:
		renterText = fmt.Sprintf("Your reservation #%d for product #%d was accepted.", change.ReservationID, change.ResourceID)
		ownerText = fmt.Sprintf("You accepted reservation #%d for product #%d.", change.ReservationID, change.ResourceID)
	case models.StatusRejected:
		renterText = fmt.Sprintf("Your reservation #%d for product #%d was declined.", change.ReservationID, change.ResourceID)
		ownerText = fmt.Sprintf("You declined reservation #%d for product #%d.", change.ReservationID, change.ResourceID)
	case models.StatusCancelled:
		renterText = fmt.Sprintf("You cancelled reservation #%d for product #%d.", change.ReservationID, change.ResourceID)
		ownerText = fmt.Sprintf("Reservation #%d for your product #%d was cancelled by the renter.", change.ReservationID, change.ResourceID)
	default:
		return nil
	}

	var out []Message
	if change.RenterID != 0 {
		out = append(out, Message{ChatID: change.RenterID, Text: renterText})
	}
	if change.OwnerID != 0 && change.OwnerID != change.RenterID {
		out = append(out, Message{ChatID: change.OwnerID, Text: ownerText})
	}
	return out
}

// LogNotifier records status changes when no chat transport is configured.
type LogNotifier struct {
	logger *zerolog.Logger
}

func NewLogNotifier(logger *zerolog.Logger) *LogNotifier {
	l := logger.With().Str("component", "notify").Logger()
	return &LogNotifier{logger: &l}
}

func (n *LogNotifier) OnStatusChanged(_ context.Context, change models.StatusChange) error {
	n.logger.Info().
		Int64("reservation_id", change.ReservationID).
		Int64("renter_id", change.RenterID).
		Int64("owner_id", change.OwnerID).
		Str("status", string(change.Status)).
		Msg("reservation status changed")
	return nil
}

// Subscribe feeds status change events from the bus into notifier. Delivery
// runs in the "notify" group, so retries only back up notifications.
func Subscribe(bus *events.EventBus, notifier domain.StatusNotifier) {
	bus.Group("notify").Subscribe(events.ReservationStatusChanged, func(ctx context.Context, ev events.Event) error {
		var change models.StatusChange
		if err := ev.Decode(&change); err != nil {
			return fmt.Errorf("decode status change: %w", err)
		}
		return notifier.OnStatusChanged(ctx, change)
	})
}

var (
	_ domain.StatusNotifier = (*TelegramNotifier)(nil)
	_ domain.StatusNotifier = (*LogNotifier)(nil)
)
