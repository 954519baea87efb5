// Package registry owns product listings and their removal.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"village/internal/domain"
	"village/internal/events"
	"village/internal/models"
)

// ErrInvalidProduct is returned for listings without a title or owner.
var ErrInvalidProduct = errors.New("invalid product")

// ReservationPurger is the reservation cascade hook.
type ReservationPurger interface {
	DeleteReservationsForResource(ctx context.Context, resourceID int64) (int64, error)
}

// Step is one idempotent part of a product removal.
type Step struct {
	Name string
	Run  func(ctx context.Context, p models.Product) error
}

// RetryConfig controls how often a failing step is retried.
type RetryConfig struct {
	MaxRetries  int
	RetryDelays []time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:  3,
		RetryDelays: []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second},
	}
}

// Service registers products and removes them through an ordered cascade.
type Service struct {
	products domain.ProductStore
	purger   ReservationPurger
	events   domain.EventPublisher
	retry    RetryConfig
	logger   *zerolog.Logger

	mu    sync.RWMutex
	steps []Step
}

func NewService(products domain.ProductStore, purger ReservationPurger, publisher domain.EventPublisher, retry RetryConfig, logger *zerolog.Logger) *Service {
	l := logger.With().Str("component", "registry").Logger()
	return &Service{
		products: products,
		purger:   purger,
		events:   publisher,
		retry:    retry,
		logger:   &l,
	}
}

// AddStep appends a cascade step. Added steps run after reservations are
// purged and before the product row is removed.
func (s *Service) AddStep(step Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step)
}

// StepNames lists the cascade in execution order.
func (s *Service) StepNames() []string {
	steps := s.cascade(nil)
	names := make([]string, len(steps))
	for i, st := range steps {
		names[i] = st.Name
	}
	return names
}

// cascade builds the step list: reservations first, product row last.
func (s *Service) cascade(removed *int64) []Step {
	s.mu.RLock()
	extra := append([]Step(nil), s.steps...)
	s.mu.RUnlock()

	out := make([]Step, 0, len(extra)+2)
	out = append(out, Step{Name: "reservations", Run: func(ctx context.Context, p models.Product) error {
		n, err := s.purger.DeleteReservationsForResource(ctx, p.ID)
		if removed != nil {
			*removed += n
		}
		return err
	}})
	out = append(out, extra...)
	out = append(out, Step{Name: "product", Run: func(ctx context.Context, p models.Product) error {
		return s.products.DeleteProduct(ctx, p.ID)
	}})
	return out
}

func (s *Service) Create(ctx context.Context, ownerID int64, title, location string) (*models.Product, error) {
	title = strings.TrimSpace(title)
	if ownerID == 0 || title == "" {
		return nil, ErrInvalidProduct
	}
	p := &models.Product{OwnerID: ownerID, Title: title, Location: strings.TrimSpace(location)}
	if err := s.products.CreateProduct(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info().Int64("product_id", p.ID).Int64("owner_id", ownerID).Msg("product registered")
	return p, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*models.Product, error) {
	return s.products.GetProduct(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]models.Product, error) {
	return s.products.ListProducts(ctx)
}

// Delete removes a product owned by requesterID. Steps are retried on
// failure, and a partially finished cascade can be resumed by calling
// Delete again since every step is idempotent.
func (s *Service) Delete(ctx context.Context, productID, requesterID int64) error {
	p, err := s.products.GetProduct(ctx, productID)
	if err != nil {
		return err
	}
	if p.OwnerID != requesterID {
		return domain.ErrNotAuthorized
	}

	var removed int64
	for _, step := range s.cascade(&removed) {
		if err := s.runStep(ctx, step, *p); err != nil {
			return fmt.Errorf("cascade step %s: %w", step.Name, err)
		}
	}

	s.logger.Info().Int64("product_id", productID).Int64("reservations", removed).Msg("product deleted")

	if s.events != nil {
		payload := events.ProductDeletedPayload{ResourceID: p.ID, OwnerID: p.OwnerID, RemovedReservations: removed}
		if err := s.events.PublishJSON(events.ProductDeleted, payload); err != nil {
			s.logger.Warn().Err(err).Int64("product_id", productID).Msg("failed to publish product deletion")
		}
	}
	return nil
}

func (s *Service) runStep(ctx context.Context, step Step, p models.Product) error {
	var lastErr error
	for attempt := 0; attempt <= s.retry.MaxRetries; attempt++ {
		lastErr = step.Run(ctx, p)
		if lastErr == nil {
			return nil
		}
		// Business errors will not change on retry.
		if domain.IsBusinessError(lastErr) {
			return lastErr
		}
		if attempt == s.retry.MaxRetries {
			break
		}

		delay := s.delay(attempt)
		s.logger.Warn().Err(lastErr).
			Str("step", step.Name).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("retrying cascade step")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

func (s *Service) delay(attempt int) time.Duration {
	delays := s.retry.RetryDelays
	if len(delays) == 0 {
		return 0
	}
	if attempt < len(delays) {
		return delays[attempt]
	}
	return delays[len(delays)-1]
}
