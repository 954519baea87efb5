package service

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"village/internal/clock"
	"village/internal/database"
	"village/internal/domain"
	"village/internal/events"
	"village/internal/lock"
	"village/internal/models"
)

const (
	ownerID  int64 = 100
	renterA  int64 = 1
	renterB  int64 = 2
	stranger int64 = 3
)

type mockEventBus struct {
	mock.Mock
}

func (m *mockEventBus) PublishJSON(et string, p interface{}) error { return m.Called(et, p).Error(0) }

// noLock leaves all arbitration to the store.
type noLock struct{}

func (noLock) Lock(context.Context, string) (lock.Unlock, error) { return func() {}, nil }

type testEnv struct {
	svc       *BookingService
	db        *database.DB
	bus       *mockEventBus
	productID int64
}

func newTestEnv(t *testing.T, locker lock.Locker) *testEnv {
	t.Helper()
	logger := zerolog.New(io.Discard)

	db, err := database.NewDB(filepath.Join(t.TempDir(), "village.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	p := &models.Product{OwnerID: ownerID, Title: "tent", Location: "Seoul"}
	require.NoError(t, db.CreateProduct(context.Background(), p))

	bus := new(mockEventBus)
	bus.On("PublishJSON", mock.Anything, mock.Anything).Return(nil).Maybe()

	clk := clock.NewManual(time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC))
	svc := NewBookingService(db, db, locker, bus, clk, &logger)
	return &testEnv{svc: svc, db: db, bus: bus, productID: p.ID}
}

func day(d int) time.Time {
	return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC)
}

func TestReserve(t *testing.T) {
	ctx := context.Background()

	t.Run("creates waiting reservation", func(t *testing.T) {
		env := newTestEnv(t, lock.NewKeyedMutex())
		r, err := env.svc.Reserve(ctx, env.productID, renterA, day(1), day(5))
		require.NoError(t, err)
		assert.NotZero(t, r.ID)
		assert.Equal(t, models.StatusWaiting, r.Status)
		assert.Equal(t, time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC), r.CreatedAt)

		stored, err := env.db.GetReservation(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, r.StartDate, stored.StartDate)
		assert.Equal(t, r.EndDate, stored.EndDate)
		env.bus.AssertCalled(t, "PublishJSON", events.ReservationCreated, mock.Anything)
	})

	t.Run("touching boundary allowed", func(t *testing.T) {
		env := newTestEnv(t, lock.NewKeyedMutex())
		_, err := env.svc.Reserve(ctx, env.productID, renterA, day(1), day(5))
		require.NoError(t, err)
		_, err = env.svc.Reserve(ctx, env.productID, renterB, day(5), day(10))
		require.NoError(t, err)
	})

	t.Run("overlap rejected", func(t *testing.T) {
		env := newTestEnv(t, lock.NewKeyedMutex())
		_, err := env.svc.Reserve(ctx, env.productID, renterA, day(1), day(10))
		require.NoError(t, err)
		_, err = env.svc.Reserve(ctx, env.productID, renterB, day(5), day(8))
		assert.ErrorIs(t, err, domain.ErrOverlapConflict)
	})

	t.Run("unknown resource", func(t *testing.T) {
		env := newTestEnv(t, lock.NewKeyedMutex())
		_, err := env.svc.Reserve(ctx, 9999, renterA, day(1), day(2))
		assert.ErrorIs(t, err, domain.ErrResourceNotFound)
	})

	t.Run("invalid range", func(t *testing.T) {
		env := newTestEnv(t, lock.NewKeyedMutex())
		_, err := env.svc.Reserve(ctx, env.productID, renterA, day(5), day(5))
		assert.ErrorIs(t, err, domain.ErrInvalidRange)
		_, err = env.svc.Reserve(ctx, env.productID, renterA, day(6), day(5))
		assert.ErrorIs(t, err, domain.ErrInvalidRange)
	})

	t.Run("sub-second range widened to whole seconds", func(t *testing.T) {
		env := newTestEnv(t, lock.NewKeyedMutex())
		base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
		r, err := env.svc.Reserve(ctx, env.productID, renterA, base.Add(200*time.Millisecond), base.Add(700*time.Millisecond))
		require.NoError(t, err)
		assert.Equal(t, base, r.StartDate)
		assert.Equal(t, base.Add(time.Second), r.EndDate)

		stored, err := env.db.GetReservation(ctx, r.ID)
		require.NoError(t, err)
		assert.True(t, stored.StartDate.Before(stored.EndDate))

		// The next whole second still touches rather than overlaps.
		_, err = env.svc.Reserve(ctx, env.productID, renterB, base.Add(time.Second), base.Add(2*time.Second))
		require.NoError(t, err)
	})

	t.Run("storage unavailable", func(t *testing.T) {
		env := newTestEnv(t, lock.NewKeyedMutex())
		require.NoError(t, env.db.Close())
		_, err := env.svc.Reserve(ctx, env.productID, renterA, day(1), day(2))
		assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
	})
}

func TestFreedIntervalReusable(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, lock.NewKeyedMutex())

	res1, err := env.svc.Reserve(ctx, env.productID, renterA, day(1), day(5))
	require.NoError(t, err)
	_, err = env.svc.ChangeStatus(ctx, res1.ID, ownerID, models.StatusRejected)
	require.NoError(t, err)

	_, err = env.svc.Reserve(ctx, env.productID, renterB, day(1), day(5))
	assert.NoError(t, err)
}

func TestAcceptedKeepsInterval(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, lock.NewKeyedMutex())

	res1, err := env.svc.Reserve(ctx, env.productID, renterA, day(1), day(5))
	require.NoError(t, err)
	_, err = env.svc.ChangeStatus(ctx, res1.ID, ownerID, models.StatusAccepted)
	require.NoError(t, err)

	_, err = env.svc.Reserve(ctx, env.productID, renterB, day(3), day(4))
	assert.ErrorIs(t, err, domain.ErrOverlapConflict)
}

func TestAuthorizationAsymmetry(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, lock.NewKeyedMutex())

	r, err := env.svc.Reserve(ctx, env.productID, renterA, day(1), day(5))
	require.NoError(t, err)

	_, err = env.svc.ChangeStatus(ctx, r.ID, renterA, models.StatusAccepted)
	assert.ErrorIs(t, err, domain.ErrNotSeller)
	_, err = env.svc.ChangeStatus(ctx, r.ID, stranger, models.StatusRejected)
	assert.ErrorIs(t, err, domain.ErrNotSeller)

	err = env.svc.Cancel(ctx, r.ID, ownerID)
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)

	stored, err := env.db.GetReservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, stored.Status)
}

func TestChangeStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("terminal immutability", func(t *testing.T) {
		env := newTestEnv(t, lock.NewKeyedMutex())
		r, err := env.svc.Reserve(ctx, env.productID, renterA, day(1), day(5))
		require.NoError(t, err)

		got, err := env.svc.ChangeStatus(ctx, r.ID, ownerID, models.StatusAccepted)
		require.NoError(t, err)
		assert.Equal(t, models.StatusAccepted, got.Status)

		_, err = env.svc.ChangeStatus(ctx, r.ID, ownerID, models.StatusRejected)
		assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)

		stored, err := env.db.GetReservation(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusAccepted, stored.Status)
	})

	t.Run("owner cannot set waiting or cancelled", func(t *testing.T) {
		env := newTestEnv(t, lock.NewKeyedMutex())
		r, err := env.svc.Reserve(ctx, env.productID, renterA, day(1), day(5))
		require.NoError(t, err)

		_, err = env.svc.ChangeStatus(ctx, r.ID, ownerID, models.StatusWaiting)
		assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
		_, err = env.svc.ChangeStatus(ctx, r.ID, ownerID, models.StatusCancelled)
		assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
		_, err = env.svc.ChangeStatus(ctx, r.ID, ownerID, models.Status("archived"))
		assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
	})

	t.Run("missing reservation", func(t *testing.T) {
		env := newTestEnv(t, lock.NewKeyedMutex())
		_, err := env.svc.ChangeStatus(ctx, 12345, ownerID, models.StatusAccepted)
		assert.ErrorIs(t, err, domain.ErrReservationNotFound)
	})

	t.Run("publishes status change", func(t *testing.T) {
		env := newTestEnv(t, lock.NewKeyedMutex())
		r, err := env.svc.Reserve(ctx, env.productID, renterA, day(1), day(5))
		require.NoError(t, err)

		_, err = env.svc.ChangeStatus(ctx, r.ID, ownerID, models.StatusAccepted)
		require.NoError(t, err)

		env.bus.AssertCalled(t, "PublishJSON", events.ReservationStatusChanged, mock.MatchedBy(func(c models.StatusChange) bool {
			return c.ReservationID == r.ID && c.OwnerID == ownerID && c.RenterID == renterA && c.Status == models.StatusAccepted
		}))
	})

	t.Run("publish failure does not roll back", func(t *testing.T) {
		logger := zerolog.New(io.Discard)
		env := newTestEnv(t, lock.NewKeyedMutex())
		bus := new(mockEventBus)
		bus.On("PublishJSON", events.ReservationCreated, mock.Anything).Return(nil).Once()
		bus.On("PublishJSON", events.ReservationStatusChanged, mock.Anything).Return(errors.New("queue down")).Once()
		svc := NewBookingService(env.db, env.db, lock.NewKeyedMutex(), bus, nil, &logger)

		r, err := svc.Reserve(ctx, env.productID, renterA, day(1), day(5))
		require.NoError(t, err)
		_, err = svc.ChangeStatus(ctx, r.ID, ownerID, models.StatusAccepted)
		require.NoError(t, err)

		stored, err := env.db.GetReservation(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusAccepted, stored.Status)
		bus.AssertExpectations(t)
	})
}

func TestCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("renter cancels waiting reservation", func(t *testing.T) {
		env := newTestEnv(t, lock.NewKeyedMutex())
		r, err := env.svc.Reserve(ctx, env.productID, renterA, day(1), day(5))
		require.NoError(t, err)

		require.NoError(t, env.svc.Cancel(ctx, r.ID, renterA))

		_, err = env.db.GetReservation(ctx, r.ID)
		assert.ErrorIs(t, err, domain.ErrReservationNotFound)

		_, err = env.svc.Reserve(ctx, env.productID, renterB, day(1), day(5))
		assert.NoError(t, err)

		env.bus.AssertCalled(t, "PublishJSON", events.ReservationStatusChanged, mock.MatchedBy(func(c models.StatusChange) bool {
			return c.ReservationID == r.ID && c.Status == models.StatusCancelled && c.OwnerID == ownerID
		}))
	})

	t.Run("only while waiting", func(t *testing.T) {
		env := newTestEnv(t, lock.NewKeyedMutex())
		r, err := env.svc.Reserve(ctx, env.productID, renterA, day(1), day(5))
		require.NoError(t, err)
		_, err = env.svc.ChangeStatus(ctx, r.ID, ownerID, models.StatusAccepted)
		require.NoError(t, err)

		err = env.svc.Cancel(ctx, r.ID, renterA)
		assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
	})

	t.Run("twice", func(t *testing.T) {
		env := newTestEnv(t, lock.NewKeyedMutex())
		r, err := env.svc.Reserve(ctx, env.productID, renterA, day(1), day(5))
		require.NoError(t, err)
		require.NoError(t, env.svc.Cancel(ctx, r.ID, renterA))
		assert.ErrorIs(t, env.svc.Cancel(ctx, r.ID, renterA), domain.ErrReservationNotFound)
	})
}

func TestConcurrentAcceptAndCancel(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, lock.NewKeyedMutex())

	for i := 0; i < 10; i++ {
		r, err := env.svc.Reserve(ctx, env.productID, renterA, day(1).AddDate(0, 0, i*3), day(2).AddDate(0, 0, i*3))
		require.NoError(t, err)

		var (
			wg                   sync.WaitGroup
			acceptErr, cancelErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, acceptErr = env.svc.ChangeStatus(ctx, r.ID, ownerID, models.StatusAccepted)
		}()
		go func() {
			defer wg.Done()
			cancelErr = env.svc.Cancel(ctx, r.ID, renterA)
		}()
		wg.Wait()

		// Exactly one side wins.
		if acceptErr == nil {
			require.Error(t, cancelErr)
			assert.True(t, errors.Is(cancelErr, domain.ErrInvalidStateTransition))
			stored, err := env.db.GetReservation(ctx, r.ID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusAccepted, stored.Status)
		} else {
			require.NoError(t, cancelErr)
			assert.True(t, errors.Is(acceptErr, domain.ErrInvalidStateTransition) || errors.Is(acceptErr, domain.ErrReservationNotFound))
		}
	}
}

func TestConcurrentReserve(t *testing.T) {
	lockers := map[string]lock.Locker{
		"keyed mutex": lock.NewKeyedMutex(),
		"store only":  noLock{},
	}

	for name, locker := range lockers {
		t.Run(name+"/identical interval", func(t *testing.T) {
			env := newTestEnv(t, locker)
			ctx := context.Background()

			const n = 8
			errs := make([]error, n)
			var wg sync.WaitGroup
			start := make(chan struct{})
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					<-start
					_, errs[i] = env.svc.Reserve(ctx, env.productID, int64(i+1), day(10), day(12))
				}(i)
			}
			close(start)
			wg.Wait()

			ok := 0
			for _, err := range errs {
				if err == nil {
					ok++
					continue
				}
				assert.ErrorIs(t, err, domain.ErrOverlapConflict)
			}
			assert.Equal(t, 1, ok)
		})

		t.Run(name+"/random ranges", func(t *testing.T) {
			env := newTestEnv(t, locker)
			ctx := context.Background()
			rng := rand.New(rand.NewSource(42))

			type req struct{ start, end time.Time }
			reqs := make([]req, 30)
			for i := range reqs {
				s := rng.Intn(60)
				reqs[i] = req{start: day(1).AddDate(0, 0, s), end: day(1).AddDate(0, 0, s+1+rng.Intn(5))}
			}

			results := make([]error, len(reqs))
			var wg sync.WaitGroup
			for i := range reqs {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, results[i] = env.svc.Reserve(ctx, env.productID, int64(i+1), reqs[i].start, reqs[i].end)
				}(i)
			}
			wg.Wait()

			active, err := env.db.ListActiveReservations(ctx, env.productID)
			require.NoError(t, err)

			for i := range active {
				for j := i + 1; j < len(active); j++ {
					assert.False(t, active[i].OverlapsWith(&active[j]), "reservations %d and %d overlap", active[i].ID, active[j].ID)
				}
			}

			// Every rejected request collides with something that was granted.
			for i, err := range results {
				if err == nil {
					continue
				}
				require.ErrorIs(t, err, domain.ErrOverlapConflict)
				hit := false
				for _, a := range active {
					if models.Overlaps(a.StartDate, a.EndDate, reqs[i].start, reqs[i].end) {
						hit = true
						break
					}
				}
				assert.True(t, hit, "request %d was rejected without a conflict", i)
			}
		})
	}
}

func TestListForResource(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, lock.NewKeyedMutex())
	clk := env.svc.clock.(*clock.Manual)

	r1, err := env.svc.Reserve(ctx, env.productID, renterA, day(1), day(2))
	require.NoError(t, err)
	clk.Advance(time.Minute)
	r2, err := env.svc.Reserve(ctx, env.productID, renterB, day(3), day(4))
	require.NoError(t, err)
	clk.Advance(time.Minute)
	_, err = env.svc.ChangeStatus(ctx, r2.ID, ownerID, models.StatusRejected)
	require.NoError(t, err)

	views, err := env.svc.ListForResource(ctx, env.productID, renterA)
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, r1.ID, views[0].ID)
	assert.True(t, views[0].IsRenter)
	assert.True(t, views[0].CanCancel)
	assert.Equal(t, r2.ID, views[1].ID)
	assert.False(t, views[1].IsRenter)
	assert.Equal(t, models.StatusRejected, views[1].Status)

	_, err = env.svc.ListForResource(ctx, 777, renterA)
	assert.ErrorIs(t, err, domain.ErrResourceNotFound)
}

func TestListAccepted(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, lock.NewKeyedMutex())

	r1, err := env.svc.Reserve(ctx, env.productID, renterA, day(1), day(2))
	require.NoError(t, err)
	_, err = env.svc.Reserve(ctx, env.productID, renterB, day(3), day(4))
	require.NoError(t, err)
	_, err = env.svc.ChangeStatus(ctx, r1.ID, ownerID, models.StatusAccepted)
	require.NoError(t, err)

	deals, err := env.svc.ListAccepted(ctx)
	require.NoError(t, err)
	require.Len(t, deals, 1)
	assert.Equal(t, r1.ID, deals[0].ReservationID)
	assert.Equal(t, ownerID, deals[0].OwnerID)
	assert.Equal(t, renterA, deals[0].RenterID)
}

func TestDeleteReservationsForResource(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, lock.NewKeyedMutex())

	_, err := env.svc.Reserve(ctx, env.productID, renterA, day(1), day(2))
	require.NoError(t, err)
	_, err = env.svc.Reserve(ctx, env.productID, renterB, day(3), day(4))
	require.NoError(t, err)

	n, err := env.svc.DeleteReservationsForResource(ctx, env.productID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = env.svc.DeleteReservationsForResource(ctx, env.productID)
	require.NoError(t, err)
	assert.Zero(t, n)
}
