package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"village/internal/database"
	"village/internal/events"
	"village/internal/lock"
	"village/internal/models"
	"village/internal/ranking"
	"village/internal/registry"
	"village/internal/report"
	"village/internal/service"
)

const (
	owner  int64 = 100
	renter int64 = 1
	other  int64 = 2
)

type testServer struct {
	*httptest.Server
	db *database.DB
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zerolog.New(io.Discard)

	db, err := database.NewDB(filepath.Join(t.TempDir(), "village.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	bus := events.NewEventBus(64, &logger)
	booking := service.NewBookingService(db, db, lock.NewKeyedMutex(), bus, nil, &logger)
	reg := registry.NewService(db, booking, bus, registry.DefaultRetryConfig(), &logger)
	ranker := ranking.NewRanker(db, ranking.NewMemoryCache(), 0, 0.1, &logger)
	exporter := report.NewExporter(db, &logger)

	srv := httptest.NewServer(NewServer(booking, reg, ranker, exporter, &logger).Handler())
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, db: db}
}

func (s *testServer) do(t *testing.T, method, path string, user int64, body interface{}) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, rd)
	require.NoError(t, err)
	if user != 0 {
		req.Header.Set(headerUserID, fmt.Sprint(user))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (s *testServer) createProduct(t *testing.T) int64 {
	t.Helper()
	resp := s.do(t, http.MethodPost, "/api/products", owner, map[string]string{"title": "tent", "location": "Jeju"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeBody[models.Product](t, resp).ID
}

func (s *testServer) reserve(t *testing.T, productID, user int64, start, end string) *http.Response {
	t.Helper()
	return s.do(t, http.MethodPost, fmt.Sprintf("/api/products/%d/reservations", productID), user,
		map[string]string{"start_date": start, "end_date": end})
}

func TestReservationFlow(t *testing.T) {
	srv := setupTestServer(t)
	pid := srv.createProduct(t)

	resp := srv.reserve(t, pid, renter, "2024-01-01", "2024-01-05")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	res := decodeBody[models.Reservation](t, resp)
	assert.Equal(t, models.StatusWaiting, res.Status)
	assert.NotEmpty(t, resp.Header.Get(headerRequestID))

	resp = srv.reserve(t, pid, other, "2024-01-05", "2024-01-10")
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = srv.reserve(t, pid, other, "2024-01-03", "2024-01-04")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, codeOverlap, decodeBody[errorResponse](t, resp).Code)

	resp = srv.do(t, http.MethodGet, fmt.Sprintf("/api/products/%d/reservations", pid), renter, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	views := decodeBody[[]models.ReservationView](t, resp)
	require.Len(t, views, 2)
	assert.True(t, views[0].IsRenter)
	assert.True(t, views[0].CanCancel)
	assert.False(t, views[1].IsRenter)

	statusPath := fmt.Sprintf("/api/reservations/%d/status", res.ID)
	resp = srv.do(t, http.MethodPut, statusPath, renter, map[string]string{"status": "accepted"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, codeNotSeller, decodeBody[errorResponse](t, resp).Code)

	resp = srv.do(t, http.MethodPut, statusPath, owner, map[string]string{"status": "accepted"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.StatusAccepted, decodeBody[models.Reservation](t, resp).Status)

	resp = srv.do(t, http.MethodPut, statusPath, owner, map[string]string{"status": "rejected"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, codeInvalidTransition, decodeBody[errorResponse](t, resp).Code)

	resp = srv.do(t, http.MethodDelete, fmt.Sprintf("/api/reservations/%d", res.ID), renter, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = srv.do(t, http.MethodGet, "/api/reservations/accepted", 0, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	deals := decodeBody[[]models.AcceptedDeal](t, resp)
	require.Len(t, deals, 1)
	assert.Equal(t, owner, deals[0].OwnerID)
}

func TestCancelEndpoint(t *testing.T) {
	srv := setupTestServer(t)
	pid := srv.createProduct(t)

	resp := srv.reserve(t, pid, renter, "2024-02-01", "2024-02-03")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	res := decodeBody[models.Reservation](t, resp)
	path := fmt.Sprintf("/api/reservations/%d", res.ID)

	resp = srv.do(t, http.MethodDelete, path, owner, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, codeNotAuthorized, decodeBody[errorResponse](t, resp).Code)

	resp = srv.do(t, http.MethodDelete, path, renter, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = srv.do(t, http.MethodDelete, path, renter, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestValidation(t *testing.T) {
	srv := setupTestServer(t)
	pid := srv.createProduct(t)
	reservePath := fmt.Sprintf("/api/products/%d/reservations", pid)

	tests := []struct {
		name       string
		method     string
		path       string
		user       int64
		body       interface{}
		wantStatus int
		wantCode   string
	}{
		{"missing user", http.MethodPost, reservePath, 0, map[string]string{"start_date": "2024-01-01", "end_date": "2024-01-02"}, http.StatusUnauthorized, codeUnauthenticated},
		{"missing dates", http.MethodPost, reservePath, renter, map[string]string{}, http.StatusBadRequest, codeBadRequest},
		{"bad date format", http.MethodPost, reservePath, renter, map[string]string{"start_date": "01-01-2024", "end_date": "2024-01-02"}, http.StatusBadRequest, codeBadRequest},
		{"unknown field", http.MethodPost, reservePath, renter, map[string]string{"start_date": "2024-01-01", "end_date": "2024-01-02", "x": "y"}, http.StatusBadRequest, codeBadRequest},
		{"inverted range", http.MethodPost, reservePath, renter, map[string]string{"start_date": "2024-01-05", "end_date": "2024-01-02"}, http.StatusBadRequest, codeInvalidRange},
		{"unknown product", http.MethodPost, "/api/products/9999/reservations", renter, map[string]string{"start_date": "2024-01-01", "end_date": "2024-01-02"}, http.StatusNotFound, codeResourceNotFound},
		{"bad id", http.MethodGet, "/api/products/abc/reservations", 0, nil, http.StatusBadRequest, codeBadRequest},
		{"empty title", http.MethodPost, "/api/products", owner, map[string]string{"title": ""}, http.StatusBadRequest, codeBadRequest},
		{"missing status", http.MethodPut, "/api/reservations/1/status", owner, map[string]string{}, http.StatusBadRequest, codeBadRequest},
		{"missing reservation", http.MethodPut, "/api/reservations/999/status", owner, map[string]string{"status": "accepted"}, http.StatusNotFound, codeReservationMissing},
		{"bad export date", http.MethodGet, "/api/reservations/export?from=yesterday", 0, nil, http.StatusBadRequest, codeBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := srv.do(t, tt.method, tt.path, tt.user, tt.body)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantCode, decodeBody[errorResponse](t, resp).Code)
		})
	}
}

func TestProductDeleteAndTrending(t *testing.T) {
	srv := setupTestServer(t)
	p1 := srv.createProduct(t)
	p2 := srv.createProduct(t)

	for i, user := range []int64{1, 2, 3} {
		start := time.Date(2024, 3, 1+i*2, 0, 0, 0, 0, time.UTC)
		resp := srv.reserve(t, p1, user, start.Format(dateLayout), start.AddDate(0, 0, 1).Format(dateLayout))
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}
	resp := srv.reserve(t, p2, 4, "2024-03-01", "2024-03-02")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = srv.do(t, http.MethodGet, "/api/products/trending", 0, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	trending := decodeBody[trendingResponse](t, resp)
	require.Len(t, trending.Products, 1)
	assert.Equal(t, p1, trending.Products[0].ResourceID)

	resp = srv.do(t, http.MethodGet, fmt.Sprintf("/api/products/%d", p1), 0, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	hot := decodeBody[productResponse](t, resp)
	assert.Equal(t, p1, hot.ID)
	assert.True(t, hot.Trending)

	resp = srv.do(t, http.MethodGet, fmt.Sprintf("/api/products/%d", p2), 0, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decodeBody[productResponse](t, resp).Trending)

	resp = srv.do(t, http.MethodDelete, fmt.Sprintf("/api/products/%d", p1), renter, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = srv.do(t, http.MethodDelete, fmt.Sprintf("/api/products/%d", p1), owner, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = srv.do(t, http.MethodGet, fmt.Sprintf("/api/products/%d", p1), 0, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	left, err := srv.db.ListReservationsByResource(t.Context(), p1)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestExportEndpoint(t *testing.T) {
	srv := setupTestServer(t)
	pid := srv.createProduct(t)
	resp := srv.reserve(t, pid, renter, "2024-01-01", "2024-01-02")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = srv.do(t, http.MethodGet, "/api/reservations/export?from=2024-01-01&to=2024-02-01", 0, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "spreadsheetml")
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(body, []byte("PK")), "xlsx is a zip archive")
}
