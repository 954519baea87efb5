package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"village/internal/models"
)

const dateLayout = "2006-01-02"

type createProductRequest struct {
	Title    string `json:"title" validate:"required,max=200"`
	Location string `json:"location" validate:"max=200"`
}

type reserveRequest struct {
	StartDate string `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate   string `json:"end_date" validate:"required,datetime=2006-01-02"`
}

type statusRequest struct {
	Status string `json:"status" validate:"required"`
}

type productResponse struct {
	models.Product
	Trending bool `json:"trending"`
}

type trendingResponse struct {
	Products []models.ReservationCount `json:"products"`
}

// decode reads a strict JSON body into v and validates it.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid JSON body")
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

// POST /api/products
func (s *Server) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req createProductRequest
	if !s.decode(w, r, &req) {
		return
	}
	p, err := s.products.Create(r.Context(), userID(r.Context()), req.Title, req.Location)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// GET /api/products/{id}
func (s *Server) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, err := s.products.Get(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	trending, err := s.ranking.IsTrending(r.Context(), id)
	if err != nil {
		s.logger.Warn().Err(err).Int64("product_id", id).Msg("trending lookup failed")
	}
	writeJSON(w, http.StatusOK, productResponse{Product: *p, Trending: trending})
}

// DELETE /api/products/{id}
func (s *Server) handleDeleteProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.products.Delete(r.Context(), id, userID(r.Context())); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /api/products/trending
func (s *Server) handleTrending(w http.ResponseWriter, r *http.Request) {
	list, err := s.ranking.Trending(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if list == nil {
		list = []models.ReservationCount{}
	}
	writeJSON(w, http.StatusOK, trendingResponse{Products: list})
}

// POST /api/products/{id}/reservations
func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req reserveRequest
	if !s.decode(w, r, &req) {
		return
	}
	start, _ := time.Parse(dateLayout, req.StartDate)
	end, _ := time.Parse(dateLayout, req.EndDate)

	res, err := s.bookings.Reserve(r.Context(), id, userID(r.Context()), start, end)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// GET /api/products/{id}/reservations
func (s *Server) handleListForResource(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	views, err := s.bookings.ListForResource(r.Context(), id, viewerID(r))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// DELETE /api/reservations/{id}
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.bookings.Cancel(r.Context(), id, userID(r.Context())); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PUT /api/reservations/{id}/status
func (s *Server) handleChangeStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req statusRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.bookings.ChangeStatus(r.Context(), id, userID(r.Context()), models.Status(req.Status))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GET /api/reservations/accepted
func (s *Server) handleListAccepted(w http.ResponseWriter, r *http.Request) {
	deals, err := s.bookings.ListAccepted(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if deals == nil {
		deals = []models.AcceptedDeal{}
	}
	writeJSON(w, http.StatusOK, deals)
}

// GET /api/reservations/export?from=YYYY-MM-DD&to=YYYY-MM-DD
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var from, to time.Time
	for name, dst := range map[string]*time.Time{"from": &from, "to": &to} {
		v := r.URL.Query().Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(dateLayout, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeBadRequest, "invalid "+name+" date; expected YYYY-MM-DD")
			return
		}
		*dst = t
	}

	// Buffer so that a failure can still produce a JSON error.
	var buf bytes.Buffer
	if err := s.reporter.Write(r.Context(), &buf, from, to); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="reservations.xlsx"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}
