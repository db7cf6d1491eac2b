package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/example/smartpark/internal/auth"
	"github.com/example/smartpark/internal/spot/domain"
	"github.com/example/smartpark/internal/spot/search"
	"github.com/example/smartpark/internal/spot/service"
)

// HTTP adapts the availability engine to the wire. It owns no business
// logic beyond request decoding and error-to-status mapping.
type HTTP struct {
	svc *service.Service
}

// NewHTTP constructs a handler.
func NewHTTP(svc *service.Service) *HTTP {
	return &HTTP{svc: svc}
}

// Router builds the chi router with all endpoints. A non-nil guard wraps
// the mutating, reservation, and history routes; search and spot reads
// stay public.
func (h *HTTP) Router(guard func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Get("/v1/spots", h.listSpots)
	r.Get("/v1/spots/nearby", h.searchNearby)
	r.Get("/v1/spots/{id}", h.getSpot)
	r.Get("/v1/spots/{id}/distance", h.distance)
	r.Group(func(r chi.Router) {
		if guard != nil {
			r.Use(guard)
		}
		r.Get("/v1/spots/{id}/history", h.history)
		r.Post("/v1/spots", h.createSpot)
		r.Patch("/v1/spots/{id}", h.updateSpot)
		r.Post("/v1/reservations", h.book)
		r.Post("/v1/reservations/{id}/cancel", h.cancel)
		r.Get("/v1/reservations", h.userReservations)
	})
	return r
}

type spotPayload struct {
	Lng          *float64         `json:"lng"`
	Lat          *float64         `json:"lat"`
	Type         *domain.SpotType `json:"type"`
	Available    *bool            `json:"available"`
	PricePerHour *float64         `json:"price_per_hour"`
	Amenities    []domain.Amenity `json:"amenities"`
}

func (h *HTTP) createSpot(w http.ResponseWriter, r *http.Request) {
	var payload spotPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if payload.Lng == nil || payload.Lat == nil || payload.Type == nil {
		http.Error(w, "lng, lat and type are required", http.StatusBadRequest)
		return
	}
	req := service.CreateSpotRequest{
		Location:  domain.GeoPoint{Lng: *payload.Lng, Lat: *payload.Lat},
		Type:      *payload.Type,
		Available: payload.Available,
		Amenities: payload.Amenities,
	}
	if payload.PricePerHour != nil {
		req.PricePerHour = *payload.PricePerHour
	}
	spot, err := h.svc.CreateSpot(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, spot)
}

func (h *HTTP) listSpots(w http.ResponseWriter, r *http.Request) {
	all, err := h.svc.ListSpots(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	filter := attributeFilter(r)
	spots := make([]domain.ParkingSpot, 0, len(all))
	for _, spot := range all {
		if filter.Matches(spot) {
			spots = append(spots, spot)
		}
	}
	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", 10)
	total := len(spots)
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total": total,
		"page":  page,
		"limit": limit,
		"data":  spots[start:end],
	})
}

func (h *HTTP) getSpot(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	spot, err := h.svc.GetSpot(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, spot)
}

func (h *HTTP) updateSpot(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var payload spotPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	update := domain.SpotUpdate{
		Type:         payload.Type,
		Available:    payload.Available,
		PricePerHour: payload.PricePerHour,
		Amenities:    payload.Amenities,
	}
	if payload.Lng != nil && payload.Lat != nil {
		update.Location = &domain.GeoPoint{Lng: *payload.Lng, Lat: *payload.Lat}
	}
	spot, err := h.svc.UpdateSpot(r.Context(), id, update)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, spot)
}

func (h *HTTP) searchNearby(w http.ResponseWriter, r *http.Request) {
	lat, latErr := queryFloat(r, "lat")
	lng, lngErr := queryFloat(r, "lng")
	if latErr != nil || lngErr != nil {
		http.Error(w, "lat and lng are required", http.StatusBadRequest)
		return
	}

	q := attributeFilter(r)
	q.Center = domain.GeoPoint{Lng: lng, Lat: lat}
	q.RadiusM = 5000
	q.Limit = queryInt(r, "limit", 0)
	if radius, err := queryFloat(r, "radius"); err == nil {
		q.RadiusM = radius
	}

	matches, err := h.svc.SearchNearby(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(matches) == 0 {
		// The deployed behaviour: an empty nearby result is not-found.
		http.Error(w, "no matching parking spots", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, matches)
}

func (h *HTTP) distance(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	lat, latErr := queryFloat(r, "lat")
	lng, lngErr := queryFloat(r, "lng")
	if latErr != nil || lngErr != nil {
		http.Error(w, "lat and lng are required", http.StatusBadRequest)
		return
	}
	spot, meters, err := h.svc.DistanceTo(r.Context(), id, domain.GeoPoint{Lng: lng, Lat: lat})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"spot": spot, "distance_m": meters})
}

func (h *HTTP) history(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	reservations, err := h.svc.SpotHistory(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reservations)
}

type bookPayload struct {
	SpotID    string    `json:"spot_id"`
	UserID    string    `json:"user_id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

func (h *HTTP) book(w http.ResponseWriter, r *http.Request) {
	var payload bookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	spotID, err := uuid.Parse(payload.SpotID)
	if err != nil {
		http.Error(w, "invalid spot_id", http.StatusBadRequest)
		return
	}
	userID, err := requestUser(r, payload.UserID)
	if err != nil {
		http.Error(w, "invalid user", http.StatusBadRequest)
		return
	}
	res, err := h.svc.Book(r.Context(), spotID, userID, payload.StartTime, payload.EndTime)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *HTTP) cancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	userID, err := requestUser(r, r.URL.Query().Get("user_id"))
	if err != nil {
		http.Error(w, "invalid user", http.StatusBadRequest)
		return
	}
	if err := h.svc.Cancel(r.Context(), id, userID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "reservation cancelled"})
}

func (h *HTTP) userReservations(w http.ResponseWriter, r *http.Request) {
	userID, err := requestUser(r, r.URL.Query().Get("user_id"))
	if err != nil {
		http.Error(w, "invalid user", http.StatusBadRequest)
		return
	}
	reservations, err := h.svc.UserReservations(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reservations)
}

// attributeFilter parses the shared attribute filters (type, availability,
// amenities, price band) from the query string.
func attributeFilter(r *http.Request) search.Query {
	var q search.Query
	if v := r.URL.Query().Get("type"); v != "" {
		t := domain.SpotType(v)
		q.Type = &t
	}
	if v := r.URL.Query().Get("available"); v != "" {
		avail := v == "true"
		q.Available = &avail
	}
	if v := r.URL.Query().Get("amenities"); v != "" {
		for _, a := range splitCSV(v) {
			q.Amenities = append(q.Amenities, domain.Amenity(a))
		}
	}
	if min, err := queryFloat(r, "min_price"); err == nil {
		q.MinPrice = &min
	}
	if max, err := queryFloat(r, "max_price"); err == nil {
		q.MaxPrice = &max
	}
	return q
}

// requestUser resolves the acting user from JWT claims when the auth
// middleware is mounted, falling back to the request-supplied id.
func requestUser(r *http.Request, fallback string) (uuid.UUID, error) {
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		return uuid.Parse(claims.Subject)
	}
	return uuid.Parse(fallback)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidQuery), errors.Is(err, domain.ErrInvalidInterval):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrForbidden):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, domain.ErrSpotUnavailable), errors.Is(err, domain.ErrAlreadyCancelled):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func queryFloat(r *http.Request, key string) (float64, error) {
	return strconv.ParseFloat(r.URL.Query().Get(key), 64)
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
