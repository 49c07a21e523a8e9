package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nearby/internal/models"
	"nearby/internal/service"
)

// Matcher defines the presence operations the HTTP layer needs
type Matcher interface {
	Publish(ctx context.Context, rec models.PresenceRecord) (models.UpsertOutcome, error)
	FindNearby(ctx context.Context, requesterKey string, origin models.Location, radiusMeters float64) ([]models.Match, error)
}

// PublishRequest represents the request body of POST /user_available
type PublishRequest struct {
	PhoneNumberHash         string    `json:"phone_number_hash"`
	Latitude                *float64  `json:"latitude"`
	Longitude               *float64  `json:"longitude"`
	AvailableUntil          time.Time `json:"available_until"`
	ContactsPhoneNumberHash []string  `json:"contacts_phone_number_hash"`
}

// maxBodyBytes bounds publish payloads; contact lists are the only unbounded field
const maxBodyBytes = 1 << 20

// PresenceHandler handles HTTP requests for presence operations
type PresenceHandler struct {
	matcher       Matcher
	defaultRadius float64
	logger        *slog.Logger
}

// NewPresenceHandler creates a new PresenceHandler. defaultRadius applies when
// a nearby query carries no max_distance_m.
func NewPresenceHandler(matcher Matcher, defaultRadius float64, logger *slog.Logger) *PresenceHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PresenceHandler{
		matcher:       matcher,
		defaultRadius: defaultRadius,
		logger:        logger,
	}
}

// PublishAvailability handles POST /user_available
func (h *PresenceHandler) PublishAvailability(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		h.writePublishError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Latitude == nil || req.Longitude == nil {
		h.writePublishError(w, http.StatusBadRequest, "latitude and longitude are required")
		return
	}

	rec := models.PresenceRecord{
		IdentityKey: req.PhoneNumberHash,
		Location:    models.Location{Latitude: *req.Latitude, Longitude: *req.Longitude},
		ExpiresAt:   req.AvailableUntil,
		VisibleTo:   req.ContactsPhoneNumberHash,
	}

	outcome, err := h.matcher.Publish(r.Context(), rec)
	if err != nil {
		status, msg := h.classify(r, err, "failed to publish availability")
		h.writePublishError(w, status, msg)
		return
	}

	writeJSONResponse(w, http.StatusOK, models.PublishResponse{Success: true, Outcome: outcome})
}

// NearbyContacts handles GET /contacts_availables_nearby
func (h *PresenceHandler) NearbyContacts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	requester := strings.TrimSpace(q.Get("phone_number_hash"))
	if requester == "" {
		h.writeNearbyError(w, http.StatusBadRequest, "phone_number_hash is required")
		return
	}
	lat, err := parseFloatParam(q.Get("latitude"))
	if err != nil {
		h.writeNearbyError(w, http.StatusBadRequest, "latitude must be a number")
		return
	}
	lon, err := parseFloatParam(q.Get("longitude"))
	if err != nil {
		h.writeNearbyError(w, http.StatusBadRequest, "longitude must be a number")
		return
	}
	radius := h.defaultRadius
	if v := q.Get("max_distance_m"); v != "" {
		if radius, err = parseFloatParam(v); err != nil {
			h.writeNearbyError(w, http.StatusBadRequest, "max_distance_m must be a number")
			return
		}
	}

	matches, err := h.matcher.FindNearby(r.Context(), requester, models.Location{Latitude: lat, Longitude: lon}, radius)
	if err != nil {
		status, msg := h.classify(r, err, "failed to find nearby contacts")
		h.writeNearbyError(w, status, msg)
		return
	}

	writeJSONResponse(w, http.StatusOK, models.NearbyResponse{Success: true, Data: matches})
}

// classify maps an operation error to a status code and a client message.
// Store failures are logged and hidden from clients.
func (h *PresenceHandler) classify(r *http.Request, err error, fallback string) (int, string) {
	if errors.Is(err, models.ErrInvalidRecord) || errors.Is(err, service.ErrInvalidQuery) {
		return http.StatusBadRequest, err.Error()
	}
	h.logger.Error(fallback, "error", err, "path", r.URL.Path, "request_id", RequestIDFromContext(r.Context()))
	return http.StatusInternalServerError, fallback
}

func parseFloatParam(v string) (float64, error) {
	if v == "" {
		return 0, errors.New("missing value")
	}
	return strconv.ParseFloat(v, 64)
}

func (h *PresenceHandler) writePublishError(w http.ResponseWriter, statusCode int, message string) {
	writeJSONResponse(w, statusCode, models.PublishResponse{Success: false, Error: message})
}

func (h *PresenceHandler) writeNearbyError(w http.ResponseWriter, statusCode int, message string) {
	writeJSONResponse(w, statusCode, models.NearbyResponse{Success: false, Error: message})
}

// writeJSONResponse writes a JSON response
func writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}
