package api

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/sot-ingest/internal/circuitbreaker"
	apperrors "github.com/sot-ingest/internal/errors"
	"github.com/sot-ingest/internal/models"
)

// HealthResponse reports the state of every dependency
type HealthResponse struct {
	Status       string                          `json:"status"`
	Service      string                          `json:"service"`
	Dependencies map[string]string               `json:"dependencies"`
	Breakers     map[string]circuitbreaker.State `json:"breakers,omitempty"`
}

// AuditListResponse is the tail of the ingest audit log
type AuditListResponse struct {
	Entries []*models.IngestAudit `json:"entries"`
	Limit   int                   `json:"limit"`
}

// LocationListResponse is a page of location records
type LocationListResponse struct {
	Locations []*models.LocationRecord `json:"locations"`
	Total     int64                    `json:"total"`
	Limit     int                      `json:"limit"`
	Offset    int                      `json:"offset"`
}

// handleHealth pings every dependency; any failure yields 503.
// An open breaker is reported but does not fail the check.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	names := make([]string, 0, len(s.deps.Health))
	for name := range s.deps.Health {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := HealthResponse{Status: "healthy", Service: "sot-ingest", Dependencies: map[string]string{}}
	for _, name := range names {
		if err := s.deps.Health[name].Ping(ctx); err != nil {
			s.logger.WithField("dependency", name).WithError(err).Warn("Health check failed")
			resp.Dependencies[name] = "down"
			resp.Status = "unhealthy"
			continue
		}
		resp.Dependencies[name] = "up"
	}
	if len(s.deps.Breakers) > 0 {
		resp.Breakers = make(map[string]circuitbreaker.State, len(s.deps.Breakers))
		for name, b := range s.deps.Breakers {
			resp.Breakers[name] = b.BreakerState()
		}
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, resp)
}

func (s *Server) handleGetCheckpoint(w http.ResponseWriter, r *http.Request) {
	cp, err := s.deps.Checkpoints.Get(r.Context())
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if cp == nil {
		cp = &models.Checkpoint{KeyName: models.CheckpointKey}
	}
	respondJSON(w, http.StatusOK, cp)
}

func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Queue.Stats(r.Context())
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListLocations(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if limit <= 0 || limit > 500 {
		s.respondServiceError(w, apperrors.NewInvalidParameterError("limit", "must be between 1 and 500"))
		return
	}
	if offset < 0 {
		s.respondServiceError(w, apperrors.NewInvalidParameterError("offset", "must not be negative"))
		return
	}

	locations, err := s.deps.Locations.List(r.Context(), limit, offset)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	total, err := s.deps.Locations.Count(r.Context())
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if locations == nil {
		locations = []*models.LocationRecord{}
	}

	respondJSON(w, http.StatusOK, LocationListResponse{
		Locations: locations,
		Total:     total,
		Limit:     limit,
		Offset:    offset,
	})
}

func (s *Server) handleGetLocation(w http.ResponseWriter, r *http.Request) {
	uniqueID := mux.Vars(r)["uniqueId"]

	loc, err := s.deps.Locations.GetByUniqueID(r.Context(), uniqueID)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, loc)
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Audit == nil {
		s.respondServiceError(w, apperrors.NewServiceUnavailableError("audit log"))
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if limit <= 0 || limit > 500 {
		s.respondServiceError(w, apperrors.NewInvalidParameterError("limit", "must be between 1 and 500"))
		return
	}

	entries, err := s.deps.Audit.Recent(r.Context(), limit)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if entries == nil {
		entries = []*models.IngestAudit{}
	}
	respondJSON(w, http.StatusOK, AuditListResponse{Entries: entries, Limit: limit})
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperrors.NewInvalidParameterError(name, "must be an integer")
	}
	return v, nil
}
