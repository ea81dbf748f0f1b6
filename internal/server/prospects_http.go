package server

import (
	"net/http"
	"strconv"

	"prospector/internal/logging"
	"prospector/internal/types"
)

func (s *Server) handleListProspects(w http.ResponseWriter, r *http.Request) {
	filters, err := parseProspectFilters(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_filter", err.Error())
		return
	}

	prospects, total, err := s.repo.ListProspects(filters)
	if err != nil {
		logging.ServerError("list prospects failed: %v", err)
		writeError(w, http.StatusInternalServerError, "storage_error", "could not list prospects")
		return
	}
	if prospects == nil {
		prospects = []*types.Prospect{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"prospects": prospects,
		"total":     total,
		"limit":     filters.EffectiveLimit(),
		"offset":    filters.Offset,
	})
}

func (s *Server) handleGetProspect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := s.repo.FindProspectByID(id)
	if err != nil {
		logging.ServerError("get prospect %s failed: %v", id, err)
		writeError(w, http.StatusInternalServerError, "storage_error", "could not load prospect")
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "not_found", "no prospect with id "+id)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.repo.Stats()
	if err != nil {
		logging.ServerError("prospect stats failed: %v", err)
		writeError(w, http.StatusInternalServerError, "storage_error", "could not compute stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func parseProspectFilters(r *http.Request) (types.ProspectFilters, error) {
	q := r.URL.Query()
	f := types.ProspectFilters{
		Status:    q.Get("status"),
		City:      q.Get("city"),
		Industry:  q.Get("industry"),
		ProjectID: q.Get("project_id"),
		RunID:     q.Get("run_id"),
	}

	var err error
	if f.MinRating, err = floatParam(q.Get("min_rating")); err != nil {
		return f, err
	}
	if f.RecentlyReviewedWithinMonths, err = intParam(q.Get("recently_reviewed_within_months")); err != nil {
		return f, err
	}
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		return f, err
	}
	if f.Offset, err = intParam(q.Get("offset")); err != nil {
		return f, err
	}
	return f, nil
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func floatParam(raw string) (float64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseFloat(raw, 64)
}
