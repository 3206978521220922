package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	gateway "github.com/eugener/keyrelay/internal"
	"github.com/eugener/keyrelay/internal/storage"
)

// mountAdminRoutes registers the operator surface. It is only mounted when
// an admin token is configured.
func (s *server) mountAdminRoutes(r chi.Router) {
	if s.deps.AdminToken == "" {
		return
	}
	r.Route("/admin", func(r chi.Router) {
		r.Use(s.adminAuth)
		r.Get("/keys", s.handleListKeys)
		r.Post("/keys/check", s.handleCheckAll)
		r.Post("/keys/{fingerprint}/check", s.handleCheckKey)
		if s.deps.Log != nil {
			r.Get("/events", s.handleListEvents)
			r.Get("/usage", s.handleQueryUsage)
		}
	})
}

// writeAdminError logs the full error server-side and returns a sanitized
// message to the client to avoid leaking internal details (e.g. SQLite errors).
func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse("not found", "not_found_error"))
	default:
		slog.LogAttrs(r.Context(), slog.LevelError, "admin error",
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusInternalServerError, errorResponse("internal error", "internal_error"))
	}
}

// --- Pagination helpers ---

type pagination struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

type listResponse struct {
	Data       any        `json:"data"`
	Pagination pagination `json:"pagination"`
}

func parsePagination(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return
}

// parseVendor reads the optional vendor query param. Writes 400 and
// returns false on an unknown vendor.
func parseVendor(w http.ResponseWriter, r *http.Request) (gateway.Vendor, bool) {
	raw := r.URL.Query().Get("vendor")
	if raw == "" {
		return "", true
	}
	v, err := gateway.ParseVendor(raw)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %s", gateway.ErrBadRequest, err.Error()))
		return "", false
	}
	return v, true
}

// --- Keys ---

type keyListResponse struct {
	Data   []gateway.Credential   `json:"data"`
	Usable map[gateway.Vendor]int `json:"usable"`
}

func (s *server) handleListKeys(w http.ResponseWriter, _ *http.Request) {
	keys := s.deps.Keys.List()
	usable := make(map[gateway.Vendor]int)
	for _, k := range keys {
		if !k.Disabled {
			usable[k.Vendor]++
		}
	}
	if keys == nil {
		keys = []gateway.Credential{}
	}
	writeJSON(w, http.StatusOK, keyListResponse{Data: keys, Usable: usable})
}

func (s *server) handleCheckAll(w http.ResponseWriter, r *http.Request) {
	n := s.deps.Checker.CheckAll(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"checked": n})
}

type keyCheckResponse struct {
	Fingerprint string              `json:"fingerprint"`
	Outcome     string              `json:"outcome"`
	Key         *gateway.Credential `json:"key,omitempty"`
}

func (s *server) handleCheckKey(w http.ResponseWriter, r *http.Request) {
	fp := chi.URLParam(r, "fingerprint")
	outcome, err := s.deps.Checker.CheckFingerprint(r.Context(), fp)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	resp := keyCheckResponse{Fingerprint: fp, Outcome: outcome.String()}
	for _, k := range s.deps.Keys.List() {
		if k.Fingerprint == fp {
			resp.Key = &k
			break
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Event log ---

func (s *server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	vendor, ok := parseVendor(w, r)
	if !ok {
		return
	}
	_, limit := parsePagination(r)
	events, err := s.deps.Log.ListKeyEvents(r.Context(), storage.EventFilter{
		Vendor:      vendor,
		Fingerprint: r.URL.Query().Get("fingerprint"),
		Limit:       limit,
	})
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if events == nil {
		events = []gateway.KeyEvent{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       events,
		Pagination: pagination{Limit: limit},
	})
}

func (s *server) handleQueryUsage(w http.ResponseWriter, r *http.Request) {
	vendor, ok := parseVendor(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	var since time.Time
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, fmt.Errorf("%w: invalid since format, use RFC3339", gateway.ErrBadRequest))
			return
		}
		since = t
	}
	offset, limit := parsePagination(r)
	records, err := s.deps.Log.QueryUsage(r.Context(), storage.UsageFilter{
		Vendor:      vendor,
		Model:       q.Get("model"),
		Fingerprint: q.Get("fingerprint"),
		Since:       since,
		Offset:      offset,
		Limit:       limit,
	})
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if records == nil {
		records = []gateway.UsageRecord{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       records,
		Pagination: pagination{Offset: offset, Limit: limit},
	})
}
