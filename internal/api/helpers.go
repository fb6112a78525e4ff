package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mam15mon/network/internal/repositories"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// paginationOpts extracts limit/offset query parameters with sane caps.
func paginationOpts(r *http.Request) repositories.ListOptions {
	opts := repositories.ListOptions{Limit: defaultPageSize}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			opts.Limit = n
		}
	}
	if opts.Limit > maxPageSize {
		opts.Limit = maxPageSize
	}

	if raw := r.URL.Query().Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			opts.Offset = n
		}
	}
	return opts
}

// parseUUID parses the named path parameter as a UUID, writing a 400 and
// returning ok=false when it is malformed.
func parseUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		ErrBadRequest(w, "invalid "+param+": must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// urlParam returns the named chi path parameter.
func urlParam(r *http.Request, param string) string {
	return chi.URLParam(r, param)
}

// createdBy returns the authenticated operator's username, empty for
// unauthenticated contexts.
func createdBy(r *http.Request) string {
	if claims := claimsFromCtx(r.Context()); claims != nil {
		return claims.Username
	}
	return ""
}
