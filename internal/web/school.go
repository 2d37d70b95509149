package web

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// SchoolInfo is the read-only school-directory record used to populate
// confirmation text in the UI.
type SchoolInfo struct {
	Number     string `json:"number"`
	Name       string `json:"name"`
	Address    string `json:"address"`
	Email      string `json:"email"`
	SchoolType string `json:"schoolType"`
}

// SchoolLookup resolves a school number to its directory record. The lookup
// service is an external collaborator; only its boundary is defined here.
type SchoolLookup interface {
	Lookup(ctx context.Context, number string) (*SchoolInfo, error)
}

// WithSchoolLookup registers the optional school lookup endpoint. Without a
// lookup the route does not exist.
func (s *Server) WithSchoolLookup(lookup SchoolLookup) *Server {
	if lookup == nil {
		return s
	}
	s.router.Get("/api/school/{number}", func(w http.ResponseWriter, r *http.Request) {
		number := chi.URLParam(r, "number")
		info, err := lookup.Lookup(r.Context(), number)
		if err != nil {
			s.respondError(w, r, err, http.StatusBadGateway)
			return
		}
		writeJSON(w, info)
	})
	return s
}
