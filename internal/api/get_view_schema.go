package api

import (
	"net/http"

	"github.com/clinquery/clinquery/internal/views"
)

// handleViewSchema returns the inferred column schema of a stored view
// without executing it.
//
// GET /api/v1/views/{name}/schema
func (s *Server) handleViewSchema(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	def, ok := s.loadDefinition(w, r, name)
	if !ok {
		return
	}

	s.writeJSON(w, r, http.StatusOK, &ViewSchemaResponse{
		ViewName: def.Name,
		Kind:     def.ResourceKind(),
		Schema:   views.InferSchema(def),
	})
}
