package web

import (
	"database/sql"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/hpungsan/ankipanel/internal/errors"
	"github.com/hpungsan/ankipanel/internal/ops"
	"github.com/hpungsan/ankipanel/internal/session"
)

// Handlers contains HTTP route handlers for the web UI.
type Handlers struct {
	db       *sql.DB
	log      *zap.Logger
	renderer *Renderer
}

// HandleList handles GET /sessions.
func (h *Handlers) HandleList(w http.ResponseWriter, r *http.Request) {
	result, err := ops.List(r.Context(), h.db, ops.ListInput{
		Limit:  parseIntParam(r, "limit", ops.DefaultListLimit),
		Offset: parseIntParam(r, "offset", 0),
	})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, result)
		return
	}

	h.renderer.renderPage(w, r, "list", ListPageData{
		PageData:   PageData{Title: "Sessions", Version: h.renderer.version},
		Items:      result.Items,
		Pagination: result.Pagination,
	})
}

// HandleDetail handles GET /sessions/{id}. ?deck=1 treats {id} as a deck id.
func (h *Handlers) HandleDetail(w http.ResponseWriter, r *http.Request) {
	input, ok := h.address(w, r)
	if !ok {
		return
	}

	s, err := ops.Fetch(r.Context(), h.db, ops.FetchInput{ID: input.ID, DeckID: input.DeckID})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, s)
		return
	}

	title := s.Name
	if title == "" {
		title = (session.Deck{ID: s.DeckID, Name: s.DeckName}).DisplayName()
	}
	h.renderer.renderPage(w, r, "detail", DetailPageData{
		PageData: PageData{Title: title, Version: h.renderer.version},
		Session:  s,
		Sections: buildSections(s.Session),
	})
}

// HandleDelete handles DELETE /sessions/{id} and the form fallback
// POST /sessions/{id}/delete.
func (h *Handlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	input, ok := h.address(w, r)
	if !ok {
		return
	}

	result, err := ops.Delete(r.Context(), h.db, input)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	h.log.Info("session deleted", zap.String("id", result.ID))

	if r.Header.Get("HX-Request") == "true" {
		w.Header().Set("HX-Redirect", "/sessions")
		w.WriteHeader(http.StatusOK)
		return
	}

	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, result)
		return
	}

	http.Redirect(w, r, "/sessions", http.StatusSeeOther)
}

// address reads the session address from the path. It renders the error
// itself and reports false when the path is unusable.
func (h *Handlers) address(w http.ResponseWriter, r *http.Request) (ops.DeleteInput, bool) {
	id := r.PathValue("id")
	if id == "" {
		h.renderer.renderError(w, r, errors.NewInvalidRequest("session id is required"))
		return ops.DeleteInput{}, false
	}
	if parseBoolParam(r, "deck") {
		return ops.DeleteInput{DeckID: id}, true
	}
	return ops.DeleteInput{ID: id}, true
}

// parseIntParam parses an integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}

// parseBoolParam parses a boolean query parameter.
func parseBoolParam(r *http.Request, name string) bool {
	s := r.URL.Query().Get(name)
	return s == "true" || s == "1"
}
