// Package admin serves a read-only HTTP view of a router's routes and cached responses.
package admin

import (
	"encoding/json"
	"io"
	"net/http"

	cacherouter "github.com/ericselin/cache-router"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

type routeView struct {
	Method       string `json:"method"`
	Path         string `json:"path"`
	Action       string `json:"action"`
	Microservice string `json:"microservice,omitempty"`
}

type entryView struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Path   string `json:"path"`
	Bytes  int    `json:"bytes"`
}

type admin struct {
	router *cacherouter.Router
	log    zerolog.Logger
}

// NewHandler returns the admin HTTP handler for r.
func NewHandler(r *cacherouter.Router, logger zerolog.Logger) http.Handler {
	a := admin{router: r, log: logger}
	mux := chi.NewRouter()
	mux.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "ok")
	})
	mux.Get("/routes", a.routes)
	mux.Get("/cache", a.cache)
	return mux
}

func (a admin) routes(w http.ResponseWriter, _ *http.Request) {
	routes := a.router.Routes()
	views := make([]routeView, 0, len(routes))
	for _, route := range routes {
		view := routeView{Method: route.Method, Path: route.Path, Action: "noop"}
		if route.Action != nil {
			view.Action = route.Action.Kind()
		}
		if ms, ok := route.Action.(cacherouter.Microservice); ok {
			view.Microservice = ms.Path
		}
		views = append(views, view)
	}
	a.writeJSON(w, views)
}

func (a admin) cache(w http.ResponseWriter, _ *http.Request) {
	entries, err := a.router.Cache().Entries()
	if err != nil {
		a.log.Error().Err(err).Msg("Could not list cache entries")
		http.Error(w, "Could not list cache entries", http.StatusInternalServerError)
		return
	}
	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, entryView{ID: e.ID, Method: e.Method, Path: e.Path, Bytes: len(e.Body)})
	}
	a.writeJSON(w, views)
}

func (a admin) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Error().Err(err).Msg("Could not write admin response")
	}
}
