package cacherouter

import (
	"io"
	"sync"
)

// Action is what a route does on a cache miss.
// It is one of NoOp, HandlerFunc or Microservice.
type Action interface {
	// Kind returns a short name of the action variant.
	Kind() string
	action()
}

// NoOp routes are matched but write nothing and cache nothing.
type NoOp struct{}

func (NoOp) Kind() string { return "noop" }
func (NoOp) action()      {}

// HandlerFunc produces the response for a route.
// It may write to w directly; the returned body is written after it returns.
// Everything sent to the client is cached as the response for the route.
type HandlerFunc func(w io.Writer) (string, error)

func (HandlerFunc) Kind() string { return "function" }
func (HandlerFunc) action()      {}

// Microservice delegates the request to another service.
// Forwarding is not implemented: dispatch fails with ErrMicroserviceNotImplemented.
type Microservice struct {
	Path string
}

func (Microservice) Kind() string { return "microservice" }
func (Microservice) action()      {}

type Route struct {
	Method string
	Path   string
	Action Action
}

// routeTable is an append-only list of routes.
// Duplicates are allowed, the first registered match wins.
type routeTable struct {
	mutex  sync.RWMutex
	routes []Route
}

func (t *routeTable) register(route Route) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.routes = append(t.routes, route)
}

func (t *routeTable) match(method, path string) (Route, bool) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	for _, route := range t.routes {
		if route.Method == method && route.Path == path {
			return route, true
		}
	}
	return Route{}, false
}

func (t *routeTable) all() []Route {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	routes := make([]Route, len(t.routes))
	copy(routes, t.routes)
	return routes
}

func (t *routeTable) size() int {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return len(t.routes)
}
