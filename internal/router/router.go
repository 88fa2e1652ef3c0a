package router

import (
	"net/http"
	"slices"
	"sync"

	"github.com/dukerupert/reckon/internal/handler"
)

// Router wraps http.ServeMux with middleware chaining. Requests that match
// no route get a JSON 404, or a JSON 405 when the path exists under another
// method; both pass through the global middleware.
type Router struct {
	mux    *http.ServeMux
	chain  []Middleware
	routes *routeTable
}

// Middleware is a function that wraps an http.Handler
type Middleware func(http.Handler) http.Handler

// routeTable records registered methods per path. Groups share it.
type routeTable struct {
	mu      sync.RWMutex
	methods map[string][]string
	global  []Middleware
}

// New creates a new Router with optional global middleware
func New(middleware ...Middleware) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		chain:  middleware,
		routes: &routeTable{methods: make(map[string][]string), global: middleware},
	}
}

// ServeHTTP implements http.Handler
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if _, pattern := r.mux.Handler(req); pattern != "" {
		r.mux.ServeHTTP(w, req)
		return
	}
	chain(r.unmatched(), r.routes.global).ServeHTTP(w, req)
}

func (r *Router) unmatched() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.routes.mu.RLock()
		allowed := r.routes.methods[req.URL.Path]
		r.routes.mu.RUnlock()

		if len(allowed) == 0 {
			handler.NotFoundResponse(w, req)
			return
		}
		handler.MethodNotAllowedResponse(w, req, allowed)
	})
}

// Get registers a GET route
func (r *Router) Get(pattern string, h http.HandlerFunc, middleware ...Middleware) {
	r.Handle(http.MethodGet, pattern, h, middleware...)
}

// Post registers a POST route
func (r *Router) Post(pattern string, h http.HandlerFunc, middleware ...Middleware) {
	r.Handle(http.MethodPost, pattern, h, middleware...)
}

// Handle registers a route with explicit method. Patterns are exact paths.
func (r *Router) Handle(method, pattern string, h http.Handler, middleware ...Middleware) {
	r.routes.mu.Lock()
	if !slices.Contains(r.routes.methods[pattern], method) {
		r.routes.methods[pattern] = append(r.routes.methods[pattern], method)
		slices.Sort(r.routes.methods[pattern])
	}
	r.routes.mu.Unlock()

	r.mux.Handle(method+" "+pattern, chain(h, append(slices.Clone(r.chain), middleware...)))
}

// Group creates a sub-router with additional middleware
func (r *Router) Group(middleware ...Middleware) *Router {
	return &Router{
		mux:    r.mux,
		chain:  append(slices.Clone(r.chain), middleware...),
		routes: r.routes,
	}
}

// chain wraps h so that middleware runs in the order given.
func chain(h http.Handler, middleware []Middleware) http.Handler {
	for i := len(middleware) - 1; i >= 0; i-- {
		h = middleware[i](h)
	}
	return h
}
