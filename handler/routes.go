package handler

import (
	"net/http"
	"strings"
)

type Route int

const (
	RouteHealth Route = iota
	RouteDeliberate
	RouteHistory
	RouteSave
	RouteGet
	RouteDelete
	RouteNotFound
	RouteMethodNotAllowed
)

var routeNames = map[Route]string{
	RouteHealth:     "health",
	RouteDeliberate: "deliberate",
	RouteHistory:    "history",
	RouteSave:       "save",
	RouteGet:        "consultation_get",
	RouteDelete:     "consultation_delete",

	RouteNotFound:         "not_found",
	RouteMethodNotAllowed: "method_not_allowed",
}

func (r Route) String() string {
	if n, ok := routeNames[r]; ok {
		return n
	}
	return "unknown"
}

// RouteSpec binds a Route to a method and a path pattern. Segments starting
// with ':' capture a path parameter.
type RouteSpec struct {
	Route   Route
	Method  string
	Pattern string
}

// Routes is the HTTP surface shared by every transport.
var Routes = []RouteSpec{
	{RouteHealth, http.MethodGet, "/health"},
	{RouteDeliberate, http.MethodPost, "/v1/deliberate"},
	{RouteHistory, http.MethodGet, "/v1/history"},
	{RouteSave, http.MethodPost, "/v1/consultations/:id/save"},
	{RouteGet, http.MethodGet, "/v1/consultations/:id"},
	{RouteDelete, http.MethodDelete, "/v1/consultations/:id"},
}

// matchRoute finds the route for method and path. pathMatched reports whether
// some route matched the path under a different method.
func matchRoute(method, path string) (route RouteSpec, params map[string]string, ok, pathMatched bool) {
	segs := splitPath(path)
	for _, rs := range Routes {
		p, hit := matchPattern(splitPath(rs.Pattern), segs)
		if !hit {
			continue
		}
		if !strings.EqualFold(rs.Method, method) {
			pathMatched = true
			continue
		}
		return rs, p, true, true
	}
	return RouteSpec{}, nil, false, pathMatched
}

func matchPattern(pattern, segs []string) (map[string]string, bool) {
	if len(pattern) != len(segs) {
		return nil, false
	}
	params := map[string]string{}
	for i, p := range pattern {
		if strings.HasPrefix(p, ":") {
			if segs[i] == "" {
				return nil, false
			}
			params[p[1:]] = segs[i]
			continue
		}
		if p != segs[i] {
			return nil, false
		}
	}
	return params, true
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
