package session

import (
	"net/url"
	"path"
	"strings"

	"github.com/lightforgemedia/xybot-console/pkg/tokenstore"
)

// Route is one navigable console view.
type Route struct {
	Path string
	// Public routes are reachable while signed out.
	Public bool
	// Role, when set, is the permission the signed-in user needs.
	Role string
	// RedirectTo sends navigation elsewhere before any check.
	RedirectTo string
}

// Decision is the outcome of a route check.
type Decision struct {
	Allow bool
	// Path is the view to show when allowed, after redirects.
	Path string
	// Redirect is where to navigate instead when not allowed.
	Redirect string
}

// Routes is a route table with a login view and a fallback for unknown paths.
type Routes struct {
	Login    string
	Fallback string
	routes   map[string]Route
}

// NewRoutes builds a table from routes.
func NewRoutes(login, fallback string, routes ...Route) *Routes {
	r := &Routes{Login: login, Fallback: fallback, routes: make(map[string]Route, len(routes))}
	for _, route := range routes {
		r.routes[route.Path] = route
	}
	return r
}

// DefaultRoutes is the console's view table.
func DefaultRoutes() *Routes {
	return NewRoutes("/login", "/dashboard",
		Route{Path: "/", RedirectTo: "/dashboard"},
		Route{Path: "/login", Public: true},
		Route{Path: "/dashboard"},
		Route{Path: "/plugins"},
		Route{Path: "/messages"},
		Route{Path: "/settings", Role: tokenstore.RoleAdmin},
		Route{Path: "/logs"},
		Route{Path: "/help"},
	)
}

// Check resolves target, which may carry a query string, against the table.
// Unknown paths go to the fallback. Protected views need stored credentials;
// without them the decision redirects to the login view with the original
// target in the redirect parameter. A signed-in user lacking a route's role
// is sent to the fallback.
func (r *Routes) Check(target string, store tokenstore.Store) Decision {
	p, query, _ := strings.Cut(target, "?")
	p = path.Clean("/" + p)

	route, ok := r.routes[p]
	if !ok {
		p, query = r.Fallback, ""
		route = r.routes[p]
	}
	if route.RedirectTo != "" {
		p, query = route.RedirectTo, ""
		route = r.routes[p]
	}

	full := p
	if query != "" {
		full += "?" + query
	}
	if route.Public {
		return Decision{Allow: true, Path: full}
	}

	auth, err := store.Load()
	if err != nil {
		return Decision{Redirect: r.Login + "?" + url.Values{"redirect": []string{full}}.Encode()}
	}
	if route.Role != "" && !auth.HasPermission(route.Role) {
		return Decision{Redirect: r.Fallback}
	}
	return Decision{Allow: true, Path: full}
}
