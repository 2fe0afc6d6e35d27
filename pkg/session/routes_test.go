package session

import (
	"testing"

	"github.com/lightforgemedia/xybot-console/pkg/tokenstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoutesCheck(t *testing.T) {
	signedOut := tokenstore.NewMemory()
	user := tokenstore.NewMemory()
	require.NoError(t, user.Save(tokenstore.Auth{Token: "u", Username: "alice", Role: tokenstore.RoleUser}))
	admin := tokenstore.NewMemory()
	require.NoError(t, admin.Save(tokenstore.Auth{Token: "a", Username: "root", Role: tokenstore.RoleAdmin}))

	tests := []struct {
		name   string
		target string
		store  tokenstore.Store
		want   Decision
	}{
		{"login is public", "/login", signedOut, Decision{Allow: true, Path: "/login"}},
		{"login keeps its query", "/login?redirect=%2Flogs", signedOut, Decision{Allow: true, Path: "/login?redirect=%2Flogs"}},
		{"protected view signed out", "/plugins", signedOut, Decision{Redirect: "/login?redirect=%2Fplugins"}},
		{"redirect keeps query", "/messages?page=2", signedOut, Decision{Redirect: "/login?redirect=%2Fmessages%3Fpage%3D2"}},
		{"root goes to dashboard", "/", user, Decision{Allow: true, Path: "/dashboard"}},
		{"root signed out", "/", signedOut, Decision{Redirect: "/login?redirect=%2Fdashboard"}},
		{"unknown path", "/nope/deeper", user, Decision{Allow: true, Path: "/dashboard"}},
		{"unclean path", "//logs/", user, Decision{Allow: true, Path: "/logs"}},
		{"user on protected view", "/help", user, Decision{Allow: true, Path: "/help"}},
		{"user lacks admin role", "/settings", user, Decision{Redirect: "/dashboard"}},
		{"admin view", "/settings", admin, Decision{Allow: true, Path: "/settings"}},
	}
	routes := DefaultRoutes()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, routes.Check(tt.target, tt.store))
		})
	}
}
