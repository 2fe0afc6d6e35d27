package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUser(t *testing.T) {
	name, password, role, err := parseUser("alice:wonderland")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "wonderland", "user"}, []string{name, password, role})

	_, _, role, err = parseUser("root:toor:admin")
	require.NoError(t, err)
	assert.Equal(t, "admin", role)

	for _, bad := range []string{"alice", ":pw", "alice:", "a:b:c:d", "alice:pw:owner"} {
		_, _, _, err := parseUser(bad)
		assert.Error(t, err, bad)
	}
}
