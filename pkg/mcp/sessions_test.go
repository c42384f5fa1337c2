package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionRegistry_RegisterAndLookup(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("owner-1", "session-abc")
	sid, ok := r.SessionFor("owner-1")
	assert.True(t, ok)
	assert.Equal(t, "session-abc", sid)
}

func TestSessionRegistry_NotFound(t *testing.T) {
	r := NewSessionRegistry()

	_, ok := r.SessionFor("unknown")
	assert.False(t, ok)
}

func TestSessionRegistry_Reconnect(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("owner-1", "session-old")
	r.Register("owner-1", "session-new")

	sid, ok := r.SessionFor("owner-1")
	assert.True(t, ok)
	assert.Equal(t, "session-new", sid)
	assert.Equal(t, 1, r.Len())
}

func TestSessionRegistry_Remove(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("owner-1", "session-abc")
	r.Register("owner-2", "session-abc")
	r.Register("owner-3", "session-xyz")

	r.Remove("session-abc")

	_, ok := r.SessionFor("owner-1")
	assert.False(t, ok)
	_, ok = r.SessionFor("owner-2")
	assert.False(t, ok)
	sid, ok := r.SessionFor("owner-3")
	assert.True(t, ok)
	assert.Equal(t, "session-xyz", sid)
}
