package session_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/TheMichaelB/capsync/internal/session"
)

func TestStatic(t *testing.T) {
	s := session.Static{ID: "fixed"}
	assert.Equal(t, "fixed", s.CurrentSessionID())

	// Subscribe on a static context is inert.
	cancel := s.Subscribe(func(string) { t.Fatal("static session must not notify") })
	cancel()
}

func TestSwitchableNotifies(t *testing.T) {
	s := session.NewSwitchable("one")
	assert.Equal(t, "one", s.CurrentSessionID())

	var got []string
	cancel := s.Subscribe(func(id string) { got = append(got, id) })

	s.Switch("two")
	assert.Equal(t, "two", s.CurrentSessionID())
	assert.Equal(t, []string{"two"}, got)

	// Switching to the current id is a no-op.
	s.Switch("two")
	assert.Equal(t, []string{"two"}, got)

	cancel()
	s.Switch("three")
	assert.Equal(t, []string{"two"}, got)
	assert.Equal(t, "three", s.CurrentSessionID())
}

func TestSwitchableMultipleListeners(t *testing.T) {
	s := session.NewSwitchable("a")

	first, second := 0, 0
	s.Subscribe(func(string) { first++ })
	cancel := s.Subscribe(func(string) { second++ })

	s.Switch("b")
	assert.Equal(t, 1, first)
	assert.Equal(t, 1, second)

	cancel()
	s.Switch("c")
	assert.Equal(t, 2, first)
	assert.Equal(t, 1, second)
}
