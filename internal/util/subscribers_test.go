package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubscribersOrder(t *testing.T) {
	s := NewSubscribers[int]("test")

	var got []string
	record := func(name string) func(int) {
		return func(int) { got = append(got, name) }
	}

	s.Set(record("primary"))
	cancelA := s.Add(record("a"))
	s.Add(record("b"))
	s.Add(func(int) { panic("boom") })
	s.Add(record("c"))

	s.Emit(1)
	assert.Equal(t, []string{"primary", "a", "b", "c"}, got)

	got = nil
	cancelA()
	cancelA()
	s.Set(record("replaced"))
	s.Emit(2)
	assert.Equal(t, []string{"replaced", "b", "c"}, got)

	got = nil
	s.Set(nil)
	s.Emit(3)
	assert.Equal(t, []string{"b", "c"}, got)
	assert.Equal(t, 3, s.Len())
}
