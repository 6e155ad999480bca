package relay

import (
	"github.com/google/uuid"
)

// Session pairs at most one simulator with its clients. When the simulator
// leaves, the session ends: every client is closed and the hub starts a new
// session.
type Session struct {
	id          string
	simulator   *Conn
	simQueue    chan []byte
	reserved    bool // a simulator upgrade is in progress
	clients     map[string]*Conn
	broadcaster *Broadcaster
	ended       bool
}

func newSession() *Session {
	return &Session{
		id:          uuid.NewString(),
		clients:     make(map[string]*Conn),
		broadcaster: NewBroadcaster(),
	}
}

func (s *Session) ID() string { return s.id }

// hasSimulator reports whether the simulator slot is taken or being taken.
func (s *Session) hasSimulator() bool {
	return s.simulator != nil || s.reserved
}
