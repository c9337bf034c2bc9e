package enip

import (
	"github.com/google/uuid"
)

// session is the per-TCP-connection state: the registered session handle
// and the CIP connections opened over it.
type session struct {
	handle uint32
	conns  map[uint32]*cipConnection // keyed by O->T connection id
}

// cipConnection is one class 3 connection created by Forward Open.
type cipConnection struct {
	otID       uint32
	toID       uint32
	serial     uint16
	vendor     uint16
	origSerial uint32
	otRPI      uint32
	toRPI      uint32
}

func newSession() *session {
	return &session{conns: make(map[uint32]*cipConnection)}
}

// newID returns a random non-zero 32-bit identifier.
func newID() uint32 {
	for {
		if id := uuid.New().ID(); id != 0 {
			return id
		}
	}
}

func (s *session) registered() bool { return s.handle != 0 }

func (s *session) findByTriad(serial, vendor uint16, origSerial uint32) (*cipConnection, bool) {
	for _, c := range s.conns {
		if c.serial == serial && c.vendor == vendor && c.origSerial == origSerial {
			return c, true
		}
	}
	return nil, false
}
