package modbus

import (
	"sync"
)

const protocolLogCapacity = 100

// protocolPair records one request/response exchange for later
// inspection through Server.LogSnapshot or OnLogDataChanged.
type protocolPair struct {
	Request  []byte
	Response []byte
}

// protocolLog is a bounded ring buffer holding the last
// protocolLogCapacity request/response pairs observed by a server.
type protocolLog struct {
	lock    sync.Mutex
	entries []protocolPair
	next    int
	full    bool
}

func newProtocolLog() *protocolLog {
	return &protocolLog{
		entries: make([]protocolPair, protocolLogCapacity),
	}
}

func (pl *protocolLog) record(request, response []byte) {
	pl.lock.Lock()
	defer pl.lock.Unlock()

	pl.entries[pl.next] = protocolPair{Request: request, Response: response}
	pl.next = (pl.next + 1) % protocolLogCapacity
	if pl.next == 0 {
		pl.full = true
	}
}

// snapshot returns a copy of the retained pairs, oldest first.
func (pl *protocolLog) snapshot() []protocolPair {
	pl.lock.Lock()
	defer pl.lock.Unlock()

	if !pl.full {
		out := make([]protocolPair, pl.next)
		copy(out, pl.entries[:pl.next])
		return out
	}

	out := make([]protocolPair, protocolLogCapacity)
	copy(out, pl.entries[pl.next:])
	copy(out[protocolLogCapacity-pl.next:], pl.entries[:pl.next])

	return out
}
