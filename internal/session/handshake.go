package session

// Each side of a link sends its identity record as the first payload once
// the link is up, and treats the first payload it receives as the peer's
// identity record.

type handshakeState struct {
	// degraded is set once a malformed first payload was dropped.
	degraded bool
}

// handshakes is the set of links awaiting the peer's identity record.
type handshakes struct {
	pending map[string]*handshakeState
}

func newHandshakes() *handshakes {
	return &handshakes{pending: make(map[string]*handshakeState)}
}

func (h *handshakes) begin(link string) {
	h.pending[link] = &handshakeState{}
}

func (h *handshakes) get(link string) (*handshakeState, bool) {
	st, ok := h.pending[link]
	return st, ok
}

// finish removes link from the pending set. It reports whether the link
// was pending, so callers can tell completion from a stale event.
func (h *handshakes) finish(link string) bool {
	if _, ok := h.pending[link]; !ok {
		return false
	}
	delete(h.pending, link)
	return true
}

func (h *handshakes) len() int {
	return len(h.pending)
}

func (h *handshakes) reset() {
	h.pending = make(map[string]*handshakeState)
}
