package session

import (
	"sort"

	"github.com/rudransh-shrivastava/airlink/internal/protocol"
)

type LinkState uint8

const (
	StateDiscovered LinkState = iota
	StateHandshakePending
	StateConnected
	StateDisconnected
	StateFailed
)

func (s LinkState) String() string {
	switch s {
	case StateDiscovered:
		return "DISCOVERED"
	case StateHandshakePending:
		return "HANDSHAKE_PENDING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

type entry struct {
	link     string
	identity protocol.Identity
	state    LinkState

	// established is set while the transport reports the link up,
	// handshaked once the peer's identity record arrived.
	established bool
	handshaked  bool
	requested   bool
	// lost is set when discovery lost the endpoint while its link was up.
	lost bool

	seq uint64
}

// Directory maps transport links to peer identities. It is not safe for
// concurrent use; Session serializes all access.
type Directory struct {
	entries map[string]*entry
	seq     uint64
}

func NewDirectory() *Directory {
	return &Directory{entries: make(map[string]*entry)}
}

// RecordDiscovered records that link advertises id. Any other link that is
// not live and maps to the same user is dropped. A live link to the same
// user is kept and still wins lookups while it is up; the new sighting
// takes over once it goes down. The result reports whether a "peer
// appeared" event is due.
func (d *Directory) RecordDiscovered(link string, id protocol.Identity) bool {
	d.dropStale(link, id.UserID)
	_, served := d.liveLink(id.UserID)

	e, ok := d.entries[link]
	if !ok {
		e = &entry{link: link, state: StateDiscovered}
		d.entries[link] = e
	}
	d.seq++
	e.seq = d.seq
	e.lost = false

	if !e.handshaked {
		e.identity = id
	}
	return !e.established && !served
}

// Remove drops link unless it is live; a live link is only marked lost.
// It returns the identity that was
// mapped to the link and whether the entry was removed.
func (d *Directory) Remove(link string) (protocol.Identity, bool) {
	e, ok := d.entries[link]
	if !ok {
		return protocol.Identity{}, false
	}
	if e.established {
		e.lost = true
		return e.identity, false
	}
	delete(d.entries, link)
	return e.identity, true
}

// LookupLinkByUserID prefers a live link, then the most recently recorded one.
func (d *Directory) LookupLinkByUserID(userID string) (string, bool) {
	var best *entry
	for _, e := range d.entries {
		if e.identity.UserID != userID {
			continue
		}
		if e.established {
			return e.link, true
		}
		if best == nil || e.seq > best.seq {
			best = e
		}
	}
	if best == nil {
		return "", false
	}
	return best.link, true
}

func (d *Directory) State(link string) (LinkState, bool) {
	e, ok := d.entries[link]
	if !ok {
		return 0, false
	}
	return e.state, true
}

func (d *Directory) Identity(link string) (protocol.Identity, bool) {
	e, ok := d.entries[link]
	if !ok {
		return protocol.Identity{}, false
	}
	return e.identity, true
}

func (d *Directory) ConnectedPeers() []protocol.Identity {
	return d.collect(func(e *entry) bool { return e.state == StateConnected })
}

func (d *Directory) KnownPeers() []protocol.Identity {
	return d.collect(func(*entry) bool { return true })
}

func (d *Directory) Len() int {
	return len(d.entries)
}

func (d *Directory) collect(keep func(*entry) bool) []protocol.Identity {
	seen := make(map[string]bool)
	peers := make([]protocol.Identity, 0, len(d.entries))
	for _, e := range d.entries {
		if !keep(e) || seen[e.identity.UserID] {
			continue
		}
		seen[e.identity.UserID] = true
		peers = append(peers, e.identity)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].UserID < peers[j].UserID })
	return peers
}

func (d *Directory) get(link string) *entry {
	return d.entries[link]
}

// ensure returns the entry for link, creating it with a provisional identity.
func (d *Directory) ensure(link string, provisional protocol.Identity) *entry {
	e, ok := d.entries[link]
	if ok {
		return e
	}
	d.seq++
	e = &entry{link: link, identity: provisional, state: StateDiscovered, seq: d.seq}
	d.entries[link] = e
	return e
}

// claim binds id to link as the authoritative identity. Older non-live
// links of the same user are dropped; newer sightings stay.
func (d *Directory) claim(link string, id protocol.Identity) {
	e, ok := d.entries[link]
	if !ok {
		return
	}
	for l, o := range d.entries {
		if l != link && !o.established && o.identity.UserID == id.UserID && o.seq < e.seq {
			delete(d.entries, l)
		}
	}
	e.identity = id
}

// connectedElsewhere returns a Connected link other than link serving userID.
func (d *Directory) connectedElsewhere(link, userID string) (string, bool) {
	for _, e := range d.entries {
		if e.link != link && e.identity.UserID == userID && e.state == StateConnected {
			return e.link, true
		}
	}
	return "", false
}

// superseded reports whether a more recently recorded link maps to the
// same user as link.
func (d *Directory) superseded(link string) bool {
	e, ok := d.entries[link]
	if !ok {
		return false
	}
	for l, o := range d.entries {
		if l != link && o.identity.UserID == e.identity.UserID && o.seq > e.seq {
			return true
		}
	}
	return false
}

// hasUser reports whether any link still maps to userID.
func (d *Directory) hasUser(userID string) bool {
	for _, e := range d.entries {
		if e.identity.UserID == userID {
			return true
		}
	}
	return false
}

func (d *Directory) liveLink(userID string) (*entry, bool) {
	for _, e := range d.entries {
		if e.established && e.identity.UserID == userID {
			return e, true
		}
	}
	return nil, false
}

func (d *Directory) dropStale(link, userID string) {
	for l, e := range d.entries {
		if l != link && !e.established && e.identity.UserID == userID {
			delete(d.entries, l)
		}
	}
}

func (d *Directory) delete(link string) {
	delete(d.entries, link)
}

func (d *Directory) links() []string {
	links := make([]string, 0, len(d.entries))
	for l := range d.entries {
		links = append(links, l)
	}
	sort.Strings(links)
	return links
}

func (d *Directory) reset() {
	d.entries = make(map[string]*entry)
}
