package protocol

// Identity is the self-reported identity of a peer.
type Identity struct {
	UserID string
	Name   string
}

// Record is the payload exchanged over a link: the handshake record
// carries only an identity, a chat record also carries Message.
type Record struct {
	UserID  string
	Name    string
	Message string
}

func NewIdentityRecord(id Identity) Record {
	return Record{UserID: id.UserID, Name: id.Name}
}

func NewMessageRecord(id Identity, text string) Record {
	return Record{UserID: id.UserID, Name: id.Name, Message: text}
}

func (r Record) Identity() Identity {
	return Identity{UserID: r.UserID, Name: r.Name}
}

func (r Record) Kind() RecordKind {
	if r.Message != "" {
		return KindMessage
	}
	return KindIdentity
}
