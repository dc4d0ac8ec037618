package protocol

import "google.golang.org/protobuf/encoding/protowire"

const (
	DefaultName          = "Unknown"
	DefaultAdvertiseName = "AirChatUser"
	DefaultServiceID     = "airlink.chat"
	MaxRecordSize        = 64 * 1024
)

const (
	fieldUserID  protowire.Number = 1
	fieldName    protowire.Number = 2
	fieldMessage protowire.Number = 3
)

// RecordKind tells an identity record from a chat message. It is derived
// from the record content, the wire format carries no explicit tag.
type RecordKind uint8

const (
	KindIdentity RecordKind = iota
	KindMessage
)

func (k RecordKind) String() string {
	switch k {
	case KindIdentity:
		return "IDENTITY"
	case KindMessage:
		return "MESSAGE"
	default:
		return "UNKNOWN"
	}
}
