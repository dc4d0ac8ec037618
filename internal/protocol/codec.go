package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrMalformed = errors.New("malformed record")
	ErrTooLarge  = errors.New("record too large")
)

type Codec struct{}

func NewCodec() *Codec {
	return &Codec{}
}

// Encode writes r in protobuf wire format. Empty fields are omitted.
func (c *Codec) Encode(r Record) []byte {
	var b []byte
	b = appendString(b, fieldUserID, r.UserID)
	b = appendString(b, fieldName, r.Name)
	b = appendString(b, fieldMessage, r.Message)
	return b
}

func (c *Codec) EncodeIdentity(id Identity) []byte {
	return c.Encode(NewIdentityRecord(id))
}

// Decode parses data as a Record. Both the protobuf wire form and the JSON
// object form are accepted. A missing user id is replaced by fallbackUserID
// and a missing name by DefaultName.
func (c *Codec) Decode(data []byte, fallbackUserID string) (Record, error) {
	if len(data) == 0 {
		return Record{}, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	if len(data) > MaxRecordSize {
		return Record{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}

	var (
		r     Record
		found bool
		err   error
	)
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		r, found, err = decodeJSON(trimmed)
	} else {
		r, found, err = decodeWire(data)
	}
	if err != nil {
		return Record{}, err
	}
	if !found {
		return Record{}, fmt.Errorf("%w: no known fields", ErrMalformed)
	}

	if r.UserID == "" {
		r.UserID = fallbackUserID
	}
	if r.Name == "" {
		r.Name = DefaultName
	}
	return r, nil
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func decodeWire(b []byte) (Record, bool, error) {
	var r Record
	found := false
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Record{}, false, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		if typ != protowire.BytesType || (num != fieldUserID && num != fieldName && num != fieldMessage) {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Record{}, false, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		v, n := protowire.ConsumeString(b)
		if n < 0 {
			return Record{}, false, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		found = true

		switch num {
		case fieldUserID:
			r.UserID = v
		case fieldName:
			r.Name = v
		case fieldMessage:
			r.Message = v
		}
	}
	return r, found, nil
}

type jsonRecord struct {
	UserID  *string `json:"userId"`
	Name    *string `json:"name"`
	Message *string `json:"message"`
}

func decodeJSON(b []byte) (Record, bool, error) {
	var jr jsonRecord
	if err := json.Unmarshal(b, &jr); err != nil {
		return Record{}, false, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var r Record
	found := false
	if jr.UserID != nil {
		r.UserID, found = *jr.UserID, true
	}
	if jr.Name != nil {
		r.Name, found = *jr.Name, true
	}
	if jr.Message != nil {
		r.Message, found = *jr.Message, true
	}
	return r, found, nil
}
