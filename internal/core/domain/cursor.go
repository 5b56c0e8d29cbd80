package domain

import (
	"encoding/base64"
	"encoding/json"
	"time"
)

// CursorVersion is the current persisted cursor format version.
const CursorVersion = 1

// CursorKind tags which variant a Cursor holds.
type CursorKind string

const (
	// CursorNone means no position has been committed.
	CursorNone CursorKind = ""
	// CursorChangeToken is an opaque, server-issued change-tracking link.
	CursorChangeToken CursorKind = "change_token"
	// CursorTimestamp is a last-modified high-water mark.
	CursorTimestamp CursorKind = "timestamp"
)

// Cursor is the position of an entity in its change stream. Exactly one of
// ChangeToken or Timestamp is meaningful, selected by Kind.
type Cursor struct {
	Kind        CursorKind
	ChangeToken string
	Timestamp   time.Time
}

// ChangeTokenCursor returns a change-token cursor.
func ChangeTokenCursor(token string) Cursor {
	return Cursor{Kind: CursorChangeToken, ChangeToken: token}
}

// TimestampCursor returns a high-water timestamp cursor.
func TimestampCursor(t time.Time) Cursor {
	return Cursor{Kind: CursorTimestamp, Timestamp: t.UTC()}
}

// IsZero reports whether the cursor holds no position.
func (c Cursor) IsZero() bool {
	switch c.Kind {
	case CursorChangeToken:
		return c.ChangeToken == ""
	case CursorTimestamp:
		return c.Timestamp.IsZero()
	default:
		return true
	}
}

func (c Cursor) String() string {
	switch c.Kind {
	case CursorChangeToken:
		return "change_token"
	case CursorTimestamp:
		return "timestamp:" + c.Timestamp.Format(time.RFC3339Nano)
	default:
		return "none"
	}
}

type cursorWire struct {
	Version   int        `json:"v"`
	Kind      CursorKind `json:"k,omitempty"`
	Token     string     `json:"t,omitempty"`
	Timestamp *time.Time `json:"ts,omitempty"`
}

// Encode serialises the cursor to a base64 string. The zero cursor encodes
// to the empty string.
func (c Cursor) Encode() string {
	if c.IsZero() {
		return ""
	}
	w := cursorWire{Version: CursorVersion, Kind: c.Kind}
	switch c.Kind {
	case CursorChangeToken:
		w.Token = c.ChangeToken
	case CursorTimestamp:
		ts := c.Timestamp.UTC()
		w.Timestamp = &ts
	}
	data, err := json.Marshal(w)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeCursor deserialises a cursor produced by Encode.
func DecodeCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}

	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, ErrInvalidCursor
	}

	var w cursorWire
	if err := json.Unmarshal(data, &w); err != nil {
		return Cursor{}, ErrInvalidCursor
	}
	if w.Version > CursorVersion {
		return Cursor{}, ErrInvalidCursor
	}

	switch w.Kind {
	case CursorChangeToken:
		if w.Token == "" {
			return Cursor{}, ErrInvalidCursor
		}
		return ChangeTokenCursor(w.Token), nil
	case CursorTimestamp:
		if w.Timestamp == nil {
			return Cursor{}, ErrInvalidCursor
		}
		return TimestampCursor(*w.Timestamp), nil
	default:
		return Cursor{}, ErrInvalidCursor
	}
}
