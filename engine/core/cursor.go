package core

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var cursorCodec = base64.URLEncoding.WithPadding(base64.NoPadding)

const cursorPrefixV1 = "v1:"

// Cursor is a compound keyset position (timestamp + id tie-break). Keyset
// pagination keeps pages stable under concurrent insertion, unlike offsets.
type Cursor struct {
	Time time.Time
	ID   ID
}

func (c Cursor) IsZero() bool { return c.Time.IsZero() && c.ID == "" }

// Encode serializes the cursor to an opaque URL-safe token.
func (c Cursor) Encode() string {
	if c.IsZero() {
		return ""
	}
	payload := fmt.Sprintf("%s%d:%s", cursorPrefixV1, c.Time.UnixNano(), c.ID)
	return cursorCodec.EncodeToString([]byte(payload))
}

// DecodeCursor parses an opaque cursor token. Empty input yields the zero
// cursor (start of the listing).
func DecodeCursor(raw string) (Cursor, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Cursor{}, nil
	}
	data, err := cursorCodec.DecodeString(trimmed)
	if err != nil {
		return Cursor{}, errors.New("invalid cursor")
	}
	payload := string(data)
	if !strings.HasPrefix(payload, cursorPrefixV1) {
		return Cursor{}, errors.New("invalid cursor")
	}
	parts := strings.SplitN(payload[len(cursorPrefixV1):], ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Cursor{}, errors.New("invalid cursor")
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Cursor{}, errors.New("invalid cursor")
	}
	return Cursor{Time: time.Unix(0, nanos).UTC(), ID: ID(parts[1])}, nil
}
