package session

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Ayash-Bera/agregador/pkg/utils"
	"github.com/google/uuid"
)

const cursorVersion = 1

var (
	ErrInvalidCursor   = errors.New("invalid cursor")
	ErrCursorMismatch  = errors.New("cursor does not belong to this query")
	ErrCursorConsumed  = errors.New("cursor already consumed")
	ErrSessionNotFound = errors.New("search session not found or expired")
)

type cursorPayload struct {
	V   int    `json:"v"`
	SID string `json:"sid"`
	Seq int    `json:"seq"`
}

// EncodeCursor produces the opaque continuation token handed to clients.
func EncodeCursor(sessionID string, seq int) string {
	data, _ := json.Marshal(cursorPayload{V: cursorVersion, SID: sessionID, Seq: seq})
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeCursor parses a token produced by EncodeCursor.
func DecodeCursor(cursor string) (sessionID string, seq int, err error) {
	data, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", 0, fmt.Errorf("%w: not base64url", ErrInvalidCursor)
	}
	var p cursorPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return "", 0, fmt.Errorf("%w: malformed payload", ErrInvalidCursor)
	}
	if p.V != cursorVersion || p.SID == "" || p.Seq < 1 {
		return "", 0, fmt.Errorf("%w: unsupported cursor", ErrInvalidCursor)
	}
	return p.SID, p.Seq, nil
}

// identityPrefix ties a session id to its query identity, so a cursor
// replayed with different query text or filters is recognized without a
// lookup.
func identityPrefix(identity string) string {
	return utils.HashKey(identity)[:16]
}

func newSessionID(identity string) string {
	return identityPrefix(identity) + "-" + uuid.NewString()
}

func belongsTo(sessionID, identity string) bool {
	prefix, _, ok := strings.Cut(sessionID, "-")
	return ok && prefix == identityPrefix(identity)
}

// CheckCursor validates cursor against the query identity without touching
// any session.
func CheckCursor(cursor, identity string) error {
	sid, _, err := DecodeCursor(cursor)
	if err != nil {
		return err
	}
	if !belongsTo(sid, identity) {
		return ErrCursorMismatch
	}
	return nil
}
