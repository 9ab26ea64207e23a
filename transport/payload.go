package transport

import (
	"time"

	"github.com/tidwall/sjson"
)

// StampPayload annotates an outgoing write with the submitting identity and
// the client-side capture time, without disturbing caller fields. Mutations
// can sit in the offline backlog for days, so the server must not trust its
// own receive time.
func StampPayload(payload []byte, handle string, at time.Time) []byte {
	out, err := sjson.SetBytes(payload, "meta.identity", handle)
	if err != nil {
		return payload
	}
	out, err = sjson.SetBytes(out, "meta.client_ts", at.UTC().Format(time.RFC3339))
	if err != nil {
		return payload
	}
	return out
}
