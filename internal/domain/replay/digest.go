package replay

import (
	"bytes"
	"encoding/json"

	"github.com/cespare/xxhash/v2"
)

// PayloadDigest fingerprints a JSON-RPC payload for drift comparison.
// The payload is compacted first so formatting differences between the
// captured and replayed wire forms do not register as drift.
func PayloadDigest(raw []byte) uint64 {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return xxhash.Sum64(raw)
	}
	return xxhash.Sum64(buf.Bytes())
}
