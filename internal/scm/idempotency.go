package scm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// IdempotencyTag derives a deterministic tag for one inline comment so that
// a redelivered publish (queue reclaim, retry) never duplicates it. Tagged
// per (requestId, file, startLine, hash(title)) rather than the full finding
// body, since suggestion text may be re-worded by a retried LLM call without
// changing which finding it is.
func IdempotencyTag(requestID, file string, startLine int, title string) string {
	h := sha256.Sum256([]byte(title))
	return fmt.Sprintf("%s:%s:%d:%s", requestID, file, startLine, hex.EncodeToString(h[:8]))
}
