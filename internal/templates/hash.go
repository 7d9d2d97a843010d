package templates

import (
	"crypto/sha1" //nolint:gosec // git object IDs are SHA-1 by definition
	"encoding/hex"
	"strconv"
)

// BlobHash returns the git blob object ID of content. Hosting providers
// report these IDs in tree listings, so a canonical entry can be compared
// with a target file without downloading it.
func BlobHash(content []byte) string {
	h := sha1.New() //nolint:gosec // see import comment
	h.Write([]byte("blob " + strconv.Itoa(len(content)) + "\x00"))
	h.Write(content)

	return hex.EncodeToString(h.Sum(nil))
}
