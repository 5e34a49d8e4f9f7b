package pipeline

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/skychat-io/skychat/internal/store"
)

// Fingerprint identifies a completion request for cache lookup. It hashes the
// folded latest message together with the folded context window (role and
// text per turn), so two customers asking the same question over the same
// conversation shape share a cache entry. Customer metadata is deliberately
// left out of the hash.
//
// Folding lowercases and collapses runs of whitespace to a single space, so
// trivial formatting differences do not defeat the cache.
func Fingerprint(latest string, window []store.Message) string {
	h := xxhash.New()
	_, _ = h.WriteString(fold(latest))
	for _, m := range window {
		_, _ = h.Write([]byte{0x1e}) // record separator between turns
		_, _ = h.WriteString(string(m.Role))
		_, _ = h.Write([]byte{0x1f}) // unit separator between role and text
		_, _ = h.WriteString(fold(m.Text))
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

func fold(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
