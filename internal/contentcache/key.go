package contentcache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"transmute/internal/formats"
)

// Key identifies one cached conversion output.
type Key struct {
	ContentHash string
	Source      string
	Target      string
	ParamHash   string
}

// KeyFor builds a key from the input digest, the pair and the parameter set.
func KeyFor(contentHash, source, target string, params map[string]string) Key {
	return Key{
		ContentHash: strings.ToLower(strings.TrimSpace(contentHash)),
		Source:      formats.Normalize(source),
		Target:      formats.Normalize(target),
		ParamHash:   ParamHash(params),
	}
}

// ID is the hex sha256 over the key's components; it names the index row and
// the artifact file.
func (k Key) ID() string {
	sum := sha256.New()
	for _, part := range []string{k.ContentHash, k.Source, k.Target, k.ParamHash} {
		sum.Write([]byte(part))
		sum.Write([]byte{0})
	}
	return hex.EncodeToString(sum.Sum(nil))
}

// ParamHash canonicalizes params as sorted "k=v" lines and hashes them. Keys
// and values are trimmed; an empty set hashes to the digest of no lines.
func ParamHash(params map[string]string) string {
	lines := make([]string, 0, len(params))
	for k, v := range params {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		lines = append(lines, k+"="+strings.TrimSpace(v))
	}
	sort.Strings(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}
