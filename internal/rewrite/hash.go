package rewrite

import (
	"crypto/md5"
	"encoding/hex"
	"net/url"
)

// Hasher maps URLs to deterministic local table names. The secret is mixed
// into the digest so table names are stable across processes sharing it but
// not derivable from the URL alone.
type Hasher struct {
	secret string
}

// NewHasher creates a Hasher with the process-wide secret key.
func NewHasher(secret string) Hasher {
	return Hasher{secret: secret}
}

// TableName returns the local table name for url: the lowercase hex MD5 of
// url||secret. SQL identifiers must start with a letter, so when the digest
// leads with a digit the first alphabetic hex digit replaces it.
func (h Hasher) TableName(url string) string {
	sum := md5.Sum([]byte(url + h.secret))
	digest := hex.EncodeToString(sum[:])

	if !isHexLetter(digest[0]) {
		for i := 1; i < len(digest); i++ {
			if isHexLetter(digest[i]) {
				digest = string(digest[i]) + digest[1:]
				break
			}
		}
	}

	return digest
}

func isHexLetter(c byte) bool {
	return c >= 'a' && c <= 'f'
}

// IsValidURL reports whether s parses as a URL with a non-empty scheme and
// network location. This is the gate deciding which relation identifiers are
// rewritten.
func IsValidURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return u.Scheme != "" && u.Host != ""
}
