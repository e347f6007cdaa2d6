package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/gowebpki/jcs"
	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Digest returns the hex SHA-256 of the JCS-canonical form of a JSON
// document, so equal payloads hash equally regardless of key order.
func Digest(raw []byte) (string, error) {
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", eris.Wrap(err, "model: canonicalize payload")
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

var upper = cases.Upper(language.Und)

// NormalizeSubject trims and upper-cases a subject identifier (ticker,
// topic slug) so cache keys and file names agree across callers.
func NormalizeSubject(s string) string {
	return upper.String(strings.TrimSpace(s))
}
