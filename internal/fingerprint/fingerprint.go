// Package fingerprint derives a stable content hash for "the same logical
// task" observed independently on either side of the sync. Pure functions,
// no I/O.
package fingerprint

import (
	"crypto/sha1"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Normalize canonicalizes a task title: NFKC, lowercase, collapse internal
// whitespace, strip leading/trailing punctuation, symbols, and whitespace.
// NFKC must run before lowercasing; compatibility characters like the
// mathematical alphanumerics normalize to plain capitals.
// Idempotent: Normalize(Normalize(s)) == Normalize(s).
func Normalize(s string) string {
	s = norm.NFKC.String(s)
	s = strings.ToLower(s)
	s = strings.Join(strings.Fields(s), " ")
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsSpace(r)
	})
}

// Fingerprint hashes a Toggl observation's identity fields. Missing
// project/workspace ids coerce to "0"; tag ids are order-insensitive.
// SHA-1 is used for recognition, not security; collisions across a single
// user's task titles are the only concern.
func Fingerprint(description string, projectID *int64, tagIDs []int64, workspaceID *int64) string {
	tags := make([]string, len(tagIDs))
	for i, id := range tagIDs {
		tags[i] = strconv.FormatInt(id, 10)
	}
	sort.Strings(tags)

	raw := strings.Join([]string{
		Normalize(description),
		coerceID(projectID),
		strings.Join(tags, ","),
		coerceID(workspaceID),
	}, "|")

	sum := sha1.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func coerceID(id *int64) string {
	if id == nil {
		return "0"
	}
	return strconv.FormatInt(*id, 10)
}
