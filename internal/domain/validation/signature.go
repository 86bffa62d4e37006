package validation

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"regexp"
	"strings"
)

// Resource-specific tokens removed before hashing, applied in order.
var normalizers = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`'[^']*'|"[^"]*"`), "<v>"},
	{regexp.MustCompile(`https?://\S+`), "<url>"},
	{regexp.MustCompile(`urn:(uuid|oid):[A-Za-z0-9.\-]+`), "<urn>"},
	{regexp.MustCompile(`\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`), "<uuid>"},
	{regexp.MustCompile(`\b([a-z][a-z]+)/[a-z0-9\-.]{1,64}(/_history/[a-z0-9\-.]+)?\b`), "$1/<id>"},
	{regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}(t[0-9:.]+(z|[+\-]\d{2}:\d{2})?)?\b`), "<date>"},
	{regexp.MustCompile(`\b\d+(\.\d+)?\b`), "<n>"},
	{regexp.MustCompile(`\s+`), " "},
}

// NormalizeText lower-cases a message and strips quoted values, URLs,
// identifiers, dates and numbers so that the same defect on different
// resources yields the same text.
func NormalizeText(msg string) string {
	s := strings.ToLower(msg)
	for _, n := range normalizers {
		s = n.re.ReplaceAllString(s, n.repl)
	}
	return strings.TrimSpace(s)
}

// Sign returns the content-addressed grouping key of an issue: hex SHA-256
// over aspect|severity|code|canonicalPath|ruleId|normalizedText. An
// absent ruleId contributes an empty field.
func Sign(is Issue) string {
	fields := []string{
		string(is.Aspect),
		string(is.Severity),
		is.Code,
		CanonicalizePath(is.CanonicalPath),
		is.RuleID,
		NormalizeText(is.Message),
	}
	h := sha256.New()
	var prefix [4]byte
	for i, f := range fields {
		if i > 0 {
			h.Write([]byte{'|'})
		}
		// Length prefix keeps "a|b" + "c" distinct from "a" + "b|c".
		binary.BigEndian.PutUint32(prefix[:], uint32(len(f)))
		h.Write(prefix[:])
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}

var arrayIndex = regexp.MustCompile(`\[\d+\]`)

// CanonicalizePath drops array indices so that
// "Patient.identifier[2].system" and "Patient.identifier[0].system" group together.
func CanonicalizePath(path string) string {
	return arrayIndex.ReplaceAllString(path, "")
}

// SignAll sets Signature on every issue and returns the slice.
func SignAll(issues []Issue) []Issue {
	for i := range issues {
		issues[i].Signature = Sign(issues[i])
	}
	return issues
}
