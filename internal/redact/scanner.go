package redact

import (
	"regexp"
	"sort"
	"strings"
)

// PatternType identifies the category of sensitive data.
type PatternType string

const (
	PatternCred  PatternType = "CRED"
	PatternKey   PatternType = "KEY"
	PatternEmail PatternType = "EMAIL"
	PatternCard  PatternType = "CARD"
)

// Match is a single occurrence of sensitive data in text.
type Match struct {
	Type  PatternType
	Value string
	Start int
	End   int
}

var (
	// key=value pairs where the key suggests a secret.
	credKVRe = regexp.MustCompile(`(?i)((?:password|passwd|secret|token|api_key|apikey|auth)[ \t]*[=:][ \t]*\S+)`)

	// Bearer credentials in header-like text.
	bearerRe = regexp.MustCompile(`(?i)\bbearer[ \t]+[A-Za-z0-9\-._~+/]{8,}=*`)

	// Well-known key formats: AWS access keys, GitHub tokens, PEM private keys.
	awsKeyRe    = regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`)
	githubTokRe = regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`)
	pemKeyRe    = regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`)

	emailRe = regexp.MustCompile(`\b([a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,})\b`)

	// 13 to 19 digits, optionally grouped by spaces or dashes.
	cardRe = regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`)
)

// Scan finds sensitive values in text and returns deduplicated matches
// sorted by position (earliest first).
func Scan(text string) []Match {
	seen := make(map[string]bool)
	var matches []Match

	add := func(typ PatternType, value string, start int) {
		value = strings.TrimRight(value, ".,;:\"'`)}]")
		if value == "" || seen[value] {
			return
		}
		seen[value] = true
		matches = append(matches, Match{Type: typ, Value: value, Start: start, End: start + len(value)})
	}
	each := func(re *regexp.Regexp, typ PatternType, keep func(string) bool) {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			v := text[loc[0]:loc[1]]
			if keep == nil || keep(v) {
				add(typ, v, loc[0])
			}
		}
	}

	each(credKVRe, PatternCred, nil)
	each(bearerRe, PatternCred, nil)
	each(awsKeyRe, PatternKey, nil)
	each(githubTokRe, PatternKey, nil)
	each(pemKeyRe, PatternKey, nil)
	each(emailRe, PatternEmail, nil)
	each(cardRe, PatternCard, luhn)

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Start < matches[j].Start
	})
	return matches
}

// luhn filters card-number candidates down to valid checksums so that
// timestamps and order ids are left alone.
func luhn(s string) bool {
	sum, n := 0, 0
	for i := len(s) - 1; i >= 0; i-- {
		c := s[i]
		if c == ' ' || c == '-' {
			continue
		}
		d := int(c - '0')
		if n%2 == 1 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		n++
	}
	return n >= 13 && sum%10 == 0
}
