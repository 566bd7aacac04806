package seed

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// reservedTerms may not appear anywhere in a vanity code. The first group
// guards against codes that pass for the platform or this service, the
// second is a short profanity list.
var reservedTerms = []string{
	"guilded", "authlink", "official", "admin", "moderator", "support",
	"staff", "verify", "oauth", "login", "signin",

	"fuck", "shit", "bitch", "cunt", "whore",
}

// leet undoes the usual digit-for-letter swaps.
var leet = strings.NewReplacer(
	"0", "o",
	"1", "i",
	"3", "e",
	"4", "a",
	"5", "s",
	"7", "t",
	"@", "a",
	"$", "s",
)

// canonical reduces s to the form reserved terms are matched against:
// NFKC-normalized, case-folded, separators removed and digit swaps
// undone.
func canonical(s string) string {
	s = cases.Fold().String(norm.NFKC.String(s))
	s = strings.NewReplacer("-", "", "_", "", ".", "", " ", "").Replace(s)

	return leet.Replace(s)
}

// Reserved returns the reserved term s contains, or "" when s is
// acceptable.
func Reserved(s string) string {
	c := canonical(s)

	for _, term := range reservedTerms {
		if strings.Contains(c, term) {
			return term
		}
	}

	return ""
}
