package characters

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// genericNameList holds surface forms rejected as character names: kinship
// words, pronouns, and descriptors the model sometimes reports instead of an
// actual name. Compared after normalization.
var genericNameList = []string{
	"father", "mother", "brother", "sister", "son", "daughter",
	"uncle", "aunt", "grandfather", "grandmother", "grandpa", "grandma",
	"husband", "wife",
	"he", "she", "they", "him", "her", "them", "i", "you", "we",
	"person", "man", "woman", "boy", "girl",
	"old man", "old woman", "young man", "young woman",
	"unknown", "unnamed", "none", "n-a", "n/a", "someone", "somebody",
}

// boilerplateList holds placeholder descriptions that never overwrite or seed
// a real one. Compared after normalization.
var boilerplateList = []string{
	"unknown", "n/a", "none", "no description", "to be determined",
	"main character", "protagonist", "antagonist", "supporting character",
}

var (
	genericNames            = make(map[string]struct{}, len(genericNameList))
	boilerplateDescriptions = make(map[string]struct{}, len(boilerplateList))
)

func init() {
	for _, n := range genericNameList {
		genericNames[NormalizeName(n)] = struct{}{}
	}
	for _, d := range boilerplateList {
		boilerplateDescriptions[NormalizeName(d)] = struct{}{}
	}
}

// NormalizeName returns the canonical comparison form of a name, alias, or
// fact text: NFKC, lowercased, trimmed, internal whitespace collapsed, and
// punctuation dropped except apostrophes and hyphens. Two surface forms refer
// to the same character exactly when their normalized forms are equal.
func NormalizeName(s string) string {
	if s == "" {
		return ""
	}
	s = strings.ToLower(norm.NFKC.String(s))

	var b strings.Builder
	b.Grow(len(s))
	pendingSpace := false
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			if b.Len() > 0 {
				pendingSpace = true
			}
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '\'' || r == '-':
			if pendingSpace {
				b.WriteByte(' ')
				pendingSpace = false
			}
			b.WriteRune(r)
		default:
			// other punctuation dropped
		}
	}
	return b.String()
}

// IsGenericName reports whether a name is too generic to identify a character
// (pronoun, kinship word, descriptor, or placeholder).
func IsGenericName(name string) bool {
	_, ok := genericNames[NormalizeName(name)]
	return ok
}

// isBoilerplateDescription reports whether a description is a placeholder.
func isBoilerplateDescription(desc string) bool {
	_, ok := boilerplateDescriptions[NormalizeName(desc)]
	return ok
}
