package request

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// DuplicateWindow bounds how far back the duplicate check looks. Requests
// older than this are treated as a new need even when the fingerprint
// collides.
const DuplicateWindow = 7 * 24 * time.Hour

// locationPrefixRunes caps how much of the free-text location participates in
// the fingerprint, so trailing apartment details don't defeat the check.
const locationPrefixRunes = 48

const arabicTatweel = 'ـ'

// Fingerprint derives the stable duplicate hash for (phone, category,
// location). Same inputs always produce the same fingerprint; any category
// change produces a different one.
func Fingerprint(phone string, category Category, locationText string) string {
	key := normalizeDigits(phone) + "|" + string(category) + "|" + NormalizeLocation(locationText)
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// NormalizeLocation canonicalizes free-text Arabic addresses for fingerprint
// purposes: diacritics and tatweel are dropped, visually equivalent letter
// variants are folded, whitespace is collapsed, and the result is truncated
// to a fixed prefix.
func NormalizeLocation(text string) string {
	text = stripMarks(text)

	var b strings.Builder
	b.Grow(len(text))
	lastSpace := true
	count := 0
	for _, r := range text {
		switch r {
		case 'أ', 'إ', 'آ': // أ إ آ -> ا
			r = 'ا'
		case 'ة': // ة -> ه
			r = 'ه'
		case 'ى': // ى -> ي
			r = 'ي'
		}
		if unicode.IsSpace(r) {
			if lastSpace {
				continue
			}
			r = ' '
			lastSpace = true
		} else {
			lastSpace = false
		}
		r = unicode.ToLower(r)
		b.WriteRune(r)
		count++
		if count >= locationPrefixRunes {
			break
		}
	}
	return strings.TrimSpace(b.String())
}

// stripMarks removes combining marks (harakat) and the tatweel filler after
// NFD decomposition.
func stripMarks(text string) string {
	t := transform.Chain(
		norm.NFD,
		runes.Remove(runes.In(unicode.Mn)),
		runes.Remove(runes.Predicate(func(r rune) bool { return r == arabicTatweel })),
		norm.NFC,
	)
	out, _, err := transform.String(t, text)
	if err != nil {
		return text
	}
	return out
}

func normalizeDigits(phone string) string {
	var b strings.Builder
	b.Grow(len(phone))
	for _, r := range phone {
		if r >= '0' && r <= '9' || r == '+' {
			b.WriteRune(r)
			continue
		}
		// Eastern Arabic digits.
		if r >= '٠' && r <= '٩' {
			b.WriteRune('0' + (r - '٠'))
		}
	}
	return b.String()
}
