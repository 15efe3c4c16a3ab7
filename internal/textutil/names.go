package textutil

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// NormalizeName returns the display form of a person's name: NFC, single
// spaces, surrounding punctuation removed, title cased. Returns "" when
// nothing name-like remains.
func NormalizeName(name string) string {
	name = norm.NFC.String(name)
	fields := strings.FieldsFunc(name, func(r rune) bool {
		return unicode.IsSpace(r) || r == ',' || r == ';'
	})
	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		field = strings.TrimFunc(field, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '\'' && r != '-'
		})
		field = strings.Trim(field, "'-")
		if field != "" {
			parts = append(parts, field)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return cases.Title(language.Und).String(strings.Join(parts, " "))
}

// NameKey returns a case-folded key so names that differ only in case or
// Unicode composition compare equal.
func NameKey(name string) string {
	return cases.Fold().String(NormalizeName(name))
}
