// Package validation holds the pure name-cleaning and name-checking rules
// applied to user input before it reaches a card template.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxNameLen bounds a name in runes. Longer names overflow the card layout.
const MaxNameLen = 40

var (
	ErrEmpty        = errors.New("name is empty")
	ErrTooLong      = fmt.Errorf("name is longer than %d characters", MaxNameLen)
	ErrNotArabic    = errors.New("name contains characters outside the Arabic script")
	ErrNotEnglish   = errors.New("name contains characters outside the Latin script")
	ErrUnknownRules = errors.New("no validation rules for script")
)

// Script identifies the character set a name must be written in.
type Script string

const (
	ScriptArabic  Script = "ar"
	ScriptEnglish Script = "en"
)

var (
	arabicAllowed  = regexp.MustCompile(`^[\x{0600}-\x{06FF}\x{0750}-\x{077F}\x{08A0}-\x{08FF}\x{FB50}-\x{FDFF}\x{FE70}-\x{FEFF}\s\-'.0-9]+$`)
	englishAllowed = regexp.MustCompile(`^[A-Za-z\s\-'.0-9]+$`)
	innerSpace     = regexp.MustCompile(`\s+`)
)

// Clean trims the input and collapses internal whitespace runs to one space.
func Clean(s string) string {
	return innerSpace.ReplaceAllString(strings.TrimSpace(s), " ")
}

// Name cleans s and validates it against the rules for the given script.
// On success it returns the cleaned name; otherwise the returned error is
// one of the exported sentinel errors naming the violated rule.
func Name(s string, script Script) (string, error) {
	s = Clean(s)
	if s == "" {
		return "", ErrEmpty
	}
	if utf8.RuneCountInString(s) > MaxNameLen {
		return "", ErrTooLong
	}
	switch script {
	case ScriptArabic:
		if !arabicAllowed.MatchString(s) {
			return "", ErrNotArabic
		}
	case ScriptEnglish:
		if !englishAllowed.MatchString(s) {
			return "", ErrNotEnglish
		}
	default:
		return "", ErrUnknownRules
	}
	return s, nil
}
