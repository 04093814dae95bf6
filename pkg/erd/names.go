package erd

import (
	"strings"
	"unicode"
)

// DisplayName turns an identifier into a human label: delimiters become spaces,
// camel humps are split and every word is title-cased.
// "customer_order" and "CustomerOrder" both become "Customer Order".
func DisplayName(name string) string {
	words := splitWords(name)
	for i, w := range words {
		words[i] = titleWord(w)
	}
	return strings.Join(words, " ")
}

// SnakeCase converts an identifier to lower snake_case.
func SnakeCase(name string) string {
	words := splitWords(name)
	for i, w := range words {
		words[i] = strings.ToLower(w)
	}
	return strings.Join(words, "_")
}

// PascalCase converts an identifier to PascalCase.
func PascalCase(name string) string {
	words := splitWords(name)
	var b strings.Builder
	for _, w := range words {
		b.WriteString(titleWord(w))
	}
	return b.String()
}

// IsPascalCase reports whether name starts upper-case and has no delimiters.
func IsPascalCase(name string) bool {
	if name == "" {
		return false
	}
	r := []rune(name)
	if !unicode.IsUpper(r[0]) {
		return false
	}
	return !strings.ContainsAny(name, "_- ")
}

// IsLowerIdentifier reports whether name is camelCase or snake_case (starts lower-case).
func IsLowerIdentifier(name string) bool {
	if name == "" {
		return false
	}
	return unicode.IsLower([]rune(name)[0])
}

// ForeignKeyName returns the conventional FK attribute name for a referenced entity.
func ForeignKeyName(entity string) string {
	return SnakeCase(entity) + "_id"
}

// NormalizeKey lower-cases and drops separators so "order_item_id",
// "orderItemId" and "OrderItem_ID" compare equal.
func NormalizeKey(name string) string {
	var b strings.Builder
	for _, r := range name {
		if r == '_' || r == '-' || unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

func titleWord(w string) string {
	if w == "" {
		return w
	}
	r := []rune(strings.ToLower(w))
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

// splitWords breaks an identifier on delimiters and lower-to-upper transitions.
// Runs of capitals stay together ("HTTPServer" -> "HTTP", "Server").
func splitWords(name string) []string {
	var words []string
	var current []rune
	runes := []rune(name)

	flush := func() {
		if len(current) > 0 {
			words = append(words, string(current))
			current = current[:0]
		}
	}

	for i, r := range runes {
		if r == '_' || r == '-' || r == '.' || unicode.IsSpace(r) {
			flush()
			continue
		}
		if i > 0 && unicode.IsUpper(r) && len(current) > 0 {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				flush()
			}
		}
		current = append(current, r)
	}
	flush()
	return words
}
