// Package namespaces validates the names that address stored data: storage
// namespaces on the agent and the user-facing cache and kv names.
package namespaces

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxLength caps the length of namespaces and cache or kv names.
const MaxLength = 128

// Normalize trims and lowercases a storage namespace. Namespaces become path
// segments and object key prefixes in every backend, so only lowercase
// letters, digits, '.', '_' and '-' are accepted.
func Normalize(ns string) (string, error) {
	ns = strings.ToLower(strings.TrimSpace(ns))
	switch {
	case ns == "":
		return "", fmt.Errorf("namespace required")
	case len(ns) > MaxLength:
		return "", fmt.Errorf("namespace too long (max %d characters)", MaxLength)
	case ns == "." || ns == "..":
		return "", fmt.Errorf("invalid namespace %q", ns)
	}
	if i := strings.IndexFunc(ns, notNamespaceRune); i >= 0 {
		return "", fmt.Errorf("invalid namespace %q: character %q not allowed (use a-z, 0-9, '.', '_', '-')", ns, ns[i])
	}
	return ns, nil
}

func notNamespaceRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		return false
	case r == '.', r == '_', r == '-':
		return false
	}
	return true
}

// ValidateName checks a user-facing cache or kv name. Names are case
// sensitive and kept verbatim; they must be valid UTF-8 without control
// characters.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("name required")
	case len(name) > MaxLength:
		return fmt.Errorf("name too long (max %d bytes)", MaxLength)
	case !utf8.ValidString(name):
		return fmt.Errorf("name is not valid UTF-8")
	}
	if i := strings.IndexFunc(name, unicode.IsControl); i >= 0 {
		r, _ := utf8.DecodeRuneInString(name[i:])
		return fmt.Errorf("name contains control character %U", r)
	}
	return nil
}
