// Package path implements the JSON pointer paths (RFC 6901) that address
// locations in the state tree.
package path

import (
	"fmt"
	"strings"

	"github.com/go-openapi/jsonpointer"
)

// Path is a parsed JSON pointer. The zero value is the root.
type Path struct {
	tokens []string
}

// Root is the path of the whole document.
var Root = Path{}

// Parse parses a JSON pointer string. The empty string is the root; any other
// pointer must start with '/'.
func Parse(s string) (Path, error) {
	ptr, err := jsonpointer.New(s)
	if err != nil {
		return Path{}, fmt.Errorf("invalid path %q: %w", s, err)
	}
	return Path{tokens: ptr.DecodedTokens()}, nil
}

// MustParse is like Parse but panics on error. Use it for literals only.
func MustParse(s string) Path {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

// FromTokens builds a path from unescaped reference tokens.
func FromTokens(tokens ...string) Path {
	return Path{tokens: append([]string(nil), tokens...)}
}

// String returns the escaped pointer form.
func (p Path) String() string {
	if len(p.tokens) == 0 {
		return ""
	}
	var b strings.Builder
	for _, t := range p.tokens {
		b.WriteByte('/')
		b.WriteString(jsonpointer.Escape(t))
	}
	return b.String()
}

// Tokens returns a copy of the unescaped reference tokens.
func (p Path) Tokens() []string {
	return append([]string(nil), p.tokens...)
}

// Depth is the number of tokens; the root has depth 0.
func (p Path) Depth() int {
	return len(p.tokens)
}

// IsRoot reports whether p addresses the whole document.
func (p Path) IsRoot() bool {
	return len(p.tokens) == 0
}

// Base returns the last token, or "" for the root.
func (p Path) Base() string {
	if len(p.tokens) == 0 {
		return ""
	}
	return p.tokens[len(p.tokens)-1]
}

// Parent returns the parent path. The root has no parent.
func (p Path) Parent() (Path, bool) {
	if len(p.tokens) == 0 {
		return Path{}, false
	}
	return Path{tokens: p.tokens[:len(p.tokens)-1]}, true
}

// Join returns a new path with the given tokens appended.
func (p Path) Join(tokens ...string) Path {
	out := make([]string, 0, len(p.tokens)+len(tokens))
	out = append(out, p.tokens...)
	out = append(out, tokens...)
	return Path{tokens: out}
}

// Equal reports whether both paths address the same location.
func (p Path) Equal(o Path) bool {
	if len(p.tokens) != len(o.tokens) {
		return false
	}
	for i := range p.tokens {
		if p.tokens[i] != o.tokens[i] {
			return false
		}
	}
	return true
}

// Contains reports whether o is p or a descendant of p.
func (p Path) Contains(o Path) bool {
	if len(o.tokens) < len(p.tokens) {
		return false
	}
	for i := range p.tokens {
		if p.tokens[i] != o.tokens[i] {
			return false
		}
	}
	return true
}

// Overlaps reports whether one path is an ancestor of (or equal to) the other.
// Nodes at overlapping paths can never run in the same wave.
func (p Path) Overlaps(o Path) bool {
	return p.Contains(o) || o.Contains(p)
}

// Rel returns the tokens of o below p. ok is false if p does not contain o.
func (p Path) Rel(o Path) ([]string, bool) {
	if !p.Contains(o) {
		return nil, false
	}
	return append([]string(nil), o.tokens[len(p.tokens):]...), true
}

// Ancestors returns p followed by each of its ancestors up to the root.
func (p Path) Ancestors() []Path {
	out := make([]Path, 0, len(p.tokens)+1)
	for i := len(p.tokens); i >= 0; i-- {
		out = append(out, Path{tokens: p.tokens[:i]})
	}
	return out
}

// Compare orders paths shallowest first, then lexicographically by their
// string form.
func Compare(a, b Path) int {
	if a.Depth() != b.Depth() {
		if a.Depth() < b.Depth() {
			return -1
		}
		return 1
	}
	return strings.Compare(a.String(), b.String())
}

// MarshalText implements encoding.TextMarshaler.
func (p Path) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Path) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
