package domain

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/balena-io-experimental/gustav/pkg/path"
)

type segmentKind int

const (
	segmentLiteral segmentKind = iota
	segmentParam
	segmentWildcard
)

type segment struct {
	kind  segmentKind
	value string
}

// pattern is a parsed route pattern: a JSON pointer whose segments may be
// {param} (one token) or a final {*param} (the rest of the path). Literal
// braces are written {{ and }}. Parameters never bind an empty token.
type pattern struct {
	raw      string
	segments []segment
	matcher  *chi.Mux
}

func parsePattern(raw string) (*pattern, error) {
	p := &pattern{raw: raw}
	if raw != "" {
		if !strings.HasPrefix(raw, "/") {
			return nil, fmt.Errorf("pattern %q must be empty or start with '/'", raw)
		}
		parts := strings.Split(raw[1:], "/")
		seen := make(map[string]bool)
		for i, part := range parts {
			seg, err := parseSegment(part)
			if err != nil {
				return nil, fmt.Errorf("pattern %q: %w", raw, err)
			}
			if seg.kind == segmentWildcard && i != len(parts)-1 {
				return nil, fmt.Errorf("pattern %q: wildcard {*%s} must be the last segment", raw, seg.value)
			}
			if seg.kind != segmentLiteral {
				if seen[seg.value] {
					return nil, fmt.Errorf("pattern %q: duplicate parameter %q", raw, seg.value)
				}
				seen[seg.value] = true
			}
			p.segments = append(p.segments, seg)
		}
	}

	matcher, err := newMatcher(p.route())
	if err != nil {
		return nil, fmt.Errorf("pattern %q: %w", raw, err)
	}
	p.matcher = matcher
	return p, nil
}

func parseSegment(s string) (segment, error) {
	if strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") && !strings.HasPrefix(s, "{{") {
		name := s[1 : len(s)-1]
		kind := segmentParam
		if strings.HasPrefix(name, "*") {
			kind = segmentWildcard
			name = name[1:]
		}
		if !validName(name) {
			return segment{}, fmt.Errorf("invalid parameter name %q", name)
		}
		return segment{kind: kind, value: name}, nil
	}

	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '{' || c == '}' {
			if i+1 < len(s) && s[i+1] == c {
				b.WriteByte(c)
				i++
				continue
			}
			return segment{}, fmt.Errorf("unescaped %q in segment %q", c, s)
		}
		b.WriteByte(c)
	}
	lit := b.String()
	if strings.Contains(lit, "~") {
		// Literal segments are written in pointer form.
		decoded, err := path.Parse("/" + lit)
		if err != nil || decoded.Depth() != 1 {
			return segment{}, fmt.Errorf("invalid literal segment %q", s)
		}
		lit = decoded.Base()
	}
	return segment{kind: segmentLiteral, value: lit}, nil
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

// route renders the pattern as a chi route.
func (p *pattern) route() string {
	if len(p.segments) == 0 {
		return "/"
	}
	var b strings.Builder
	for _, seg := range p.segments {
		b.WriteByte('/')
		switch seg.kind {
		case segmentParam:
			b.WriteString("{" + seg.value + "}")
		case segmentWildcard:
			b.WriteString("*")
		default:
			b.WriteString(escapeToken(seg.value))
		}
	}
	return b.String()
}

// params returns the parameter names in pattern order.
func (p *pattern) params() []string {
	var names []string
	for _, seg := range p.segments {
		if seg.kind != segmentLiteral {
			names = append(names, seg.value)
		}
	}
	return names
}

// match matches a concrete path and returns its bound params in pattern
// order.
func (p *pattern) match(at path.Path) ([][2]string, bool) {
	rctx := chi.NewRouteContext()
	if !p.matcher.Match(rctx, http.MethodGet, chiPath(at)) {
		return nil, false
	}

	var bound [][2]string
	for _, seg := range p.segments {
		switch seg.kind {
		case segmentParam:
			v, err := url.PathUnescape(rctx.URLParam(seg.value))
			if err != nil || v == "" {
				return nil, false
			}
			bound = append(bound, [2]string{seg.value, v})
		case segmentWildcard:
			rest := rctx.URLParam("*")
			tokens := strings.Split(rest, "/")
			for i, tok := range tokens {
				u, err := url.PathUnescape(tok)
				if err != nil || u == "" {
					return nil, false
				}
				tokens[i] = u
			}
			bound = append(bound, [2]string{seg.value, strings.TrimPrefix(path.FromTokens(tokens...).String(), "/")})
		}
	}
	return bound, true
}

// prefixMatches reports whether some path under root could match the
// pattern, and binds the params that fall inside root.
func (p *pattern) prefixMatches(root path.Path) ([][2]string, bool) {
	tokens := root.Tokens()
	var bound [][2]string
	for i, tok := range tokens {
		if i >= len(p.segments) {
			return nil, false
		}
		seg := p.segments[i]
		switch seg.kind {
		case segmentLiteral:
			if seg.value != tok {
				return nil, false
			}
		case segmentParam:
			if tok == "" {
				return nil, false
			}
			bound = append(bound, [2]string{seg.value, tok})
		case segmentWildcard:
			if hasEmpty(tokens[i:]) {
				return nil, false
			}
			rest := strings.TrimPrefix(path.FromTokens(tokens[i:]...).String(), "/")
			return append(bound, [2]string{seg.value, rest}), true
		}
	}
	return bound, true
}

// build substitutes args into the pattern.
func (p *pattern) build(args map[string]string) (path.Path, error) {
	var tokens []string
	for _, seg := range p.segments {
		switch seg.kind {
		case segmentLiteral:
			tokens = append(tokens, seg.value)
		case segmentParam:
			v, ok := args[seg.value]
			if !ok {
				return path.Path{}, fmt.Errorf("missing argument %q for pattern %q", seg.value, p.raw)
			}
			if v == "" {
				return path.Path{}, fmt.Errorf("empty argument %q for pattern %q", seg.value, p.raw)
			}
			tokens = append(tokens, v)
		case segmentWildcard:
			v, ok := args[seg.value]
			if !ok {
				return path.Path{}, fmt.Errorf("missing argument %q for pattern %q", seg.value, p.raw)
			}
			rest, err := path.Parse("/" + v)
			if err != nil {
				return path.Path{}, fmt.Errorf("invalid argument %q for pattern %q: %w", seg.value, p.raw, err)
			}
			if hasEmpty(rest.Tokens()) {
				return path.Path{}, fmt.Errorf("empty token in argument %q for pattern %q", seg.value, p.raw)
			}
			tokens = append(tokens, rest.Tokens()...)
		}
	}
	return path.FromTokens(tokens...), nil
}

func hasEmpty(tokens []string) bool {
	for _, tok := range tokens {
		if tok == "" {
			return true
		}
	}
	return false
}

func newMatcher(route string) (mux *chi.Mux, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	mux = chi.NewRouter()
	mux.MethodFunc(http.MethodGet, route, func(http.ResponseWriter, *http.Request) {})
	return mux, nil
}

func chiPath(p path.Path) string {
	if p.IsRoot() {
		return "/"
	}
	var b strings.Builder
	for _, tok := range p.Tokens() {
		b.WriteByte('/')
		b.WriteString(escapeToken(tok))
	}
	return b.String()
}

// escapeToken escapes a token so chi treats it as a literal.
func escapeToken(tok string) string {
	return strings.ReplaceAll(url.PathEscape(tok), "*", "%2A")
}
