package isolation

import (
	"log/slog"
	"regexp"
	"strings"
)

// Pattern is a capability id pattern compiled once at policy construction.
//
//	"*"            matches every id
//	"ccos.io.*"    glob: * any run, ? one character, [...] a class
//	"ccos.io.log"  exact match
//
// A glob that does not compile never matches.
type Pattern struct {
	raw   string
	all   bool
	re    *regexp.Regexp
	valid bool
}

// CompilePattern compiles a single pattern. The returned error is
// informational: the pattern is still usable and simply never matches.
func CompilePattern(raw string) (Pattern, error) {
	p := Pattern{raw: raw, valid: true}
	switch {
	case raw == "*":
		p.all = true
	case strings.ContainsAny(raw, "*?["):
		re, err := regexp.Compile(globToRegexp(raw))
		if err != nil {
			p.valid = false
			return p, err
		}
		p.re = re
	}
	return p, nil
}

// MustCompilePatterns compiles patterns, logging and neutralising malformed ones.
func MustCompilePatterns(raws []string) []Pattern {
	out := make([]Pattern, 0, len(raws))
	for _, r := range raws {
		p, err := CompilePattern(r)
		if err != nil {
			slog.Default().With("component", "isolation").Warn("malformed capability pattern never matches",
				"pattern", r, "error", err)
		}
		out = append(out, p)
	}
	return out
}

// String returns the source pattern.
func (p Pattern) String() string { return p.raw }

// Valid reports whether the pattern compiled.
func (p Pattern) Valid() bool { return p.valid }

// Match reports whether id matches the pattern.
func (p Pattern) Match(id string) bool {
	switch {
	case !p.valid:
		return false
	case p.all:
		return true
	case p.re != nil:
		return p.re.MatchString(id)
	}
	return id == p.raw
}

func matchAny(patterns []Pattern, id string) bool {
	for _, p := range patterns {
		if p.Match(id) {
			return true
		}
	}
	return false
}

// globToRegexp translates a glob into an anchored regular expression.
// Character classes are passed through so that an unterminated class
// surfaces as a compile error.
func globToRegexp(glob string) string {
	var b strings.Builder
	b.WriteByte('^')
	inClass := false
	for i := 0; i < len(glob); i++ {
		c := glob[i]
		if inClass {
			if c == ']' {
				inClass = false
			}
			if c == '\\' {
				b.WriteString(`\\`)
				continue
			}
			b.WriteByte(c)
			continue
		}
		switch c {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteByte('.')
		case '[':
			inClass = true
			b.WriteByte('[')
			if i+1 < len(glob) && glob[i+1] == '!' {
				b.WriteByte('^')
				i++
			}
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteByte('$')
	return b.String()
}
