// Package filter selects which tree entries are archived. Rules are applied
// in the order given on the command line, first match wins, rsync-style.
package filter

import (
	"fmt"
	"regexp"
	"strings"
)

type rule struct {
	re      *regexp.Regexp
	raw     string
	include bool
}

// Chain is an ordered list of include/exclude rules plus size bounds.
// A nil *Chain admits everything.
type Chain struct {
	rules   []rule
	minSize int64
	maxSize int64
}

// NewChain creates an empty chain.
func NewChain() *Chain { return &Chain{} }

// AddExclude appends an exclude rule for the glob pattern.
func (c *Chain) AddExclude(pattern string) error {
	return c.add(pattern, false)
}

// AddInclude appends an include rule for the glob pattern.
func (c *Chain) AddInclude(pattern string) error {
	return c.add(pattern, true)
}

func (c *Chain) add(pattern string, include bool) error {
	re, err := compileGlob(pattern)
	if err != nil {
		return fmt.Errorf("pattern %q: %w", pattern, err)
	}
	c.rules = append(c.rules, rule{re: re, raw: pattern, include: include})
	return nil
}

// SetMinSize skips regular files smaller than n bytes.
func (c *Chain) SetMinSize(n int64) { c.minSize = n }

// SetMaxSize skips regular files larger than n bytes.
func (c *Chain) SetMaxSize(n int64) { c.maxSize = n }

// Empty reports whether the chain has no rules or size bounds.
func (c *Chain) Empty() bool {
	return c == nil || (len(c.rules) == 0 && c.minSize == 0 && c.maxSize == 0)
}

// Match reports whether the entry at relPath passes the chain.
// Size bounds apply only to regular files (isDir=false).
func (c *Chain) Match(relPath string, isDir bool, size int64) bool {
	if c == nil {
		return true
	}

	for _, r := range c.rules {
		if r.matches(relPath, isDir) {
			return r.include
		}
	}

	if !isDir {
		if c.minSize > 0 && size < c.minSize {
			return false
		}
		if c.maxSize > 0 && size > c.maxSize {
			return false
		}
	}
	return true
}

func (r rule) matches(relPath string, isDir bool) bool {
	if r.re.MatchString(relPath) {
		return true
	}
	// A pattern like "build/" or "*.cache" also matches everything under a
	// matching directory.
	for p := relPath; ; {
		i := strings.LastIndexByte(p, '/')
		if i < 0 {
			break
		}
		p = p[:i]
		if r.re.MatchString(p) {
			return true
		}
	}
	return false
}

// compileGlob translates a shell-style glob into an anchored regexp.
// `*` matches within one path element, `**` spans separators, `?` matches
// one character. A trailing slash is dropped (directory patterns).
func compileGlob(pattern string) (*regexp.Regexp, error) {
	pattern = strings.TrimSuffix(pattern, "/")
	if pattern == "" {
		return nil, fmt.Errorf("empty pattern")
	}

	var b strings.Builder
	b.WriteString(`^(?:.*/)?`) // pattern may match at any depth
	if strings.HasPrefix(pattern, "/") {
		b.Reset()
		b.WriteString(`^`)
		pattern = pattern[1:]
	}

	for i := 0; i < len(pattern); i++ {
		switch ch := pattern[i]; ch {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				b.WriteString(`.*`)
				i++
			} else {
				b.WriteString(`[^/]*`)
			}
		case '?':
			b.WriteString(`[^/]`)
		default:
			b.WriteString(regexp.QuoteMeta(string(ch)))
		}
	}
	b.WriteString(`$`)
	return regexp.Compile(b.String())
}
