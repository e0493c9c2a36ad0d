// Package patterns compiles the regular-expression URL patterns carried by
// group configurations and matches request URLs against them.
//
// Compiled expressions are cached process-wide: multiple application versions
// usually carry identical pattern lists, and recompiling them per version is
// wasted work.
package patterns

import (
	"fmt"
	"regexp"
	"sync"
)

// regexCache caches compiled expressions keyed by pattern source.
var regexCache sync.Map // map[string]*regexp.Regexp

// Set is an ordered list of compiled patterns.
type Set struct {
	exprs []*regexp.Regexp
}

// Compile builds a Set from pattern sources. Patterns are used exactly as
// written; anchoring is the manifest author's responsibility.
func Compile(sources []string) (*Set, error) {
	exprs := make([]*regexp.Regexp, 0, len(sources))
	for _, src := range sources {
		re, err := compile(src)
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, re)
	}
	return &Set{exprs: exprs}, nil
}

// Matches reports whether url matches any pattern in the set.
func (s *Set) Matches(url string) bool {
	for _, re := range s.exprs {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}

// Len returns the number of patterns in the set.
func (s *Set) Len() int {
	return len(s.exprs)
}

func compile(src string) (*regexp.Regexp, error) {
	if cached, ok := regexCache.Load(src); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(src)
	if err != nil {
		return nil, fmt.Errorf("invalid url pattern %q: %w", src, err)
	}
	regexCache.Store(src, re)
	return re, nil
}
