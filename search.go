package treefs

import (
	"context"
	"strings"

	"github.com/gobwas/glob"
)

// Matcher decides whether a file belongs to a search result.
type Matcher interface {
	Match(f File) bool
}

// MatcherFunc adapts a function to Matcher.
type MatcherFunc func(f File) bool

func (fn MatcherFunc) Match(f File) bool { return fn(f) }

type substringMatcher struct {
	needle string
}

func (m substringMatcher) Match(f File) bool {
	return strings.Contains(strings.ToLower(f.Name()), m.needle)
}

type globMatcher struct {
	g glob.Glob
}

func (m globMatcher) Match(f File) bool {
	return m.g.Match(strings.ToLower(f.Name()))
}

// NameMatcher builds the matcher used by the default Search. Queries with
// glob meta characters (* ? [ {) are matched as globs against the whole name,
// anything else as a substring. Matching is case-insensitive.
//
//	NameMatcher("report")    // quarterly-report.pdf, Report.txt
//	NameMatcher("*.{jpg,png}")
func NameMatcher(query string) Matcher {
	q := strings.ToLower(query)
	if strings.ContainsAny(q, "*?[{") {
		if g, err := glob.Compile(q); err == nil {
			return globMatcher{g: g}
		}
	}
	return substringMatcher{needle: q}
}

// SearchTree is the default Search: it walks every descendant of dir and
// returns those accepted by NameMatcher(query), in walk order.
func SearchTree(ctx context.Context, dir Directory, query string) ([]File, error) {
	return Find(ctx, dir, NameMatcher(query))
}

// Find walks every descendant of dir and returns those accepted by m.
func Find(ctx context.Context, dir Directory, m Matcher) ([]File, error) {
	var results []File
	err := Walk(ctx, dir, func(_ []string, f File) error {
		if m.Match(f) {
			results = append(results, f)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}
