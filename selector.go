package treefs

import (
	"context"

	"github.com/gobwas/glob"
)

// ============================================================================
// Selector Interface
// ============================================================================

// Selector filters the entities visited by Select. path is relative to the
// directory Select started from.
//
// Example usage:
//
//	// Every JPEG below photos, at most two levels deep
//	files, err := treefs.Select(ctx, photos, treefs.And(
//	    treefs.Glob("*.jpg"),
//	    treefs.Depth(2),
//	))
type Selector interface {
	// Match returns true if the entity should be included in results.
	Match(path []string, f File) bool

	// TraverseDescendants returns true if the children of dir should be
	// visited. Only called for directories.
	TraverseDescendants(path []string, dir File) bool
}

// Select walks dir and returns every descendant accepted by selector, in walk
// order. Directories can be selected as well as files.
func Select(ctx context.Context, dir Directory, selector Selector) ([]File, error) {
	if selector == nil {
		selector = All()
	}

	var results []File
	err := Walk(ctx, dir, func(path []string, f File) error {
		if selector.Match(path, f) {
			results = append(results, f)
		}
		if f.Kind() == KindDirectory && !selector.TraverseDescendants(path, f) {
			return SkipDir
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// ============================================================================
// Built-in Selectors
// ============================================================================

type allSelector struct{}

func (allSelector) Match([]string, File) bool               { return true }
func (allSelector) TraverseDescendants([]string, File) bool { return true }

// All selects everything.
func All() Selector {
	return allSelector{}
}

// FilesOnly selects leaves and traverses every directory.
func FilesOnly() Selector {
	return FuncSelector(func(f File) bool { return f.Kind() == KindFile })
}

type globSelector struct {
	g glob.Glob
}

// Glob selects entities whose name matches pattern. Supports *, ?, [abc],
// [a-z] and {a,b}. Matching is case-sensitive; an invalid pattern selects
// nothing.
//
// Examples:
//
//	Glob("*.txt")           // All .txt files
//	Glob("image_????.jpg")  // image_0001.jpg, etc.
//	Glob("*.{png,gif}")     // Either extension
func Glob(pattern string) Selector {
	g, err := glob.Compile(pattern)
	if err != nil {
		return Not(All())
	}
	return &globSelector{g: g}
}

func (s *globSelector) Match(_ []string, f File) bool {
	return s.g.Match(f.Name())
}

func (s *globSelector) TraverseDescendants([]string, File) bool { return true }

type depthSelector struct {
	maxDepth int
}

// Depth limits selection to maxDepth levels. Depth 1 = immediate children
// only.
func Depth(maxDepth int) Selector {
	return &depthSelector{maxDepth: maxDepth}
}

func (s *depthSelector) Match(path []string, _ File) bool {
	return len(path) <= s.maxDepth
}

func (s *depthSelector) TraverseDescendants(path []string, _ File) bool {
	return len(path) < s.maxDepth
}

type matcherSelector struct {
	m Matcher
}

// Matching adapts a Matcher, such as NameMatcher, to a Selector.
func Matching(m Matcher) Selector {
	return &matcherSelector{m: m}
}

func (s *matcherSelector) Match(_ []string, f File) bool           { return s.m.Match(f) }
func (s *matcherSelector) TraverseDescendants([]string, File) bool { return true }

// ============================================================================
// Composable Selectors (And, Or, Not)
// ============================================================================

type andSelector struct {
	selectors []Selector
}

// And matches only if ALL selectors match. Descendants are traversed only if
// every selector agrees.
func And(selectors ...Selector) Selector {
	return &andSelector{selectors: selectors}
}

func (s *andSelector) Match(path []string, f File) bool {
	for _, sel := range s.selectors {
		if !sel.Match(path, f) {
			return false
		}
	}
	return true
}

func (s *andSelector) TraverseDescendants(path []string, dir File) bool {
	for _, sel := range s.selectors {
		if !sel.TraverseDescendants(path, dir) {
			return false
		}
	}
	return true
}

type orSelector struct {
	selectors []Selector
}

// Or matches if ANY selector matches.
func Or(selectors ...Selector) Selector {
	return &orSelector{selectors: selectors}
}

func (s *orSelector) Match(path []string, f File) bool {
	for _, sel := range s.selectors {
		if sel.Match(path, f) {
			return true
		}
	}
	return false
}

func (s *orSelector) TraverseDescendants(path []string, dir File) bool {
	for _, sel := range s.selectors {
		if sel.TraverseDescendants(path, dir) {
			return true
		}
	}
	return false
}

type notSelector struct {
	selector Selector
}

// Not inverts a selector's match result. Traversal is unaffected.
func Not(selector Selector) Selector {
	return &notSelector{selector: selector}
}

func (s *notSelector) Match(path []string, f File) bool {
	return !s.selector.Match(path, f)
}

func (s *notSelector) TraverseDescendants([]string, File) bool { return true }

// ============================================================================
// FuncSelector - Custom logic
// ============================================================================

type funcSelector struct {
	matchFn    func(File) bool
	traverseFn func(File) bool
}

// FuncSelector creates a selector from a custom function.
//
// Example:
//
//	FuncSelector(func(f treefs.File) bool {
//	    return f.Info().Size > 1024
//	})
func FuncSelector(fn func(File) bool) Selector {
	return &funcSelector{
		matchFn:    fn,
		traverseFn: func(File) bool { return true },
	}
}

// FuncSelectorFull creates a selector with custom match and traverse functions.
func FuncSelectorFull(matchFn, traverseFn func(File) bool) Selector {
	return &funcSelector{
		matchFn:    matchFn,
		traverseFn: traverseFn,
	}
}

func (s *funcSelector) Match(_ []string, f File) bool                 { return s.matchFn(f) }
func (s *funcSelector) TraverseDescendants(_ []string, dir File) bool { return s.traverseFn(dir) }
