package topic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatcherExactFilter(t *testing.T) {
	m := New[string]()
	m.Add("a/b/c", "sub-1")

	assert.ElementsMatch(t, []string{"sub-1"}, m.Match("a/b/c"))
	assert.Empty(t, m.Match("a/b/d"))
}

func TestMatcherSingleLevelWildcard(t *testing.T) {
	m := New[string]()
	m.Add("sensors/+/temperature", "sub-1")

	assert.ElementsMatch(t, []string{"sub-1"}, m.Match("sensors/kitchen/temperature"))
	assert.Empty(t, m.Match("sensors/kitchen/hallway/temperature"))
}

func TestMatcherMultiLevelWildcard(t *testing.T) {
	m := New[string]()
	m.Add("sensors/#", "sub-1")

	assert.ElementsMatch(t, []string{"sub-1"}, m.Match("sensors"))
	assert.ElementsMatch(t, []string{"sub-1"}, m.Match("sensors/kitchen"))
	assert.ElementsMatch(t, []string{"sub-1"}, m.Match("sensors/kitchen/temperature"))
}

func TestMatcherDedupesAcrossOverlappingFilters(t *testing.T) {
	m := New[string]()
	m.Add("sensors/kitchen/temperature", "sub-1")
	m.Add("sensors/+/temperature", "sub-1")
	m.Add("sensors/#", "sub-1")

	assert.ElementsMatch(t, []string{"sub-1"}, m.Match("sensors/kitchen/temperature"))
}

func TestMatcherDuplicateAddIsNoop(t *testing.T) {
	m := New[string]()
	m.Add("a/b", "sub-1")
	m.Add("a/b", "sub-1")

	assert.Len(t, m.root.children["a"].children["b"].tokens, 1)
}

func TestMatcherReAddMovesToken(t *testing.T) {
	m := New[string]()
	m.Add("a/b", "sub-1")
	m.Add("c/d", "sub-1")

	assert.Empty(t, m.Match("a/b"))
	assert.ElementsMatch(t, []string{"sub-1"}, m.Match("c/d"))
}

func TestMatcherRemove(t *testing.T) {
	m := New[string]()
	m.Add("a/b", "sub-1")
	m.Remove("sub-1")

	assert.Empty(t, m.Match("a/b"))

	// Removing an unknown token is a no-op, not an error.
	m.Remove("sub-2")
}

func TestMatcherMultipleTokensSameFilter(t *testing.T) {
	m := New[string]()
	m.Add("a/b", "sub-1")
	m.Add("a/b", "sub-2")

	assert.ElementsMatch(t, []string{"sub-1", "sub-2"}, m.Match("a/b"))
}
