package subscription

import (
	"sort"
	"testing"

	"github.com/life-stream-dev/lsmq/internal/topic"
	"github.com/stretchr/testify/assert"
)

func clientIDs(subs []Subscriber) []string {
	ids := make([]string, 0, len(subs))
	for _, s := range subs {
		ids = append(ids, s.ClientID)
	}
	sort.Strings(ids)
	return ids
}

func TestTreeMatch(t *testing.T) {
	tree := NewTree()
	tree.Insert("sub1", "topic1", 0)
	tree.Insert("sub2", "topic2", 0)
	tree.Insert("plus", "a/+/c", 1)
	tree.Insert("hash", "a/#", 2)
	tree.Insert("all", "#", 0)

	assert.Equal(t, []string{"all", "sub1"}, clientIDs(tree.Match("topic1")))
	assert.Equal(t, []string{"all", "hash", "plus"}, clientIDs(tree.Match("a/b/c")))
	assert.Equal(t, []string{"all", "hash"}, clientIDs(tree.Match("a")))
	assert.Equal(t, []string{"all"}, clientIDs(tree.Match("b/c")))
	assert.Empty(t, tree.Match("$SYS/uptime"))
	assert.Empty(t, tree.Match(""))
}

func TestTreeDedupKeepsHighestQoS(t *testing.T) {
	tree := NewTree()
	tree.Insert("c1", "a/b", 0)
	tree.Insert("c1", "a/#", 2)
	tree.Insert("c1", "+/b", 1)

	subs := tree.Match("a/b")
	if assert.Len(t, subs, 1) {
		assert.Equal(t, byte(2), subs[0].QoS)
		assert.Equal(t, "a/#", subs[0].Filter)
	}
}

func TestTreeInsertIsIdempotent(t *testing.T) {
	tree := NewTree()
	tree.Insert("c1", "a/b", 0)
	tree.Insert("c1", "a/b", 1)
	assert.Equal(t, 1, tree.Len())

	subs := tree.Match("a/b")
	if assert.Len(t, subs, 1) {
		assert.Equal(t, byte(1), subs[0].QoS)
	}
}

func TestTreeRemove(t *testing.T) {
	tree := NewTree()
	tree.Insert("c1", "a/+/c", 0)
	tree.Insert("c2", "a/+/c", 0)
	tree.Insert("c1", "a/#", 0)

	assert.True(t, tree.Remove("c1", "a/+/c"))
	assert.False(t, tree.Remove("c1", "a/+/c"))
	assert.False(t, tree.Remove("c1", "x/y"))
	assert.Equal(t, []string{"c1", "c2"}, clientIDs(tree.Match("a/b/c")))

	assert.True(t, tree.Remove("c1", "a/#"))
	assert.True(t, tree.Remove("c2", "a/+/c"))
	assert.Equal(t, 0, tree.Len())
	assert.True(t, tree.root.empty(), "empty branches are pruned")
}

func TestTreeAgreesWithMatches(t *testing.T) {
	filters := []string{"#", "+", "a", "a/b", "a/+", "a/#", "+/b", "+/+/c", "a/b/c", "a/b/#", "/+", "$SYS/#", "$SYS/+"}
	topics := []string{"a", "a/b", "a/b/c", "b", "b/b", "x/y/c", "/a", "a/", "$SYS/uptime", "$SYS"}

	tree := NewTree()
	for _, f := range filters {
		tree.Insert(f, f, 0)
	}

	for _, tp := range topics {
		var want []string
		for _, f := range filters {
			if topic.Matches(f, tp) {
				want = append(want, f)
			}
		}
		sort.Strings(want)
		got := clientIDs(tree.Match(tp))
		if len(want) == 0 {
			assert.Empty(t, got, tp)
			continue
		}
		assert.Equal(t, want, got, "topic %q", tp)
	}
}
