// Package subscription keeps the broker-wide index from topic filters to
// subscribed clients.
package subscription

import (
	"strings"
	"sync"

	"github.com/life-stream-dev/lsmq/internal/topic"
)

// Subscriber is one client matched by a published topic.
type Subscriber struct {
	ClientID string
	Filter   string
	QoS      byte
}

// TopicTreeNode is one level of the subscription tree.
type TopicTreeNode struct {
	Level string

	// exact children, keyed by level name
	Children map[string]*TopicTreeNode

	// "+" child
	WildcardPlus *TopicTreeNode

	// "#" subscribers at this level, clientID -> qos
	WildcardHash map[string]byte

	// subscribers whose filter ends exactly at this node, clientID -> qos
	Terminals map[string]byte
}

func createNode(level string) *TopicTreeNode {
	return &TopicTreeNode{
		Level:        level,
		Children:     map[string]*TopicTreeNode{},
		WildcardHash: map[string]byte{},
		Terminals:    map[string]byte{},
	}
}

func (n *TopicTreeNode) empty() bool {
	return len(n.Children) == 0 && n.WildcardPlus == nil && len(n.WildcardHash) == 0 && len(n.Terminals) == 0
}

// Tree is safe for concurrent use.
type Tree struct {
	mu   sync.RWMutex
	root *TopicTreeNode
	size int
}

func NewTree() *Tree {
	return &Tree{root: createNode("")}
}

// Insert adds or updates the subscription of clientID to filter. The filter
// must already be valid.
func (t *Tree) Insert(clientID, filter string, qos byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	levels := strings.Split(filter, topic.Separator)
	node := t.root
	for i, level := range levels {
		if level == topic.MultiLevelWildcard && i == len(levels)-1 {
			if _, ok := node.WildcardHash[clientID]; !ok {
				t.size++
			}
			node.WildcardHash[clientID] = qos
			return
		}
		node = child(node, level)
	}
	if _, ok := node.Terminals[clientID]; !ok {
		t.size++
	}
	node.Terminals[clientID] = qos
}

func child(node *TopicTreeNode, level string) *TopicTreeNode {
	if level == topic.SingleLevelWildcard {
		if node.WildcardPlus == nil {
			node.WildcardPlus = createNode(level)
		}
		return node.WildcardPlus
	}
	next, ok := node.Children[level]
	if !ok {
		next = createNode(level)
		node.Children[level] = next
	}
	return next
}

// Remove deletes the subscription of clientID to filter and prunes empty
// branches. It reports whether the subscription existed.
func (t *Tree) Remove(clientID, filter string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	levels := strings.Split(filter, topic.Separator)
	path := []*TopicTreeNode{t.root}
	node := t.root
	removed := false

	for i, level := range levels {
		if level == topic.MultiLevelWildcard && i == len(levels)-1 {
			_, removed = node.WildcardHash[clientID]
			delete(node.WildcardHash, clientID)
			break
		}
		if level == topic.SingleLevelWildcard {
			node = node.WildcardPlus
		} else {
			node = node.Children[level]
		}
		if node == nil {
			return false
		}
		path = append(path, node)
		if i == len(levels)-1 {
			_, removed = node.Terminals[clientID]
			delete(node.Terminals, clientID)
		}
	}

	if !removed {
		return false
	}
	t.size--

	for i := len(path) - 1; i > 0; i-- {
		current, parent := path[i], path[i-1]
		if !current.empty() {
			break
		}
		if parent.WildcardPlus == current {
			parent.WildcardPlus = nil
		} else {
			delete(parent.Children, current.Level)
		}
	}
	return true
}

// Len returns the number of stored subscriptions.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}

// Match returns every client subscribed to a filter matching publishTopic.
// A client matched by several filters is returned once, with the highest QoS.
func (t *Tree) Match(publishTopic string) []Subscriber {
	if publishTopic == "" {
		return nil
	}
	levels := strings.Split(publishTopic, topic.Separator)
	system := strings.HasPrefix(publishTopic, "$")

	t.mu.RLock()
	defer t.mu.RUnlock()

	best := make(map[string]Subscriber)
	collect := func(set map[string]byte, filter func() string) {
		for clientID, qos := range set {
			if prev, ok := best[clientID]; ok && prev.QoS >= qos {
				continue
			}
			best[clientID] = Subscriber{ClientID: clientID, Filter: filter(), QoS: qos}
		}
	}

	type cursor struct {
		node *TopicTreeNode
		path []string
	}
	queue := []cursor{{node: t.root}}

	for depth, currentLevel := range levels {
		var nextQueue []cursor
		for _, c := range queue {
			// wildcards at the first level never match $ topics
			skipWildcards := system && depth == 0

			if !skipWildcards && len(c.node.WildcardHash) > 0 {
				collect(c.node.WildcardHash, joinFilter(c.path, topic.MultiLevelWildcard))
			}
			if next, ok := c.node.Children[currentLevel]; ok {
				nextQueue = append(nextQueue, cursor{node: next, path: appendPath(c.path, currentLevel)})
			}
			if !skipWildcards && c.node.WildcardPlus != nil {
				nextQueue = append(nextQueue, cursor{node: c.node.WildcardPlus, path: appendPath(c.path, topic.SingleLevelWildcard)})
			}
		}
		queue = nextQueue
		if len(queue) == 0 {
			break
		}
	}

	for _, c := range queue {
		collect(c.node.Terminals, joinFilter(c.path, ""))
		// "a/#" also matches "a"
		collect(c.node.WildcardHash, joinFilter(c.path, topic.MultiLevelWildcard))
	}

	results := make([]Subscriber, 0, len(best))
	for _, sub := range best {
		results = append(results, sub)
	}
	return results
}

func appendPath(path []string, level string) []string {
	next := make([]string, len(path), len(path)+1)
	copy(next, path)
	return append(next, level)
}

func joinFilter(path []string, last string) func() string {
	return func() string {
		if last == "" {
			return strings.Join(path, topic.Separator)
		}
		return strings.Join(appendPath(path, last), topic.Separator)
	}
}
