package subscription

import (
	"slices"
	"strings"

	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/database"
)

func createNode(path string, level string) *TopicTreeNode {
	return &TopicTreeNode{
		Path:         path,
		Level:        level,
		Children:     map[string]*TopicTreeNode{},
		Terminals:    map[subscriberKey]database.Subscription{},
		WildcardHash: map[subscriberKey]database.Subscription{},
	}
}

func (node *TopicTreeNode) child(level string) *TopicTreeNode {
	if level == "+" {
		return node.WildcardPlus
	}
	return node.Children[level]
}

func (node *TopicTreeNode) getOrCreateChild(path, level string) *TopicTreeNode {
	if existing := node.child(level); existing != nil {
		return existing
	}
	created := createNode(path, level)
	if level == "+" {
		node.WildcardPlus = created
	} else {
		node.Children[level] = created
	}
	return created
}

func (node *TopicTreeNode) empty() bool {
	return len(node.Children) == 0 && node.WildcardPlus == nil &&
		len(node.Terminals) == 0 && len(node.WildcardHash) == 0
}

// walk 沿 levels 查找节点，create 为 true 时补齐缺失节点；调用方持有锁
func (tree *TopicTree) walk(levels []string, create bool) *TopicTreeNode {
	node := tree.root
	for i, level := range levels {
		if create {
			node = node.getOrCreateChild(strings.Join(levels[:i+1], "/"), level)
			continue
		}
		node = node.child(level)
		if node == nil {
			return nil
		}
	}
	return node
}

// prune 自底向上移除空节点；调用方持有写锁
func (tree *TopicTree) prune(levels []string) {
	path := make([]*TopicTreeNode, 0, len(levels)+1)
	node := tree.root
	path = append(path, node)
	for _, level := range levels {
		node = node.child(level)
		if node == nil {
			return
		}
		path = append(path, node)
	}
	for i := len(path) - 1; i > 0; i-- {
		current, parent := path[i], path[i-1]
		if !current.empty() {
			return
		}
		if current.Level == "+" {
			parent.WildcardPlus = nil
		} else {
			delete(parent.Children, current.Level)
		}
	}
}

func appendAll(dst []database.Subscription, src map[subscriberKey]database.Subscription) []database.Subscription {
	for _, sub := range src {
		dst = append(dst, sub)
	}
	return dst
}

func sortSubscriptions(subs []database.Subscription) {
	slices.SortFunc(subs, func(a, b database.Subscription) int {
		return strings.Compare(a.ClientID, b.ClientID)
	})
}
