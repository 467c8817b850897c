// Package subscription 实现了内存中的主题订阅树，用于消息分发时的主题匹配
package subscription

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/database"
)

var ErrInvalidTopicFilter = errors.New("invalid topic filter")

// subscriberKey 同一节点上 (client, shared group) 唯一
type subscriberKey struct {
	clientID    string
	sharedGroup string
}

// TopicTreeNode 主题订阅树节点
type TopicTreeNode struct {
	Path  string // 物化路径（如 "sport/football"）
	Level string // 当前层级名称（如 "football"）

	// 直接子节点（精确匹配）
	Children map[string]*TopicTreeNode

	// 通配符
	WildcardPlus *TopicTreeNode                          // "+" 单层
	WildcardHash map[subscriberKey]database.Subscription // "#" 多层，挂在父节点上

	// 当前路径的精确匹配订阅
	Terminals map[subscriberKey]database.Subscription
}

// TopicTree 线程安全的订阅树
type TopicTree struct {
	mu    sync.RWMutex
	root  *TopicTreeNode
	count int
}

func NewTopicTree() *TopicTree {
	return &TopicTree{root: createNode("", "")}
}

func ValidateFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("%w: empty filter", ErrInvalidTopicFilter)
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		if strings.Contains(level, "#") && (level != "#" || i != len(levels)-1) {
			return fmt.Errorf("%w: '#' must be the last level, topic: %s", ErrInvalidTopicFilter, filter)
		}
		if strings.Contains(level, "+") && level != "+" {
			return fmt.Errorf("%w: '+' must occupy a whole level, topic: %s", ErrInvalidTopicFilter, filter)
		}
	}
	return nil
}

// ValidateTopicName 发布主题不能为空，也不能包含通配符
func ValidateTopicName(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: empty topic name", ErrInvalidTopicFilter)
	}
	if strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("%w: wildcard in topic name %s", ErrInvalidTopicFilter, topic)
	}
	return nil
}

// AddTopicSubscriber 插入或替换订阅，返回该 (client, filter, group) 之前是否已存在
func (tree *TopicTree) AddTopicSubscriber(sub database.Subscription) (bool, error) {
	if err := ValidateFilter(sub.TopicName); err != nil {
		return false, err
	}
	levels := strings.Split(sub.TopicName, "/")
	key := subscriberKey{clientID: sub.ClientID, sharedGroup: sub.SharedGroup}

	tree.mu.Lock()
	defer tree.mu.Unlock()

	var target map[subscriberKey]database.Subscription
	if levels[len(levels)-1] == "#" {
		target = tree.walk(levels[:len(levels)-1], true).WildcardHash
	} else {
		target = tree.walk(levels, true).Terminals
	}
	_, existed := target[key]
	target[key] = sub
	if !existed {
		tree.count++
	}
	return existed, nil
}

// RemoveSubscriber 删除订阅，返回是否删除了记录
func (tree *TopicTree) RemoveSubscriber(clientID, filter, sharedGroup string) bool {
	if ValidateFilter(filter) != nil {
		return false
	}
	levels := strings.Split(filter, "/")
	key := subscriberKey{clientID: clientID, sharedGroup: sharedGroup}

	tree.mu.Lock()
	defer tree.mu.Unlock()

	hash := levels[len(levels)-1] == "#"
	if hash {
		levels = levels[:len(levels)-1]
	}
	node := tree.walk(levels, false)
	if node == nil {
		return false
	}
	target := node.Terminals
	if hash {
		target = node.WildcardHash
	}
	if _, ok := target[key]; !ok {
		return false
	}
	delete(target, key)
	tree.count--
	tree.prune(levels)
	return true
}

// GetSharedSubscriber 返回某个共享组在 filter 上的全部成员
func (tree *TopicTree) GetSharedSubscriber(sharedGroup, filter string) []database.Subscription {
	if ValidateFilter(filter) != nil {
		return nil
	}
	levels := strings.Split(filter, "/")

	tree.mu.RLock()
	defer tree.mu.RUnlock()

	hash := levels[len(levels)-1] == "#"
	if hash {
		levels = levels[:len(levels)-1]
	}
	node := tree.walk(levels, false)
	if node == nil {
		return nil
	}
	source := node.Terminals
	if hash {
		source = node.WildcardHash
	}
	var result []database.Subscription
	for key, sub := range source {
		if key.sharedGroup == sharedGroup {
			result = append(result, sub)
		}
	}
	sortSubscriptions(result)
	return result
}

// MatchTopic 返回匹配发布主题的全部订阅（含共享订阅），按 (client, group, filter) 去重
func (tree *TopicTree) MatchTopic(publishTopic string) []database.Subscription {
	levels := strings.Split(publishTopic, "/")
	// $ 开头的系统主题不参与首层通配符匹配
	systemTopic := strings.HasPrefix(publishTopic, "$")

	tree.mu.RLock()
	defer tree.mu.RUnlock()

	var results []database.Subscription
	queue := []*TopicTreeNode{tree.root}
	for i, currentLevel := range levels {
		var nextQueue []*TopicTreeNode
		for _, node := range queue {
			wildcardAllowed := !(systemTopic && i == 0)
			// 1. 当前节点的 # 订阅匹配剩余所有层级
			if wildcardAllowed {
				results = appendAll(results, node.WildcardHash)
			}
			// 2. 精确匹配子节点
			if child, ok := node.Children[currentLevel]; ok {
				nextQueue = append(nextQueue, child)
			}
			// 3. + 通配符子节点
			if node.WildcardPlus != nil && wildcardAllowed {
				nextQueue = append(nextQueue, node.WildcardPlus)
			}
		}
		queue = nextQueue
		if len(queue) == 0 {
			break
		}
	}

	// 终端节点：精确订阅，以及 "a/#" 对 "a" 的匹配
	for _, node := range queue {
		results = appendAll(results, node.Terminals)
		results = appendAll(results, node.WildcardHash)
	}

	seen := make(map[string]struct{}, len(results))
	finalResults := make([]database.Subscription, 0, len(results))
	for _, sub := range results {
		key := sub.ClientID + "|" + sub.SharedGroup + "|" + sub.TopicName
		if _, ok := seen[key]; !ok {
			finalResults = append(finalResults, sub)
			seen[key] = struct{}{}
		}
	}
	return finalResults
}

// Count 返回订阅总数
func (tree *TopicTree) Count() int {
	tree.mu.RLock()
	defer tree.mu.RUnlock()
	return tree.count
}
