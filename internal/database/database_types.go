package database

import (
	"errors"
	"math"
	"slices"
)

const (
	SessionCollectionName      = "sessions"
	SubscriptionCollectionName = "subscriptions"
)

const (
	// SessionExpireOnDisconnect 断开即过期
	SessionExpireOnDisconnect uint32 = 0
	// SessionExpiryNever 永不过期
	SessionExpiryNever uint32 = math.MaxUint32
	// SessionExpiryNotSet 断开时未指定新的过期时间
	SessionExpiryNotSet int64 = -1
)

var ErrClientIDEmpty = errors.New("client_id is empty")

type QoS byte

const (
	AtMostOnce QoS = iota
	AtLeastOnce
	ExactlyOnce
)

func (q QoS) Valid() bool {
	return q <= ExactlyOnce
}

type UserProperty struct {
	Name  string `bson:"name" msgpack:"name"`
	Value string `bson:"value" msgpack:"value"`
}

// ClientSessionWill 遗嘱消息，Payload 保存在 payload store 中，记录里只保留 PublishID
type ClientSessionWill struct {
	DelayInterval          uint32         `bson:"delay_interval" msgpack:"delay_interval"`
	Topic                  string         `bson:"topic" msgpack:"topic"`
	QoS                    QoS            `bson:"qos" msgpack:"qos"`
	Retain                 bool           `bson:"retain" msgpack:"retain"`
	MessageExpiryInterval  uint32         `bson:"message_expiry_interval" msgpack:"message_expiry_interval"`
	PayloadFormatIndicator *byte          `bson:"payload_format_indicator,omitempty" msgpack:"payload_format_indicator,omitempty"`
	ContentType            string         `bson:"content_type,omitempty" msgpack:"content_type,omitempty"`
	ResponseTopic          string         `bson:"response_topic,omitempty" msgpack:"response_topic,omitempty"`
	CorrelationData        []byte         `bson:"correlation_data,omitempty" msgpack:"correlation_data,omitempty"`
	UserProperties         []UserProperty `bson:"user_properties,omitempty" msgpack:"user_properties,omitempty"`
	PublishID              int64          `bson:"publish_id" msgpack:"publish_id"`

	Payload []byte `bson:"-" msgpack:"-"`
}

func (w *ClientSessionWill) Copy() *ClientSessionWill {
	if w == nil {
		return nil
	}
	c := *w
	c.CorrelationData = slices.Clone(w.CorrelationData)
	c.UserProperties = slices.Clone(w.UserProperties)
	c.Payload = slices.Clone(w.Payload)
	if w.PayloadFormatIndicator != nil {
		v := *w.PayloadFormatIndicator
		c.PayloadFormatIndicator = &v
	}
	return &c
}

type ClientSession struct {
	Connected             bool               `bson:"connected" msgpack:"connected"`
	SessionExpiryInterval uint32             `bson:"session_expiry_interval" msgpack:"session_expiry_interval"`
	Will                  *ClientSessionWill `bson:"will,omitempty" msgpack:"will,omitempty"`
	QueueLimit            *uint64            `bson:"queue_limit,omitempty" msgpack:"queue_limit,omitempty"`
}

func NewClientSession(connected bool, expiry uint32) *ClientSession {
	return &ClientSession{Connected: connected, SessionExpiryInterval: expiry}
}

func (s *ClientSession) Copy() *ClientSession {
	if s == nil {
		return nil
	}
	c := *s
	c.Will = s.Will.Copy()
	if s.QueueLimit != nil {
		v := *s.QueueLimit
		c.QueueLimit = &v
	}
	return &c
}

// IsExistent 记录存在且（未断开即过期 或 仍在线）
func (s *ClientSession) IsExistent() bool {
	return s != nil && (s.SessionExpiryInterval > SessionExpireOnDisconnect || s.Connected)
}

// IsExpired 判断离线会话在 elapsedMillis 之后是否已过期
func (s *ClientSession) IsExpired(elapsedMillis int64) bool {
	if s.Connected || s.SessionExpiryInterval == SessionExpiryNever {
		return false
	}
	return elapsedMillis > int64(s.SessionExpiryInterval)*1000
}

type SubscriptionFlags byte

const (
	FlagShared SubscriptionFlags = 1 << iota
	FlagRetainAsPublished
	FlagNoLocal
)

func NewSubscriptionFlags(shared, retainAsPublished, noLocal bool) SubscriptionFlags {
	var f SubscriptionFlags
	if shared {
		f |= FlagShared
	}
	if retainAsPublished {
		f |= FlagRetainAsPublished
	}
	if noLocal {
		f |= FlagNoLocal
	}
	return f
}

func (f SubscriptionFlags) Shared() bool            { return f&FlagShared != 0 }
func (f SubscriptionFlags) RetainAsPublished() bool { return f&FlagRetainAsPublished != 0 }
func (f SubscriptionFlags) NoLocal() bool           { return f&FlagNoLocal != 0 }

// Topic 客户端请求的一条订阅，共享订阅的 Filter 保留 $share/<group>/ 前缀
type Topic struct {
	Filter                 string `bson:"filter" msgpack:"filter"`
	QoS                    QoS    `bson:"qos" msgpack:"qos"`
	NoLocal                bool   `bson:"no_local" msgpack:"no_local"`
	RetainAsPublished      bool   `bson:"retain_as_published" msgpack:"retain_as_published"`
	RetainHandling         byte   `bson:"retain_handling" msgpack:"retain_handling"`
	SubscriptionIdentifier *int32 `bson:"subscription_identifier,omitempty" msgpack:"subscription_identifier,omitempty"`
}

// Subscription 订阅树中的一条订阅者记录
type Subscription struct {
	ClientID               string            `bson:"client_id" msgpack:"client_id"`
	TopicName              string            `bson:"topic_name" msgpack:"topic_name"`
	QoSLevel               QoS               `bson:"qos_level" msgpack:"qos_level"`
	Flags                  SubscriptionFlags `bson:"flags" msgpack:"flags"`
	SharedGroup            string            `bson:"shared_group,omitempty" msgpack:"shared_group,omitempty"`
	SubscriptionIdentifier *int32            `bson:"subscription_identifier,omitempty" msgpack:"subscription_identifier,omitempty"`
}

// SubscriptionResult 订阅结果，用于协议层生成 SUBACK 以及判断是否需要发送保留消息
type SubscriptionResult struct {
	Topic               Topic
	SubscriptionExisted bool
	SharedGroup         string
}

type SessionEntry struct {
	ClientID  string         `bson:"client_id" msgpack:"-"`
	Session   *ClientSession `bson:"session" msgpack:"session"`
	Timestamp int64          `bson:"timestamp" msgpack:"timestamp"`
}

type SubscriptionEntry struct {
	ClientID  string  `bson:"client_id" msgpack:"-"`
	Topics    []Topic `bson:"topics" msgpack:"topics"`
	Timestamp int64   `bson:"timestamp" msgpack:"timestamp"`
}
