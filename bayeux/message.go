// Package bayeux 定义 Bayeux 协议的消息信封、通道标识与监听器抽象
package bayeux

import (
	"fmt"
	"strings"
)

// 消息字段名
const (
	ChannelField      = "channel"
	ClientIDField     = "clientId"
	DataField         = "data"
	IDField           = "id"
	SuccessfulField   = "successful"
	AdviceField       = "advice"
	SubscriptionField = "subscription"
	ErrorField        = "error"
	ExtField          = "ext"
	VersionField      = "version"
	TimestampField    = "timestamp"
)

// Advice 字段名
const (
	IntervalAdvice  = "interval"
	TimeoutAdvice   = "timeout"
	ReconnectAdvice = "reconnect"
)

// NoLongPollInterval 表示无需长轮询等待的 interval advice
const NoLongPollInterval int64 = -1

// Message 可变的协议消息信封
//
// 线上可见字段保存在 fields 中；Callback/Subscriber 是仅在本进程内
// 流转的附属引用，不属于协议字段，dispatch 前会被取出并清空。
type Message struct {
	fields     map[string]any
	associated *Message

	// Callback 本条消息回复到达时需要通知的回调
	Callback MessageListener
	// Subscriber 订阅成功后需要挂到通道上的监听器
	Subscriber MessageListener
}

// NewMessage 创建空消息
func NewMessage() *Message {
	return &Message{fields: make(map[string]any)}
}

// NewMessageFromFields 以已有字段创建消息（字段会被复制）
//
// 与 PutAll 不同，值为 nil 的字段原样保留，data 为 null 的发布不会变成发布回复。
func NewMessageFromFields(fields map[string]any) *Message {
	m := NewMessage()
	for k, v := range fields {
		m.fields[k] = v
	}
	return m
}

// Get 获取字段值
func (m *Message) Get(key string) any {
	return m.fields[key]
}

// Put 设置字段值，value 为 nil 时删除该字段
func (m *Message) Put(key string, value any) {
	if value == nil {
		delete(m.fields, key)
		return
	}
	m.fields[key] = value
}

// PutAll 合并字段模板
func (m *Message) PutAll(fields map[string]any) {
	for k, v := range fields {
		m.Put(k, v)
	}
}

// Remove 删除字段并返回原值
func (m *Message) Remove(key string) any {
	v, ok := m.fields[key]
	if !ok {
		return nil
	}
	delete(m.fields, key)
	return v
}

// Has 判断字段是否存在
func (m *Message) Has(key string) bool {
	_, ok := m.fields[key]
	return ok
}

// Fields 返回线上可见字段的浅拷贝
func (m *Message) Fields() map[string]any {
	copied := make(map[string]any, len(m.fields))
	for k, v := range m.fields {
		copied[k] = v
	}
	return copied
}

// Copy 复制消息字段（不复制 associated 与本地附属引用）
func (m *Message) Copy() *Message {
	return &Message{fields: m.Fields()}
}

func (m *Message) stringField(key string) string {
	s, _ := m.fields[key].(string)
	return s
}

// Channel 通道名
func (m *Message) Channel() string {
	return m.stringField(ChannelField)
}

// SetChannel 设置通道名
func (m *Message) SetChannel(channel string) {
	m.Put(ChannelField, channel)
}

// ClientID 发送方会话标识
func (m *Message) ClientID() string {
	return m.stringField(ClientIDField)
}

// SetClientID 设置发送方会话标识
func (m *Message) SetClientID(clientID string) {
	if clientID == "" {
		m.Remove(ClientIDField)
		return
	}
	m.Put(ClientIDField, clientID)
}

// ID 消息标识
func (m *Message) ID() string {
	return m.stringField(IDField)
}

// SetID 设置消息标识
func (m *Message) SetID(id string) {
	if id == "" {
		m.Remove(IDField)
		return
	}
	m.Put(IDField, id)
}

// Data 消息负载
func (m *Message) Data() any {
	return m.fields[DataField]
}

// SetData 设置消息负载，data 为 nil 时仍保留该字段
func (m *Message) SetData(data any) {
	m.fields[DataField] = data
}

// IsSuccessful 回复是否成功
func (m *Message) IsSuccessful() bool {
	b, _ := m.fields[SuccessfulField].(bool)
	return b
}

// SetSuccessful 设置回复是否成功
func (m *Message) SetSuccessful(successful bool) {
	m.fields[SuccessfulField] = successful
}

// Subscription 订阅/取消订阅的目标通道
func (m *Message) Subscription() string {
	return m.stringField(SubscriptionField)
}

// SetSubscription 设置订阅目标通道
func (m *Message) SetSubscription(channel string) {
	m.Put(SubscriptionField, channel)
}

// ErrorMessage 协议错误描述（如 "402::Unknown client"）
func (m *Message) ErrorMessage() string {
	return m.stringField(ErrorField)
}

// SetErrorMessage 设置协议错误描述
func (m *Message) SetErrorMessage(err string) {
	m.Put(ErrorField, err)
}

// Advice 返回 advice 映射；create 为 true 时不存在则创建
func (m *Message) Advice(create bool) map[string]any {
	advice, ok := m.fields[AdviceField].(map[string]any)
	if !ok && create {
		advice = make(map[string]any)
		m.fields[AdviceField] = advice
	}
	return advice
}

// Associated 请求对应的回复
func (m *Message) Associated() *Message {
	return m.associated
}

// SetAssociated 关联回复
func (m *Message) SetAssociated(reply *Message) {
	m.associated = reply
}

// IsMeta 是否为 /meta/ 通道消息
func (m *Message) IsMeta() bool {
	return strings.HasPrefix(m.Channel(), MetaPrefix)
}

// IsPublishReply 是否为发布回复（非 meta 且不携带 data）
func (m *Message) IsPublishReply() bool {
	return !m.IsMeta() && !m.Has(DataField)
}

// TakeListeners 取出并清空本地附属引用
func (m *Message) TakeListeners() (subscriber, callback MessageListener) {
	subscriber, callback = m.Subscriber, m.Callback
	m.Subscriber, m.Callback = nil, nil
	return subscriber, callback
}

// String 调试输出
func (m *Message) String() string {
	var b strings.Builder
	b.WriteString("{")
	first := true
	for _, key := range []string{IDField, ChannelField, ClientIDField, SubscriptionField, SuccessfulField, ErrorField} {
		v, ok := m.fields[key]
		if !ok {
			continue
		}
		if !first {
			b.WriteString(", ")
		}
		first = false
		b.WriteString(key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(v))
	}
	b.WriteString("}")
	return b.String()
}
