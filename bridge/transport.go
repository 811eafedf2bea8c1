package bridge

import (
	"context"

	"gocomet/bayeux"
)

// Handler 处理从传输收到的一批信封
type Handler func(ctx context.Context, envelopes []*Envelope) error

// Transport 跨节点消息传输接口
//
// Subscribe 的 pattern 为 Bayeux 通道名，可使用 * 与 ** 通配。
type Transport interface {
	Publish(ctx context.Context, envelope *Envelope) error
	Subscribe(pattern string, handler Handler) error
	Start(ctx context.Context) error
	Close() error
	Stats() TransportStats
}

// TransportStats 传输层统计信息
type TransportStats struct {
	Running      bool     `json:"running"`
	HandlerCount int      `json:"handler_count"`
	Patterns     []string `json:"patterns"`
}

// Subscription 一个通道模式及其处理器
type Subscription struct {
	Pattern bayeux.ChannelID
	Handler Handler
}

// Matches 模式是否匹配 channel
func (s Subscription) Matches(channel string) bool {
	id, err := bayeux.ParseChannelID(channel)
	if err != nil {
		return false
	}
	return s.Pattern.Matches(id)
}

// Subscriptions 按模式登记的处理器，传输实现共用
type Subscriptions []Subscription

// Add 追加处理器
func (s *Subscriptions) Add(pattern string, handler Handler) error {
	id, err := bayeux.ParseChannelID(pattern)
	if err != nil {
		return err
	}
	*s = append(*s, Subscription{Pattern: id, Handler: handler})
	return nil
}

// Match 返回匹配 channel 的处理器
func (s Subscriptions) Match(channel string) []Handler {
	var handlers []Handler
	for _, sub := range s {
		if sub.Matches(channel) {
			handlers = append(handlers, sub.Handler)
		}
	}
	return handlers
}

// Patterns 已登记的模式
func (s Subscriptions) Patterns() []string {
	patterns := make([]string, 0, len(s))
	for _, sub := range s {
		patterns = append(patterns, sub.Pattern.String())
	}
	return patterns
}
