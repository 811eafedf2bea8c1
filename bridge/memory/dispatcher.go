package memory

import (
	"context"

	"gocomet/bridge"
	"gocomet/logging"
)

// dispatch 反序列化后分发给匹配通道模式的处理器
//
// 处理器错误记录日志后继续，返回第一个错误。
func (t *Transport) dispatch(ctx context.Context, data []byte) error {
	envelope, err := t.serializer.Deserialize(data)
	if err != nil {
		return err
	}

	t.mutex.RLock()
	handlers := t.subs.Match(envelope.Channel)
	t.mutex.RUnlock()

	var firstErr error
	for _, handler := range handlers {
		if err := handler(ctx, []*bridge.Envelope{envelope}); err != nil {
			t.logger.Warn(ctx, "bridge handler failed",
				logging.Channel(envelope.Channel),
				logging.String("origin", envelope.Origin),
				logging.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
