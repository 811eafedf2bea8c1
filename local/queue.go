package local

import (
	"sync"

	"gocomet/bayeux"
)

// batchQueue 批处理期间积压的待发送消息，按入队顺序发送
type batchQueue struct {
	mu    sync.Mutex
	items []*bayeux.Message
}

func (q *batchQueue) enqueue(message *bayeux.Message) {
	q.mu.Lock()
	q.items = append(q.items, message)
	q.mu.Unlock()
}

func (q *batchQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *batchQueue) pop() (*bayeux.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	message := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return message, true
}

// drain 按开始时的队列长度取出并处理消息
//
// 处理过程中新入队的消息（例如回调里再次发送）留到下一次 drain。
func (q *batchQueue) drain(fn func(*bayeux.Message)) int {
	n := q.len()
	for i := 0; i < n; i++ {
		message, ok := q.pop()
		if !ok {
			return i
		}
		fn(message)
	}
	return n
}
