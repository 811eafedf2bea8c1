package memory

import (
	"context"

	"gocomet/bridge"
	"gocomet/logging"
)

// Start 启动传输层，异步模式下启动 Worker 池
func (t *Transport) Start(ctx context.Context) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.running {
		return bridge.ErrAlreadyRunning
	}

	t.running = true
	if t.workerCount == 0 {
		return nil
	}

	// 关闭后可以重新启动，每次使用新的队列
	t.queue = make(chan []byte, t.queueSize)
	for i := 0; i < t.workerCount; i++ {
		t.wg.Add(1)
		go t.worker(ctx, t.queue)
	}
	return nil
}

// Close 关闭传输层，等待队列中的消息处理完毕
func (t *Transport) Close() error {
	t.mutex.Lock()
	if !t.running {
		t.mutex.Unlock()
		return nil
	}
	t.running = false
	queue := t.queue
	t.mutex.Unlock()

	if queue != nil {
		// Worker 读取完缓冲中的消息后自然退出
		close(queue)
	}
	t.wg.Wait()
	return nil
}

func (t *Transport) worker(ctx context.Context, queue <-chan []byte) {
	defer t.wg.Done()

	for {
		select {
		case data, ok := <-queue:
			if !ok {
				return
			}
			if err := t.dispatch(ctx, data); err != nil {
				t.logger.Warn(ctx, "async dispatch failed", logging.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}
