package bayeux

// MessageListener 消息监听器
//
// 回调在投递消息的 goroutine 上同步执行。
type MessageListener interface {
	OnMessage(message *Message)
}

type funcListener struct {
	fn func(*Message)
}

func (l *funcListener) OnMessage(message *Message) {
	l.fn(message)
}

// ListenerFunc 将函数包装为 MessageListener
//
// 返回值是指针，可比较，因此可以用于后续的 Unsubscribe/RemoveListener。
func ListenerFunc(fn func(*Message)) MessageListener {
	if fn == nil {
		return nil
	}
	return &funcListener{fn: fn}
}
