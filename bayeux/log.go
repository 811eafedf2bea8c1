package bayeux

import "gocomet/logging"

// LogChannel 消息通道日志字段
func LogChannel(m *Message) logging.Field {
	return logging.Channel(m.Channel())
}

// LogID 消息 id 日志字段
func LogID(m *Message) logging.Field {
	return logging.String("message_id", m.ID())
}
