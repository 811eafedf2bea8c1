package bridge

import (
	"encoding/json"
	"errors"
	"time"

	"gocomet/bayeux"
)

// Envelope 跨节点传递的发布消息
type Envelope struct {
	// Channel 消息所在通道
	Channel string `json:"channel"`
	// Origin 发出该消息的桥接节点
	Origin string `json:"origin"`
	// Timestamp 转发时间（UnixNano）
	Timestamp int64 `json:"timestamp"`
	// Fields 消息的协议字段
	Fields map[string]any `json:"fields"`
}

// NewEnvelope 由总线上的发布消息构造信封
func NewEnvelope(origin string, message *bayeux.Message) *Envelope {
	return &Envelope{
		Channel:   message.Channel(),
		Origin:    origin,
		Timestamp: time.Now().UnixNano(),
		Fields:    message.Fields(),
	}
}

// Data 消息数据
func (e *Envelope) Data() any {
	return e.Fields[bayeux.DataField]
}

// Message 还原为协议消息
func (e *Envelope) Message() *bayeux.Message {
	message := bayeux.NewMessageFromFields(e.Fields)
	message.SetChannel(e.Channel)
	return message
}

// ISerializer 序列化器接口
//
// 实现：
//   - JSON（默认）
type ISerializer interface {
	// Serialize 序列化信封
	Serialize(envelope *Envelope) ([]byte, error)

	// Deserialize 反序列化信封
	Deserialize(data []byte) (*Envelope, error)
}

// JSONSerializer JSON 序列化器
type JSONSerializer struct{}

// NewJSONSerializer 创建 JSON 序列化器
func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{}
}

// Serialize 序列化信封
func (s *JSONSerializer) Serialize(envelope *Envelope) ([]byte, error) {
	if envelope == nil || envelope.Channel == "" {
		return nil, ErrInvalidMessage
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, errors.Join(ErrSerializationFailed, err)
	}
	return data, nil
}

// Deserialize 反序列化信封
func (s *JSONSerializer) Deserialize(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, ErrInvalidMessage
	}

	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, errors.Join(ErrDeserializationFailed, err)
	}
	if envelope.Channel == "" {
		return nil, ErrInvalidMessage
	}
	if envelope.Fields == nil {
		envelope.Fields = make(map[string]any)
	}
	return &envelope, nil
}

// Ensure JSONSerializer implements ISerializer
var _ ISerializer = (*JSONSerializer)(nil)
