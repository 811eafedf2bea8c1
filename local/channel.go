package local

import (
	"gocomet/bayeux"
	"gocomet/client"
)

// LocalChannel 绑定到一个本地会话的通道句柄
//
// 释放后所有操作返回 RELEASED。
type LocalChannel struct {
	*client.SessionChannel
	session *LocalSession
}

func newLocalChannel(session *LocalSession, id bayeux.ChannelID) *LocalChannel {
	c := &LocalChannel{session: session}
	c.SessionChannel = client.NewSessionChannel(id, localChannelOps{c: c})
	return c
}

// Session 所属会话
func (c *LocalChannel) Session() (*LocalSession, error) {
	if err := c.ThrowIfReleased(); err != nil {
		return nil, err
	}
	return c.session, nil
}

// Publish 以会话身份向本通道发布 data，callback 收到发布回复
func (c *LocalChannel) Publish(data any, callback bayeux.MessageListener) error {
	if err := c.ThrowIfReleased(); err != nil {
		return err
	}
	id, err := c.session.ID()
	if err != nil {
		return err
	}

	message := c.session.bus.NewMessage()
	message.SetChannel(c.ID().String())
	message.SetClientID(id)
	message.SetData(data)
	message.Callback = callback
	c.session.send(c.session.peer(), message)
	return nil
}

// String <channel>@<session>
func (c *LocalChannel) String() string {
	return c.ID().String() + "@" + c.session.String()
}

// localChannelOps 构造订阅与取消订阅请求
type localChannelOps struct {
	c *LocalChannel
}

func (o localChannelOps) SendSubscribe(listener, callback bayeux.MessageListener) error {
	message, err := o.metaMessage(bayeux.MetaSubscribe)
	if err != nil {
		return err
	}
	message.Subscriber = listener
	message.Callback = callback
	o.c.session.send(o.c.session.peer(), message)
	return nil
}

func (o localChannelOps) SendUnsubscribe(callback bayeux.MessageListener) error {
	message, err := o.metaMessage(bayeux.MetaUnsubscribe)
	if err != nil {
		return err
	}
	message.Callback = callback
	o.c.session.send(o.c.session.peer(), message)
	return nil
}

func (o localChannelOps) metaMessage(channel string) (*bayeux.Message, error) {
	if err := o.c.ThrowIfReleased(); err != nil {
		return nil, err
	}
	id, err := o.c.session.ID()
	if err != nil {
		return nil, err
	}
	message := o.c.session.bus.NewMessage()
	message.SetChannel(channel)
	message.SetSubscription(o.c.ID().String())
	message.SetClientID(id)
	return message, nil
}
