package bayeux

import (
	"strings"

	"gocomet/errors"
)

// Meta 通道
const (
	MetaPrefix    = "/meta/"
	ServicePrefix = "/service/"

	MetaHandshake   = "/meta/handshake"
	MetaConnect     = "/meta/connect"
	MetaSubscribe   = "/meta/subscribe"
	MetaUnsubscribe = "/meta/unsubscribe"
	MetaDisconnect  = "/meta/disconnect"
)

const (
	wildSegment     = "*"
	deepWildSegment = "**"
)

// ChannelID 已解析的通道标识
//
// 通道名以 "/" 开头、由非空段组成；"*" 匹配一层，"**" 匹配任意多层，
// 两者只能作为最后一段出现。
type ChannelID struct {
	id       string
	segments []string
	wild     int // 0: 非通配, 1: "*", 2: "**"
}

// ParseChannelID 解析并校验通道名
func ParseChannelID(path string) (ChannelID, error) {
	if path == "" || path[0] != '/' || path == "/" {
		return ChannelID{}, errors.NewErrorf(errors.ErrCodeInvalidChannel, "invalid channel %q", path)
	}

	trimmed := strings.TrimSuffix(path[1:], "/")
	segments := strings.Split(trimmed, "/")
	wild := 0
	for i, seg := range segments {
		if seg == "" {
			return ChannelID{}, errors.NewErrorf(errors.ErrCodeInvalidChannel, "invalid channel %q: empty segment", path)
		}
		if seg == wildSegment || seg == deepWildSegment {
			if i != len(segments)-1 {
				return ChannelID{}, errors.NewErrorf(errors.ErrCodeInvalidChannel, "invalid channel %q: wildcard must be last segment", path)
			}
			wild = len(seg)
		}
	}

	return ChannelID{id: "/" + trimmed, segments: segments, wild: wild}, nil
}

// MustParseChannelID 解析通道名，失败时 panic（用于常量通道）
func MustParseChannelID(path string) ChannelID {
	id, err := ParseChannelID(path)
	if err != nil {
		panic(err)
	}
	return id
}

// String 通道名
func (c ChannelID) String() string {
	return c.id
}

// IsZero 是否为零值
func (c ChannelID) IsZero() bool {
	return c.id == ""
}

// Depth 段数
func (c ChannelID) Depth() int {
	return len(c.segments)
}

// Segment 第 i 段，越界返回空串
func (c ChannelID) Segment(i int) string {
	if i < 0 || i >= len(c.segments) {
		return ""
	}
	return c.segments[i]
}

// IsMeta 是否为 /meta/ 通道
func (c ChannelID) IsMeta() bool {
	return IsMetaChannel(c.id)
}

// IsService 是否为 /service/ 通道
func (c ChannelID) IsService() bool {
	return strings.HasPrefix(c.id, ServicePrefix)
}

// IsBroadcast 是否为广播通道
func (c ChannelID) IsBroadcast() bool {
	return !c.IsMeta() && !c.IsService()
}

// IsWild 是否为 "*" 或 "**" 通配
func (c ChannelID) IsWild() bool {
	return c.wild > 0
}

// IsDeepWild 是否为 "**" 通配
func (c ChannelID) IsDeepWild() bool {
	return c.wild == 2
}

// Parent 父通道，顶层通道返回空串
func (c ChannelID) Parent() string {
	if len(c.segments) <= 1 {
		return ""
	}
	return "/" + strings.Join(c.segments[:len(c.segments)-1], "/")
}

// Matches 判断本通道（可为通配）是否匹配给定的具体通道
func (c ChannelID) Matches(name ChannelID) bool {
	if name.IsWild() {
		return c.id == name.id
	}

	switch c.wild {
	case 0:
		return c.id == name.id
	case 1:
		if name.Depth() != c.Depth() {
			return false
		}
	default:
		if name.Depth() < c.Depth() {
			return false
		}
	}

	for i := 0; i < len(c.segments)-1; i++ {
		if c.segments[i] != name.segments[i] {
			return false
		}
	}
	return true
}

// Wilds 返回可能匹配本通道的所有通配通道名
//
// 例如 /a/b/c 返回 [/a/b/*, /a/b/**, /a/**, /**]。
func (c ChannelID) Wilds() []string {
	if c.IsWild() || len(c.segments) == 0 {
		return nil
	}
	wilds := make([]string, 0, len(c.segments)+1)
	prefix := "/" + strings.Join(c.segments[:len(c.segments)-1], "/")
	if prefix == "/" {
		prefix = ""
	}
	wilds = append(wilds, prefix+"/"+wildSegment)
	for i := len(c.segments) - 1; i >= 0; i-- {
		p := ""
		if i > 0 {
			p = "/" + strings.Join(c.segments[:i], "/")
		}
		wilds = append(wilds, p+"/"+deepWildSegment)
	}
	return wilds
}

// IsMetaChannel 判断通道名是否为 /meta/ 通道
func IsMetaChannel(channel string) bool {
	return strings.HasPrefix(channel, MetaPrefix)
}
