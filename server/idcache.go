package server

import (
	"container/list"
	"sync"

	"gocomet/bayeux"
)

// IDCacheStats 通道名解析缓存统计
type IDCacheStats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Size      int   `json:"size"`
}

// channelIDCache 已解析通道名的 LRU 缓存
//
// 每次发布与本地会话取通道都要解析通道名，热点通道数量有限，缓存解析结果
// 可以省去重复的分段与通配计算。解析失败的名字不缓存。
type channelIDCache struct {
	maxSize int

	mu    sync.Mutex
	items map[string]*list.Element
	// 最近使用的在前
	lru   *list.List
	stats IDCacheStats
}

type idEntry struct {
	path string
	id   bayeux.ChannelID
}

// newChannelIDCache maxSize <= 0 时不缓存
func newChannelIDCache(maxSize int) *channelIDCache {
	return &channelIDCache{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		lru:     list.New(),
	}
}

// parse 优先返回缓存结果
func (c *channelIDCache) parse(path string) (bayeux.ChannelID, error) {
	if c.maxSize <= 0 {
		return bayeux.ParseChannelID(path)
	}

	c.mu.Lock()
	if el, ok := c.items[path]; ok {
		c.lru.MoveToFront(el)
		c.stats.Hits++
		id := el.Value.(*idEntry).id
		c.mu.Unlock()
		return id, nil
	}
	c.stats.Misses++
	c.mu.Unlock()

	id, err := bayeux.ParseChannelID(path)
	if err != nil {
		return bayeux.ChannelID{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[path]; ok {
		c.lru.MoveToFront(el)
		return id, nil
	}
	if len(c.items) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.items[path] = c.lru.PushFront(&idEntry{path: path, id: id})
	return id, nil
}

func (c *channelIDCache) evictOldestLocked() {
	oldest := c.lru.Back()
	if oldest == nil {
		return
	}
	c.lru.Remove(oldest)
	delete(c.items, oldest.Value.(*idEntry).path)
	c.stats.Evictions++
}

func (c *channelIDCache) snapshot() IDCacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := c.stats
	stats.Size = len(c.items)
	return stats
}
