package client

import (
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"gocomet/bayeux"
)

// 并发登记/取出时，每个回调恰好被取出一次
func TestRegistry_ConcurrentRemoveOnce(t *testing.T) {
	r := NewRegistry()
	const n = 500

	var fired atomic.Int32
	for i := 0; i < n; i++ {
		r.RegisterCallback(strconv.Itoa(i), bayeux.ListenerFunc(func(*bayeux.Message) { fired.Add(1) }))
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < n; i++ {
				if cb := r.UnregisterCallback(strconv.Itoa(i)); cb != nil {
					cb.OnMessage(nil)
				}
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(n), fired.Load())
	cbs, _ := r.Pending()
	require.Zero(t, cbs)
}
