package store_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/compresr/ai-bridge/internal/store"
)

func TestMemoryStore_MarkOnce(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := store.NewMemoryStoreWithClock(time.Minute, func() time.Time { return now })
	defer s.Close()

	assert.True(t, s.MarkOnce("req-1"))
	assert.False(t, s.MarkOnce("req-1"))
	assert.True(t, s.Seen("req-1"))
	assert.False(t, s.Seen("req-2"))

	now = now.Add(time.Minute)
	assert.False(t, s.Seen("req-1"), "expired")
	assert.True(t, s.MarkOnce("req-1"), "expired keys can be marked again")
}

func TestMemoryStore_ConcurrentMarkOnce(t *testing.T) {
	s := store.NewMemoryStore(time.Minute)
	defer s.Close()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.MarkOnce("same") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestMemoryStore_CloseIdempotent(t *testing.T) {
	s := store.NewMemoryStore(0)
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}
