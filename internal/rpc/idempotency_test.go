package rpc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIdempotencyCacheGetMissThenHitAfterPut(t *testing.T) {
	cache := NewIdempotencyCache(time.Minute, 16)
	_, ok := cache.Get("conn-1", "key-1")
	assert.False(t, ok)

	resp := Response{ID: "r1", Success: true, Result: "done"}
	cache.Put("conn-1", "key-1", resp)

	got, ok := cache.Get("conn-1", "key-1")
	assert.True(t, ok)
	assert.Equal(t, resp, got)
}

func TestIdempotencyCacheEntriesExpire(t *testing.T) {
	cache := NewIdempotencyCache(10*time.Millisecond, 16)
	cache.Put("conn-1", "key-1", Response{ID: "r1", Success: true})

	time.Sleep(50 * time.Millisecond)
	_, ok := cache.Get("conn-1", "key-1")
	assert.False(t, ok)
}

func TestIdempotencyCacheDefaultsAppliedForZeroValues(t *testing.T) {
	cache := NewIdempotencyCache(0, 0)
	cache.Put("conn-1", "key-1", Response{ID: "r1", Success: true})
	_, ok := cache.Get("conn-1", "key-1")
	assert.True(t, ok)
}
