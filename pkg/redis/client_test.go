package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestPluginCacheKey(t *testing.T) {
	client := &Client{}
	if got := client.PluginCacheKey(7, 2, "counter"); got != "@plugin/7/2/counter" {
		t.Fatalf("unexpected team-scoped key %s", got)
	}
	if got := client.PluginCacheKey(7, 0, "counter"); got != "@plugin/7/@all/counter" {
		t.Fatalf("unexpected global key %s", got)
	}
}

func TestCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	mock := newMockCmdable()
	client := &Client{store: mock}

	key := client.PluginCacheKey(1, 5, "state")
	if err := client.Set(ctx, key, "v1", time.Minute); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	got, err := client.Get(ctx, key)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got != "v1" {
		t.Fatalf("expected v1, got %q", got)
	}

	if err := client.Del(ctx, key); err != nil {
		t.Fatalf("del failed: %v", err)
	}
	if _, err := client.Get(ctx, key); !IsNil(err) {
		t.Fatalf("expected nil reply after delete, got %v", err)
	}
}

func TestIncrAndExpire(t *testing.T) {
	ctx := context.Background()
	mock := newMockCmdable()
	client := &Client{store: mock}

	n, err := client.Incr(ctx, "hits")
	if err != nil {
		t.Fatalf("incr failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1, got %d", n)
	}
	n, err = client.Incr(ctx, "hits")
	if err != nil || n != 2 {
		t.Fatalf("expected 2, got %d err=%v", n, err)
	}

	ok, err := client.Expire(ctx, "hits", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expire failed ok=%v err=%v", ok, err)
	}
	if len(mock.expireCalls) != 1 {
		t.Fatalf("expected one expire call, got %d", len(mock.expireCalls))
	}
}

func TestBRPopOrdering(t *testing.T) {
	ctx := context.Background()
	mock := newMockCmdable()
	client := &Client{store: mock}

	if err := client.LPush(ctx, "plugins", "first", "second"); err != nil {
		t.Fatalf("lpush failed: %v", err)
	}

	value, ok, err := client.BRPop(ctx, time.Second, "plugins")
	if err != nil {
		t.Fatalf("brpop failed: %v", err)
	}
	if !ok || value != "first" {
		t.Fatalf("expected oldest entry first, got ok=%v value=%q", ok, value)
	}

	value, ok, err = client.BRPop(ctx, time.Second, "plugins")
	if err != nil || !ok || value != "second" {
		t.Fatalf("unexpected second pop ok=%v value=%q err=%v", ok, value, err)
	}

	_, ok, err = client.BRPop(ctx, time.Second, "plugins")
	if err != nil {
		t.Fatalf("empty pop errored: %v", err)
	}
	if ok {
		t.Fatalf("expected timeout on empty list")
	}
}

type mockCmdable struct {
	data        map[string]string
	incr        map[string]int64
	lists       map[string][]string
	expireCalls []expireCall
}

type expireCall struct {
	key string
	ttl time.Duration
}

func newMockCmdable() *mockCmdable {
	return &mockCmdable{
		data:  make(map[string]string),
		incr:  make(map[string]int64),
		lists: make(map[string][]string),
	}
}

func (m *mockCmdable) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func (m *mockCmdable) Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	m.data[key] = fmt.Sprint(value)
	return redis.NewStatusResult("OK", nil)
}

func (m *mockCmdable) Get(ctx context.Context, key string) *redis.StringCmd {
	v, ok := m.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (m *mockCmdable) SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd {
	if _, exists := m.data[key]; exists {
		return redis.NewBoolResult(false, nil)
	}
	m.data[key] = fmt.Sprint(value)
	return redis.NewBoolResult(true, nil)
}

func (m *mockCmdable) Incr(ctx context.Context, key string) *redis.IntCmd {
	m.incr[key]++
	return redis.NewIntResult(m.incr[key], nil)
}

func (m *mockCmdable) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	m.expireCalls = append(m.expireCalls, expireCall{key: key, ttl: expiration})
	return redis.NewBoolResult(true, nil)
}

func (m *mockCmdable) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	for _, key := range keys {
		delete(m.data, key)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func (m *mockCmdable) LPush(ctx context.Context, key string, values ...any) *redis.IntCmd {
	for _, v := range values {
		m.lists[key] = append([]string{fmt.Sprint(v)}, m.lists[key]...)
	}
	return redis.NewIntResult(int64(len(m.lists[key])), nil)
}

func (m *mockCmdable) BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd {
	for _, key := range keys {
		list := m.lists[key]
		if len(list) == 0 {
			continue
		}
		last := list[len(list)-1]
		m.lists[key] = list[:len(list)-1]
		return redis.NewStringSliceResult([]string{key, last}, nil)
	}
	return redis.NewStringSliceResult(nil, redis.Nil)
}
