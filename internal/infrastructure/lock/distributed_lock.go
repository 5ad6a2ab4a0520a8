package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// Redis 分布式锁
// ============================================================================
//
// 加锁：SET key value NX PX ttl
//   - value 为持有者标识，释放时校验，避免删掉别人的锁
//   - ttl 兜底，持有者崩溃后锁自动过期
//
// 释放：Lua 脚本内完成"比较 + 删除"
//
// 只用于下单去重（同账户同套餐），余额的正确性由数据库条件更新保证，不依赖此锁。
// ============================================================================

var ErrLockFailed = errors.New("lock: acquire timeout")

const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// DistributedLock 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string
	expiration time.Duration
}

func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

func (l *DistributedLock) Key() string {
	return l.key
}

// TryLock 非阻塞获取锁
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Lock 按固定间隔重试获取锁
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		ok, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		timer := time.NewTimer(retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁，返回是否真正删除（锁已过期或被他人持有时为 false）
func (l *DistributedLock) Unlock(ctx context.Context) (bool, error) {
	n, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// NewOrderLock 下单锁：同一账户同一套餐同时只允许一个请求走"查复用 + 调渠道建单"
//
// 持有时间需覆盖一次渠道建单调用。
func NewOrderLock(client *redis.Client, accountID, planID, owner string, ttl time.Duration) *DistributedLock {
	key := fmt.Sprintf("order:lock:account:%s:plan:%s", accountID, planID)
	return NewDistributedLock(client, key, owner, ttl)
}
