package lock

import (
	"context"
	"time"
)

// CycleLock не даёт двум процессам одновременно обрабатывать цикл одного пользователя
type CycleLock interface {
	// TryLock возвращает false, если ключ уже удерживается кем-то другим
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
	Close() error
}

// NopLock используется при запуске в одном экземпляре
type NopLock struct{}

func NewNopLock() *NopLock { return &NopLock{} }

func (NopLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (NopLock) Unlock(ctx context.Context, key string) error { return nil }

func (NopLock) Close() error { return nil }
