/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of mosdns.
 *
 * mosdns is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * mosdns is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package redis_cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/pmkol/imgcache/pkg/cache"
	"github.com/pmkol/imgcache/pkg/pool"
	"github.com/pmkol/imgcache/pkg/utils"
)

var nopLogger = zap.NewNop()

type RedisCacheOpts struct {
	// Client cannot be nil.
	Client redis.Cmdable

	// ClientCloser closes Client when RedisCache.Close is called.
	// Optional.
	ClientCloser io.Closer

	// ClientTimeout specifies the timeout for read and write operations.
	// Default is 1s.
	ClientTimeout time.Duration

	// Prefix is prepended to every key.
	Prefix string

	// TTL of stored blobs. Zero means no expiration.
	TTL time.Duration

	// Logger is the *zap.Logger for this RedisCache.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *RedisCacheOpts) Init() error {
	if opts.Client == nil {
		return errors.New("nil client")
	}
	if opts.TTL < 0 {
		return fmt.Errorf("invalid ttl %s", opts.TTL)
	}
	utils.SetDefaultNum(&opts.ClientTimeout, time.Second)
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

type RedisCache struct {
	opts           RedisCacheOpts
	clientDisabled uint32

	closeOnce   sync.Once
	closeNotify chan struct{}
}

var _ cache.Backend = (*RedisCache)(nil)

func NewRedisCache(opts RedisCacheOpts) (*RedisCache, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &RedisCache{
		opts:        opts,
		closeNotify: make(chan struct{}),
	}, nil
}

func (r *RedisCache) disabled() bool {
	return atomic.LoadUint32(&r.clientDisabled) != 0
}

// disableClient stops using the client until a ping succeeds.
func (r *RedisCache) disableClient() {
	if atomic.CompareAndSwapUint32(&r.clientDisabled, 0, 1) {
		r.opts.Logger.Warn("redis temporarily disabled")
		go r.pingLoop()
	}
}

func (r *RedisCache) pingLoop() {
	const maxBackoff = time.Second * 30
	backoff := time.Millisecond * 100
	timer := pool.GetTimer(backoff)
	defer pool.ReleaseTimer(timer)
	for {
		select {
		case <-r.closeNotify:
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*500)
		err := r.opts.Client.Ping(ctx).Err()
		cancel()
		if err != nil {
			if backoff >= maxBackoff {
				backoff = maxBackoff
			} else {
				backoff += time.Duration(rand.Intn(1000))*time.Millisecond + time.Second
			}
			r.opts.Logger.Warn("redis ping failed", zap.Error(err), zap.Duration("next_ping", backoff))
			pool.ResetAndDrainTimer(timer, backoff)
			continue
		}
		atomic.StoreUint32(&r.clientDisabled, 0)
		r.opts.Logger.Info("redis re-enabled")
		return
	}
}

func (r *RedisCache) key(k string) string {
	return r.opts.Prefix + k
}

func (r *RedisCache) Load(ctx context.Context, key string) ([]byte, bool, error) {
	if r.disabled() {
		return nil, false, cache.ErrDisabled
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()
	b, err := r.opts.Client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		r.disableClient()
		return nil, false, fmt.Errorf("redis get, %w", err)
	}
	return b, true, nil
}

func (r *RedisCache) Save(ctx context.Context, key string, blob []byte) error {
	if r.disabled() {
		return cache.ErrDisabled
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()
	if err := r.opts.Client.Set(ctx, r.key(key), blob, r.opts.TTL).Err(); err != nil {
		r.disableClient()
		return fmt.Errorf("redis set, %w", err)
	}
	return nil
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	if r.disabled() {
		return cache.ErrDisabled
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()
	if err := r.opts.Client.Del(ctx, r.key(key)).Err(); err != nil {
		r.disableClient()
		return fmt.Errorf("redis del, %w", err)
	}
	return nil
}

// Close stops the reconnect loop and closes the client if a ClientCloser was given.
func (r *RedisCache) Close() error {
	r.closeOnce.Do(func() { close(r.closeNotify) })
	if f := r.opts.ClientCloser; f != nil {
		return f.Close()
	}
	return nil
}
