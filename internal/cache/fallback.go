package cache

import (
	"context"
	"time"

	"github.com/agentoven/agentoven/query-gateway/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Fallback tries the remote backend first and serves from the local store
// when the remote call fails. Each fallback increments cache_errors_total{op}.
type Fallback struct {
	remote  KV // nil = local only
	local   *Memory
	metrics *metrics.Registry
}

// NewFallback composes remote and local. remote may be nil.
func NewFallback(remote KV, local *Memory, reg *metrics.Registry) *Fallback {
	if local == nil {
		local = NewMemory()
	}
	if reg == nil {
		reg = metrics.Default()
	}
	return &Fallback{remote: remote, local: local, metrics: reg}
}

// New builds the process-wide KV: Redis when url is set, memory otherwise.
func New(url string, reg *metrics.Registry) *Fallback {
	if url == "" {
		log.Info().Msg("🗃️  KV cache: in-process only")
		return NewFallback(nil, nil, reg)
	}
	remote, err := NewRedis(url)
	if err != nil {
		log.Warn().Err(err).Msg("Invalid REDIS_URL, using in-process KV")
		return NewFallback(nil, nil, reg)
	}
	log.Info().Msg("🗃️  KV cache: redis with in-process fallback")
	return NewFallback(remote, nil, reg)
}

// Remote reports whether a remote backend is configured.
func (f *Fallback) Remote() bool { return f.remote != nil }

func (f *Fallback) failed(op, key string, err error) {
	f.metrics.Inc("cache_errors_total", metrics.Labels{"op": op})
	log.Debug().Err(err).Str("op", op).Str("key", key).Msg("Remote KV failed, using local store")
}

func (f *Fallback) GetJSON(ctx context.Context, key string, dst interface{}) (bool, error) {
	if f.remote != nil {
		ok, err := f.remote.GetJSON(ctx, key, dst)
		if err == nil {
			return ok, nil
		}
		f.failed("get", key, err)
	}
	return f.local.GetJSON(ctx, key, dst)
}

func (f *Fallback) SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	if f.remote != nil {
		err := f.remote.SetJSON(ctx, key, v, ttl)
		if err == nil {
			return nil
		}
		f.failed("set", key, err)
	}
	return f.local.SetJSON(ctx, key, v, ttl)
}

func (f *Fallback) SetNX(ctx context.Context, key string, v interface{}, ttl time.Duration) (bool, error) {
	if f.remote != nil {
		ok, err := f.remote.SetNX(ctx, key, v, ttl)
		if err == nil {
			return ok, nil
		}
		f.failed("setnx", key, err)
	}
	return f.local.SetNX(ctx, key, v, ttl)
}

func (f *Fallback) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if f.remote != nil {
		n, err := f.remote.Incr(ctx, key, ttl)
		if err == nil {
			return n, nil
		}
		f.failed("incr", key, err)
	}
	return f.local.Incr(ctx, key, ttl)
}

// Delete removes the key from both backends.
func (f *Fallback) Delete(ctx context.Context, key string) error {
	if f.remote != nil {
		if err := f.remote.Delete(ctx, key); err != nil {
			f.failed("delete", key, err)
		}
	}
	return f.local.Delete(ctx, key)
}

// Ping reports the remote health; the local store is always reachable.
func (f *Fallback) Ping(ctx context.Context) error {
	if f.remote != nil {
		return f.remote.Ping(ctx)
	}
	return nil
}

func (f *Fallback) Close() error {
	var err error
	if f.remote != nil {
		err = f.remote.Close()
	}
	f.local.Close()
	return err
}
