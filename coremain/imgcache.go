package coremain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pmkol/imgcache/mlog"
	"github.com/pmkol/imgcache/pkg/cache"
	"github.com/pmkol/imgcache/pkg/cache/file_cache"
	"github.com/pmkol/imgcache/pkg/cache/mem_cache"
	"github.com/pmkol/imgcache/pkg/cache/redis_cache"
	"github.com/pmkol/imgcache/pkg/cache/sqlite_cache"
	"github.com/pmkol/imgcache/pkg/fetcher"
	"github.com/pmkol/imgcache/pkg/imgcache"
	"github.com/pmkol/imgcache/pkg/safe_close"
)

type Imgcache struct {
	logger *zap.Logger
	cfg    *Config

	svc     *imgcache.Service
	backend cache.Backend
	fetcher fetcher.Fetcher

	httpAPIMux *http.ServeMux
	metricsReg *prometheus.Registry
}

// NewImgcache builds the cache from cfg and restores its snapshot.
// A nil f uses the http fetcher. cfg must be initialized.
func NewImgcache(cfg *Config, f fetcher.Fetcher) (*Imgcache, error) {
	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to init logger, %w", err)
	}

	backend, err := newBackend(&cfg.Store, lg)
	if err != nil {
		return nil, fmt.Errorf("failed to init store, %w", err)
	}

	if f == nil {
		f = fetcher.NewHTTPFetcher(fetcher.HTTPFetcherOpts{
			Timeout:      cfg.Fetcher.Timeout,
			MaxBodyBytes: cfg.Fetcher.MaxBodyBytes,
			UserAgent:    cfg.Fetcher.UserAgent,
			Logger:       lg.Named("fetcher"),
		})
	}

	svc, err := imgcache.New(imgcache.Opts{
		Fetcher:         f,
		Backend:         backend,
		StoreKey:        cfg.Store.Key,
		StoreTimeout:    cfg.Store.Timeout,
		Policy:          cfg.Cache.policy(),
		MemoryCapacity:  cfg.Cache.MemoryCapacity,
		MemoryTarget:    cfg.Cache.MemoryTarget,
		CleanupInterval: cfg.Cache.CleanupInterval,
		HygieneInterval: cfg.Cache.HygieneInterval,
		FlushInterval:   cfg.Cache.FlushInterval,
		WavePause:       cfg.Cache.WavePause,
		FetchOnMiss:     cfg.Cache.FetchOnMiss,
		Logger:          lg.Named("cache"),
	})
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("failed to init cache, %w", err)
	}

	if err := svc.Restore(context.Background()); err != nil {
		lg.Warn("starting with an empty cache", zap.Error(err))
	}

	m := &Imgcache{
		logger:     lg,
		cfg:        cfg,
		svc:        svc,
		backend:    backend,
		fetcher:    f,
		httpAPIMux: http.NewServeMux(),
		metricsReg: newMetricsReg(),
	}
	m.GetMetricsReg().MustRegister(svc.Stats())

	m.httpAPIMux.Handle("/metrics", promhttp.HandlerFor(m.metricsReg, promhttp.HandlerOpts{}))
	m.httpAPIMux.HandleFunc("/debug/pprof/", pprof.Index)
	m.httpAPIMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	m.httpAPIMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	m.httpAPIMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	m.httpAPIMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	m.registerAPI(m.httpAPIMux)
	return m, nil
}

// RunImgcache runs the daemon until sc is closed.
func RunImgcache(cfg *Config, sc *safe_close.SafeClose) error {
	m, err := NewImgcache(cfg, nil)
	if err != nil {
		sc.Done()
		return err
	}

	m.svc.Start()
	for _, wc := range cfg.Warm {
		m.startWarmList(sc, wc)
	}

	// Start http api server
	if httpAddr := cfg.API.HTTP; len(httpAddr) > 0 {
		httpServer := &http.Server{
			Addr:    httpAddr,
			Handler: m.httpAPIMux,
		}
		sc.Go(func(ctx context.Context) error {
			errChan := make(chan error, 1)
			go func() {
				m.logger.Info("starting api http server", zap.String("addr", httpAddr))
				errChan <- httpServer.ListenAndServe()
			}()
			select {
			case err := <-errChan:
				return err
			case <-ctx.Done():
				httpServer.Close()
				return nil
			}
		})
	}

	<-sc.Closing()
	m.logger.Info("shutting down")
	m.Close()
	sc.Done()
	if err := sc.Err(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close stops the cache, writes the final snapshot and closes the store.
func (m *Imgcache) Close() {
	if err := m.svc.Close(); err != nil {
		m.logger.Warn("final flush failed", zap.Error(err))
	}
	if err := m.backend.Close(); err != nil {
		m.logger.Warn("failed to close store", zap.Error(err))
	}
	if c, ok := m.fetcher.(io.Closer); ok {
		_ = c.Close()
	}
}

func (m *Imgcache) GetService() *imgcache.Service {
	return m.svc
}

func (m *Imgcache) GetMetricsReg() prometheus.Registerer {
	return prometheus.WrapRegistererWithPrefix("imgcache_", m.metricsReg)
}

func (m *Imgcache) GetHTTPAPIMux() *http.ServeMux {
	return m.httpAPIMux
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}

func newBackend(sc *StoreConfig, lg *zap.Logger) (cache.Backend, error) {
	switch sc.Type {
	case storeMemory:
		return mem_cache.NewMemCache(), nil
	case storeFile:
		return file_cache.NewFileCache(sc.Path)
	case storeSqlite:
		ctx, cancel := context.WithTimeout(context.Background(), sc.Timeout)
		defer cancel()
		return sqlite_cache.NewSqliteCache(ctx, sc.Path)
	case storeRedis:
		opt, err := redis.ParseURL(sc.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url, %w", err)
		}
		opt.MaxRetries = -1
		c := redis.NewClient(opt)
		r, err := redis_cache.NewRedisCache(redis_cache.RedisCacheOpts{
			Client:        c,
			ClientCloser:  c,
			ClientTimeout: sc.Timeout,
			Logger:        lg.Named("redis"),
		})
		if err != nil {
			c.Close()
			return nil, err
		}
		return r, nil
	}
	return nil, fmt.Errorf("unknown store type %q", sc.Type)
}

