package coremain

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/pmkol/imgcache/pkg/asset"
	"github.com/pmkol/imgcache/pkg/imgcache"
	"github.com/pmkol/imgcache/pkg/pool"
	"github.com/pmkol/imgcache/pkg/safe_close"
)

// Editors often write a file in several steps.
const warmReloadDelay = 500 * time.Millisecond

// readWarmFile returns one key per non-empty line. Lines starting with
// '#' are comments.
func readWarmFile(path string) ([]asset.Key, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	keys := make([]asset.Key, 0)
	s := bufio.NewScanner(f)
	for line := 1; s.Scan(); line++ {
		u := strings.TrimSpace(s.Text())
		if len(u) == 0 || strings.HasPrefix(u, "#") {
			continue
		}
		k := asset.URLKey(u)
		if err := k.Validate(); err != nil {
			return nil, fmt.Errorf("%s:%d, %w", path, line, err)
		}
		keys = append(keys, k)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// preloadWarmFile schedules the content of wc once.
func (m *Imgcache) preloadWarmFile(ctx context.Context, wc WarmConfig) {
	lg := m.logger.With(zap.String("file", wc.File))
	p, err := asset.ParsePriority(wc.Priority)
	if err != nil {
		lg.Error("invalid warm list priority", zap.Error(err))
		return
	}
	keys, err := readWarmFile(wc.File)
	if err != nil {
		lg.Warn("failed to read warm list", zap.Error(err))
		return
	}
	res, err := m.svc.ScheduleKeys(ctx, keys, p, imgcache.ScheduleOpts{})
	if err != nil {
		lg.Warn("warm list rejected", zap.Error(err))
		return
	}
	lg.Info("warm list preloaded",
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped))
}

// startWarmList preloads wc now and again whenever the file changes.
func (m *Imgcache) startWarmList(sc *safe_close.SafeClose, wc WarmConfig) {
	sc.Go(func(ctx context.Context) error {
		w, abs, err := newWarmWatcher(wc.File)
		if err != nil {
			m.logger.Warn("warm list will not be reloaded", zap.String("file", wc.File), zap.Error(err))
			m.preloadWarmFile(ctx, wc)
			return nil
		}
		defer w.Close()

		m.preloadWarmFile(ctx, wc)
		m.watchWarmFile(ctx, w, abs, wc)
		return nil
	})
}

// newWarmWatcher watches the parent directory of file so that files
// replaced by rename are still seen.
func newWarmWatcher(file string) (*fsnotify.Watcher, string, error) {
	abs, err := filepath.Abs(file)
	if err != nil {
		return nil, "", err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, "", err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, "", err
	}
	return w, abs, nil
}

// warmFileChanged reports whether e rewrote the file at path.
func warmFileChanged(e fsnotify.Event, path string) bool {
	if filepath.Clean(e.Name) != path {
		return false
	}
	return e.Has(fsnotify.Write) || e.Has(fsnotify.Create)
}

// watchWarmFile blocks until ctx is done.
func (m *Imgcache) watchWarmFile(ctx context.Context, w *fsnotify.Watcher, abs string, wc WarmConfig) {
	reload := pool.GetTimer(time.Hour)
	defer pool.ReleaseTimer(reload)
	reload.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-w.Events:
			if !ok {
				return
			}
			if !warmFileChanged(e, abs) {
				continue
			}
			pool.ResetAndDrainTimer(reload, warmReloadDelay)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			m.logger.Warn("warm list watcher error", zap.String("file", wc.File), zap.Error(err))
		case <-reload.C:
			m.preloadWarmFile(ctx, wc)
		}
	}
}
