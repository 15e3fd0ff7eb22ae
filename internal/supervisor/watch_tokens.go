package supervisor

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 250 * time.Millisecond

// WatchTokenFiles reloads the bot token whenever one of paths changes and
// stops when ctx is done. Parent directories are watched rather than the
// files so secrets swapped in by rename (as mounted volumes do) are seen.
func (s *Supervisor) WatchTokenFiles(ctx context.Context, paths ...string) error {
	targets := make(map[string]bool)
	dirs := make(map[string]bool)
	for _, p := range paths {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = filepath.Clean(p)
		}
		targets[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	if len(targets) == 0 {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	watching := 0
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			slog.Error("supervisor: watch token dir", "dir", dir, "err", err)
			continue
		}
		watching++
	}
	if watching == 0 {
		return w.Close()
	}

	go s.watchLoop(ctx, w, targets)
	return nil
}

func (s *Supervisor) watchLoop(ctx context.Context, w *fsnotify.Watcher, targets map[string]bool) {
	defer w.Close()

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove
	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !targets[filepath.Clean(ev.Name)] || ev.Op&relevant == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(reloadDebounce)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			if _, err := s.ReloadDiscord(); err != nil {
				slog.Error("supervisor: token reload failed", "err", err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			slog.Error("supervisor: token watch error", "err", err)
		}
	}
}
