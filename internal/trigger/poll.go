package trigger

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

type refState struct {
	modTime time.Time
	size    int64
}

// poll scans ref files on every tick and records changed ones.
func (t *Trigger) poll(ctx context.Context) error {
	state := t.scanRefs()
	t.logger.Info("trigger_started",
		slog.String("root", t.root),
		slog.String("mode", "polling"),
		slog.Duration("interval", t.opts.PollInterval),
		slog.Int("mirrors", len(t.Mirrors())))

	ticker := time.NewTicker(t.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			current := t.scanRefs()
			for path, cur := range current {
				if prev, ok := state[path]; !ok || prev != cur {
					t.recordPath(path)
				}
			}
			for path := range state {
				if _, ok := current[path]; !ok {
					t.recordPath(path)
				}
			}
			state = current
		}
	}
}

// scanRefs rediscovers mirrors and snapshots their loose heads and packed-refs.
func (t *Trigger) scanRefs() map[string]refState {
	t.rescan()

	out := make(map[string]refState)
	for _, m := range t.Mirrors() {
		if info, err := os.Stat(filepath.Join(m.GitDir, "packed-refs")); err == nil {
			out[filepath.Join(m.GitDir, "packed-refs")] = refState{info.ModTime(), info.Size()}
		}
		_ = filepath.WalkDir(m.RefsDir(), func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			if info, err := d.Info(); err == nil {
				out[path] = refState{info.ModTime(), info.Size()}
			}
			return nil
		})
	}
	return out
}

func (t *Trigger) recordPath(path string) {
	m, ok := t.mirrorFor(path)
	if !ok {
		return
	}
	if branch, ok := refChange(m, path); ok {
		t.record(m, branch)
	}
}
