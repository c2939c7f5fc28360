package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/parleyhq/parley/pkg/models"
)

// tasksFile is the on-disk shape of a task definitions file.
type tasksFile struct {
	Tasks []models.ScheduledTask `yaml:"tasks"`
}

// LoadTasksFile reads task definitions from a YAML file.
func LoadTasksFile(path string) ([]models.ScheduledTask, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tasks file: %w", err)
	}
	var file tasksFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse tasks file: %w", err)
	}
	return file.Tasks, nil
}

// WatchFile hot-reloads task definitions whenever the file changes. The
// watch runs until the context is cancelled. The parent directory is
// watched so editors that replace the file via rename are picked up.
func (s *Scheduler) WatchFile(ctx context.Context, path string, debounce time.Duration) error {
	if s == nil {
		return nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve tasks file path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch tasks directory: %w", err)
	}

	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}

	s.wg.Add(1)
	go s.watchLoop(ctx, watcher, abs, debounce)
	return nil
}

func (s *Scheduler) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, path string, debounce time.Duration) {
	defer s.wg.Done()
	defer watcher.Close()

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, func() {
			s.reloadFromFile(path)
		})
	}

	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("tasks file watch error", "error", err)
		}
	}
}

// reloadFromFile swaps in definitions from disk, keeping the old set when
// the file is unreadable or malformed.
func (s *Scheduler) reloadFromFile(path string) {
	tasks, err := LoadTasksFile(path)
	if err != nil {
		s.logger.Warn("tasks file reload failed", "path", path, "error", err)
		return
	}
	s.Replace(tasks)
}
