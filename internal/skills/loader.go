package skills

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// ToolNamer reports registered tool names, for bundle validation.
type ToolNamer interface {
	Names() []string
}

// Loader scans a directory tree for SKILL.md bundles and keeps the loaded
// set current. Reloads replace bundles atomically between reads; a bundle
// that turns invalid keeps its previously valid version.
type Loader struct {
	dir      string
	tools    ToolNamer
	debounce time.Duration

	mu     sync.RWMutex
	byName map[string]*Skill
	byPath map[string]*Skill
}

// NewLoader creates a loader over one skills directory.
func NewLoader(dir string, tools ToolNamer) *Loader {
	return &Loader{
		dir:      dir,
		tools:    tools,
		debounce: defaultDebounce,
		byName:   make(map[string]*Skill),
		byPath:   make(map[string]*Skill),
	}
}

// Load performs a full scan. Invalid bundles are logged and skipped; if a
// prior version was loaded from the same file it stays in place. Bundles
// whose files disappeared are dropped.
func (l *Loader) Load() error {
	paths, err := l.findBundles()
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	newByPath := make(map[string]*Skill, len(paths))
	for _, path := range paths {
		skill, err := ParseFile(path)
		if err == nil {
			err = l.checkTools(skill)
		}
		if err != nil {
			if prev, ok := l.byPath[path]; ok {
				slog.Warn("skill bundle invalid, keeping previous version", "path", path, "error", err)
				newByPath[path] = prev
			} else {
				slog.Warn("skill bundle rejected", "path", path, "error", err)
			}
			continue
		}
		newByPath[path] = skill
	}

	// Resolve name collisions deterministically: lowest path wins.
	sortedPaths := make([]string, 0, len(newByPath))
	for p := range newByPath {
		sortedPaths = append(sortedPaths, p)
	}
	sort.Strings(sortedPaths)

	newByName := make(map[string]*Skill, len(newByPath))
	for _, p := range sortedPaths {
		skill := newByPath[p]
		if other, dup := newByName[skill.Name]; dup {
			slog.Warn("duplicate skill name, keeping first", "name", skill.Name, "kept", other.Path, "dropped", skill.Path)
			delete(newByPath, p)
			continue
		}
		newByName[skill.Name] = skill
	}

	l.byPath = newByPath
	l.byName = newByName
	slog.Info("skills loaded", "count", len(newByName), "dir", l.dir)
	return nil
}

// checkTools validates that every tool a bundle requires is registered.
func (l *Loader) checkTools(skill *Skill) error {
	if l.tools == nil || len(skill.Tools) == 0 {
		return nil
	}
	registered := make(map[string]bool)
	for _, n := range l.tools.Names() {
		registered[n] = true
	}
	for _, n := range skill.Tools {
		if !registered[n] {
			return &unknownToolError{skill: skill.Name, tool: n}
		}
	}
	return nil
}

type unknownToolError struct{ skill, tool string }

func (e *unknownToolError) Error() string {
	return "skill " + e.skill + " requires unregistered tool " + e.tool
}

func (l *Loader) findBundles() ([]string, error) {
	var paths []string
	err := filepath.WalkDir(l.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == l.dir {
				return filepath.SkipAll // no skills dir yet
			}
			return err
		}
		if !d.IsDir() && d.Name() == SkillFilename {
			paths = append(paths, path)
		}
		return nil
	})
	return paths, err
}

// Get returns a loaded skill by name.
func (l *Loader) Get(name string) (*Skill, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.byName[name]
	return s, ok
}

// List returns the loaded skills sorted by name.
func (l *Loader) List() []*Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Skill, 0, len(l.byName))
	for _, s := range l.byName {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Match returns the first skill (by name order) whose triggers fire on
// the message.
func (l *Loader) Match(message string) (*Skill, bool) {
	for _, s := range l.List() {
		if s.Matches(message) {
			return s, true
		}
	}
	return nil, false
}

// Watch rescans on directory changes until ctx is cancelled. Events are
// debounced so editors that write in bursts trigger one reload. Blocks;
// run it in its own goroutine.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := l.addWatches(watcher); err != nil {
		slog.Warn("skill watch setup incomplete", "error", err)
	}

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(l.debounce)
				timerC = timer.C
			} else {
				timer.Reset(l.debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			if err := l.Load(); err != nil {
				slog.Warn("skill reload failed", "error", err)
			}
			// New sub-directories need their own watches.
			if err := l.addWatches(watcher); err != nil {
				slog.Warn("skill watch refresh failed", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("skill watcher error", "error", err)
		}
	}
}

func (l *Loader) addWatches(watcher *fsnotify.Watcher) error {
	return filepath.WalkDir(l.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == l.dir {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}
