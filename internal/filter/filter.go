// Package filter decides which chats are in scope for relay. The admitted
// set lives behind an atomic pointer to an immutable snapshot, so readers
// on the intake path never take a lock and never observe a partial reload.
package filter

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Factory55/telegram-client/internal/log"

	"go.uber.org/zap"
)

const newFileHeader = `# Add allowed chat names here (one per line)
# Lines starting with # are comments
`

type snapshot struct {
	names    map[string]struct{}
	modTime  time.Time
	loadedAt time.Time
}

type Filter struct {
	path     string
	interval time.Duration
	logger   *log.Logger
	current  atomic.Pointer[snapshot]
	mu       sync.Mutex // serializes reloads with Add/Remove file rewrites
}

type Stats struct {
	AllowedChatsCount int       `json:"allowed_chats_count"`
	FilePath          string    `json:"file_path"`
	LastLoaded        time.Time `json:"last_loaded"`
}

// New loads the allow-list from path, creating an empty commented file if
// none exists. Run must be started for subsequent file changes to be
// picked up.
func New(path string, interval time.Duration, logger *log.Logger) (*Filter, error) {
	f := &Filter{
		path:     path,
		interval: interval,
		logger:   logger,
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.Warn("Allowed chats file not found, creating empty file", zap.String("path", path))
		if err := os.WriteFile(path, []byte(newFileHeader), 0644); err != nil {
			return nil, fmt.Errorf("create allowed chats file: %w", err)
		}
	}
	if err := f.reload(); err != nil {
		return nil, err
	}
	logger.Info("Chat filter initialized",
		zap.Int("allowed_chats", len(f.current.Load().names)),
		zap.String("path", path))
	return f, nil
}

// Run watches the backing file until ctx is cancelled. A failed reload
// keeps the last good snapshot.
func (f *Filter) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			f.logger.Info("Chat filter watch shutting down")
			return
		case <-ticker.C:
			if err := f.reload(); err != nil {
				f.logger.Error("Failed to reload allowed chats, keeping last snapshot",
					zap.Error(err), zap.String("path", f.path))
			}
		}
	}
}

// reload takes f.mu so a ticker reload that read the file before an
// Add/Remove rewrite cannot store its stale snapshot after the forced one.
func (f *Filter) reload() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reloadLocked()
}

func (f *Filter) reloadLocked() error {
	info, err := os.Stat(f.path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", f.path, err)
	}
	if cur := f.current.Load(); cur != nil && !info.ModTime().After(cur.modTime) {
		return nil
	}

	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("open %s: %w", f.path, err)
	}
	defer file.Close()

	names := make(map[string]struct{})
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		name := strings.TrimSpace(scanner.Text())
		if name == "" || strings.HasPrefix(name, "#") {
			continue
		}
		names[name] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read %s: %w", f.path, err)
	}

	old := 0
	if cur := f.current.Load(); cur != nil {
		old = len(cur.names)
	}
	f.current.Store(&snapshot{
		names:    names,
		modTime:  info.ModTime(),
		loadedAt: time.Now(),
	})
	if len(names) != old {
		f.logger.Info("Loaded allowed chats", zap.Int("count", len(names)), zap.Int("was", old))
	}
	return nil
}

// IsAllowed reports whether the chat title is in the admitted set. Names
// compare case-sensitively, exact match. An empty title is never allowed.
func (f *Filter) IsAllowed(chatTitle string) bool {
	if chatTitle == "" {
		return false
	}
	_, ok := f.current.Load().names[chatTitle]
	return ok
}

// Contains is the management-surface alias for IsAllowed.
func (f *Filter) Contains(name string) bool {
	return f.IsAllowed(name)
}

// List returns the admitted names, sorted.
func (f *Filter) List() []string {
	names := f.current.Load().names
	out := make([]string, 0, len(names))
	for name := range names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Add appends a name to the backing file and reloads immediately.
func (f *Filter) Add(name string) error {
	name = strings.TrimSpace(name)
	if name == "" || strings.HasPrefix(name, "#") {
		return fmt.Errorf("invalid chat name %q", name)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.IsAllowed(name) {
		return nil
	}
	file, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", f.path, err)
	}
	if _, err := file.WriteString(name + "\n"); err != nil {
		file.Close()
		return fmt.Errorf("append to %s: %w", f.path, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close %s: %w", f.path, err)
	}
	f.logger.Info("Added allowed chat", zap.String("chat", name))
	return f.forceReload()
}

// Remove deletes a name from the backing file and reloads immediately.
// Returns false when the name was not present.
func (f *Filter) Remove(name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", f.path, err)
	}
	var kept []string
	removed := false
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == name {
			removed = true
			continue
		}
		kept = append(kept, line)
	}
	if !removed {
		return false, nil
	}
	if err := os.WriteFile(f.path, []byte(strings.Join(kept, "\n")), 0644); err != nil {
		return false, fmt.Errorf("write %s: %w", f.path, err)
	}
	f.logger.Info("Removed allowed chat", zap.String("chat", name))
	return true, f.forceReload()
}

// forceReload drops the mtime short-circuit so file rewrites within the
// same clock tick are still observed. Callers hold f.mu.
func (f *Filter) forceReload() error {
	cur := f.current.Load()
	f.current.Store(&snapshot{names: cur.names, loadedAt: cur.loadedAt})
	return f.reloadLocked()
}

func (f *Filter) Stats() Stats {
	cur := f.current.Load()
	return Stats{
		AllowedChatsCount: len(cur.names),
		FilePath:          f.path,
		LastLoaded:        cur.loadedAt,
	}
}
