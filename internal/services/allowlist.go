package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// AllowList is the set of browser origins allowed to call the API. When a
// persistence path is set every change is written through to it as JSON.
type AllowList struct {
	mu       sync.RWMutex
	origins  map[string]struct{}
	defaults []string
	path     string
	log      *zap.Logger
}

type allowListFile struct {
	Origins []string `json:"origins"`
}

// NormalizeOrigin reduces an origin to scheme://host[:port], or "" when it is not one.
func NormalizeOrigin(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}

// NewAllowList seeds the list with defaults, then loads path when it exists.
func NewAllowList(defaults []string, path string, log *zap.Logger) (*AllowList, error) {
	if log == nil {
		log = zap.NewNop()
	}
	defaults = lo.Uniq(lo.Compact(lo.Map(defaults, func(o string, _ int) string { return NormalizeOrigin(o) })))
	a := &AllowList{origins: map[string]struct{}{}, defaults: defaults, path: path, log: log}
	for _, o := range defaults {
		a.origins[o] = struct{}{}
	}
	if path == "" {
		return a, nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return a, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read allowlist: %w", err)
	}
	var f allowListFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode allowlist %s: %w", path, err)
	}
	a.origins = map[string]struct{}{}
	for _, o := range f.Origins {
		if n := NormalizeOrigin(o); n != "" {
			a.origins[n] = struct{}{}
		}
	}
	return a, nil
}

// Get returns the origins in sorted order.
func (a *AllowList) Get() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sortedLocked()
}

func (a *AllowList) sortedLocked() []string {
	out := lo.Keys(a.origins)
	sort.Strings(out)
	return out
}

// Allowed reports whether origin may call the API. An empty list allows everything.
func (a *AllowList) Allowed(origin string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.origins) == 0 {
		return true
	}
	_, ok := a.origins[NormalizeOrigin(origin)]
	return ok
}

func (a *AllowList) Add(origin string) ([]string, error) {
	n := NormalizeOrigin(origin)
	if n == "" {
		return nil, NewInvalidError("origin must look like https://host[:port]")
	}
	return a.mutate(func(m map[string]struct{}) { m[n] = struct{}{} })
}

func (a *AllowList) Remove(origin string) ([]string, error) {
	n := NormalizeOrigin(origin)
	if n == "" {
		return nil, NewInvalidError("origin must look like https://host[:port]")
	}
	found := false
	out, err := a.mutate(func(m map[string]struct{}) {
		if _, found = m[n]; found {
			delete(m, n)
		}
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return out, NewNotFoundError("origin not found")
	}
	return out, nil
}

// Reset restores the configured defaults.
func (a *AllowList) Reset() ([]string, error) {
	return a.mutate(func(m map[string]struct{}) {
		for k := range m {
			delete(m, k)
		}
		for _, o := range a.defaults {
			m[o] = struct{}{}
		}
	})
}

func (a *AllowList) mutate(fn func(map[string]struct{})) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(a.origins)
	out := a.sortedLocked()
	if a.path == "" {
		return out, nil
	}
	if err := a.persist(out); err != nil {
		a.log.Error("persist allowlist", zap.String("path", a.path), zap.Error(err))
		return out, err
	}
	return out, nil
}

func (a *AllowList) persist(origins []string) error {
	raw, err := json.MarshalIndent(allowListFile{Origins: origins}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return err
	}
	tmp := a.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, a.path)
}
