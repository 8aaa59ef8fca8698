package strategy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/alanyoungcy/stratcore/internal/domain"
)

// Registry manages a named collection of parsed strategies that sessions
// reference by name. It is safe for concurrent use.
type Registry struct {
	strategies map[string]domain.Strategy
	mu         sync.RWMutex
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[string]domain.Strategy),
	}
}

// Register adds a strategy under the given name, replacing any previous one.
func (r *Registry) Register(name string, s domain.Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[name] = s
}

// Get retrieves a strategy by name.
func (r *Registry) Get(name string) (domain.Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.strategies[name]
	if !ok {
		return domain.Strategy{}, fmt.Errorf("strategy %q: %w", name, domain.ErrNotFound)
	}
	return s, nil
}

// List returns the names of all registered strategies in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.strategies))
	for n := range r.strategies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ParseFile reads a JSON or YAML strategy document. The extension decides
// the format; unknown extensions are sniffed.
func ParseFile(path string) (domain.Strategy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Strategy{}, fmt.Errorf("strategy: read %s: %w", path, err)
	}
	format := Detect(data)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		format = FormatJSON
	case ".yaml", ".yml":
		format = FormatYAML
	}
	s, err := Parse(data, format)
	if err != nil {
		return domain.Strategy{}, fmt.Errorf("strategy: parse %s: %w", path, err)
	}
	return s, nil
}

// LoadFile parses one strategy document and registers it under the file name
// without extension.
func (r *Registry) LoadFile(path string) (string, error) {
	s, err := ParseFile(path)
	if err != nil {
		return "", err
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	r.Register(name, s)
	return name, nil
}

// LoadDir registers every *.json, *.yaml and *.yml file in dir.
func (r *Registry) LoadDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("strategy: read dir %s: %w", dir, err)
	}
	var names []string
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(ent.Name())) {
		case ".json", ".yaml", ".yml":
		default:
			continue
		}
		name, err := r.LoadFile(filepath.Join(dir, ent.Name()))
		if err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, nil
}
