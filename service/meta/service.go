// Package meta loads and caches workflow definitions. Definitions come from
// YAML documents under a base URL (any storage scheme afs understands) or
// from programmatic registration; lookups are cached per name.
package meta

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sync"

	"github.com/viant/afs"

	"github.com/cropflow/cropflow/model/workflow"
)

// ErrUnknownWorkflow is returned for a name with no registered or loadable
// definition.
var ErrUnknownWorkflow = errors.New("unknown workflow")

// Service resolves workflow definitions by name.
type Service struct {
	fs      afs.Service
	baseURL string
	mu      sync.RWMutex
	cache   map[string]*workflow.Workflow
}

// New creates a definition service. baseURL may be empty, in which case only
// registered definitions resolve.
func New(fs afs.Service, baseURL string) *Service {
	return &Service{
		fs:      fs,
		baseURL: baseURL,
		cache:   map[string]*workflow.Workflow{},
	}
}

// Register adds a definition programmatically.
func (s *Service) Register(def *workflow.Workflow) error {
	if def == nil {
		return fmt.Errorf("workflow definition cannot be nil")
	}
	if err := def.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[def.Name] = def
	return nil
}

// Lookup returns the definition for name, loading <baseURL>/<name>.yaml on a
// cache miss.
func (s *Service) Lookup(ctx context.Context, name string) (*workflow.Workflow, error) {
	s.mu.RLock()
	def, ok := s.cache[name]
	s.mu.RUnlock()
	if ok {
		return def, nil
	}
	if s.baseURL == "" || s.fs == nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownWorkflow, name)
	}
	def, err := s.Load(ctx, path.Join(s.baseURL, name))
	if err != nil {
		return nil, fmt.Errorf("%w: %v: %v", ErrUnknownWorkflow, name, err)
	}
	return def, nil
}

// Load loads a definition from the given URL; a missing extension defaults
// to .yaml. The loaded definition is cached under its name.
func (s *Service) Load(ctx context.Context, URL string) (*workflow.Workflow, error) {
	if filepath.Ext(URL) == "" {
		URL += ".yaml"
	}
	data, err := s.fs.DownloadWithURL(ctx, URL)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow from %s: %w", URL, err)
	}
	def, err := workflow.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse workflow from %s: %w", URL, err)
	}
	s.mu.Lock()
	s.cache[def.Name] = def
	s.mu.Unlock()
	return def, nil
}
