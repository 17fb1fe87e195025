package rules

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/chatmon/chatmon/alerter/actiongroup"
	"github.com/chatmon/chatmon/pkg/logger"
)

type StoreOpts struct {
	// Path of the config document.  Optional; configs may also be applied
	// directly with Apply.
	Path string

	// ReloadInterval controls how often the document at Path is re-read.
	// Zero disables reloading.
	ReloadInterval time.Duration

	Registry *actiongroup.Registry
}

// Store holds the active rule set and keeps the action group registry in sync
// with it.  Rules() returns an immutable snapshot; a reload that fails
// validation leaves the previous version active.
type Store struct {
	ctx    context.Context
	cancel context.CancelFunc

	opts     StoreOpts
	registry *actiongroup.Registry

	wg sync.WaitGroup

	mu       sync.RWMutex
	rules    []*AlertRule
	settings CommonSettings
	labels   map[int]string
}

func NewStore(opts StoreOpts) *Store {
	registry := opts.Registry
	if registry == nil {
		registry = actiongroup.NewRegistry()
	}
	return &Store{
		opts:     opts,
		registry: registry,
	}
}

func (s *Store) Open(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if s.opts.Path != "" {
		if err := s.loadPath(); err != nil {
			return err
		}
		if s.opts.ReloadInterval > 0 {
			go s.reloadPeriodically()
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return nil
}

// Apply activates a validated config: the registry contents are replaced and
// the rule snapshot is swapped.  All-or-nothing; an invalid registry replace
// activates no rules.
func (s *Store) Apply(cfg *Config) error {
	if err := s.registry.Replace(cfg.Groups); err != nil {
		return err
	}

	s.mu.Lock()
	s.rules = cfg.Rules
	s.settings = cfg.Settings
	s.labels = cfg.SeverityLabels
	s.mu.Unlock()
	return nil
}

func (s *Store) Rules() []*AlertRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rules
}

func (s *Store) Settings() CommonSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// SeverityLabel returns the document's label for a severity, e.g. "Critical".
func (s *Store) SeverityLabel(severity int) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.labels[severity]
}

func (s *Store) Registry() *actiongroup.Registry {
	return s.registry
}

func (s *Store) loadPath() error {
	b, err := os.ReadFile(s.opts.Path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", s.opts.Path, err)
	}
	cfg, err := Load(b)
	if err != nil {
		return err
	}
	return s.Apply(cfg)
}

func (s *Store) reloadPeriodically() {
	s.wg.Add(1)
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(s.opts.ReloadInterval):
			if err := s.loadPath(); err != nil {
				logger.Errorf("Failed to reload rules from %s, keeping previous config: %s", s.opts.Path, err)
				continue
			}
			logger.Infof("Reloaded %d rules from %s", len(s.Rules()), s.opts.Path)
		}
	}
}
