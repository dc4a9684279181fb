package blueprint

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Policy is the runtime-tunable behavior of the engine. It loads from a JSON
// file at startup and is re-applied live whenever the file changes. Every
// default errs toward not destroying data: dry-run on, bare 404 distrusted.
type Policy struct {
	DryRunDefault        bool    `json:"dryRunDefault"`
	TrustPageDeleted     bool    `json:"trustPageDeleted"`
	MaxRetries           int     `json:"maxRetries"`
	RetryBaseDelayMillis int     `json:"retryBaseDelayMillis"`
	RetryMaxDelayMillis  int     `json:"retryMaxDelayMillis"`
	FetchRatePerSecond   float64 `json:"fetchRatePerSecond"`
	FetchBurst           int     `json:"fetchBurst"`
	PageConcurrency      int     `json:"pageConcurrency"`
	MaxQueryPages        int     `json:"maxQueryPages"`
	RecoveryWindowDays   int     `json:"recoveryWindowDays"`
	VersionRetention     int     `json:"versionRetention"`
	OutcomeLimit         int     `json:"outcomeLimit"`
}

func DefaultPolicy() Policy {
	return Policy{
		DryRunDefault:        true,
		TrustPageDeleted:     false,
		MaxRetries:           3,
		RetryBaseDelayMillis: 250,
		RetryMaxDelayMillis:  2000,
		FetchRatePerSecond:   5,
		FetchBurst:           5,
		PageConcurrency:      1,
		MaxQueryPages:        20,
		RecoveryWindowDays:   30,
		VersionRetention:     20,
		OutcomeLimit:         500,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.MaxRetries < 0 {
		p.MaxRetries = def.MaxRetries
	}
	if p.RetryBaseDelayMillis <= 0 {
		p.RetryBaseDelayMillis = def.RetryBaseDelayMillis
	}
	if p.RetryMaxDelayMillis <= 0 {
		p.RetryMaxDelayMillis = def.RetryMaxDelayMillis
	}
	if p.FetchRatePerSecond <= 0 {
		p.FetchRatePerSecond = def.FetchRatePerSecond
	}
	if p.FetchBurst <= 0 {
		p.FetchBurst = def.FetchBurst
	}
	if p.PageConcurrency <= 0 {
		p.PageConcurrency = def.PageConcurrency
	}
	if p.MaxQueryPages <= 0 {
		p.MaxQueryPages = def.MaxQueryPages
	}
	if p.RecoveryWindowDays <= 0 {
		p.RecoveryWindowDays = def.RecoveryWindowDays
	}
	if p.VersionRetention <= 0 {
		p.VersionRetention = def.VersionRetention
	}
	if p.OutcomeLimit <= 0 {
		p.OutcomeLimit = def.OutcomeLimit
	}
	return p
}

func (p Policy) retryBaseDelay() time.Duration {
	return time.Duration(p.RetryBaseDelayMillis) * time.Millisecond
}

func (p Policy) retryMaxDelay() time.Duration {
	return time.Duration(p.RetryMaxDelayMillis) * time.Millisecond
}

func (p Policy) recoveryWindow() time.Duration {
	return time.Duration(p.RecoveryWindowDays) * 24 * time.Hour
}

// LoadPolicyFile parses the policy JSON at path. Fields absent from the file
// keep their defaults, so a minimal file setting only dryRunDefault is valid.
func LoadPolicyFile(path string) (Policy, error) {
	p := DefaultPolicy()
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, err
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy %s: %w", path, err)
	}
	return p.withDefaults(), nil
}

const policyDebounce = 200 * time.Millisecond

// PolicyWatcher re-reads a policy file whenever it changes on disk and hands
// the parsed result to apply. Editors replace files by rename, so the parent
// directory is watched and events are filtered to the policy file itself.
// A file that fails to parse is logged and skipped; the previous policy
// stays in force.
type PolicyWatcher struct {
	path     string
	apply    func(Policy)
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	debounce time.Duration
	done     chan struct{}
	stopOnce sync.Once
}

// NewPolicyWatcher starts watching immediately; Close stops it.
func NewPolicyWatcher(path string, logger *slog.Logger, apply func(Policy)) (*PolicyWatcher, error) {
	if path == "" || apply == nil {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	w := &PolicyWatcher{
		path:     path,
		apply:    apply,
		logger:   logger,
		watcher:  watcher,
		debounce: policyDebounce,
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *PolicyWatcher) run() {
	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("policy watcher error", "error", err)
		}
	}
}

func (w *PolicyWatcher) reload() {
	policy, err := LoadPolicyFile(w.path)
	if err != nil {
		w.logger.Warn("policy reload failed, keeping current policy", "path", w.path, "error", err)
		return
	}
	w.apply(policy)
}

func (w *PolicyWatcher) Close() error {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.watcher.Close()
	})
	return nil
}
