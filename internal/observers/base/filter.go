package base

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/yairfalse/procwatch/internal/probe"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// FilterFunc reports whether a record matches a rule
type FilterFunc func(probe.Record) bool

// FilterConfig represents the configuration for filters
type FilterConfig struct {
	Version string       `yaml:"version"`
	Allow   []FilterRule `yaml:"allow,omitempty"`
	Deny    []FilterRule `yaml:"deny,omitempty"`
}

// FilterCondition holds the typed fields a rule can match on
type FilterCondition struct {
	// kind filter: exec, exit, kill
	Kinds []string `yaml:"kinds,omitempty"`

	// comm filter: shell globs
	Comms []string `yaml:"comms,omitempty"`

	// regex filter on comm
	Pattern string `yaml:"pattern,omitempty"`

	// identity filters
	UIDs        []uint32 `yaml:"uids,omitempty"`
	PIDs        []uint32 `yaml:"pids,omitempty"`
	KillTargets []uint32 `yaml:"kill_targets,omitempty"`
}

// FilterRule defines a single filter rule
type FilterRule struct {
	Name        string          `yaml:"name"`
	Type        string          `yaml:"type"`
	Enabled     *bool           `yaml:"enabled,omitempty"` // nil means true
	Description string          `yaml:"description,omitempty"`
	Condition   FilterCondition `yaml:"condition"`
}

// FilterManager decides which records a consumer sees. When allow rules
// exist a record must match one of them; a record matching any deny rule is
// dropped.
type FilterManager struct {
	mu     sync.RWMutex
	logger *zap.Logger
	name   string

	allowFilters map[string]FilterFunc
	denyFilters  map[string]FilterFunc

	watcher         *fsnotify.Watcher
	watcherStopChan chan struct{}
	stopOnce        sync.Once

	filterVersion   atomic.Int64
	eventsAllowed   atomic.Int64
	eventsDenied    atomic.Int64
	eventsProcessed atomic.Int64

	compiler *FilterCompiler
}

// NewFilterManager creates a new filter manager
func NewFilterManager(name string, logger *zap.Logger) *FilterManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FilterManager{
		name:            name,
		logger:          logger,
		allowFilters:    make(map[string]FilterFunc),
		denyFilters:     make(map[string]FilterFunc),
		compiler:        NewFilterCompiler(logger),
		watcherStopChan: make(chan struct{}),
	}
}

// LoadFromFile loads filters from a YAML file. A missing file leaves no
// filters in place.
func (fm *FilterManager) LoadFromFile(configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			fm.logger.Info("Filter config file not found, using no filters",
				zap.String("path", configPath))
			return fm.ApplyConfig(&FilterConfig{})
		}
		return fmt.Errorf("failed to read filter config: %w", err)
	}

	var config FilterConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("failed to parse filter config: %w", err)
	}

	return fm.ApplyConfig(&config)
}

// ApplyConfig replaces every filter with the rules in config. Rules that do
// not compile are skipped with a warning.
func (fm *FilterManager) ApplyConfig(config *FilterConfig) error {
	allow := fm.compileAll("allow", config.Allow)
	deny := fm.compileAll("deny", config.Deny)

	fm.mu.Lock()
	fm.allowFilters = allow
	fm.denyFilters = deny
	fm.mu.Unlock()

	fm.filterVersion.Add(1)
	fm.logger.Info("Applied filter configuration",
		zap.String("consumer", fm.name),
		zap.String("version", config.Version),
		zap.Int("allow_filters", len(allow)),
		zap.Int("deny_filters", len(deny)))

	return nil
}

func (fm *FilterManager) compileAll(list string, rules []FilterRule) map[string]FilterFunc {
	out := make(map[string]FilterFunc, len(rules))
	for i := range rules {
		rule := &rules[i]
		if rule.Enabled != nil && !*rule.Enabled {
			continue
		}
		filter, err := fm.compiler.CompileRule(rule)
		if err != nil {
			fm.logger.Warn("Failed to compile filter",
				zap.String("list", list),
				zap.String("name", rule.Name),
				zap.Error(err))
			continue
		}
		out[rule.Name] = filter
	}
	return out
}

// WatchConfigFile loads configPath and reloads it whenever it changes
func (fm *FilterManager) WatchConfigFile(configPath string) error {
	if err := fm.LoadFromFile(configPath); err != nil {
		fm.logger.Warn("Failed to load initial filter config",
			zap.String("path", configPath),
			zap.Error(err))
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory, not the file, so replace-by-rename is seen
	dir := filepath.Dir(configPath)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}
	fm.watcher = watcher

	go fm.watchLoop(configPath)
	return nil
}

func (fm *FilterManager) watchLoop(configPath string) {
	filename := filepath.Base(configPath)

	for {
		select {
		case <-fm.watcherStopChan:
			return

		case event, ok := <-fm.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filename {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			fm.logger.Info("Filter config file changed, reloading",
				zap.String("consumer", fm.name),
				zap.String("file", configPath))

			// Let the writer finish
			time.Sleep(100 * time.Millisecond)

			if err := fm.LoadFromFile(configPath); err != nil {
				fm.logger.Error("Failed to reload filter config",
					zap.String("consumer", fm.name),
					zap.Error(err))
			}

		case err, ok := <-fm.watcher.Errors:
			if !ok {
				return
			}
			fm.logger.Warn("Filter config watcher error",
				zap.String("consumer", fm.name),
				zap.Error(err))
		}
	}
}

// ShouldAllow reports whether rec passes the filters
func (fm *FilterManager) ShouldAllow(rec probe.Record) bool {
	fm.eventsProcessed.Add(1)

	fm.mu.RLock()
	defer fm.mu.RUnlock()

	if len(fm.allowFilters) > 0 {
		allowed := false
		for _, match := range fm.allowFilters {
			if match(rec) {
				allowed = true
				break
			}
		}
		if !allowed {
			fm.eventsDenied.Add(1)
			return false
		}
	}

	for _, match := range fm.denyFilters {
		if match(rec) {
			fm.eventsDenied.Add(1)
			return false
		}
	}

	fm.eventsAllowed.Add(1)
	return true
}

// AddAllowFilter adds a named allow filter
func (fm *FilterManager) AddAllowFilter(name string, filter FilterFunc) {
	fm.mu.Lock()
	fm.allowFilters[name] = filter
	fm.mu.Unlock()
	fm.filterVersion.Add(1)
}

// AddDenyFilter adds a named deny filter
func (fm *FilterManager) AddDenyFilter(name string, filter FilterFunc) {
	fm.mu.Lock()
	fm.denyFilters[name] = filter
	fm.mu.Unlock()
	fm.filterVersion.Add(1)
}

// RemoveFilter removes a filter by name from either list
func (fm *FilterManager) RemoveFilter(name string) {
	fm.mu.Lock()
	_, inAllow := fm.allowFilters[name]
	_, inDeny := fm.denyFilters[name]
	delete(fm.allowFilters, name)
	delete(fm.denyFilters, name)
	fm.mu.Unlock()

	if inAllow || inDeny {
		fm.filterVersion.Add(1)
	}
}

// GetStatistics returns filter statistics
func (fm *FilterManager) GetStatistics() FilterStatistics {
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	return FilterStatistics{
		Version:         fm.filterVersion.Load(),
		AllowFilters:    len(fm.allowFilters),
		DenyFilters:     len(fm.denyFilters),
		EventsProcessed: fm.eventsProcessed.Load(),
		EventsAllowed:   fm.eventsAllowed.Load(),
		EventsDenied:    fm.eventsDenied.Load(),
	}
}

// Stop stops watching the config file
func (fm *FilterManager) Stop() {
	fm.stopOnce.Do(func() {
		close(fm.watcherStopChan)
		if fm.watcher != nil {
			fm.watcher.Close()
		}
	})
}

// FilterStatistics contains filter statistics
type FilterStatistics struct {
	Version         int64 `json:"version"`
	AllowFilters    int   `json:"allow_filters"`
	DenyFilters     int   `json:"deny_filters"`
	EventsProcessed int64 `json:"events_processed"`
	EventsAllowed   int64 `json:"events_allowed"`
	EventsDenied    int64 `json:"events_denied"`
}

// FilterCompiler compiles filter rules into FilterFunc
type FilterCompiler struct {
	logger *zap.Logger
}

// NewFilterCompiler creates a new filter compiler
func NewFilterCompiler(logger *zap.Logger) *FilterCompiler {
	return &FilterCompiler{logger: logger}
}

// CompileRule compiles a filter rule into a FilterFunc
func (fc *FilterCompiler) CompileRule(rule *FilterRule) (FilterFunc, error) {
	if rule == nil {
		return nil, fmt.Errorf("cannot compile nil rule")
	}

	switch rule.Type {
	case "kind":
		return fc.compileKindFilter(rule)
	case "comm":
		return fc.compileCommFilter(rule)
	case "regex":
		return fc.compileRegexFilter(rule)
	case "uid":
		return compileIDFilter(rule, rule.Condition.UIDs, func(r probe.Record) uint32 { return r.UID })
	case "pid":
		return compileIDFilter(rule, rule.Condition.PIDs, func(r probe.Record) uint32 { return r.PID })
	case "kill_target":
		return compileIDFilter(rule, rule.Condition.KillTargets, func(r probe.Record) uint32 {
			if r.Kind != probe.KindKill {
				return 0
			}
			return r.KillTarget
		})
	default:
		return nil, fmt.Errorf("unknown filter type: %s", rule.Type)
	}
}

func (fc *FilterCompiler) compileKindFilter(rule *FilterRule) (FilterFunc, error) {
	if len(rule.Condition.Kinds) == 0 {
		return nil, fmt.Errorf("kind filter requires kinds")
	}

	kinds := make(map[string]bool, len(rule.Condition.Kinds))
	for _, k := range rule.Condition.Kinds {
		kinds[strings.ToLower(k)] = true
	}

	return func(r probe.Record) bool {
		return kinds[r.Kind.String()]
	}, nil
}

func (fc *FilterCompiler) compileCommFilter(rule *FilterRule) (FilterFunc, error) {
	globs := rule.Condition.Comms
	if len(globs) == 0 {
		return nil, fmt.Errorf("comm filter requires comms")
	}
	for _, g := range globs {
		if _, err := filepath.Match(g, ""); err != nil {
			return nil, fmt.Errorf("invalid comm glob %q: %w", g, err)
		}
	}

	return func(r probe.Record) bool {
		comm := r.Command()
		for _, g := range globs {
			if matched, _ := filepath.Match(g, comm); matched {
				return true
			}
		}
		return false
	}, nil
}

func (fc *FilterCompiler) compileRegexFilter(rule *FilterRule) (FilterFunc, error) {
	if rule.Condition.Pattern == "" {
		return nil, fmt.Errorf("regex filter requires pattern")
	}
	re, err := regexp.Compile(rule.Condition.Pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern: %w", err)
	}

	return func(r probe.Record) bool {
		return re.MatchString(r.Command())
	}, nil
}

func compileIDFilter(rule *FilterRule, ids []uint32, field func(probe.Record) uint32) (FilterFunc, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%s filter requires at least one id", rule.Type)
	}

	set := make(map[uint32]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}

	return func(r probe.Record) bool {
		_, ok := set[field(r)]
		return ok
	}, nil
}

// FilteredConsumer applies a FilterManager in front of another consumer
type FilteredConsumer struct {
	LocalConsumer
	filters *FilterManager
}

// NewFilteredConsumer wraps inner so it only sees records fm allows
func NewFilteredConsumer(inner LocalConsumer, fm *FilterManager) *FilteredConsumer {
	return &FilteredConsumer{LocalConsumer: inner, filters: fm}
}

// ShouldConsume implements LocalConsumer
func (fc *FilteredConsumer) ShouldConsume(rec probe.Record) bool {
	return fc.LocalConsumer.ShouldConsume(rec) && fc.filters.ShouldAllow(rec)
}
