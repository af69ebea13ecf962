// Package ignore validates, stores and evaluates the patterns that make
// discovery skip a source or row.
package ignore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/fieldsync/fieldsync/internal/clock"
	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/metrics"
	"github.com/fieldsync/fieldsync/internal/models"
	"github.com/fieldsync/fieldsync/internal/repository"
)

var ErrDuplicateRule = errors.New("ignore rule already exists")

const (
	DefaultMatchTimeout     = 10 * time.Millisecond
	DefaultMaxPatternLength = 512
)

// Config controls validation and match-time policy.
type Config struct {
	MatchTimeout     time.Duration
	MaxPatternLength int
	// FailOpen treats a pattern that fails to compile or times out as "no
	// match" so processing continues. When false such a pattern ignores the
	// candidate.
	FailOpen bool
}

func DefaultConfig() Config {
	return Config{
		MatchTimeout:     DefaultMatchTimeout,
		MaxPatternLength: DefaultMaxPatternLength,
		FailOpen:         true,
	}
}

func (c Config) withDefaults() Config {
	if c.MatchTimeout <= 0 {
		c.MatchTimeout = DefaultMatchTimeout
	}
	if c.MaxPatternLength <= 0 {
		c.MaxPatternLength = DefaultMaxPatternLength
	}
	return c
}

// NewRule validates sourceType and pattern. pattern must be non-empty, at
// most maxLen bytes and compile.
func NewRule(sourceType models.SourceType, pattern string, maxLen int) (*models.IgnoreRule, error) {
	if _, err := models.ParseSourceType(string(sourceType)); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidIgnoreRule, err)
	}
	if pattern == "" {
		return nil, fmt.Errorf("%w: pattern is empty", models.ErrInvalidIgnoreRule)
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxPatternLength
	}
	if len(pattern) > maxLen {
		return nil, fmt.Errorf("%w: pattern is %d bytes, limit %d", models.ErrInvalidIgnoreRule, len(pattern), maxLen)
	}
	if _, err := regexp.Compile(pattern); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidIgnoreRule, err)
	}
	return &models.IgnoreRule{SourceType: sourceType, Pattern: pattern}, nil
}

// Service persists rules and builds matchers from them.
type Service struct {
	store  repository.IgnoreRuleStore
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger
}

func NewService(store repository.IgnoreRuleStore, cfg Config, clk clock.Clock, logger *slog.Logger) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, cfg: cfg.withDefaults(), clock: clk, logger: logger}
}

// Create validates and stores a rule. Invalid rules are never persisted.
func (s *Service) Create(ctx context.Context, sourceType models.SourceType, pattern string) (*models.IgnoreRule, error) {
	rule, err := NewRule(sourceType, pattern, s.cfg.MaxPatternLength)
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate rule id: %w", err)
	}
	rule.ID = id.String()
	rule.CreatedAt = s.clock.Now()

	if err := s.store.CreateIgnoreRule(ctx, rule); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, fmt.Errorf("%w: %s %q", ErrDuplicateRule, sourceType, pattern)
		}
		return nil, fmt.Errorf("create ignore rule: %w", err)
	}
	return rule, nil
}

// ImportResult counts the outcome of a bulk import.
type ImportResult struct {
	Created    int
	Duplicates int
	Invalid    []error
}

// Import creates every rule, skipping duplicates and collecting validation
// errors instead of stopping at the first one.
func (s *Service) Import(ctx context.Context, rules []models.IgnoreRule) (ImportResult, error) {
	var res ImportResult
	for _, r := range rules {
		_, err := s.Create(ctx, r.SourceType, r.Pattern)
		switch {
		case err == nil:
			res.Created++
		case errors.Is(err, ErrDuplicateRule):
			res.Duplicates++
		case errors.Is(err, models.ErrInvalidIgnoreRule):
			res.Invalid = append(res.Invalid, err)
		default:
			return res, err
		}
	}
	return res, nil
}

func (s *Service) List(ctx context.Context, sourceType models.SourceType) ([]*models.IgnoreRule, error) {
	return s.store.ListIgnoreRules(ctx, sourceType)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.DeleteIgnoreRule(ctx, id)
}

// Matcher loads the rules for sourceType and compiles them.
func (s *Service) Matcher(ctx context.Context, sourceType models.SourceType) (*Matcher, error) {
	rules, err := s.store.ListIgnoreRules(ctx, sourceType)
	if err != nil {
		return nil, fmt.Errorf("load ignore rules: %w", err)
	}
	return NewMatcher(rules, s.cfg, s.logger), nil
}

type compiledRule struct {
	pattern string
	re      *regexp.Regexp
}

// Matcher evaluates a fixed set of rules, each under a time budget.
type Matcher struct {
	rules  []compiledRule
	cfg    Config
	logger *slog.Logger
	match  func(re *regexp.Regexp, s string) bool
}

// NewMatcher compiles rules. A rule that does not compile is kept and
// resolved at match time according to FailOpen.
func NewMatcher(rules []*models.IgnoreRule, cfg Config, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Matcher{
		cfg:    cfg.withDefaults(),
		logger: logger,
		match:  (*regexp.Regexp).MatchString,
	}
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			logger.Warn("ignore pattern does not compile",
				slog.String("pattern", r.Pattern),
				logging.Error(err),
			)
		}
		m.rules = append(m.rules, compiledRule{pattern: r.Pattern, re: re})
	}
	return m
}

// Len returns the number of rules.
func (m *Matcher) Len() int {
	return len(m.rules)
}

// Matches reports whether candidate should be ignored.
func (m *Matcher) Matches(ctx context.Context, candidate string) bool {
	for _, r := range m.rules {
		if r.re == nil {
			if !m.cfg.FailOpen {
				return true
			}
			continue
		}

		matched, ok := m.matchWithin(ctx, r.re, candidate)
		if !ok {
			metrics.IgnoreMatchTimeouts.Inc()
			m.logger.WarnContext(ctx, "ignore pattern exceeded its time budget",
				slog.String("pattern", r.pattern),
				slog.Duration("budget", m.cfg.MatchTimeout),
				slog.Bool("fail_open", m.cfg.FailOpen),
			)
			if !m.cfg.FailOpen {
				return true
			}
			continue
		}
		if matched {
			return true
		}
	}
	return false
}

// matchWithin runs one match on its own goroutine and gives up after the
// budget. ok is false on timeout or cancellation.
func (m *Matcher) matchWithin(ctx context.Context, re *regexp.Regexp, candidate string) (matched, ok bool) {
	done := make(chan bool, 1)
	go func() {
		done <- m.match(re, candidate)
	}()

	timer := time.NewTimer(m.cfg.MatchTimeout)
	defer timer.Stop()

	select {
	case matched := <-done:
		return matched, true
	case <-timer.C:
		return false, false
	case <-ctx.Done():
		return false, false
	}
}

// File is the on-disk format for bulk rule import.
type File struct {
	Rules []models.IgnoreRule `yaml:"rules"`
}

// LoadFile reads a YAML rules file. Rules are not validated here.
func LoadFile(path string) ([]models.IgnoreRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ignore rules: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse ignore rules %s: %w", path, err)
	}
	return f.Rules, nil
}
