package filter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"

	"github.com/abelbrown/feedline/internal/otel"
	"github.com/abelbrown/feedline/internal/timeline"
)

// ruleEnv is what a rule expression sees for one post.
type ruleEnv struct {
	ID       string    `expr:"id"`
	Source   string    `expr:"source"`
	Author   string    `expr:"author"`
	Title    string    `expr:"title"`
	Summary  string    `expr:"summary"`
	URL      string    `expr:"url"`
	Created  time.Time `expr:"created"`
	AgeHours float64   `expr:"age_hours"`
}

func envFor(p timeline.Post, now time.Time) ruleEnv {
	return ruleEnv{
		ID:       p.ID,
		Source:   p.Source,
		Author:   p.Author,
		Title:    p.Title,
		Summary:  p.Summary,
		URL:      p.URL,
		Created:  p.CreatedAt,
		AgeHours: now.Sub(p.CreatedAt).Hours(),
	}
}

// Rule is a compiled boolean expression. A post is kept when it evaluates true.
//
//	source != "ads"
//	not (title matches "(?i)sponsored")
//	age_hours < 12 || source == "Lobsters"
type Rule struct {
	expression string
	program    *exprvm.Program
}

// CompileRule type-checks expression against the post fields.
func CompileRule(expression string) (*Rule, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, errors.New("rule must not be empty")
	}
	program, err := exprlang.Compile(expression, exprlang.Env(ruleEnv{}), exprlang.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile rule %q: %w", expression, err)
	}
	return &Rule{expression: expression, program: program}, nil
}

// String returns the source expression.
func (r *Rule) String() string {
	return r.expression
}

// Match evaluates the rule for p.
func (r *Rule) Match(p timeline.Post, now time.Time) (bool, error) {
	out, err := exprlang.Run(r.program, envFor(p, now))
	if err != nil {
		return false, fmt.Errorf("rule %q: %w", r.expression, err)
	}
	keep, _ := out.(bool)
	return keep, nil
}

// Config configures a Filter. Zero values disable the matching stage.
type Config struct {
	Rules          []string
	MaxAge         time.Duration
	PerSourceLimit int
}

// Filter applies age, rule, dedup and per-source stages in that order.
// Goroutine-safe after construction.
type Filter struct {
	rules     []*Rule
	maxAge    time.Duration
	perSource int
	now       func() time.Time
	events    *otel.Logger
	evalErrs  atomic.Int64
}

// Option configures a Filter.
type Option func(*Filter)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(f *Filter) { f.now = now }
}

// WithEvents reports rule evaluation errors to l.
func WithEvents(l *otel.Logger) Option {
	return func(f *Filter) { f.events = l }
}

// New compiles cfg.Rules. Any invalid rule fails construction.
func New(cfg Config, opts ...Option) (*Filter, error) {
	f := &Filter{
		maxAge:    cfg.MaxAge,
		perSource: cfg.PerSourceLimit,
		now:       time.Now,
	}
	for _, expression := range cfg.Rules {
		r, err := CompileRule(expression)
		if err != nil {
			return nil, err
		}
		f.rules = append(f.rules, r)
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Apply filters posts. A rule that fails at runtime keeps the post.
// Returns nil if ctx is already done.
func (f *Filter) Apply(ctx context.Context, posts []timeline.Post) []timeline.Post {
	if ctx.Err() != nil {
		return nil
	}
	if len(posts) == 0 {
		return []timeline.Post{}
	}

	now := f.now()
	out := posts
	if f.maxAge > 0 {
		out = ByAge(out, f.maxAge, now)
	}

	if len(f.rules) > 0 {
		kept := make([]timeline.Post, 0, len(out))
		for _, p := range out {
			if f.keep(p, now) {
				kept = append(kept, p)
			}
		}
		out = kept
	}

	sorted := make([]timeline.Post, len(out))
	copy(sorted, out)
	timeline.SortNewestFirst(sorted)
	out = Dedup(sorted)

	if f.perSource > 0 {
		out = LimitPerSource(out, f.perSource)
	}
	return out
}

func (f *Filter) keep(p timeline.Post, now time.Time) bool {
	for _, r := range f.rules {
		ok, err := r.Match(p, now)
		if err != nil {
			f.evalErrs.Add(1)
			f.events.Emit(otel.Event{Level: otel.LevelWarn, Kind: otel.KindError, Comp: "filter", Err: err.Error(), Source: p.Source})
			continue
		}
		if !ok {
			return false
		}
	}
	return true
}

// Rules returns the compiled rules in config order.
func (f *Filter) Rules() []*Rule {
	return f.rules
}

// EvalErrors returns how many rule evaluations have failed.
func (f *Filter) EvalErrors() int64 {
	return f.evalErrs.Load()
}
