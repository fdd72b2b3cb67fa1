// Package blacklist screens action targets against deny patterns.
package blacklist

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/models"
)

// DefaultShellPatterns are always active for command-style actions.
// They target irreversible host damage, not policy nuance.
var DefaultShellPatterns = []string{
	`rm\s+-rf\s+/`,
	`mkfs`,
	`dd\s+if=`,
	`shutdown`,
	`reboot`,
	`poweroff`,
	`userdel`,
	`groupdel`,
}

const (
	MatchRegex     = "regex"
	MatchGlob      = "glob"
	MatchSubstring = "substring"
)

const (
	FieldTarget = "target"
	FieldPlugin = "plugin"
)

// Rule is one deny pattern. Kinds limits which action kinds it screens;
// empty means all kinds. Field picks what the pattern runs against:
// the action target (default) or the originating plugin name.
type Rule struct {
	Pattern string   `yaml:"pattern"`
	Match   string   `yaml:"match"`
	Field   string   `yaml:"field"`
	Kinds   []string `yaml:"kinds"`
	Note    string   `yaml:"note"`
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

type compiledRule struct {
	rule  Rule
	re    *regexp.Regexp // nil when substring or glob
	kinds map[models.ActionKind]struct{}
}

// List is an immutable compiled rule set. Safe for concurrent use.
type List struct {
	rules []compiledRule
}

// Hit describes which rule matched.
type Hit struct {
	Pattern string
	Note    string
}

// NewDefault compiles the built-in shell patterns for the command kinds.
func NewDefault() *List {
	rules := make([]Rule, 0, len(DefaultShellPatterns))
	for _, p := range DefaultShellPatterns {
		rules = append(rules, Rule{
			Pattern: p,
			Match:   MatchRegex,
			Kinds:   []string{string(models.ActionExecCommand), string(models.ActionHostExec)},
		})
	}
	l, _ := New(rules)
	return l
}

// New compiles rules. A pattern that fails to compile as a regex is kept
// as a substring rule rather than silently dropped: a broken rule must
// still deny what it names literally.
func New(rules []Rule) (*List, error) {
	out := &List{}
	for _, r := range rules {
		pattern := strings.TrimSpace(r.Pattern)
		if pattern == "" {
			continue
		}
		cr := compiledRule{rule: r}
		cr.rule.Pattern = pattern
		switch strings.ToLower(strings.TrimSpace(r.Field)) {
		case FieldPlugin:
			cr.rule.Field = FieldPlugin
		default:
			cr.rule.Field = FieldTarget
		}
		switch strings.ToLower(strings.TrimSpace(r.Match)) {
		case MatchGlob:
			if !doublestar.ValidatePattern(pattern) {
				return nil, fmt.Errorf("invalid glob pattern %q", pattern)
			}
			cr.rule.Match = MatchGlob
		case MatchSubstring:
			cr.rule.Match = MatchSubstring
		default:
			if re, err := regexp.Compile(pattern); err == nil {
				cr.re = re
				cr.rule.Match = MatchRegex
			} else {
				cr.rule.Match = MatchSubstring
			}
		}
		if len(r.Kinds) > 0 {
			cr.kinds = make(map[models.ActionKind]struct{}, len(r.Kinds))
			for _, k := range r.Kinds {
				cr.kinds[models.ActionKind(strings.TrimSpace(k))] = struct{}{}
			}
		}
		out.rules = append(out.rules, cr)
	}
	return out, nil
}

// LoadFile reads a YAML rules file and appends the built-in defaults.
func LoadFile(path string) (*List, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read blacklist rules: %w", err)
	}
	var rf rulesFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse blacklist rules: %w", err)
	}
	combined := append([]Rule{}, rf.Rules...)
	def := NewDefault()
	for _, cr := range def.rules {
		combined = append(combined, cr.rule)
	}
	return New(combined)
}

// Check screens a request's target and plugin for the given kind. The
// first matching rule wins; order follows the rules file, defaults
// last. Plugin rules are skipped when the request carries no plugin.
func (l *List) Check(kind models.ActionKind, target, plugin string) (Hit, bool) {
	if l == nil {
		return Hit{}, false
	}
	for _, cr := range l.rules {
		if cr.kinds != nil {
			if _, ok := cr.kinds[kind]; !ok {
				continue
			}
		}
		subject := target
		if cr.rule.Field == FieldPlugin {
			if plugin == "" {
				continue
			}
			subject = plugin
		}
		if cr.matches(subject) {
			return Hit{Pattern: cr.rule.Pattern, Note: cr.rule.Note}, true
		}
	}
	return Hit{}, false
}

func (cr compiledRule) matches(target string) bool {
	switch cr.rule.Match {
	case MatchGlob:
		ok, err := doublestar.Match(cr.rule.Pattern, target)
		return err == nil && ok
	case MatchRegex:
		return cr.re.MatchString(target)
	default:
		return strings.Contains(target, cr.rule.Pattern)
	}
}

// Len reports the number of active rules, for diagnostics.
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.rules)
}
