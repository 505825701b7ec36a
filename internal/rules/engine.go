// Package rules evaluates Sigma rules against routed event payloads. Rule
// matches become derived antiCheat.flag events on the auth topic, giving
// operators a declarative hook for new abuse signatures without code
// changes.
package rules

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	sigma "github.com/bradleyjkemp/sigma-go"
	sigmaevaluator "github.com/bradleyjkemp/sigma-go/evaluator"

	"pitwatch/pkg/models"
)

// LoadStats tracks the number of loaded and skipped rules.
type LoadStats struct {
	TotalFiles     int
	Loaded         int
	SkippedInvalid int
}

type compiledRule struct {
	rule  sigma.Rule
	eval  *sigmaevaluator.RuleEvaluator
	title string
}

// Engine evaluates Sigma rules against individual events.
type Engine struct {
	rules []compiledRule
}

// NewEngine loads Sigma rules from a file or directory and compiles
// evaluators. Invalid rules are skipped and counted in stats.
func NewEngine(path string) (*Engine, LoadStats, error) {
	var stats LoadStats

	resolved, err := filepath.Abs(path)
	if err != nil {
		return nil, stats, fmt.Errorf("resolve rule path: %w", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, stats, fmt.Errorf("stat rule path: %w", err)
	}

	files := make([]string, 0, 64)
	if info.IsDir() {
		err = filepath.WalkDir(resolved, func(filePath string, entry fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if entry.IsDir() {
				return nil
			}
			if isYAMLFile(filePath) {
				files = append(files, filePath)
			}
			return nil
		})
		if err != nil {
			return nil, stats, fmt.Errorf("walk rule directory: %w", err)
		}
	} else {
		if !isYAMLFile(resolved) {
			return nil, stats, fmt.Errorf("rule file must end with .yml or .yaml: %s", resolved)
		}
		files = append(files, resolved)
	}

	stats.TotalFiles = len(files)
	compiled := make([]compiledRule, 0, len(files))
	for _, ruleFile := range files {
		raw, err := os.ReadFile(ruleFile)
		if err != nil {
			stats.SkippedInvalid++
			continue
		}
		rule, err := sigma.ParseRule(raw)
		if err != nil {
			stats.SkippedInvalid++
			continue
		}
		title := strings.TrimSpace(rule.Title)
		if title == "" {
			title = filepath.Base(ruleFile)
		}
		compiled = append(compiled, compiledRule{
			rule:  rule,
			eval:  sigmaevaluator.ForRule(rule),
			title: title,
		})
		stats.Loaded++
	}

	return &Engine{rules: compiled}, stats, nil
}

// Apply evaluates all loaded rules against one event and returns the titles
// of matched rules.
func (e *Engine) Apply(ctx context.Context, env models.Envelope) []string {
	if e == nil || len(e.rules) == 0 {
		return nil
	}

	fields := map[string]any{"name": env.Name, "family": env.Family()}
	for k, v := range env.Payload {
		fields[k] = v
	}

	var out []string
	for _, rule := range e.rules {
		res, err := rule.eval.Matches(ctx, fields)
		if err != nil {
			continue
		}
		if res.Match {
			out = append(out, rule.title)
		}
	}
	return out
}

// Len returns the number of loaded rules.
func (e *Engine) Len() int {
	if e == nil {
		return 0
	}
	return len(e.rules)
}

func isYAMLFile(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".yml") || strings.HasSuffix(lower, ".yaml")
}
