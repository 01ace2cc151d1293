// Package quality models the versioned data-quality rule sets evaluated by the
// policy stage and the violations they produce.
package quality

import (
	"fmt"
	"time"
)

// Severity ranks a rule's impact. ERROR rules may fail the run when fatal.
type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
	SeverityInfo    Severity = "INFO"
)

// RuleType discriminates the type-specific config of a rule.
type RuleType string

const (
	RuleRequiredFields RuleType = "required_fields"
	RuleDuplicateRate  RuleType = "duplicate_rate"
	RuleChunkCoverage  RuleType = "chunk_coverage"
	RuleBadExtensions  RuleType = "bad_extensions"
	RuleFreshness      RuleType = "freshness"
	RuleFileSize       RuleType = "file_size"
	RuleContentLength  RuleType = "content_length"
)

// Rule is one enabled (or disabled) quality check. Exactly the fields matching
// its Type are consulted; the rest stay zero.
type Rule struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Severity    Severity `json:"severity" yaml:"severity"`
	Enabled     bool     `json:"enabled" yaml:"enabled"`
	Type        RuleType `json:"rule_type" yaml:"rule_type"`

	// FailRun promotes an ERROR-severity violation to a run failure.
	// The policy verdict itself never fails the stage.
	FailRun bool `json:"fail_run,omitempty" yaml:"fail_run,omitempty"`

	// required_fields
	RequiredFields []string `json:"required_fields,omitempty" yaml:"required_fields,omitempty"`
	// duplicate_rate, chunk_coverage: tolerated ratio in [0,1]
	MaxRatio float64 `json:"max_ratio,omitempty" yaml:"max_ratio,omitempty"`
	MinRatio float64 `json:"min_ratio,omitempty" yaml:"min_ratio,omitempty"`
	// bad_extensions
	Extensions []string `json:"extensions,omitempty" yaml:"extensions,omitempty"`
	// freshness
	MaxAgeDays int `json:"max_age_days,omitempty" yaml:"max_age_days,omitempty"`
	// file_size
	MaxSizeBytes int64 `json:"max_size_bytes,omitempty" yaml:"max_size_bytes,omitempty"`
	// content_length
	MinChars int `json:"min_chars,omitempty" yaml:"min_chars,omitempty"`
	MaxChars int `json:"max_chars,omitempty" yaml:"max_chars,omitempty"`

	// Condition is an optional CEL expression evaluated per chunk with the
	// chunk document bound as `chunk`. When present it narrows the rule to
	// chunks for which the expression is true.
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// Validate rejects rules the evaluator cannot execute.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("quality: rule name is required")
	}
	switch r.Severity {
	case SeverityError, SeverityWarning, SeverityInfo:
	default:
		return fmt.Errorf("quality: rule %q has invalid severity %q", r.Name, r.Severity)
	}
	switch r.Type {
	case RuleRequiredFields:
		if len(r.RequiredFields) == 0 {
			return fmt.Errorf("quality: rule %q requires required_fields", r.Name)
		}
	case RuleDuplicateRate, RuleChunkCoverage:
		if r.MaxRatio < 0 || r.MaxRatio > 1 || r.MinRatio < 0 || r.MinRatio > 1 {
			return fmt.Errorf("quality: rule %q ratio bounds must be within [0,1]", r.Name)
		}
	case RuleBadExtensions:
		if len(r.Extensions) == 0 {
			return fmt.Errorf("quality: rule %q requires extensions", r.Name)
		}
	case RuleFreshness:
		if r.MaxAgeDays <= 0 {
			return fmt.Errorf("quality: rule %q requires max_age_days > 0", r.Name)
		}
	case RuleFileSize:
		if r.MaxSizeBytes <= 0 {
			return fmt.Errorf("quality: rule %q requires max_size_bytes > 0", r.Name)
		}
	case RuleContentLength:
		if r.MinChars < 0 || (r.MaxChars > 0 && r.MaxChars < r.MinChars) {
			return fmt.Errorf("quality: rule %q has inconsistent char bounds", r.Name)
		}
	default:
		return fmt.Errorf("quality: rule %q has unknown rule_type %q", r.Name, r.Type)
	}
	if r.Condition != "" {
		if _, err := compileCondition(r.Condition); err != nil {
			return fmt.Errorf("quality: rule %q condition: %w", r.Name, err)
		}
	}
	return nil
}

// RuleSet is the versioned collection of rules effective for a product.
// The highest version is resolved per run.
type RuleSet struct {
	ProductID string    `json:"product_id"`
	Version   int       `json:"version"`
	Rules     []Rule    `json:"rules"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate validates every rule in the set.
func (rs *RuleSet) Validate() error {
	seen := make(map[string]struct{}, len(rs.Rules))
	for i := range rs.Rules {
		r := &rs.Rules[i]
		if err := r.Validate(); err != nil {
			return err
		}
		if _, dup := seen[r.Name]; dup {
			return fmt.Errorf("quality: duplicate rule name %q", r.Name)
		}
		seen[r.Name] = struct{}{}
	}
	return nil
}

// DefaultRuleSet is the baseline applied to products with no stored rules.
func DefaultRuleSet(productID string) *RuleSet {
	return &RuleSet{
		ProductID: productID,
		Version:   1,
		Rules: []Rule{
			{Name: "chunk-coverage", Description: "every source file must yield chunks",
				Severity: SeverityError, Enabled: true, Type: RuleChunkCoverage, MinRatio: 0.9},
			{Name: "duplicate-rate", Description: "near-duplicate chunks under 20%",
				Severity: SeverityWarning, Enabled: true, Type: RuleDuplicateRate, MaxRatio: 0.2},
			{Name: "content-length", Description: "chunks between 20 and 20000 chars",
				Severity: SeverityWarning, Enabled: true, Type: RuleContentLength, MinChars: 20, MaxChars: 20000},
			{Name: "bad-extensions", Description: "reject executable payloads",
				Severity: SeverityError, Enabled: true, Type: RuleBadExtensions,
				Extensions: []string{".exe", ".dll", ".so", ".bin"}},
		},
		CreatedAt: time.Now().UTC(),
	}
}

// Violation is one rule breach recorded against a run.
type Violation struct {
	ID            string    `json:"id"`
	RunID         string    `json:"run_id"`
	RuleName      string    `json:"rule_name"`
	RuleType      RuleType  `json:"rule_type"`
	Severity      Severity  `json:"severity"`
	Message       string    `json:"message"`
	Details       string    `json:"details,omitempty"`
	AffectedCount int       `json:"affected_count"`
	TotalCount    int       `json:"total_count"`
	ViolationRate float64   `json:"violation_rate"` // ratio in [0,1]
	CreatedAt     time.Time `json:"created_at"`
}

// Verdict is the business outcome of evaluating a rule set.
type Verdict string

const (
	VerdictPassed   Verdict = "passed"
	VerdictWarnings Verdict = "warnings"
	VerdictFailed   Verdict = "failed"
)
