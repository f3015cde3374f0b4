package domain

import (
	"context"
	"fmt"
	"strings"
)

// Severity grades a rule violation.
type Severity string

const (
	// SeverityBlock aborts the transaction; nothing is committed.
	SeverityBlock Severity = "block"
	// SeverityWarn commits but reports the violation to the caller.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// RuleView is the state a rule sees: the store as it would be after commit.
type RuleView = TransactionView

// Rule checks the staged changes of one transaction.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, view RuleView, changes []Change) (Result, error)
}

// RulesEngine runs every registered rule against a transaction.
type RulesEngine struct {
	rules []Rule
}

func NewRulesEngine() *RulesEngine {
	return &RulesEngine{}
}

// Register adds rule. Nil rules are ignored.
func (e *RulesEngine) Register(rule Rule) {
	if rule != nil {
		e.rules = append(e.rules, rule)
	}
}

// Rules lists rule names in registration order.
func (e *RulesEngine) Rules() []string {
	names := make([]string, len(e.rules))
	for i, r := range e.rules {
		names[i] = r.Name()
	}
	return names
}

// Evaluate runs the rules in order. Violations without a rule name are
// attributed to the rule that returned them. The first rule error stops
// evaluation.
func (e *RulesEngine) Evaluate(ctx context.Context, view RuleView, changes []Change) (Result, error) {
	var out Result
	for _, rule := range e.rules {
		res, err := rule.Evaluate(ctx, view, changes)
		if err != nil {
			return Result{}, fmt.Errorf("rule %s: %w", rule.Name(), err)
		}
		for i := range res.Violations {
			if res.Violations[i].Rule == "" {
				res.Violations[i].Rule = rule.Name()
			}
		}
		out.Merge(res)
	}
	return out, nil
}

// Violation is one finding of a rule, usually about a single persisted token.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	Key      Key
}

func (v Violation) String() string {
	if v.Key == "" {
		return fmt.Sprintf("%s: %s", v.Rule, v.Message)
	}
	return fmt.Sprintf("%s: %s: %s", v.Rule, v.Key, v.Message)
}

// Result collects the violations of a transaction.
type Result struct {
	Violations []Violation
}

// Merge appends the violations of other.
func (r *Result) Merge(other Result) {
	r.Violations = append(r.Violations, other.Violations...)
}

// Blocking returns the violations with SeverityBlock.
func (r Result) Blocking() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			out = append(out, v)
		}
	}
	return out
}

// HasBlocking reports whether any violation blocks the commit.
func (r Result) HasBlocking() bool {
	return len(r.Blocking()) > 0
}

// RuleViolationError aborts a transaction with blocking violations.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	blocking := e.Result.Blocking()
	if len(blocking) == 0 {
		return "transaction blocked by rules"
	}
	msgs := make([]string, len(blocking))
	for i, v := range blocking {
		msgs[i] = v.String()
	}
	return "transaction blocked by rules: " + strings.Join(msgs, "; ")
}
