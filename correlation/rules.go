package correlation

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"castellan/core"
	"castellan/util"

	"gopkg.in/yaml.v3"
)

// defaultRuleWeight applies to rules that leave weight unset
const defaultRuleWeight = 1.0

type compiledCondition struct {
	core.RuleCondition
	pattern *util.Pattern
	values  map[string]struct{}
}

type compiledRule struct {
	rule  core.CorrelationRule
	types map[string]struct{}
	conds []compiledCondition
}

// ruleSet is an immutable snapshot. Analyses hold the snapshot they started
// with, so updates never disturb in-flight work.
type ruleSet struct {
	rules     []*compiledRule
	byID      map[string]*compiledRule
	maxWindow time.Duration
}

func newRuleSet(rules []*compiledRule) *ruleSet {
	sort.Slice(rules, func(i, j int) bool { return rules[i].rule.ID < rules[j].rule.ID })
	rs := &ruleSet{rules: rules, byID: make(map[string]*compiledRule, len(rules))}
	for _, r := range rules {
		rs.byID[r.rule.ID] = r
		if r.rule.Window > rs.maxWindow {
			rs.maxWindow = r.rule.Window
		}
	}
	return rs
}

// with returns a copy of the set with r added or replaced
func (rs *ruleSet) with(r *compiledRule) *ruleSet {
	out := make([]*compiledRule, 0, len(rs.rules)+1)
	for _, existing := range rs.rules {
		if existing.rule.ID != r.rule.ID {
			out = append(out, existing)
		}
	}
	return newRuleSet(append(out, r))
}

// without returns a copy of the set with id removed
func (rs *ruleSet) without(id string) *ruleSet {
	out := make([]*compiledRule, 0, len(rs.rules))
	for _, existing := range rs.rules {
		if existing.rule.ID != id {
			out = append(out, existing)
		}
	}
	return newRuleSet(out)
}

// enabledFor returns enabled rules grouping by field
func (rs *ruleSet) enabledFor(field string) []*compiledRule {
	var out []*compiledRule
	for _, r := range rs.rules {
		if r.rule.Enabled && r.rule.GroupBy == field {
			out = append(out, r)
		}
	}
	return out
}

func compileRule(r core.CorrelationRule, patterns *util.PatternCache) (*compiledRule, error) {
	if err := core.ValidateRule(&r); err != nil {
		return nil, err
	}
	if r.Weight == 0 {
		r.Weight = defaultRuleWeight
	}

	cr := &compiledRule{
		rule:  r.Clone(),
		types: make(map[string]struct{}, len(r.EventTypes)),
		conds: make([]compiledCondition, len(r.Conditions)),
	}
	for _, t := range r.EventTypes {
		cr.types[t] = struct{}{}
	}
	for i, cond := range r.Conditions {
		cc := compiledCondition{RuleCondition: cond}
		switch cond.Operator {
		case core.OpRegex:
			p, err := patterns.Compile(cond.Value)
			if err != nil {
				return nil, core.ValidationError("compile rule", fmt.Errorf("%w: rule %s condition %d: %v", core.ErrInvalidRule, r.ID, i, err))
			}
			cc.pattern = p
		case core.OpIn:
			cc.values = make(map[string]struct{}, len(cond.Values))
			for _, v := range cond.Values {
				cc.values[v] = struct{}{}
			}
		}
		cr.conds[i] = cc
	}
	return cr, nil
}

// qualifies reports whether ev is eligible for the rule: one of its event
// types, carrying the group-by field and passing every condition.
func (cr *compiledRule) qualifies(ev *core.LogEvent) (bool, error) {
	if _, ok := cr.types[ev.EventType]; !ok {
		return false, nil
	}
	if groupValue(ev, cr.rule.GroupBy) == "" {
		return false, nil
	}
	if cr.rule.Type == core.CorrelationTypeCrossEntity && fieldString(ev, cr.rule.DistinctField) == "" {
		return false, nil
	}
	for _, cond := range cr.conds {
		ok, err := cond.match(ev)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (c compiledCondition) match(ev *core.LogEvent) (bool, error) {
	raw, present := ev.Field(c.Field)
	value := ""
	if present {
		value = fmt.Sprint(raw)
	}

	switch c.Operator {
	case core.OpExists:
		return present, nil
	case core.OpNotEquals:
		return !present || value != c.Value, nil
	}
	if !present {
		return false, nil
	}
	switch c.Operator {
	case core.OpEquals:
		return value == c.Value, nil
	case core.OpIn:
		_, ok := c.values[value]
		return ok, nil
	case core.OpContains:
		return strings.Contains(value, c.Value), nil
	case core.OpRegex:
		return c.pattern.MatchString(value)
	default:
		return false, fmt.Errorf("unsupported operator %q", c.Operator)
	}
}

// groupValue returns the value of one of the entity fields rules group by
func groupValue(ev *core.LogEvent, field string) string {
	switch field {
	case "host":
		return ev.Host
	case "user":
		return ev.User
	case "source_ip":
		return ev.SourceIP
	}
	return ""
}

// entityKey names the window partition for a group-by field and value, using
// the same prefixes as LogEvent.Entities
func entityKey(field, value string) string {
	if field == "source_ip" {
		return "ip:" + value
	}
	return field + ":" + value
}

func fieldString(ev *core.LogEvent, field string) string {
	v, ok := ev.Field(field)
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// GetRules returns a copy of every rule, sorted by id
func (e *Engine) GetRules(ctx context.Context) ([]core.CorrelationRule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rs := e.rules.Load()
	out := make([]core.CorrelationRule, len(rs.rules))
	for i, r := range rs.rules {
		out[i] = r.rule.Clone()
	}
	return out, nil
}

// GetRule returns one rule
func (e *Engine) GetRule(ctx context.Context, id string) (core.CorrelationRule, error) {
	if err := ctx.Err(); err != nil {
		return core.CorrelationRule{}, err
	}
	r, ok := e.rules.Load().byID[id]
	if !ok {
		return core.CorrelationRule{}, core.ValidationError("get rule", fmt.Errorf("%w: unknown rule %q", core.ErrInvalidRule, id))
	}
	return r.rule.Clone(), nil
}

// UpdateRule adds or replaces a rule. Analyses already running keep the
// snapshot they started with.
func (e *Engine) UpdateRule(ctx context.Context, rule core.CorrelationRule) (core.CorrelationRule, error) {
	if err := ctx.Err(); err != nil {
		return core.CorrelationRule{}, err
	}

	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()

	cur := e.rules.Load()
	rule.Version = 1
	if existing, ok := cur.byID[rule.ID]; ok {
		rule.Version = existing.rule.Version + 1
	}
	rule.UpdatedAt = e.now().UTC()

	cr, err := compileRule(rule, e.patterns)
	if err != nil {
		return core.CorrelationRule{}, err
	}
	if e.repo != nil {
		if err := e.repo.SaveRule(ctx, cr.rule); err != nil {
			return core.CorrelationRule{}, core.TransientError("save rule", err)
		}
	}
	e.rules.Store(cur.with(cr))

	e.logger.Infow("Correlation rule updated",
		"rule_id", cr.rule.ID,
		"type", cr.rule.Type,
		"version", cr.rule.Version,
		"enabled", cr.rule.Enabled)
	return cr.rule.Clone(), nil
}

// DeleteRule removes a rule and reports whether it existed
func (e *Engine) DeleteRule(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()

	cur := e.rules.Load()
	if _, ok := cur.byID[id]; !ok {
		return false, nil
	}
	if e.repo != nil {
		if err := e.repo.DeleteRule(ctx, id); err != nil {
			return false, core.TransientError("delete rule", err)
		}
	}
	e.rules.Store(cur.without(id))
	e.forgetRule(id)

	e.logger.Infow("Correlation rule deleted", "rule_id", id)
	return true, nil
}

// ReplaceRules swaps the whole rule set at once. Every rule is validated
// before anything changes.
func (e *Engine) ReplaceRules(ctx context.Context, rules []core.CorrelationRule) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := e.now().UTC()
	compiled := make([]*compiledRule, 0, len(rules))
	seen := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		if _, dup := seen[r.ID]; dup {
			return core.ValidationError("replace rules", fmt.Errorf("%w: duplicate rule id %q", core.ErrInvalidRule, r.ID))
		}
		seen[r.ID] = struct{}{}
		if r.Version == 0 {
			r.Version = 1
		}
		if r.UpdatedAt.IsZero() {
			r.UpdatedAt = now
		}
		cr, err := compileRule(r, e.patterns)
		if err != nil {
			return err
		}
		compiled = append(compiled, cr)
	}

	e.rulesMu.Lock()
	e.rules.Store(newRuleSet(compiled))
	e.rulesMu.Unlock()

	e.logger.Infow("Correlation rules replaced", "count", len(compiled))
	return nil
}

// rulesFile is the on-disk rule format
type rulesFile struct {
	Rules []core.CorrelationRule `yaml:"rules"`
}

// ParseRules decodes YAML rule definitions. Both a top-level list and a
// document with a rules key are accepted.
func ParseRules(data []byte) ([]core.CorrelationRule, error) {
	var doc rulesFile
	if err := yaml.Unmarshal(data, &doc); err == nil {
		return doc.Rules, nil
	}
	var list []core.CorrelationRule
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, core.ValidationError("parse rules", fmt.Errorf("%w: %v", core.ErrInvalidRule, err))
	}
	return list, nil
}

// ValidateRules checks a rule set the way ReplaceRules would, including
// duplicate ids and regex conditions, without installing it. It returns one
// error per rejected rule.
func ValidateRules(rules []core.CorrelationRule) []error {
	patterns := util.NewPatternCache(DefaultConfig().RegexTimeout)
	seen := make(map[string]struct{}, len(rules))
	var errs []error
	for _, r := range rules {
		if _, dup := seen[r.ID]; dup && r.ID != "" {
			errs = append(errs, core.ValidationError("validate rules", fmt.Errorf("%w: duplicate rule id %q", core.ErrInvalidRule, r.ID)))
			continue
		}
		seen[r.ID] = struct{}{}
		if _, err := compileRule(r, patterns); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// LoadRulesFile reads a YAML rules file and replaces the rule set with it
func (e *Engine) LoadRulesFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read rules file %s: %w", path, err)
	}
	rules, err := ParseRules(data)
	if err != nil {
		return 0, err
	}
	if err := e.ReplaceRules(ctx, rules); err != nil {
		return 0, err
	}
	e.logger.Infow("Loaded correlation rules", "path", path, "count", len(rules))
	return len(rules), nil
}
