// Package approvals answers permission prompts from a YAML allow/deny policy
// so that only unmatched prompts reach a human.
package approvals

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"
)

// Verdict 策略判定结果
type Verdict string

const (
	VerdictNone  Verdict = ""
	VerdictAllow Verdict = "allow"
	VerdictDeny  Verdict = "deny"
)

// DefaultDenyMessage is sent when a deny rule matches and the policy sets no message.
const DefaultDenyMessage = "Denied by approval policy"

// argumentFields are the input fields a "Tool(glob)" rule is matched against, in order.
var argumentFields = []string{"file_path", "path", "notebook_path", "command", "url", "pattern"}

// Policy 审批策略
//
// Rules are doublestar globs over the tool name, e.g. "mcp__github__*".
// A rule may add an argument glob in parentheses, e.g. "Edit(src/**)",
// which must also match the first present input field of argumentFields.
// Deny rules win over allow rules.
type Policy struct {
	Allow       []string `yaml:"allow" json:"allow"`
	Deny        []string `yaml:"deny" json:"deny"`
	DenyMessage string   `yaml:"deny_message,omitempty" json:"deny_message,omitempty"`
}

// rule is a parsed policy entry.
type rule struct {
	raw  string
	tool string
	arg  string
}

func parseRule(raw string) (rule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return rule{}, fmt.Errorf("empty rule")
	}
	r := rule{raw: raw, tool: s}
	if open := strings.IndexByte(s, '('); open >= 0 {
		if !strings.HasSuffix(s, ")") {
			return rule{}, fmt.Errorf("rule %q: unbalanced parenthesis", raw)
		}
		r.tool = strings.TrimSpace(s[:open])
		r.arg = strings.TrimSpace(s[open+1 : len(s)-1])
		if r.arg == "" {
			return rule{}, fmt.Errorf("rule %q: empty argument pattern", raw)
		}
		if !doublestar.ValidatePattern(r.arg) {
			return rule{}, fmt.Errorf("rule %q: invalid argument pattern", raw)
		}
	}
	if r.tool == "" || !doublestar.ValidatePattern(r.tool) {
		return rule{}, fmt.Errorf("rule %q: invalid tool pattern", raw)
	}
	return r, nil
}

func (r rule) match(toolName string, input json.RawMessage) bool {
	ok, err := doublestar.Match(r.tool, toolName)
	if err != nil || !ok {
		return false
	}
	if r.arg == "" {
		return true
	}
	arg, found := argumentOf(input)
	if !found {
		return false
	}
	ok, err = doublestar.Match(r.arg, arg)
	return err == nil && ok
}

func argumentOf(input json.RawMessage) (string, bool) {
	if len(input) == 0 || !gjson.ValidBytes(input) {
		return "", false
	}
	for _, field := range argumentFields {
		v := gjson.GetBytes(input, field)
		if v.Type == gjson.String {
			return v.Str, true
		}
	}
	return "", false
}

// Validate checks every rule parses.
func (p *Policy) Validate() error {
	var errs []error
	for _, raw := range p.Allow {
		if _, err := parseRule(raw); err != nil {
			errs = append(errs, fmt.Errorf("allow: %w", err))
		}
	}
	for _, raw := range p.Deny {
		if _, err := parseRule(raw); err != nil {
			errs = append(errs, fmt.Errorf("deny: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Evaluate returns the verdict for one prompt and the rule that produced it.
// Invalid rules never match.
func (p *Policy) Evaluate(toolName string, input json.RawMessage) (Verdict, string) {
	if p == nil {
		return VerdictNone, ""
	}
	for _, raw := range p.Deny {
		if r, err := parseRule(raw); err == nil && r.match(toolName, input) {
			return VerdictDeny, raw
		}
	}
	for _, raw := range p.Allow {
		if r, err := parseRule(raw); err == nil && r.match(toolName, input) {
			return VerdictAllow, raw
		}
	}
	return VerdictNone, ""
}

// Message returns the deny message for this policy.
func (p *Policy) Message() string {
	if p == nil || strings.TrimSpace(p.DenyMessage) == "" {
		return DefaultDenyMessage
	}
	return p.DenyMessage
}

// AddRule appends pattern to the allow or deny list, removing it from the
// other list. It reports whether the policy changed.
func (p *Policy) AddRule(verdict Verdict, pattern string) (bool, error) {
	if _, err := parseRule(pattern); err != nil {
		return false, err
	}
	pattern = strings.TrimSpace(pattern)

	var target, other *[]string
	switch verdict {
	case VerdictAllow:
		target, other = &p.Allow, &p.Deny
	case VerdictDeny:
		target, other = &p.Deny, &p.Allow
	default:
		return false, fmt.Errorf("unknown verdict %q", verdict)
	}

	removed := removeString(other, pattern)
	for _, existing := range *target {
		if existing == pattern {
			return removed, nil
		}
	}
	*target = append(*target, pattern)
	return true, nil
}

// RemoveRule drops pattern from both lists. It reports whether it was present.
func (p *Policy) RemoveRule(pattern string) bool {
	pattern = strings.TrimSpace(pattern)
	a := removeString(&p.Allow, pattern)
	d := removeString(&p.Deny, pattern)
	return a || d
}

func removeString(list *[]string, s string) bool {
	out := (*list)[:0]
	found := false
	for _, v := range *list {
		if v == s {
			found = true
			continue
		}
		out = append(out, v)
	}
	*list = out
	return found
}

// Load 加载策略文件，文件不存在时返回空策略
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Policy{}, nil
		}
		return nil, fmt.Errorf("read approvals policy: %w", err)
	}

	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode approvals policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid approvals policy: %w", err)
	}
	return &p, nil
}

// Save 保存策略文件
func Save(path string, p *Policy) error {
	if p == nil {
		return fmt.Errorf("approvals policy is nil")
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode approvals policy: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir approvals dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write approvals tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename approvals tmp: %w", err)
	}
	return nil
}
