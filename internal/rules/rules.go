// Package rules holds the versioned pattern tables behind crisis and abuse
// detection. Tables ship with built-in defaults and can be replaced from a YAML
// file at runtime.
package rules

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// CrisisRule tags one crisis pattern with its severity and category.
// Patterns are matched against the lower-cased message.
type CrisisRule struct {
	Pattern  string `yaml:"pattern"`
	Severity string `yaml:"severity"`
	Category string `yaml:"category"`
}

// PatternRule is one abuse pattern with the verdict it produces
type PatternRule struct {
	Name     string `yaml:"name"`
	Pattern  string `yaml:"pattern"`
	Severity string `yaml:"severity"`
	Action   string `yaml:"action"`
}

// Set is a complete rule table
type Set struct {
	Version   string        `yaml:"version"`
	Crisis    []CrisisRule  `yaml:"crisis"`
	Jailbreak []PatternRule `yaml:"jailbreak"`
	Injection []PatternRule `yaml:"injection"`
}

var (
	crisisSeverities = map[string]bool{"low": true, "medium": true, "high": true}
	crisisCategories = map[string]bool{
		"suicidal": true, "self_harm": true, "distress": true,
		"dependency": true, "minor": true, "joining": true,
	}
	abuseSeverities = map[string]bool{"low": true, "medium": true, "high": true, "critical": true}
	abuseActions    = map[string]bool{"allow": true, "throttle": true, "truncate": true, "compress": true, "block": true}
)

// Load reads a rule table from a YAML file. Sections left empty in the file
// keep the built-in defaults so a partial file can never switch a detector off.
func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML rule table
func Parse(data []byte) (*Set, error) {
	var set Set
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}

	defaults := Default()
	if set.Version == "" {
		set.Version = defaults.Version
	}
	if len(set.Crisis) == 0 {
		set.Crisis = defaults.Crisis
	}
	if len(set.Jailbreak) == 0 {
		set.Jailbreak = defaults.Jailbreak
	}
	if len(set.Injection) == 0 {
		set.Injection = defaults.Injection
	}

	if err := set.Validate(); err != nil {
		return nil, err
	}
	return &set, nil
}

// Validate checks every pattern compiles and every tag is known
func (s *Set) Validate() error {
	for i, r := range s.Crisis {
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return fmt.Errorf("crisis rule %d: %w", i, err)
		}
		if !crisisSeverities[r.Severity] {
			return fmt.Errorf("crisis rule %d: unknown severity %q", i, r.Severity)
		}
		if !crisisCategories[r.Category] {
			return fmt.Errorf("crisis rule %d: unknown category %q", i, r.Category)
		}
	}

	check := func(group string, list []PatternRule) error {
		for i, r := range list {
			if _, err := regexp.Compile(r.Pattern); err != nil {
				return fmt.Errorf("%s rule %d (%s): %w", group, i, r.Name, err)
			}
			if !abuseSeverities[r.Severity] {
				return fmt.Errorf("%s rule %d (%s): unknown severity %q", group, i, r.Name, r.Severity)
			}
			if !abuseActions[r.Action] {
				return fmt.Errorf("%s rule %d (%s): unknown action %q", group, i, r.Name, r.Action)
			}
		}
		return nil
	}
	if err := check("jailbreak", s.Jailbreak); err != nil {
		return err
	}
	return check("injection", s.Injection)
}

// Default returns the built-in rule table
func Default() *Set {
	return &Set{
		Version: "2024.1",
		Crisis: []CrisisRule{
			// suicidal ideation
			{`\b(kill|killing|end|ending) myself\b`, "high", "suicidal"},
			{`\b(end|ending|take|taking) my (own )?life\b`, "high", "suicidal"},
			{`\bwant(ed)? to die\b`, "high", "suicidal"},
			{`\bwish i (was|were) dead\b`, "high", "suicidal"},
			{`\bsuicid(e|al)\b`, "high", "suicidal"},
			{`\bbetter off dead\b`, "high", "suicidal"},
			{`\bno reason (left )?to (live|go on)\b`, "high", "suicidal"},
			{`\bno point (in )?living\b`, "high", "suicidal"},
			{`\bdon't want to (live|be alive|exist) anymore\b`, "high", "suicidal"},
			{`\bend it all\b`, "high", "suicidal"},

			// self harm
			{`\b(cut|cutting|hurt|hurting|harm|harming|burn|burning) myself\b`, "high", "self_harm"},
			{`\bself[- ]?harm(ing)?\b`, "high", "self_harm"},
			{`\boverdos(e|ing)\b`, "high", "self_harm"},

			// wanting to follow the deceased
			{`\b(join|joining) you\b`, "high", "joining"},
			{`\bcome (and )?(be )?with you\b`, "high", "joining"},
			{`\bbe with you (again )?(soon|forever|in heaven|on the other side)\b`, "high", "joining"},
			{`\b(see|meet) you (again )?(soon|in heaven|on the other side)\b`, "high", "joining"},
			{`\bcome to where you are\b`, "high", "joining"},
			{`\bbe together (again )?soon\b`, "high", "joining"},

			// acute distress
			{`\bcan't go on\b`, "medium", "distress"},
			{`\bcan't (take|handle|do) (it|this) anymore\b`, "medium", "distress"},
			{`\bno point in anything\b`, "medium", "distress"},
			{`\bwhat's the point( of anything| anymore)?\b`, "medium", "distress"},
			{`\bhopeless\b`, "medium", "distress"},
			{`\bgive up on (everything|life)\b`, "medium", "distress"},
			{`\bnothing matters anymore\b`, "medium", "distress"},
			{`\bwish i could disappear\b`, "medium", "distress"},

			// possible minor
			{`\bi'm (1[0-7]|[5-9]) (years old|yrs old|yo)\b`, "medium", "minor"},
			{`\bi am (1[0-7]|[5-9]) (years old|yrs old|yo)\b`, "medium", "minor"},
			{`\bi'm (in|at) (middle|elementary|primary|high) school\b`, "medium", "minor"},
			{`\bi'm (a kid|a minor|underage)\b`, "medium", "minor"},

			// emotional dependency on the persona
			{`\byou're (all|the only one) i (have|need)\b`, "low", "dependency"},
			{`\bonly you understand me\b`, "low", "dependency"},
			{`\bcan't (live|cope|function) without (talking to )?you\b`, "low", "dependency"},
			{`\bi don't need anyone else\b`, "low", "dependency"},
			{`\btalk(ing)? to you (all day|every day|all the time)\b`, "low", "dependency"},
			{`\brather talk to you than\b`, "low", "dependency"},
		},
		Jailbreak: []PatternRule{
			{"ignore_instructions", `(?i)\bignore\s+(all\s+)?(the\s+)?(previous|prior|above|earlier)\s+(instructions|prompts|rules)`, "critical", "block"},
			{"disregard_instructions", `(?i)\bdisregard\s+(all\s+)?(your|the|previous|prior)\s+(instructions|rules|guidelines|programming)`, "critical", "block"},
			{"forget_instructions", `(?i)\bforget\s+(all\s+)?(your|the|previous|prior)\s+(instructions|rules|programming)`, "critical", "block"},
			{"act_as_if", `(?i)\bact\s+as\s+if\b`, "critical", "block"},
			{"new_instructions", `(?i)\bnew\s+instructions\s*:`, "critical", "block"},
			{"reveal_system_prompt", `(?i)\b(reveal|show|print|repeat)\s+(me\s+)?(your|the)\s+system\s+prompt`, "critical", "block"},
			{"no_longer", `(?i)\byou\s+are\s+no\s+longer\b`, "critical", "block"},
			{"special_mode", `(?i)\b(developer|dan|god)\s+mode\b`, "critical", "block"},
			{"jailbreak", `(?i)\bjailbreak\b`, "critical", "block"},
			{"no_rules", `(?i)\bpretend\s+(that\s+)?you\s+(have\s+no|are\s+not\s+bound\s+by|don't\s+have)\s+(any\s+)?(rules|restrictions|guidelines|limits)`, "critical", "block"},
			{"must_now_act", `(?i)\byou\s+must\s+now\s+act\b`, "medium", "truncate"},
			{"from_now_on", `(?i)\bfrom\s+now\s+on\b`, "medium", "truncate"},
			{"new_persona", `(?i)\bnew\s+persona\b`, "medium", "truncate"},
			{"roleplay_as", `(?i)\brole-?play\s+as\b`, "medium", "truncate"},
			{"switch_persona", `(?i)\bswitch\s+(to|into)\s+(a\s+)?(new\s+|different\s+)?(character|persona|role)\b`, "medium", "truncate"},
		},
		Injection: []PatternRule{
			{"template", `\{\{.*?\}\}`, "critical", "block"},
			{"script_tag", `(?i)<\s*script\b`, "critical", "block"},
			{"js_protocol", `(?i)\b(javascript|vbscript)\s*:`, "critical", "block"},
			{"data_html", `(?i)\bdata\s*:\s*text/html`, "critical", "block"},
			{"event_handler", `(?i)\bon(load|error|click|mouseover)\s*=`, "critical", "block"},
			{"eval_call", `(?i)\beval\s*\(`, "critical", "block"},
			{"path_traversal", `\.\.[/\\]`, "critical", "block"},
			{"sql_union", `(?i)\bunion\s+(all\s+)?select\b`, "critical", "block"},
			{"sql_drop", `(?i)\b(drop|truncate)\s+table\b`, "critical", "block"},
			{"sql_insert", `(?i)\binsert\s+into\b`, "critical", "block"},
			{"sql_delete", `(?i)\bdelete\s+from\b`, "critical", "block"},
			{"sql_tautology", `(?i)'\s*or\s+'?1'?\s*=\s*'?1`, "critical", "block"},
			{"sql_comment", `;\s*--`, "critical", "block"},
			{"base64", `(?i)\bbase64\b`, "high", "truncate"},
			{"atob", `\b(atob|btoa)\s*\(`, "high", "truncate"},
			{"function_ctor", `\bFunction\s*\(`, "high", "truncate"},
			{"constructor", `\bconstructor\b`, "high", "truncate"},
		},
	}
}
