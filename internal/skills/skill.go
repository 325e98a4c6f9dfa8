// Package skills discovers file-based skill bundles (SKILL.md with YAML
// frontmatter), validates them against the tool registry, and hot-reloads
// them when the skills directory changes.
package skills

import (
	"fmt"
	"regexp"
	"strings"
)

// Skill types.
const (
	TypeAutonomous = "autonomous" // runs a full agent loop with the body as prompt extension
	TypeProcedural = "procedural" // body is injected as instructions, no extra loop
)

// SkillFilename is the bundle entry point inside each skill directory.
const SkillFilename = "SKILL.md"

var namePattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// Skill is one loaded bundle.
type Skill struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	Type        string   `json:"type,omitempty" yaml:"type"`
	Tools       []string `json:"tools,omitempty" yaml:"tools"`
	Triggers    []string `json:"triggers,omitempty" yaml:"triggers"`
	Tier        string   `json:"tier,omitempty" yaml:"tier"`
	MaxTurns    int      `json:"maxTurns,omitempty" yaml:"maxTurns"`
	MaxTokens   int      `json:"maxTokens,omitempty" yaml:"maxTokens"`
	TimeoutMs   int      `json:"timeoutMs,omitempty" yaml:"timeoutMs"`

	// Content is the markdown body, used as system-prompt extension.
	Content string `json:"-" yaml:"-"`
	// Path is the bundle directory the skill was loaded from.
	Path string `json:"path,omitempty" yaml:"-"`

	matchers []matcher
}

// matcher is one compiled trigger: a regex when the pattern compiles,
// otherwise a case-insensitive keyword.
type matcher struct {
	re      *regexp.Regexp
	keyword string
}

func (m matcher) match(message string) bool {
	if m.re != nil {
		return m.re.MatchString(message)
	}
	return strings.Contains(strings.ToLower(message), m.keyword)
}

// compileTriggers builds the matcher list. Patterns that fail to compile
// as regexes degrade to keyword matching rather than failing the bundle.
func (s *Skill) compileTriggers() {
	s.matchers = s.matchers[:0]
	for _, trig := range s.Triggers {
		if re, err := regexp.Compile("(?i)" + trig); err == nil {
			s.matchers = append(s.matchers, matcher{re: re})
		} else {
			s.matchers = append(s.matchers, matcher{keyword: strings.ToLower(trig)})
		}
	}
}

// Matches reports whether any trigger fires on the message.
func (s *Skill) Matches(message string) bool {
	for _, m := range s.matchers {
		if m.match(message) {
			return true
		}
	}
	return false
}

// validate checks the frontmatter fields that do not need the registry.
func (s *Skill) validate() error {
	if !namePattern.MatchString(s.Name) {
		return fmt.Errorf("skill name must be lowercase alphanumeric with hyphens, got %q", s.Name)
	}
	if s.Description == "" {
		return fmt.Errorf("skill %s: description is required", s.Name)
	}
	switch s.Type {
	case "", TypeAutonomous, TypeProcedural:
	default:
		return fmt.Errorf("skill %s: type must be autonomous or procedural, got %q", s.Name, s.Type)
	}
	return nil
}
