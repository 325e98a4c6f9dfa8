package skills

import (
	"os"
	"path/filepath"
	"testing"
)

const tradeSkill = `---
name: trade-alerts
description: Watch markets and alert on moves
type: autonomous
tools: [exec]
triggers:
  - "price of .+"
  - bitcoin
tier: flash
maxTurns: 5
---
Check the configured tickers and report anything moving more than 5%.
`

func writeBundle(t *testing.T, dir, name, content string) string {
	t.Helper()
	bundle := filepath.Join(dir, name)
	if err := os.MkdirAll(bundle, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(bundle, SkillFilename)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

type staticNamer []string

func (s staticNamer) Names() []string { return s }

func TestParseBundle(t *testing.T) {
	skill, err := Parse([]byte(tradeSkill), "/skills/trade-alerts")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if skill.Name != "trade-alerts" || skill.Type != TypeAutonomous || skill.MaxTurns != 5 {
		t.Errorf("skill = %+v", skill)
	}
	if skill.Content == "" || skill.Content[0] != 'C' {
		t.Errorf("body = %q", skill.Content)
	}
	if len(skill.Tools) != 1 || skill.Tools[0] != "exec" {
		t.Errorf("tools = %v", skill.Tools)
	}
}

func TestParseRejectsBadBundles(t *testing.T) {
	cases := map[string]string{
		"no frontmatter": "just a body\n",
		"unclosed":       "---\nname: x\ndescription: y\n",
		"bad name":       "---\nname: Bad Name\ndescription: y\n---\n",
		"no description": "---\nname: ok-name\n---\n",
		"bad type":       "---\nname: ok-name\ndescription: y\ntype: magic\n---\n",
		"empty":          "",
	}
	for label, content := range cases {
		if _, err := Parse([]byte(content), ""); err == nil {
			t.Errorf("%s: accepted", label)
		}
	}
}

func TestTriggerMatching(t *testing.T) {
	skill, err := Parse([]byte(tradeSkill), "")
	if err != nil {
		t.Fatal(err)
	}
	for msg, want := range map[string]bool{
		"what is the price of gold today": true,
		"Bitcoin crashed again":           true, // keyword, case-insensitive
		"tell me about the weather":       false,
	} {
		if got := skill.Matches(msg); got != want {
			t.Errorf("Matches(%q) = %v, want %v", msg, got, want)
		}
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, "trade-alerts", tradeSkill)
	writeBundle(t, dir, "greeter", "---\nname: greeter\ndescription: say hello\ntriggers: [hello]\n---\nGreet warmly.\n")

	l := NewLoader(dir, staticNamer{"exec"})
	if err := l.Load(); err != nil {
		t.Fatal(err)
	}

	list := l.List()
	if len(list) != 2 || list[0].Name != "greeter" || list[1].Name != "trade-alerts" {
		t.Fatalf("list = %+v", list)
	}
	if _, ok := l.Get("greeter"); !ok {
		t.Error("greeter not loaded")
	}
	if match, ok := l.Match("hello there"); !ok || match.Name != "greeter" {
		t.Errorf("match = %+v, %v", match, ok)
	}
}

func TestLoadRejectsUnknownTools(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, "trade-alerts", tradeSkill)

	l := NewLoader(dir, staticNamer{"read_file"}) // exec not registered
	if err := l.Load(); err != nil {
		t.Fatal(err)
	}
	if _, ok := l.Get("trade-alerts"); ok {
		t.Error("bundle with unregistered tool was loaded")
	}
}

func TestReloadKeepsPriorVersionOnInvalidEdit(t *testing.T) {
	dir := t.TempDir()
	path := writeBundle(t, dir, "greeter", "---\nname: greeter\ndescription: say hello\n---\nv1\n")

	l := NewLoader(dir, nil)
	if err := l.Load(); err != nil {
		t.Fatal(err)
	}

	// Break the bundle and rescan: the loaded version must survive.
	if err := os.WriteFile(path, []byte("---\nname: greeter\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := l.Load(); err != nil {
		t.Fatal(err)
	}
	skill, ok := l.Get("greeter")
	if !ok || skill.Content != "v1" {
		t.Errorf("prior version lost: %+v, %v", skill, ok)
	}

	// A valid edit replaces it.
	if err := os.WriteFile(path, []byte("---\nname: greeter\ndescription: say hello\n---\nv2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := l.Load(); err != nil {
		t.Fatal(err)
	}
	if skill, _ := l.Get("greeter"); skill.Content != "v2" {
		t.Errorf("content = %q, want v2", skill.Content)
	}
}

func TestReloadDropsDeletedBundles(t *testing.T) {
	dir := t.TempDir()
	path := writeBundle(t, dir, "greeter", "---\nname: greeter\ndescription: d\n---\n")

	l := NewLoader(dir, nil)
	if err := l.Load(); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := l.Load(); err != nil {
		t.Fatal(err)
	}
	if _, ok := l.Get("greeter"); ok {
		t.Error("deleted bundle still loaded")
	}
}

func TestDuplicateNamesKeepFirst(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, "a-dir", "---\nname: greeter\ndescription: first\n---\n")
	writeBundle(t, dir, "b-dir", "---\nname: greeter\ndescription: second\n---\n")

	l := NewLoader(dir, nil)
	if err := l.Load(); err != nil {
		t.Fatal(err)
	}
	skill, _ := l.Get("greeter")
	if skill == nil || skill.Description != "first" {
		t.Errorf("skill = %+v", skill)
	}
}

func TestLoadMissingDirIsEmpty(t *testing.T) {
	l := NewLoader(filepath.Join(t.TempDir(), "nope"), nil)
	if err := l.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(l.List()) != 0 {
		t.Error("expected no skills")
	}
}
