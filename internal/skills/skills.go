package skills

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Skill represents a reusable workflow playbook stored as Markdown. Dispatch
// thresholds, tool lists and resource limits come from the YAML front matter.
type Skill struct {
	Name         string
	Description  string
	Title        string
	Body         string
	SourcePath   string
	Dispatch     DispatchConfig
	AllowedTools []string
	DeniedTools  []string
	Limits       Limits
}

// Limits are the resource ceilings a skill declares. Zero means undeclared.
type Limits struct {
	MaxTokens    int
	MaxToolCalls int
	MaxParallel  int
}

// Library is a loaded collection of skills.
type Library struct {
	skills []Skill
	byName map[string]Skill
	root   string
}

// Root returns the directory the library was loaded from (empty for none).
func (l Library) Root() string { return l.root }

// List returns all skills sorted by name.
func (l Library) List() []Skill {
	out := append([]Skill(nil), l.skills...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns a skill by name.
func (l Library) Get(name string) (Skill, bool) {
	if l.byName == nil {
		return Skill{}, false
	}
	skill, ok := l.byName[NormalizeName(name)]
	return skill, ok
}

// NewLibrary builds an in-memory library. Later duplicates replace earlier
// entries with the same normalized name.
func NewLibrary(skills ...Skill) Library {
	byName := make(map[string]Skill, len(skills))
	for _, skill := range skills {
		byName[NormalizeName(skill.Name)] = skill
	}
	list := make([]Skill, 0, len(byName))
	for _, skill := range byName {
		list = append(list, skill)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return Library{skills: list, byName: byName}
}

// Load loads skill Markdown files from dir.
func Load(dir string) (Library, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return Library{}, nil
	}

	info, err := os.Stat(trimmed)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Library{}, nil
		}
		return Library{}, fmt.Errorf("stat skills dir: %w", err)
	}
	if !info.IsDir() {
		return Library{}, fmt.Errorf("skills dir %s is not a directory", trimmed)
	}

	skillFiles, err := discoverSkillFiles(trimmed)
	if err != nil {
		return Library{}, fmt.Errorf("discover skills: %w", err)
	}

	skills := make([]Skill, 0, len(skillFiles))
	byName := make(map[string]Skill, len(skillFiles))
	for _, path := range skillFiles {
		skill, err := parseSkillFile(path)
		if err != nil {
			return Library{}, err
		}
		if skill.Name == "" {
			return Library{}, fmt.Errorf("skill %s missing name front matter", path)
		}
		if skill.Description == "" {
			return Library{}, fmt.Errorf("skill %s missing description front matter", path)
		}
		key := NormalizeName(skill.Name)
		if _, exists := byName[key]; exists {
			return Library{}, fmt.Errorf("duplicate skill name %q in %s", key, path)
		}
		byName[key] = skill
		skills = append(skills, skill)
	}

	sort.Slice(skills, func(i, j int) bool { return skills[i].Name < skills[j].Name })

	return Library{skills: skills, byName: byName, root: trimmed}, nil
}

func discoverSkillFiles(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			for _, candidate := range []string{"SKILL.md", "SKILL.mdx"} {
				path := filepath.Join(root, name, candidate)
				info, err := os.Stat(path)
				if err == nil && !info.IsDir() {
					paths = append(paths, path)
					break
				}
			}
			continue
		}

		if isMarkdownFile(name) {
			paths = append(paths, filepath.Join(root, name))
		}
	}

	sort.Strings(paths)
	return paths, nil
}

type frontMatter struct {
	Name         string              `yaml:"name"`
	Description  string              `yaml:"description"`
	Dispatch     dispatchFrontMatter `yaml:"dispatch"`
	AllowedTools []string            `yaml:"allowed_tools"`
	DeniedTools  []string            `yaml:"denied_tools"`
	MaxTokens    int                 `yaml:"max_tokens"`
	MaxToolCalls int                 `yaml:"max_tool_calls"`
	MaxParallel  int                 `yaml:"max_parallel"`
}

// Catalog entries are data, so dispatch values are decoded loosely and
// validated by the dispatch gate before any decision.
type dispatchFrontMatter struct {
	GateThreshold any `yaml:"gate_threshold"`
	AutoThreshold any `yaml:"auto_threshold"`
	DefaultMode   any `yaml:"default_mode"`
}

func parseSkillFile(path string) (Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Skill{}, fmt.Errorf("read skill %s: %w", path, err)
	}
	content := strings.ReplaceAll(string(data), "\r\n", "\n")

	metaText, bodyText, hasFrontMatter := splitFrontMatter(content)
	var meta frontMatter
	if hasFrontMatter {
		if err := yaml.Unmarshal([]byte(metaText), &meta); err != nil {
			return Skill{}, fmt.Errorf("parse skill front matter %s: %w", path, err)
		}
	}

	body := strings.TrimSpace(bodyText)
	title := extractMarkdownTitle(body)
	if title == "" {
		title = meta.Name
	}

	return Skill{
		Name:         strings.TrimSpace(meta.Name),
		Description:  strings.TrimSpace(meta.Description),
		Title:        title,
		Body:         body,
		SourcePath:   path,
		Dispatch:     meta.Dispatch.config(),
		AllowedTools: normalizeToolNames(meta.AllowedTools),
		DeniedTools:  normalizeToolNames(meta.DeniedTools),
		Limits: Limits{
			MaxTokens:    nonNegative(meta.MaxTokens),
			MaxToolCalls: nonNegative(meta.MaxToolCalls),
			MaxParallel:  nonNegative(meta.MaxParallel),
		},
	}, nil
}

func splitFrontMatter(content string) (string, string, bool) {
	lines := strings.Split(content, "\n")
	if len(lines) < 3 || strings.TrimSpace(lines[0]) != "---" {
		return "", content, false
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			meta := strings.Join(lines[1:i], "\n")
			body := strings.Join(lines[i+1:], "\n")
			return meta, body, true
		}
	}
	return "", content, false
}

func extractMarkdownTitle(body string) string {
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "<!--") {
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			return strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
		}
		break
	}
	return ""
}

func isMarkdownFile(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".md") || strings.HasSuffix(lower, ".mdx")
}

func (d dispatchFrontMatter) config() DispatchConfig {
	cfg := DispatchConfig{
		GateThreshold: looseFloat(d.GateThreshold),
		AutoThreshold: looseFloat(d.AutoThreshold),
	}
	if mode, ok := d.DefaultMode.(string); ok {
		cfg.DefaultMode = mode
	}
	return cfg
}

// looseFloat converts a decoded YAML scalar into a float pointer. Values that
// are not numbers yield nil and fall back to defaults at decision time.
func looseFloat(value any) *float64 {
	var f float64
	switch v := value.(type) {
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case uint64:
		f = float64(v)
	case float64:
		f = v
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	return &f
}

func normalizeToolNames(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		trimmed := strings.ToLower(strings.TrimSpace(name))
		if trimmed == "" || seen[trimmed] {
			continue
		}
		seen[trimmed] = true
		out = append(out, trimmed)
	}
	return out
}

func nonNegative(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

// NormalizeName normalizes a skill name for lookups.
func NormalizeName(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	name = strings.ReplaceAll(name, " ", "_")
	return name
}
