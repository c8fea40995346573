package skills

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	runtimeskills "github.com/cexll/agentsdk-go/pkg/runtime/skills"
	"gopkg.in/yaml.v3"
)

const skillFileName = "SKILL.md"

var errInvalidSkillYAML = errors.New("invalid skill YAML frontmatter")

type skillFrontmatter struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Keywords    []string `yaml:"keywords"`
}

// Skill is an instruction block the decision prompt picks up when the
// robot's goal or plan mentions one of its keywords. A skill without
// keywords is always active.
type Skill struct {
	Definition runtimeskills.Definition
	Body       string
	Path       string
}

// Set is an immutable collection of loaded skills.
type Set struct {
	skills []Skill
}

// Load reads <dir>/<name>/SKILL.md files. A missing dir is an empty set.
func Load(dir string, logger *slog.Logger) (*Set, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return &Set{}, nil
	}

	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Set{}, nil
		}
		return nil, fmt.Errorf("stat skills dir %q: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("skills path is not a directory: %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read skills dir %q: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	set := &Set{skills: make([]Skill, 0, len(entries))}
	seen := make(map[string]string, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name(), skillFileName)
		sk, skip, err := parseSkillFile(path)
		if err != nil {
			if errors.Is(err, errInvalidSkillYAML) {
				logger.Warn("skip skill with invalid frontmatter", "path", path, "error", err)
				continue
			}
			return nil, err
		}
		if skip {
			continue
		}
		if prev, exists := seen[sk.Definition.Name]; exists {
			return nil, fmt.Errorf("duplicate skill name %q in %s (already in %s)", sk.Definition.Name, path, prev)
		}
		seen[sk.Definition.Name] = path
		set.skills = append(set.skills, sk)
	}
	return set, nil
}

func (s *Set) Len() int { return len(s.skills) }

func (s *Set) Names() []string {
	names := make([]string, len(s.skills))
	for i, sk := range s.skills {
		names[i] = sk.Definition.Name
	}
	return names
}

// Match returns the skills active for situation, in load order.
func (s *Set) Match(situation string) []Skill {
	ac := runtimeskills.ActivationContext{Prompt: situation}
	var out []Skill
	for _, sk := range s.skills {
		if len(sk.Definition.Matchers) == 0 {
			out = append(out, sk)
			continue
		}
		for _, m := range sk.Definition.Matchers {
			if m.Match(ac).Matched {
				out = append(out, sk)
				break
			}
		}
	}
	return out
}

// Guidance renders the matched skill bodies as one prompt section.
func (s *Set) Guidance(situation string) string {
	matched := s.Match(situation)
	if len(matched) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Skills\n")
	for _, sk := range matched {
		fmt.Fprintf(&sb, "### %s\n%s\n", sk.Definition.Name, sk.Body)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func parseSkillFile(path string) (Skill, bool, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Skill{}, true, nil
		}
		return Skill{}, false, fmt.Errorf("read skill %q: %w", path, err)
	}

	meta, body, err := parseFrontmatter(content)
	if err != nil {
		return Skill{}, false, fmt.Errorf("parse skill %q: %w", path, err)
	}
	if strings.TrimSpace(meta.Name) == "" {
		return Skill{}, false, fmt.Errorf("parse skill %q: missing name", path)
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return Skill{}, true, nil
	}

	def := runtimeskills.Definition{
		Name:        strings.TrimSpace(meta.Name),
		Description: strings.TrimSpace(meta.Description),
	}
	if keywords := sanitizeKeywords(meta.Keywords); len(keywords) > 0 {
		def.Matchers = []runtimeskills.Matcher{
			runtimeskills.KeywordMatcher{Any: keywords},
		}
	}
	return Skill{Definition: def, Body: body, Path: path}, false, nil
}

func parseFrontmatter(content []byte) (skillFrontmatter, string, error) {
	text := strings.TrimPrefix(string(content), "\uFEFF")
	lines := strings.Split(text, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return skillFrontmatter{}, "", errors.New("missing YAML frontmatter")
	}

	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end == -1 {
		return skillFrontmatter{}, "", errors.New("missing closing frontmatter separator")
	}

	var meta skillFrontmatter
	if err := yaml.Unmarshal([]byte(strings.Join(lines[1:end], "\n")), &meta); err != nil {
		return skillFrontmatter{}, "", fmt.Errorf("%w: %v", errInvalidSkillYAML, err)
	}
	return meta, strings.Join(lines[end+1:], "\n"), nil
}

func sanitizeKeywords(keywords []string) []string {
	seen := make(map[string]struct{}, len(keywords))
	out := make([]string, 0, len(keywords))
	for _, keyword := range keywords {
		normalized := strings.ToLower(strings.TrimSpace(keyword))
		if normalized == "" {
			continue
		}
		if _, exists := seen[normalized]; exists {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}
