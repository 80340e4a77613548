// Package profiles loads named agent profiles from a directory tree of
// AGENT.md files.
package profiles

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"gopkg.in/yaml.v3"

	"github.com/stellarlinkco/clawpool/internal/errs"
	"github.com/stellarlinkco/clawpool/internal/logging"
)

const FileName = "AGENT.md"

var errInvalidYAML = errors.New("invalid profile YAML frontmatter")

// Profile is a reusable agent definition. SystemPrompt is the markdown body
// that follows the frontmatter.
type Profile struct {
	Name         string `yaml:"name"`
	Description  string `yaml:"description"`
	Autostart    bool   `yaml:"autostart"`
	SystemPrompt string `yaml:"-"`
	Path         string `yaml:"-"`
}

// Load reads <dir>/<name>/AGENT.md for every subdirectory of dir, sorted by
// directory name. A missing dir yields no profiles.
func Load(dir string, logger *slog.Logger) ([]Profile, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, nil
	}
	if logger == nil {
		logger = logging.Component("profiles")
	}

	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, goerr.Wrap(err, "stat profiles dir", goerr.V("dir", dir))
	}
	if !info.IsDir() {
		return nil, goerr.Wrap(errs.ErrValidation, "profiles path is not a directory", goerr.V("dir", dir))
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, goerr.Wrap(err, "read profiles dir", goerr.V("dir", dir))
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	profiles := make([]Profile, 0, len(entries))
	seen := make(map[string]string, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name(), FileName)
		p, skip, err := parseFile(path, logger)
		if err != nil {
			return nil, err
		}
		if skip {
			continue
		}
		if prev, ok := seen[p.Name]; ok {
			return nil, goerr.Wrap(errs.ErrAlreadyRegistered, "duplicate profile name",
				goerr.V("name", p.Name), goerr.V("path", path), goerr.V("previous", prev))
		}
		seen[p.Name] = path
		profiles = append(profiles, p)
	}
	return profiles, nil
}

// Find returns the profile with the given name.
func Find(profiles []Profile, name string) (Profile, bool) {
	for _, p := range profiles {
		if p.Name == name {
			return p, true
		}
	}
	return Profile{}, false
}

func parseFile(path string, logger *slog.Logger) (Profile, bool, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Profile{}, true, nil
		}
		return Profile{}, false, goerr.Wrap(err, "read profile", goerr.V("path", path))
	}

	p, err := Parse(content)
	if err != nil {
		if errors.Is(err, errInvalidYAML) {
			logger.Warn("skip profile with invalid YAML", "path", path, "error", err)
			return Profile{}, true, nil
		}
		return Profile{}, false, goerr.Wrap(err, "parse profile", goerr.V("path", path))
	}
	p.Path = path
	return p, false, nil
}

// Parse decodes one AGENT.md document.
func Parse(content []byte) (Profile, error) {
	text := strings.TrimPrefix(string(content), "\uFEFF")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return Profile{}, goerr.Wrap(errs.ErrValidation, "missing YAML frontmatter")
	}

	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end == -1 {
		return Profile{}, goerr.Wrap(errs.ErrValidation, "missing closing frontmatter separator")
	}

	var p Profile
	if err := yaml.Unmarshal([]byte(strings.Join(lines[1:end], "\n")), &p); err != nil {
		return Profile{}, fmt.Errorf("%w: %v", errInvalidYAML, err)
	}
	p.Name = strings.TrimSpace(p.Name)
	p.Description = strings.TrimSpace(p.Description)
	if p.Name == "" {
		return Profile{}, goerr.Wrap(errs.ErrValidation, "profile name is required")
	}
	p.SystemPrompt = strings.TrimSpace(strings.Join(lines[end+1:], "\n"))
	return p, nil
}

// Render produces an AGENT.md document for p.
func Render(p Profile) ([]byte, error) {
	head, err := yaml.Marshal(p)
	if err != nil {
		return nil, goerr.Wrap(err, "marshal profile", goerr.V("name", p.Name))
	}
	var b strings.Builder
	b.WriteString("---\n")
	b.Write(head)
	b.WriteString("---\n")
	if p.SystemPrompt != "" {
		b.WriteString(p.SystemPrompt)
		b.WriteString("\n")
	}
	return []byte(b.String()), nil
}
