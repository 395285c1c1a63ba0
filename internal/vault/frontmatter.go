// Package vault provides helpers for reading Markdown notes in the vault:
// YAML frontmatter parsing, wiki links, and path containment checks.
package vault

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const delimiter = "---"

// Frontmatter is the parsed YAML block at the top of a note.
// Values are whatever yaml.v3 produces: strings, numbers, lists, maps.
type Frontmatter map[string]any

// Split separates a note into its frontmatter mapping and body.
//
// The frontmatter block is delimited by lines containing only "---".
// When no valid block exists (no opening delimiter on the first line,
// no closing delimiter, or unparseable YAML), the whole input is
// returned as the body with an empty mapping.
func Split(content string) (Frontmatter, string) {
	normalized := strings.ReplaceAll(content, "\r\n", "\n")
	lines := strings.SplitAfter(normalized, "\n")
	if len(lines) == 0 || strings.TrimRight(lines[0], "\n") != delimiter {
		return Frontmatter{}, content
	}

	for i := 1; i < len(lines); i++ {
		if strings.TrimRight(lines[i], "\n") != delimiter {
			continue
		}
		block := strings.Join(lines[1:i], "")
		var fm Frontmatter
		if err := yaml.Unmarshal([]byte(block), &fm); err != nil {
			return Frontmatter{}, content
		}
		if fm == nil {
			fm = Frontmatter{}
		}
		return fm, strings.Join(lines[i+1:], "")
	}

	// Opening delimiter but no closing one.
	return Frontmatter{}, content
}

// ReadFile reads a note and splits it into frontmatter and body.
// A missing file is not an error: it returns an empty mapping and an
// empty body, so callers probing recently-deleted files stay on the
// no-match path instead of the error path.
func ReadFile(path string) (Frontmatter, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Frontmatter{}, "", nil
		}
		return Frontmatter{}, "", err
	}
	fm, body := Split(string(data))
	return fm, body, nil
}

// String returns the value for key as a string, or "" when the key is
// absent or not a scalar.
func (f Frontmatter) String(key string) string {
	switch v := f[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return ""
	}
}
