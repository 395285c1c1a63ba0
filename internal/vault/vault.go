package vault

import (
	"path/filepath"
	"strings"
)

// WikiLink renders a vault-relative path as an Obsidian-style wiki link,
// dropping the .md extension: "AI/Articles/Note.md" -> "[[AI/Articles/Note]]".
func WikiLink(rel string) string {
	rel = filepath.ToSlash(rel)
	rel = strings.TrimSuffix(rel, ".md")
	return "[[" + rel + "]]"
}

// Rel returns path relative to the vault root with forward slashes.
// When path is not under root, it is returned unchanged (already relative,
// or outside the vault — callers treat both the same way).
func Rel(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

// Within reports whether path is inside root after lexical cleaning.
func Within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// BaseName returns the file name without its extension,
// e.g. "Ingest/Clippings/article.md" -> "article".
func BaseName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
