package profiles

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/clawpool/internal/errs"
	"github.com/stellarlinkco/clawpool/internal/logging"
)

func writeProfile(t *testing.T, root, dir, content string) string {
	t.Helper()
	path := filepath.Join(root, dir, FileName)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadSingleProfile(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	path := writeProfile(t, root, "researcher",
		"---\nname: researcher\ndescription: digs up facts\nautostart: true\n---\n# Researcher\nYou research topics carefully.\n")

	got, err := Load(root, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "researcher", got[0].Name)
	assert.Equal(t, "digs up facts", got[0].Description)
	assert.True(t, got[0].Autostart)
	assert.Equal(t, "# Researcher\nYou research topics carefully.", got[0].SystemPrompt)
	assert.Equal(t, path, got[0].Path)
}

func TestLoadMissingDir(t *testing.T) {
	t.Parallel()
	got, err := Load(filepath.Join(t.TempDir(), "nope"), nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = Load("  ", nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLoadRejectsFilePath(t *testing.T) {
	t.Parallel()
	file := filepath.Join(t.TempDir(), "profiles")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	_, err := Load(file, nil)
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestLoadSortedAndSkipsDirsWithoutFile(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeProfile(t, root, "b-writer", "---\nname: writer\n---\nWrite.\n")
	writeProfile(t, root, "a-coder", "---\nname: coder\n---\nCode.\n")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("ignored"), 0o600))

	got, err := Load(root, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "coder", got[0].Name)
	assert.Equal(t, "writer", got[1].Name)
	assert.False(t, got[0].Autostart)
}

func TestLoadDuplicateNames(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeProfile(t, root, "one", "---\nname: helper\n---\nA\n")
	writeProfile(t, root, "two", "---\nname: helper\n---\nB\n")

	_, err := Load(root, nil)
	assert.ErrorIs(t, err, errs.ErrAlreadyRegistered)
}

func TestLoadSkipsInvalidYAML(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeProfile(t, root, "bad", "---\nname: [unclosed\n---\nbody\n")
	writeProfile(t, root, "good", "---\nname: good\n---\nbody\n")

	var buf bytes.Buffer
	got, err := Load(root, logging.New("warn", &buf))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "good", got[0].Name)
	assert.Contains(t, buf.String(), "skip profile with invalid YAML")
}

func TestLoadMissingNameFails(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeProfile(t, root, "anon", "---\ndescription: nameless\n---\nbody\n")

	_, err := Load(root, nil)
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]byte("no frontmatter"))
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = Parse([]byte("---\nname: x\nbody without closing"))
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = Parse([]byte("---\nname: [\n---\n"))
	assert.ErrorIs(t, err, errInvalidYAML)
}

func TestParseHandlesBOMAndCRLF(t *testing.T) {
	p, err := Parse([]byte("\uFEFF---\r\nname: crlf\r\n---\r\nline one\r\nline two\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "crlf", p.Name)
	assert.Equal(t, "line one\nline two", p.SystemPrompt)
}

func TestRenderRoundTrip(t *testing.T) {
	in := Profile{Name: "assistant", Description: "general helper", Autostart: true, SystemPrompt: "Be helpful."}
	data, err := Render(in)
	require.NoError(t, err)

	out, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestFind(t *testing.T) {
	list := []Profile{{Name: "a"}, {Name: "b", Description: "second"}}
	p, ok := Find(list, "b")
	require.True(t, ok)
	assert.Equal(t, "second", p.Description)
	_, ok = Find(list, "c")
	assert.False(t, ok)
}
