package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sqlmap/internal/session"
)

const projectFile = `mappers:
  - mappers/*.xml
environments:
  default: dev
  databases:
    dev:
      driver: sqlite3
      dsn: ":memory:"
      init_scripts: [schema.sql]
`

const schemaScript = `
CREATE TABLE blog (id INTEGER PRIMARY KEY, title TEXT NOT NULL);
INSERT INTO blog VALUES (1, 'Jim Business'), (2, 'Bally Slog');
`

const blogMapperXML = `<mapper namespace="blog">
  <cache/>
  <select id="selectBlog" resultType="map">SELECT id, title FROM blog WHERE id = #{id}</select>
  <select id="findBlogs" resultType="map">
    SELECT id, title FROM blog
    <where><if test="title != null">title = #{title}</if></where>
    ORDER BY id
  </select>
  <update id="renameBlog">UPDATE blog SET title = #{title} WHERE id = #{id}</update>
  <delete id="deleteAll">DELETE FROM blog</delete>
</mapper>`

// projectFs returns an in-memory project under /proj.
func projectFs(t *testing.T) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	for path, content := range map[string]string{
		"/proj/sqlmap.yaml":      projectFile,
		"/proj/schema.sql":       schemaScript,
		"/proj/mappers/blog.xml": blogMapperXML,
	} {
		require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0o644))
	}
	return fs
}

type cmdResult struct {
	stdout string
	stderr string
	err    error
}

func runCmd(t *testing.T, fs afero.Fs, args ...string) cmdResult {
	t.Helper()
	opts := &RootOptions{Fs: fs, Dir: "/proj"}
	cmd := newRootCommand(opts)
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return cmdResult{stdout: out.String(), stderr: errOut.String(), err: err}
}

func decodeResponse(t *testing.T, stdout string) CLIResponse {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp), stdout)
	return resp
}

func TestRootRejectsUnknownFormat(t *testing.T) {
	r := runCmd(t, projectFs(t), "validate", "--format", "xml")
	require.Error(t, r.err)
	assert.Equal(t, ExitCommandError, GetExitCode(r.err))
	assert.Contains(t, r.stderr, `invalid format "xml"`)
}

func TestValidate(t *testing.T) {
	r := runCmd(t, projectFs(t), "validate")
	require.NoError(t, r.err)
	assert.Equal(t, "✓ 1 mapper file(s), 4 statement(s) valid\n", r.stdout)
}

func TestValidateVerboseListsRegistry(t *testing.T) {
	r := runCmd(t, projectFs(t), "validate", "-v")
	require.NoError(t, r.err)
	assert.Contains(t, r.stderr, "Loaded 1 mapper file(s)")
	assert.Contains(t, r.stderr, "caches: blog\n")
	assert.Contains(t, r.stderr, "statements: blog.deleteAll, blog.findBlogs, blog.renameBlog, blog.selectBlog\n")
	assert.NotContains(t, r.stdout, "statements:")
}

func TestValidateJSON(t *testing.T) {
	r := runCmd(t, projectFs(t), "validate", "--format", "json")
	require.NoError(t, r.err)

	resp := decodeResponse(t, r.stdout)
	assert.Equal(t, "ok", resp.Status)
	data := resp.Data.(map[string]any)
	assert.Equal(t, true, data["valid"])
	assert.Equal(t, "/proj/sqlmap.yaml", data["config"])
	assert.EqualValues(t, 4, data["statements"])
}

func TestValidateCollectsErrors(t *testing.T) {
	fs := projectFs(t)
	require.NoError(t, afero.WriteFile(fs, "/proj/mappers/a_bad.xml", []byte(`<mapper namespace="bad">
<select id="s">SELECT <bogus/></select>
</mapper>`), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/proj/mappers/c_staff.xml", []byte(`<mapper namespace="staff">
  <select id="all" resultMap="missing.map">SELECT * FROM staff</select>
</mapper>`), 0o644))

	r := runCmd(t, fs, "validate")
	require.Error(t, r.err)
	assert.Equal(t, ExitFailure, GetExitCode(r.err))
	assert.Contains(t, r.stdout, "✗ Validation failed")
	assert.Contains(t, r.stdout, "/proj/mappers/a_bad.xml:2")
	assert.Contains(t, r.stdout, "E004: ")
	assert.Contains(t, r.stdout, "Unknown element <bogus>")
	assert.Contains(t, r.stdout, "E006: ")
	assert.Contains(t, r.stdout, "staff.all")

	r = runCmd(t, fs, "validate", "--format", "json")
	resp := decodeResponse(t, r.stdout)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, ErrCodeCompile, resp.Error.Code)
	data := resp.Data.(map[string]any)
	assert.Equal(t, false, data["valid"])
	assert.Len(t, data["errors"], 2)
}

func TestValidateNoMappers(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/proj/sqlmap.yaml", []byte(projectFile), 0o644))

	r := runCmd(t, fs, "validate")
	require.Error(t, r.err)
	assert.Equal(t, ExitCommandError, GetExitCode(r.err))
	assert.Contains(t, r.stdout, "Error [E003]")
}

func TestValidateBadConfig(t *testing.T) {
	fs := projectFs(t)
	require.NoError(t, afero.WriteFile(fs, "/proj/sqlmap.yaml", []byte("settings:\n  placeholder: colon\n"), 0o644))

	r := runCmd(t, fs, "validate")
	require.Error(t, r.err)
	assert.Equal(t, ExitCommandError, GetExitCode(r.err))
	assert.Contains(t, r.stdout, "Error [E002]")
}

func TestValidateWatchNeedsOsFs(t *testing.T) {
	r := runCmd(t, projectFs(t), "validate", "--watch")
	require.Error(t, r.err)
	assert.Equal(t, ExitCommandError, GetExitCode(r.err))
	assert.Contains(t, r.stdout, "--watch needs the OS filesystem")
}

func TestCompile(t *testing.T) {
	r := runCmd(t, projectFs(t), "compile", "blog.selectBlog", "--params", `{"id": 1}`)
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "✓ blog.selectBlog (SELECT)")
	assert.Contains(t, r.stdout, "SELECT id, title FROM blog WHERE id = ?")
	assert.Contains(t, r.stdout, "  1: id")
	assert.Contains(t, r.stdout, "= 1\n")
}

func TestCompileDynamic(t *testing.T) {
	fs := projectFs(t)

	r := runCmd(t, fs, "compile", "blog.findBlogs", "--params", `{"title": "x"}`, "--format", "json")
	require.NoError(t, r.err)
	data := decodeResponse(t, r.stdout).Data.(map[string]any)
	assert.Contains(t, data["sql"], "WHERE title = ?")
	params := data["params"].([]any)
	require.Len(t, params, 1)
	assert.Equal(t, "x", params[0].(map[string]any)["value"])

	r = runCmd(t, fs, "compile", "blog.findBlogs", "--params", `{"title": null}`, "--format", "json")
	require.NoError(t, r.err)
	data = decodeResponse(t, r.stdout).Data.(map[string]any)
	assert.NotContains(t, data["sql"], "WHERE")
	assert.Nil(t, data["params"])
}

func TestCompileErrors(t *testing.T) {
	fs := projectFs(t)

	r := runCmd(t, fs, "compile", "blog.nope")
	require.Error(t, r.err)
	assert.Equal(t, ExitFailure, GetExitCode(r.err))
	assert.Contains(t, r.stdout, "Error [E005]")

	r = runCmd(t, fs, "compile", "blog.selectBlog", "--params", `{"id": `)
	require.Error(t, r.err)
	assert.Equal(t, ExitCommandError, GetExitCode(r.err))
	assert.Contains(t, r.stdout, "Error [E009]")

	r = runCmd(t, fs, "compile")
	require.Error(t, r.err, "statement id is required")
}

func TestRunSelect(t *testing.T) {
	r := runCmd(t, projectFs(t), "run", "blog.selectBlog", "--params", `{"id": 2}`)
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "✓ blog.selectBlog: 1 row(s)")
	assert.Contains(t, r.stdout, "Bally Slog")
}

func TestRunUpdate(t *testing.T) {
	fs := projectFs(t)

	r := runCmd(t, fs, "run", "blog.renameBlog", "--params", `{"id": 1, "title": "Renamed"}`)
	require.NoError(t, r.err)
	assert.Equal(t, "✓ blog.renameBlog: 1 row(s) affected (committed)\n", r.stdout)

	r = runCmd(t, fs, "run", "blog.deleteAll", "--rollback", "--format", "json")
	require.NoError(t, r.err)
	data := decodeResponse(t, r.stdout).Data.(map[string]any)
	assert.EqualValues(t, 2, data["affected"])
	assert.Equal(t, false, data["committed"])
}

func TestRunSessionID(t *testing.T) {
	opts := &RunOptions{
		RootOptions: &RootOptions{Fs: projectFs(t), Dir: "/proj", Format: "json"},
		IDGenerator: session.NewFixedGenerator("run-1"),
	}
	cmd := newRunCommand(opts)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"blog.selectBlog", "--params", "{id: 1}"})
	require.NoError(t, cmd.Execute())

	data := decodeResponse(t, out.String()).Data.(map[string]any)
	assert.Equal(t, "run-1", data["session"])
	assert.Equal(t, "SELECT", data["command"])
	assert.Len(t, data["rows"], 1)
}

func TestRunErrors(t *testing.T) {
	fs := projectFs(t)

	r := runCmd(t, fs, "run", "blog.selectBlog", "--env", "prod")
	require.Error(t, r.err)
	assert.Equal(t, ExitCommandError, GetExitCode(r.err))
	assert.Contains(t, r.stdout, "Error [E002]")

	require.NoError(t, afero.WriteFile(fs, "/proj/schema.sql", []byte("CREATE TABLE;"), 0o644))
	r = runCmd(t, fs, "run", "blog.selectBlog")
	require.Error(t, r.err)
	assert.Contains(t, r.stdout, "Error [E010]")
}

func TestRunExecutionError(t *testing.T) {
	fs := projectFs(t)
	require.NoError(t, afero.WriteFile(fs, "/proj/schema.sql", []byte("CREATE TABLE other (id INTEGER);"), 0o644))

	r := runCmd(t, fs, "run", "blog.selectBlog", "--params", "{id: 1}")
	require.Error(t, r.err)
	assert.Equal(t, ExitFailure, GetExitCode(r.err))
	assert.Contains(t, r.stdout, "Error [E007]")
	assert.Contains(t, r.stdout, "no such table: blog")
}
