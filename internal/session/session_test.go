package session

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sqlmap/internal/builder"
	"github.com/roach88/sqlmap/internal/executor"
	"github.com/roach88/sqlmap/internal/store"
)

const schema = `
CREATE TABLE blog (id INTEGER PRIMARY KEY, title TEXT NOT NULL);
INSERT INTO blog VALUES (1, 'Jim Business'), (2, 'Bally Slog');
`

const mapper = `<mapper namespace="blog">
  <cache/>
  <select id="selectBlog" resultType="map">SELECT id, title FROM blog WHERE id = #{id}</select>
  <select id="selectBlogs" resultType="map">SELECT id, title FROM blog ORDER BY id</select>
  <insert id="insertBlog">INSERT INTO blog (id, title) VALUES (#{id}, #{title})</insert>
  <update id="renameBlog">UPDATE blog SET title = #{title} WHERE id = #{id}</update>
  <delete id="deleteBlog">DELETE FROM blog WHERE id = #{id}</delete>
</mapper>`

func setup(t *testing.T, mutate func(*builder.Config)) (*Factory, *sql.DB) {
	t.Helper()
	cfg := builder.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := builder.NewConfiguration(cfg, builder.WithLogger(logger))
	require.NoError(t, err)
	require.NoError(t, c.AddMapper("blog.xml", strings.NewReader(mapper)))
	require.NoError(t, c.Finish())

	ctx := context.Background()
	s, err := store.Open(ctx, store.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.RunScript(ctx, "schema.sql", strings.NewReader(schema)))
	return NewFactory(c, s.DB()), s.DB()
}

func title(t *testing.T, db *sql.DB, id int) string {
	t.Helper()
	var got string
	require.NoError(t, db.QueryRow("SELECT title FROM blog WHERE id = ?", id).Scan(&got))
	return got
}

func TestSelectOne(t *testing.T) {
	f, _ := setup(t, nil)
	s := f.Open()
	defer s.Close()
	ctx := context.Background()

	got, err := s.SelectOne(ctx, "blog.selectBlog", map[string]any{"id": 2})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": int64(2), "title": "Bally Slog"}, got)

	got, err = s.SelectOne(ctx, "blog.selectBlog", map[string]any{"id": 9})
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = s.SelectOne(ctx, "blog.selectBlogs", nil)
	var tooMany *TooManyResultsError
	require.ErrorAs(t, err, &tooMany)
	assert.Equal(t, 2, tooMany.Count)
	assert.EqualError(t, err, "expected one result (or none) from blog.selectBlogs, but found 2")
}

func TestSelectListAndMap(t *testing.T) {
	f, _ := setup(t, nil)
	s := f.Open()
	defer s.Close()
	ctx := context.Background()

	list, err := s.SelectList(ctx, "blog.selectBlogs", nil, executor.RowBounds{Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, []any{map[string]any{"id": int64(2), "title": "Bally Slog"}}, list)

	byID, err := s.SelectMap(ctx, "blog.selectBlogs", nil, "id")
	require.NoError(t, err)
	assert.Len(t, byID, 2)
	assert.Equal(t, "Jim Business", byID[int64(1)].(map[string]any)["title"])
}

func TestSelectWithHandler(t *testing.T) {
	f, _ := setup(t, nil)
	s := f.Open()
	defer s.Close()

	var titles []string
	err := s.Select(context.Background(), "blog.selectBlogs", nil, func(row any) error {
		titles = append(titles, row.(map[string]any)["title"].(string))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Jim Business", "Bally Slog"}, titles)
}

func TestUnknownStatement(t *testing.T) {
	f, _ := setup(t, nil)
	s := f.Open()
	defer s.Close()

	_, err := s.SelectList(context.Background(), "blog.nope", nil)
	assert.Error(t, err)
}

func TestCommitPersistsWrites(t *testing.T) {
	f, db := setup(t, nil)
	ctx := context.Background()

	s := f.Open()
	n, err := s.Update(ctx, "blog.renameBlog", map[string]any{"id": 1, "title": "Renamed"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = s.Insert(ctx, "blog.insertBlog", map[string]any{"id": 3, "title": "New"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, s.Commit())
	require.NoError(t, s.Close())

	assert.Equal(t, "Renamed", title(t, db, 1))
	assert.Equal(t, "New", title(t, db, 3))
}

func TestCloseRollsBackUncommittedWrites(t *testing.T) {
	f, db := setup(t, nil)

	s := f.Open()
	_, err := s.Delete(context.Background(), "blog.deleteBlog", map[string]any{"id": 1})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.Equal(t, "Jim Business", title(t, db, 1))
}

func TestRollback(t *testing.T) {
	f, db := setup(t, nil)
	ctx := context.Background()

	s := f.Open()
	_, err := s.Update(ctx, "blog.renameBlog", map[string]any{"id": 2, "title": "Gone"})
	require.NoError(t, err)
	require.NoError(t, s.Rollback())

	got, err := s.SelectOne(ctx, "blog.selectBlog", map[string]any{"id": 2})
	require.NoError(t, err)
	assert.Equal(t, "Bally Slog", got.(map[string]any)["title"])
	require.NoError(t, s.Close())

	assert.Equal(t, "Bally Slog", title(t, db, 2))
}

func TestAutoCommit(t *testing.T) {
	f, db := setup(t, nil)

	s := f.Open(AutoCommit())
	_, err := s.Update(context.Background(), "blog.renameBlog", map[string]any{"id": 1, "title": "Auto"})
	require.NoError(t, err)
	assert.Equal(t, "Auto", title(t, db, 1), "auto-commit writes are visible at once")
	require.NoError(t, s.Close())
	assert.Equal(t, "Auto", title(t, db, 1))
}

func TestSecondLevelCacheSharedAcrossSessions(t *testing.T) {
	f, _ := setup(t, nil)
	ctx := context.Background()
	ms, err := f.Configuration().Registry.Statement("blog.selectBlogs")
	require.NoError(t, err)

	s := f.Open()
	_, ok := s.Executor().(*executor.Caching)
	require.True(t, ok)
	first, err := s.SelectList(ctx, "blog.selectBlogs", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, ms.Cache.Size())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, ms.Cache.Size(), "closing a session promotes its staged results")

	s2 := f.Open()
	defer s2.Close()
	again, err := s2.SelectList(ctx, "blog.selectBlogs", nil)
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestCacheDisabled(t *testing.T) {
	f, _ := setup(t, func(cfg *builder.Config) {
		cfg.Settings.CacheEnabled = false
	})
	s := f.Open()
	defer s.Close()

	_, ok := s.Executor().(*executor.Simple)
	assert.True(t, ok)
}

func TestCursorsCloseWithSession(t *testing.T) {
	f, _ := setup(t, nil)
	s := f.Open()

	cur, err := s.SelectCursor(context.Background(), "blog.selectBlogs", nil)
	require.NoError(t, err)
	require.True(t, cur.Next())
	require.NoError(t, s.Close())
	assert.False(t, cur.IsOpen())
}

func TestClosedSession(t *testing.T) {
	f, _ := setup(t, nil)
	s := f.Open()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.SelectList(context.Background(), "blog.selectBlogs", nil)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Update(context.Background(), "blog.renameBlog", map[string]any{"id": 1, "title": "x"})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Commit(), ErrClosed)
	assert.ErrorIs(t, s.Rollback(), ErrClosed)
}

func TestSessionIDs(t *testing.T) {
	base, db := setup(t, nil)
	f := NewFactory(base.Configuration(), db, WithIDGenerator(NewFixedGenerator("first", "second")))

	s1 := f.Open()
	require.NoError(t, s1.Close())
	s2 := f.Open()
	require.NoError(t, s2.Close())
	assert.Equal(t, "first", s1.ID())
	assert.Equal(t, "second", s2.ID())
}
