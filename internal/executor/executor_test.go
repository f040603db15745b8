package executor

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sqlmap/internal/builder"
	"github.com/roach88/sqlmap/internal/errs"
	"github.com/roach88/sqlmap/internal/registry"
	"github.com/roach88/sqlmap/internal/store"
)

const blogSchema = `
CREATE TABLE author (id INTEGER PRIMARY KEY, username TEXT NOT NULL, email TEXT);
CREATE TABLE blog (id INTEGER PRIMARY KEY, title TEXT NOT NULL, author_id INTEGER REFERENCES author(id));
CREATE TABLE post (id INTEGER PRIMARY KEY, blog_id INTEGER REFERENCES blog(id), subject TEXT);
INSERT INTO author VALUES (1, 'jim', 'jim@example.com'), (2, 'sally', NULL);
INSERT INTO blog VALUES (1, 'Jim Business', 1), (2, 'Bally Slog', 2);
INSERT INTO post VALUES (1, 1, 'Corn nuts'), (2, 1, 'Paul Hogan'), (3, 2, 'Monkeys');
`

const blogMapper = `<mapper namespace="blog">
  <cache/>

  <resultMap id="blogWithPosts" type="map">
    <id property="id" column="blog_id"/>
    <result property="title" column="blog_title"/>
    <association property="author" resultMap="authorMap" columnPrefix="author_"/>
    <collection property="posts" ofType="map" autoMapping="false">
      <id property="id" column="post_id"/>
      <result property="subject" column="post_subject"/>
    </collection>
  </resultMap>

  <resultMap id="authorMap" type="map">
    <id property="id" column="id"/>
    <result property="username" column="username"/>
  </resultMap>

  <resultMap id="blogWithAuthor" type="map">
    <association property="author" column="author_id" select="selectAuthor"/>
  </resultMap>

  <select id="selectBlog" resultType="map">SELECT id, title, author_id FROM blog WHERE id = #{id}</select>
  <select id="selectBlogs" resultType="map">SELECT id, title FROM blog ORDER BY id</select>
  <select id="selectTypedBlogs" resultType="Blog">SELECT id, title, author_id FROM blog ORDER BY id</select>
  <select id="selectAuthor" resultType="Author">SELECT id, username, email FROM author WHERE id = #{id}</select>
  <select id="countPosts" resultType="int64">SELECT COUNT(*) FROM post</select>
  <select id="selectBlogsWithAuthor" resultMap="blogWithAuthor">SELECT id, title, author_id FROM blog ORDER BY id</select>
  <select id="selectBlogsWithPosts" resultMap="blogWithPosts">
    SELECT b.id AS blog_id, b.title AS blog_title, a.id AS author_id, a.username AS author_username,
           p.id AS post_id, p.subject AS post_subject
    FROM blog b
    JOIN author a ON a.id = b.author_id
    LEFT JOIN post p ON p.blog_id = b.id
    ORDER BY b.id, p.id
  </select>
  <select id="selectBlogNoCache" resultType="map" useCache="false">SELECT id, title FROM blog WHERE id = #{id}</select>
  <select id="selectMissing" resultType="map">SELECT * FROM missing</select>
  <select id="callProc" resultType="map" statementType="CALLABLE">{call proc(#{in}, #{out,mode=OUT,dbType=INTEGER})}</select>

  <update id="renameBlog">UPDATE blog SET title = #{title} WHERE id = #{id}</update>
  <insert id="insertAuthor" useGeneratedKeys="true" keyProperty="id">
    INSERT INTO author (username, email) VALUES (#{username}, #{email})
  </insert>
  <insert id="insertBlogKeyBefore">
    <selectKey keyProperty="id" resultType="int64" order="BEFORE">SELECT MAX(id) + 10 FROM blog</selectKey>
    INSERT INTO blog (id, title, author_id) VALUES (#{id}, #{title}, 1)
  </insert>
  <insert id="insertAuthorKeyAfter">
    INSERT INTO author (username, email) VALUES (#{username}, #{email})
    <selectKey keyProperty="id,email" keyColumn="new_id,new_email" resultType="map">
      SELECT id AS new_id, username || '@example.com' AS new_email FROM author WHERE id = last_insert_rowid()
    </selectKey>
  </insert>
  <insert id="insertBlogNoKey">
    <selectKey keyProperty="id" resultType="int64" order="BEFORE">SELECT id FROM blog WHERE id &lt; 0</selectKey>
    INSERT INTO blog (id, title) VALUES (#{id}, #{title})
  </insert>
</mapper>`

type Blog struct {
	ID       int64  `db:"id"`
	Title    string `db:"title"`
	AuthorID int64  `db:"author_id"`
}

type Author struct {
	ID       int64   `db:"id"`
	Username string  `db:"username"`
	Email    *string `db:"email"`
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// setup loads the blog mapper and an in-memory database holding the blog
// schema.
func setup(t *testing.T, mutate func(*builder.Config)) (*builder.Configuration, *sql.DB) {
	t.Helper()
	cfg := builder.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	c, err := builder.NewConfiguration(cfg, builder.WithLogger(quietLogger()))
	require.NoError(t, err)
	c.RegisterType("Blog", reflect.TypeOf(Blog{}))
	c.RegisterType("Author", reflect.TypeOf(Author{}))
	require.NoError(t, c.AddMapper("blog.xml", strings.NewReader(blogMapper)))
	require.NoError(t, c.Finish())
	require.NoError(t, c.Unresolved())

	ctx := context.Background()
	s, err := store.Open(ctx, store.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.RunScript(ctx, "schema.sql", strings.NewReader(blogSchema)))
	return c, s.DB()
}

func statement(t *testing.T, c *builder.Configuration, id string) *registry.MappedStatement {
	t.Helper()
	ms, err := c.Registry.Statement(id)
	require.NoError(t, err)
	return ms
}

func newSimple(t *testing.T, c *builder.Configuration, db *sql.DB) *Simple {
	t.Helper()
	e := NewSimple(c, NewDBTransaction(db, false, nil))
	t.Cleanup(func() { e.Close(true) })
	return e
}

func TestQueryMapsRowsToMaps(t *testing.T) {
	c, db := setup(t, nil)
	e := newSimple(t, c, db)

	got, err := e.Query(context.Background(), statement(t, c, "blog.selectBlogs"), nil, NoRowBounds, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{
		map[string]any{"id": int64(1), "title": "Jim Business"},
		map[string]any{"id": int64(2), "title": "Bally Slog"},
	}, got)
}

func TestQueryScalarResult(t *testing.T) {
	c, db := setup(t, nil)
	e := newSimple(t, c, db)

	got, err := e.Query(context.Background(), statement(t, c, "blog.countPosts"), nil, NoRowBounds, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(3)}, got)
}

func TestQueryStructResults(t *testing.T) {
	c, db := setup(t, nil)
	e := newSimple(t, c, db)
	ctx := context.Background()

	got, err := e.Query(ctx, statement(t, c, "blog.selectTypedBlogs"), nil, NoRowBounds, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{
		Blog{ID: 1, Title: "Jim Business", AuthorID: 1},
		Blog{ID: 2, Title: "Bally Slog", AuthorID: 2},
	}, got)

	got, err = e.Query(ctx, statement(t, c, "blog.selectAuthor"), 2, NoRowBounds, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, Author{ID: 2, Username: "sally"}, got[0], "null columns leave the field unset")
}

func TestQueryUnderscoreToCamelCase(t *testing.T) {
	c, db := setup(t, func(cfg *builder.Config) {
		cfg.Settings.MapUnderscoreToCamelCase = true
	})
	e := newSimple(t, c, db)

	got, err := e.Query(context.Background(), statement(t, c, "blog.selectBlog"), map[string]any{"id": 1}, NoRowBounds, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{map[string]any{"id": int64(1), "title": "Jim Business", "authorId": int64(1)}}, got)
}

func TestQueryCallSettersOnNulls(t *testing.T) {
	c, db := setup(t, func(cfg *builder.Config) {
		cfg.Settings.CallSettersOnNulls = true
	})
	e := newSimple(t, c, db)

	ms := statement(t, c, "blog.selectAuthor")
	ms.ResultMaps = []*registry.ResultMap{registry.NewResultMap("authorAsMap", nil, nil, nil, nil)}
	got, err := e.Query(context.Background(), ms, 2, NoRowBounds, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{map[string]any{"id": int64(2), "username": "sally", "email": nil}}, got)
}

func TestNestedResultMapsGroupRows(t *testing.T) {
	c, db := setup(t, nil)
	e := newSimple(t, c, db)
	ms := statement(t, c, "blog.selectBlogsWithPosts")

	got, err := e.Query(context.Background(), ms, nil, NoRowBounds, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{
		map[string]any{
			"id":     int64(1),
			"title":  "Jim Business",
			"author": map[string]any{"id": int64(1), "username": "jim"},
			"posts": []any{
				map[string]any{"id": int64(1), "subject": "Corn nuts"},
				map[string]any{"id": int64(2), "subject": "Paul Hogan"},
			},
		},
		map[string]any{
			"id":     int64(2),
			"title":  "Bally Slog",
			"author": map[string]any{"id": int64(2), "username": "sally"},
			"posts": []any{
				map[string]any{"id": int64(3), "subject": "Monkeys"},
			},
		},
	}, got)

	limited, err := e.Query(context.Background(), ms, nil, RowBounds{Limit: 1}, nil)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Len(t, limited[0].(map[string]any)["posts"], 2, "the limit counts grouped results")
}

func TestNestedSelect(t *testing.T) {
	c, db := setup(t, nil)
	e := newSimple(t, c, db)

	got, err := e.Query(context.Background(), statement(t, c, "blog.selectBlogsWithAuthor"), nil, NoRowBounds, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	first := got[0].(map[string]any)
	assert.Equal(t, "Jim Business", first["title"])
	email := "jim@example.com"
	assert.Equal(t, Author{ID: 1, Username: "jim", Email: &email}, first["author"])

	key := func(id int64) bool {
		ms := statement(t, c, "blog.selectAuthor")
		bound, err := ms.Bind(id)
		require.NoError(t, err)
		k, err := e.CreateCacheKey(ms, id, NoRowBounds, bound)
		require.NoError(t, err)
		return e.IsCached(ms, k)
	}
	assert.True(t, key(1), "nested selects go through the local cache")
}

func TestRowBounds(t *testing.T) {
	c, db := setup(t, nil)
	e := newSimple(t, c, db)
	ms := statement(t, c, "blog.selectBlogs")
	ctx := context.Background()

	got, err := e.Query(ctx, ms, nil, RowBounds{Offset: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{map[string]any{"id": int64(2), "title": "Bally Slog"}}, got)

	got, err = e.Query(ctx, ms, nil, RowBounds{Limit: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{map[string]any{"id": int64(1), "title": "Jim Business"}}, got)
}

func TestResultHandlerReceivesRows(t *testing.T) {
	c, db := setup(t, nil)
	e := newSimple(t, c, db)

	var titles []string
	got, err := e.Query(context.Background(), statement(t, c, "blog.selectBlogs"), nil, NoRowBounds, func(row any) error {
		titles = append(titles, row.(map[string]any)["title"].(string))
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, []string{"Jim Business", "Bally Slog"}, titles)
}

func TestLocalCache(t *testing.T) {
	c, db := setup(t, nil)
	e := newSimple(t, c, db)
	ctx := context.Background()
	ms := statement(t, c, "blog.selectBlog")
	param := map[string]any{"id": 1}

	bound, err := ms.Bind(param)
	require.NoError(t, err)
	key, err := e.CreateCacheKey(ms, param, NoRowBounds, bound)
	require.NoError(t, err)

	first, err := e.Query(ctx, ms, param, NoRowBounds, nil)
	require.NoError(t, err)
	assert.True(t, e.IsCached(ms, key))

	second, err := e.Query(ctx, ms, param, NoRowBounds, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, err = e.Update(ctx, statement(t, c, "blog.renameBlog"), map[string]any{"id": 1, "title": "Renamed"})
	require.NoError(t, err)
	assert.False(t, e.IsCached(ms, key), "updates clear the local cache")

	got, err := e.Query(ctx, ms, param, NoRowBounds, nil)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got[0].(map[string]any)["title"])

	require.NoError(t, e.Commit(true))
	assert.False(t, e.IsCached(ms, key), "commit clears the local cache")
}

func TestLocalCacheStatementScope(t *testing.T) {
	c, db := setup(t, func(cfg *builder.Config) {
		cfg.Settings.LocalCacheScope = builder.LocalCacheStatement
	})
	e := newSimple(t, c, db)
	ms := statement(t, c, "blog.selectBlogs")

	_, err := e.Query(context.Background(), ms, nil, NoRowBounds, nil)
	require.NoError(t, err)
	bound, err := ms.Bind(nil)
	require.NoError(t, err)
	key, err := e.CreateCacheKey(ms, nil, NoRowBounds, bound)
	require.NoError(t, err)
	assert.False(t, e.IsCached(ms, key))
}

func TestCacheKeyParts(t *testing.T) {
	c, db := setup(t, nil)
	e := newSimple(t, c, db)
	ms := statement(t, c, "blog.selectBlog")

	keyFor := func(param any, bounds RowBounds) string {
		bound, err := ms.Bind(param)
		require.NoError(t, err)
		k, err := e.CreateCacheKey(ms, param, bounds, bound)
		require.NoError(t, err)
		return k.String()
	}

	base := keyFor(map[string]any{"id": 1}, NoRowBounds)
	assert.Equal(t, base, keyFor(map[string]any{"id": int64(1)}, NoRowBounds), "equal integers of different types")
	assert.NotEqual(t, base, keyFor(map[string]any{"id": 2}, NoRowBounds))
	assert.NotEqual(t, base, keyFor(map[string]any{"id": 1}, RowBounds{Limit: 5}))

	c.EnvironmentID = "prod"
	assert.NotEqual(t, base, keyFor(map[string]any{"id": 1}, NoRowBounds), "the environment is part of the key")
}

func TestUpdateAssignsGeneratedKeys(t *testing.T) {
	c, db := setup(t, nil)
	e := newSimple(t, c, db)
	ctx := context.Background()
	ms := statement(t, c, "blog.insertAuthor")

	param := map[string]any{"username": "bob", "email": nil}
	n, err := e.Update(ctx, ms, param)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, int64(3), param["id"])

	a := &Author{Username: "carol"}
	_, err = e.Update(ctx, ms, a)
	require.NoError(t, err)
	assert.Equal(t, int64(4), a.ID)

	_, err = e.Update(ctx, ms, Author{Username: "dave"})
	var ee *errs.ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Contains(t, err.Error(), "pass a pointer")
}

func TestUpdateRunsSelectKey(t *testing.T) {
	c, db := setup(t, nil)
	e := newSimple(t, c, db)
	ctx := context.Background()

	b := &Blog{Title: "Keyed"}
	n, err := e.Update(ctx, statement(t, c, "blog.insertBlogKeyBefore"), b)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, int64(12), b.ID, "the key is read before the insert runs")

	list, err := e.Query(ctx, statement(t, c, "blog.selectBlog"), map[string]any{"id": 12}, NoRowBounds, nil)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Keyed", list[0].(map[string]any)["title"])

	param := map[string]any{"username": "zed", "email": nil}
	_, err = e.Update(ctx, statement(t, c, "blog.insertAuthorKeyAfter"), param)
	require.NoError(t, err)
	assert.Equal(t, int64(3), param["id"])
	assert.Equal(t, "zed@example.com", param["email"])

	_, err = e.Update(ctx, statement(t, c, "blog.insertBlogNoKey"), &Blog{Title: "Lost"})
	var ee *errs.ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "blog.insertBlogNoKey!selectKey", ee.Statement)
	assert.Contains(t, err.Error(), "selectKey returned no data")

	all, err := e.Query(ctx, statement(t, c, "blog.selectBlogs"), nil, NoRowBounds, nil)
	require.NoError(t, err)
	assert.Len(t, all, 3, "the insert does not run without a key")
}

func TestCursor(t *testing.T) {
	c, db := setup(t, nil)
	e := newSimple(t, c, db)
	ctx := context.Background()
	ms := statement(t, c, "blog.selectBlogs")

	cur, err := e.QueryCursor(ctx, ms, nil, NoRowBounds)
	require.NoError(t, err)
	var ids []int64
	for cur.Next() {
		ids = append(ids, cur.Value().(map[string]any)["id"].(int64))
	}
	require.NoError(t, cur.Err())
	assert.Equal(t, []int64{1, 2}, ids)
	assert.False(t, cur.IsOpen())
	assert.Equal(t, 2, cur.Count())

	cur, err = e.QueryCursor(ctx, ms, nil, RowBounds{Offset: 1, Limit: 5})
	require.NoError(t, err)
	all, err := cur.All()
	require.NoError(t, err)
	assert.Equal(t, []any{map[string]any{"id": int64(2), "title": "Bally Slog"}}, all)

	_, err = e.QueryCursor(ctx, statement(t, c, "blog.selectBlogsWithPosts"), nil, NoRowBounds)
	assert.Error(t, err, "nested result maps cannot be streamed")
}

func TestDriverErrorsAreExecutionErrors(t *testing.T) {
	c, db := setup(t, nil)
	e := newSimple(t, c, db)

	_, err := e.Query(context.Background(), statement(t, c, "blog.selectMissing"), nil, NoRowBounds, nil)
	var ee *errs.ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "blog.selectMissing", ee.Statement)
	assert.Contains(t, err.Error(), "no such table")
}

func TestClosedExecutor(t *testing.T) {
	c, db := setup(t, nil)
	e := NewSimple(c, NewDBTransaction(db, false, nil))
	require.NoError(t, e.Close(false))
	assert.True(t, e.IsClosed())

	_, err := e.Query(context.Background(), statement(t, c, "blog.selectBlogs"), nil, NoRowBounds, nil)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = e.Update(context.Background(), statement(t, c, "blog.renameBlog"), map[string]any{"id": 1, "title": "x"})
	assert.ErrorIs(t, err, ErrClosed)
	assert.Error(t, e.Commit(true))
	assert.NoError(t, e.Close(false))
}

func TestRollbackDiscardsChanges(t *testing.T) {
	c, db := setup(t, nil)
	ctx := context.Background()

	e := NewSimple(c, NewDBTransaction(db, false, nil))
	_, err := e.Update(ctx, statement(t, c, "blog.renameBlog"), map[string]any{"id": 1, "title": "Gone"})
	require.NoError(t, err)
	require.NoError(t, e.Rollback(true))
	require.NoError(t, e.Close(false))

	var title string
	require.NoError(t, db.QueryRow("SELECT title FROM blog WHERE id = 1").Scan(&title))
	assert.Equal(t, "Jim Business", title)
}

func TestUnderscoreToCamel(t *testing.T) {
	tests := map[string]string{
		"author_name": "authorName",
		"AUTHOR_NAME": "authorName",
		"id":          "id",
		"_id":         "id",
		"a__b":        "aB",
	}
	for in, want := range tests {
		assert.Equal(t, want, underscoreToCamel(in), in)
	}
}
