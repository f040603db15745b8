package scripting

import (
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sqlmap/internal/errs"
	"github.com/roach88/sqlmap/internal/expr"
	"github.com/roach88/sqlmap/internal/node"
	"github.com/roach88/sqlmap/internal/sqlparam"
	"github.com/roach88/sqlmap/internal/typeconv"
)

const blogTemplate = `<select id="findActiveBlogLike">
  SELECT * FROM blog
  <where>
    <if test="state != null">state = #{state}</if>
    <choose>
      <when test="title != null">AND title like #{title}</when>
      <otherwise>AND featured = 1</otherwise>
    </choose>
    <foreach collection="ids" item="id" open="AND id IN (" separator="," close=")">#{id}</foreach>
  </where>
  ORDER BY ${orderBy}
</select>`

type BlogQuery struct {
	Title string
	State string
}

func newDriver() *Driver {
	return NewDriver(typeconv.NewRegistry())
}

func mustParse(t *testing.T, doc string) *node.Node {
	t.Helper()
	n, err := node.ParseXMLString(doc, "test.xml")
	require.NoError(t, err)
	return n
}

func bind(t *testing.T, d *Driver, doc string, param any) *sqlparam.Bound {
	t.Helper()
	src, err := d.CreateSource(mustParse(t, doc), nil)
	require.NoError(t, err)
	b, err := src.Bind(param)
	require.NoError(t, err)
	return b
}

func args(t *testing.T, d *Driver, b *sqlparam.Bound) []any {
	t.Helper()
	out, err := b.Args(d.Types)
	require.NoError(t, err)
	return out
}

func TestCompileGolden(t *testing.T) {
	root, dynamic, err := Compile(mustParse(t, blogTemplate))
	require.NoError(t, err)
	assert.True(t, dynamic)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "blog_template", []byte(Describe(root)))
}

func TestDynamicBindGolden(t *testing.T) {
	d := newDriver()
	b := bind(t, d, blogTemplate, map[string]any{
		"state":   "ACTIVE",
		"ids":     []int{1, 2},
		"orderBy": "title",
	})

	var out strings.Builder
	out.WriteString(b.SQL)
	out.WriteString("\n---\n")
	for _, m := range b.Mappings {
		out.WriteString(m.String())
		out.WriteString("\n")
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "blog_bound", []byte(out.String()))

	assert.Equal(t, []any{"ACTIVE", int64(1), int64(2)}, args(t, d, b))
	assert.Equal(t, []string{"state", "title", "ids", "orderBy"}, b.Referenced)
}

func TestForEachJoinsItems(t *testing.T) {
	d := newDriver()
	doc := `<select>SELECT * FROM t WHERE id IN <foreach collection="ids" item="id" open="(" separator="," close=")">#{id}</foreach></select>`

	b := bind(t, d, doc, map[string]any{"ids": []int{1, 2, 3}})
	assert.Equal(t, "SELECT * FROM t WHERE id IN (?,?,?)", b.SQL)
	assert.Equal(t, strings.Count(b.SQL, "?"), len(b.Mappings))
	assert.Equal(t, []any{int64(1), int64(2), int64(3)}, args(t, d, b))

	b = bind(t, d, doc, map[string]any{"ids": []int{}})
	assert.Equal(t, "SELECT * FROM t WHERE id IN", b.SQL)
	assert.Empty(t, b.Mappings)
}

func TestForEachMapIteratesInKeyOrder(t *testing.T) {
	d := newDriver()
	doc := `<select>UPDATE t SET <foreach collection="cols" index="k" item="v" separator=", ">${k} = #{v}</foreach></select>`

	b := bind(t, d, doc, map[string]any{"cols": map[string]int{"b": 2, "a": 1}})
	assert.Equal(t, "UPDATE t SET a = ?, b = ?", b.SQL)
	assert.Equal(t, []any{int64(1), int64(2)}, args(t, d, b))
}

func TestForEachRestoresShadowedName(t *testing.T) {
	d := newDriver()
	doc := `<select>SELECT * FROM t WHERE id IN <foreach collection="ids" item="id" open="(" separator="," close=")">#{id}</foreach> AND owner = #{id}</select>`

	b := bind(t, d, doc, map[string]any{"id": 9, "ids": []int{1, 2}})
	assert.Equal(t, "SELECT * FROM t WHERE id IN (?,?) AND owner = ?", b.SQL)
	assert.Equal(t, []any{int64(1), int64(2), int64(9)}, args(t, d, b))
}

func TestForEachStructItems(t *testing.T) {
	d := newDriver()
	doc := `<insert>INSERT INTO blog (title, state) VALUES <foreach collection="list" item="b" separator=",">(#{b.title}, #{b.state})</foreach></insert>`

	b := bind(t, d, doc, map[string]any{"list": []BlogQuery{{Title: "a", State: "x"}, {Title: "b", State: "y"}}})
	assert.Equal(t, "INSERT INTO blog (title, state) VALUES (?, ?),(?, ?)", b.SQL)
	assert.Equal(t, []any{"a", "x", "b", "y"}, args(t, d, b))
}

func TestForEachNullCollection(t *testing.T) {
	d := newDriver()

	src, err := d.CreateSource(mustParse(t, `<select>SELECT 1 <foreach collection="ids" item="id">#{id}</foreach></select>`), nil)
	require.NoError(t, err)
	_, err = src.Bind(map[string]any{})
	var ee *expr.Error
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "ids", ee.Expr)
	assert.Contains(t, err.Error(), "evaluated to a null value")
	assert.False(t, errs.IsCompileError(err), "a runtime evaluation failure is not a compile error")

	_, err = src.Bind(map[string]any{"ids": 7})
	require.ErrorAs(t, err, &ee)
	assert.Contains(t, err.Error(), "was not iterable")

	b := bind(t, d, `<select>SELECT 1 <foreach collection="ids" item="id" nullable="true">#{id}</foreach></select>`, map[string]any{})
	assert.Equal(t, "SELECT 1", b.SQL)

	d.NullableOnForEach = true
	b = bind(t, d, `<select>SELECT 1 <foreach collection="ids" item="id">#{id}</foreach></select>`, map[string]any{})
	assert.Equal(t, "SELECT 1", b.SQL)
}

func TestChooseFirstTrueWins(t *testing.T) {
	d := newDriver()
	doc := `<select><choose><when test="a">A</when><when test="b">B</when><otherwise>C</otherwise></choose></select>`

	tests := []struct {
		a, b bool
		want string
	}{
		{false, true, "B"},
		{true, true, "A"},
		{true, false, "A"},
		{false, false, "C"},
	}
	for _, tt := range tests {
		b := bind(t, d, doc, map[string]any{"a": tt.a, "b": tt.b})
		assert.Equal(t, tt.want, b.SQL)
	}
}

func TestWhereStripsLeadingConnector(t *testing.T) {
	d := newDriver()
	doc := `<select>SELECT * FROM t <where><if test="a">AND x=1</if><if test="b">AND y=2</if></where></select>`

	tests := []struct {
		a, b bool
		want string
	}{
		{true, true, "SELECT * FROM t WHERE x=1 AND y=2"},
		{false, true, "SELECT * FROM t WHERE y=2"},
		{false, false, "SELECT * FROM t"},
	}
	for _, tt := range tests {
		b := bind(t, d, doc, map[string]any{"a": tt.a, "b": tt.b})
		assert.Equal(t, tt.want, b.SQL)
	}
}

func TestWhereOverrideIsCaseInsensitive(t *testing.T) {
	d := newDriver()
	b := bind(t, d, "<select>SELECT * FROM t <where>or\tx=1</where></select>", map[string]any{})
	assert.Equal(t, "SELECT * FROM t WHERE x=1", b.SQL)

	b = bind(t, d, "<select>SELECT * FROM t <where>ORDER_NO = 1</where></select>", map[string]any{})
	assert.Equal(t, "SELECT * FROM t WHERE ORDER_NO = 1", b.SQL)
}

func TestSetDropsTrailingComma(t *testing.T) {
	d := newDriver()
	doc := `<update>UPDATE t <set><if test="a != null">a=#{a},</if><if test="b != null">b=#{b},</if></set> WHERE id=#{id}</update>`

	b := bind(t, d, doc, map[string]any{"a": 1, "b": 2, "id": 3})
	assert.Equal(t, "UPDATE t SET a=?, b=? WHERE id=?", b.SQL)
	assert.Equal(t, []any{int64(1), int64(2), int64(3)}, args(t, d, b))

	b = bind(t, d, doc, map[string]any{"a": 1, "id": 3})
	assert.Equal(t, "UPDATE t SET a=? WHERE id=?", b.SQL)
}

func TestTrimPrefixAndSuffix(t *testing.T) {
	d := newDriver()
	b := bind(t, d, `<select>VALUES <trim prefix="(" suffix=")" suffixOverrides=",">a,b,</trim></select>`, nil)
	assert.Equal(t, "VALUES ( a,b )", b.SQL)

	b = bind(t, d, `<select>SELECT 1<trim prefix="WHERE"> </trim></select>`, nil)
	assert.Equal(t, "SELECT 1", b.SQL)
}

func TestTrimBodyOfOnlyOverridesIsDropped(t *testing.T) {
	d := newDriver()
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"set comma", `<update>UPDATE t <set>,</set></update>`, "UPDATE t"},
		{"where connector", `<select>SELECT * FROM t <where> AND </where></select>`, "SELECT * FROM t"},
		{"where lower-case connector", `<select>SELECT * FROM t <where>or</where></select>`, "SELECT * FROM t"},
		{"trim suffix", `<select>VALUES <trim prefix="(" suffix=")" suffixOverrides=",">,</trim></select>`, "VALUES"},
		{"where keeps words starting with a connector", `<select>SELECT * FROM t <where>ANDROID = 1</where></select>`, "SELECT * FROM t WHERE ANDROID = 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, bind(t, d, tt.doc, map[string]any{}).SQL)
		})
	}

	root, _, err := Compile(mustParse(t, `<select><set>,</set></select>`))
	require.NoError(t, err)
	ok, err := root.(*Composite).Children[0].Apply(NewEnv(d.Eval, nil, "", false))
	require.NoError(t, err)
	assert.False(t, ok, "an emptied set contributes nothing")
}

func TestBindElement(t *testing.T) {
	d := newDriver()
	doc := `<select><bind name="pattern" value="'%' + title + '%'"/>SELECT * FROM blog WHERE title LIKE #{pattern}</select>`

	b := bind(t, d, doc, &BlogQuery{Title: "Go"})
	assert.Equal(t, "SELECT * FROM blog WHERE title LIKE ?", b.SQL)
	assert.Equal(t, []any{"%Go%"}, args(t, d, b))
}

func TestSubstitutionIsInsertedVerbatim(t *testing.T) {
	d := newDriver()
	b := bind(t, d, `<select>SELECT * FROM t ORDER BY ${col}</select>`, map[string]any{"col": "name"})
	assert.Equal(t, "SELECT * FROM t ORDER BY name", b.SQL)
	assert.Empty(t, b.Mappings)
}

func TestSimpleParameterAnswersAnyName(t *testing.T) {
	d := newDriver()
	b := bind(t, d, `<select>SELECT * FROM t <if test="id != null">WHERE id = #{id}</if></select>`, 5)
	assert.Equal(t, "SELECT * FROM t WHERE id = ?", b.SQL)
	assert.Equal(t, []any{int64(5)}, args(t, d, b))
}

func TestDatabaseIDBinding(t *testing.T) {
	d := newDriver()
	d.DatabaseID = "sqlite"
	doc := `<select>SELECT * FROM t <if test="_databaseId == 'sqlite'">LIMIT 1</if></select>`
	assert.Equal(t, "SELECT * FROM t LIMIT 1", bind(t, d, doc, nil).SQL)

	d.DatabaseID = "postgres"
	assert.Equal(t, "SELECT * FROM t", bind(t, d, doc, nil).SQL)
}

func TestStaticSourceIgnoresInvocationOrder(t *testing.T) {
	d := newDriver()
	src, err := d.CreateSource(mustParse(t, `<select>SELECT * FROM blog WHERE id = #{id} AND title = #{title}</select>`), nil)
	require.NoError(t, err)
	require.IsType(t, &StaticSource{}, src)

	first, err := src.Bind(map[string]any{"id": 1})
	require.NoError(t, err)
	second, err := src.Bind(&BlogQuery{Title: "x"})
	require.NoError(t, err)
	third, err := src.Bind(map[string]any{"id": 1})
	require.NoError(t, err)

	assert.Equal(t, "SELECT * FROM blog WHERE id = ? AND title = ?", first.SQL)
	assert.Equal(t, first.SQL, second.SQL)
	assert.Equal(t, first.Mappings, second.Mappings)
	assert.Equal(t, first.Mappings, third.Mappings)
}

func TestDynamicSourceReinvocationIsStable(t *testing.T) {
	d := newDriver()
	src, err := d.CreateSource(mustParse(t, blogTemplate), nil)
	require.NoError(t, err)
	require.IsType(t, &DynamicSource{}, src)

	first, err := src.Bind(map[string]any{"state": "ACTIVE", "title": "Go%", "ids": []int{1, 2, 3}, "orderBy": "id"})
	require.NoError(t, err)
	second, err := src.Bind(map[string]any{"state": "DRAFT", "title": "Rust%", "ids": []int{7, 8, 9}, "orderBy": "id"})
	require.NoError(t, err)

	assert.Equal(t, first.SQL, second.SQL, "same branches taken, same SQL")
	assert.Equal(t, strings.Count(first.SQL, "?"), len(first.Mappings))
	assert.Equal(t, strings.Count(second.SQL, "?"), len(second.Mappings))
	require.Len(t, second.Mappings, len(first.Mappings))
	for i := range first.Mappings {
		assert.Equal(t, first.Mappings[i].Property, second.Mappings[i].Property)
		assert.Equal(t, first.Mappings[i].String(), second.Mappings[i].String())
	}

	firstArgs := args(t, d, first)
	secondArgs := args(t, d, second)
	assert.Equal(t, []any{"ACTIVE", "Go%", int64(1), int64(2), int64(3)}, firstArgs)
	assert.Equal(t, []any{"DRAFT", "Rust%", int64(7), int64(8), int64(9)}, secondArgs)

	again, err := src.Bind(map[string]any{"state": "ACTIVE", "title": "Go%", "ids": []int{1, 2, 3}, "orderBy": "id"})
	require.NoError(t, err)
	assert.Equal(t, first.SQL, again.SQL)
	assert.Equal(t, first.Mappings, again.Mappings)
	assert.Equal(t, firstArgs, args(t, d, again))
}

func TestCreateSourceFromText(t *testing.T) {
	d := newDriver()

	src, err := d.CreateSourceFromText("SELECT * FROM t WHERE id = #{id}", nil)
	require.NoError(t, err)
	assert.IsType(t, &StaticSource{}, src)

	src, err = d.CreateSourceFromText("SELECT * FROM ${table}", nil)
	require.NoError(t, err)
	b, err := src.Bind(map[string]any{"table": "users"})
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM users", b.SQL)

	src, err = d.CreateSourceFromText(`<script>SELECT * FROM t <where><if test="id != null">id = #{id}</if></where></script>`, nil)
	require.NoError(t, err)
	b, err = src.Bind(map[string]any{"id": 4})
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM t WHERE id = ?", b.SQL)
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		code errs.Code
		msg  string
	}{
		{"unknown element", `<select>SELECT <unknown/></select>`, errs.CodeUnknownElement, "Unknown element <unknown> in SQL statement."},
		{"leftover include", `<select>SELECT <include refid="cols"/></select>`, errs.CodeUnknownElement, "Unknown element <include> in SQL statement."},
		{"two otherwise", `<select><choose><otherwise>A</otherwise><otherwise>B</otherwise></choose></select>`, errs.CodeDuplicateDefault, "Too many default (otherwise) elements in choose statement."},
		{"if without test", `<select><if>A</if></select>`, errs.CodeInvalidDefinition, "<if> requires a test attribute"},
		{"foreach without collection", `<select><foreach item="x">A</foreach></select>`, errs.CodeInvalidDefinition, "<foreach> requires a collection attribute"},
		{"bad nullable", `<select><foreach collection="x" nullable="maybe">A</foreach></select>`, errs.CodeInvalidDefinition, "nullable must be true or false"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Compile(mustParse(t, tt.doc))
			require.Error(t, err)
			assert.True(t, errs.HasCode(err, tt.code), "got %v", err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestStaticBodyIsNotDynamic(t *testing.T) {
	_, dynamic, err := Compile(mustParse(t, `<select>SELECT * FROM t WHERE a = #{a} AND b = '\${literal}'</select>`))
	require.NoError(t, err)
	assert.False(t, dynamic)
}

func TestMalformedMarkerSurfacesAtBind(t *testing.T) {
	d := newDriver()
	src, err := d.CreateSource(mustParse(t, `<select>SELECT * FROM t <if test="true">WHERE a = #{a,color=red}</if></select>`), nil)
	require.NoError(t, err)
	_, err = src.Bind(nil)
	assert.True(t, errs.HasCode(err, errs.CodeMalformedBindMarker))
}
