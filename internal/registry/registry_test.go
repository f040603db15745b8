package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sqlmap/internal/cache"
	"github.com/roach88/sqlmap/internal/errs"
	"github.com/roach88/sqlmap/internal/node"
)

func TestStrictMapShortNames(t *testing.T) {
	r := New()
	require.NoError(t, r.AddResultMap(NewResultMap("blog.detail", nil, nil, nil, nil)))

	rm, err := r.ResultMap("detail")
	require.NoError(t, err)
	assert.Equal(t, "blog.detail", rm.ID)

	err = r.AddResultMap(NewResultMap("blog.detail", nil, nil, nil, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already contains a value for blog.detail")

	require.NoError(t, r.AddResultMap(NewResultMap("author.detail", nil, nil, nil, nil)))
	_, err = r.ResultMap("detail")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ambiguous")

	_, err = r.ResultMap("author.detail")
	assert.NoError(t, err)
}

func TestGetUnknownIsNotFound(t *testing.T) {
	r := New()
	for _, kind := range []Kind{KindResultMap, KindStatement, KindCache, KindFragment} {
		_, err := r.Get(kind, "nope.missing")
		assert.True(t, errs.IsNotFound(err), "%s: %v", kind, err)
	}
}

func TestRegisterAndGetByKind(t *testing.T) {
	r := New()
	c, err := cache.Builder{ID: "blog"}.Build()
	require.NoError(t, err)

	require.NoError(t, r.Register(NamedCache{c}))
	require.NoError(t, r.Register(&MappedStatement{ID: "blog.find"}))
	require.NoError(t, r.Register(&Fragment{ID: "blog.cols", Node: node.NewText("id")}))
	require.NoError(t, r.Register(NewResultMap("blog.row", nil, nil, nil, nil)))

	e, err := r.Get(KindCache, "blog")
	require.NoError(t, err)
	assert.Equal(t, "blog", e.EntryID())

	e, err = r.Get(KindStatement, "find")
	require.NoError(t, err)
	assert.Equal(t, "blog.find", e.EntryID())

	e, err = r.Get(KindFragment, "blog.cols")
	require.NoError(t, err)
	assert.Equal(t, KindFragment, e.EntryKind())

	assert.Len(t, r.Statements(), 1)
	assert.Len(t, r.Caches(), 1)
	assert.True(t, r.HasFragment("blog.cols"))
}

func TestNewResultMapDerivedSets(t *testing.T) {
	rm := NewResultMap("blog.row", nil, []ResultMapping{
		{Property: "id", Column: "blog_id", Flags: FlagID},
		{Property: "title", Column: "title"},
		{Property: "author", NestedResultMap: "author.row"},
		{Property: "posts", NestedSelect: "post.byBlog", Column: "blog_id"},
		{Property: "name", Column: "name", Flags: FlagConstructor},
	}, nil, nil)

	assert.Len(t, rm.IDMappings, 1)
	assert.Len(t, rm.ConstructorMappings, 1)
	assert.Len(t, rm.PropertyMappings, 4)
	assert.True(t, rm.HasNestedResultMaps)
	assert.True(t, rm.HasNestedQueries)
	assert.True(t, rm.MappedColumns["BLOG_ID"])
	assert.True(t, rm.MappedProperties["title"])

	noIDs := NewResultMap("x", nil, []ResultMapping{{Property: "a", Column: "a"}, {Property: "b", Column: "b"}}, nil, nil)
	assert.Len(t, noIDs.IDMappings, 2)
}

func TestDiscriminatorInheritsNesting(t *testing.T) {
	r := New()
	parent := NewResultMap("v.vehicle", nil, nil, nil, &Discriminator{Cases: map[string]string{"1": "v.car"}})
	require.NoError(t, r.AddResultMap(parent))
	assert.False(t, parent.HasNestedResultMaps)

	car := NewResultMap("v.car", nil, []ResultMapping{{Property: "engine", NestedResultMap: "v.engine"}}, nil, nil)
	require.NoError(t, r.AddResultMap(car))
	assert.True(t, parent.HasNestedResultMaps)
}

// chain registers result map name once parent is present.
func chain(r *Registry, name, parent string) *Deferred {
	return &Deferred{
		Kind: KindResultMap,
		ID:   name,
		Build: func() error {
			if parent != "" && !r.HasResultMap(parent) {
				return errs.NewUnresolvedReference(parent, "could not find parent result map %s", parent)
			}
			return r.AddResultMap(NewResultMap(name, nil, nil, nil, nil))
		},
	}
}

func TestCheckpointAttemptsEachEntryOncePerRound(t *testing.T) {
	r := New()
	// Reverse order: ns.c needs ns.b needs ns.a, queued child first.
	c := chain(r, "ns.c", "ns.b")
	b := chain(r, "ns.b", "ns.a")
	require.NoError(t, r.Attempt(c))
	require.NoError(t, r.Attempt(b))
	require.Len(t, r.Pending(), 2)

	require.NoError(t, r.Attempt(chain(r, "ns.a", "")))

	stats, err := r.Checkpoint()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Attempted)
	assert.Equal(t, 1, stats.Resolved, "c is tried before b registers")
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, []*Deferred{c}, r.Pending())
	assert.Equal(t, 2, c.Attempts())

	stats, err = r.Checkpoint()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Resolved)
	assert.Empty(t, r.Pending())
}

func TestFinishConvergesForAnyOrder(t *testing.T) {
	r := New()
	names := []string{"ns.e", "ns.d", "ns.c", "ns.b"}
	parents := []string{"ns.d", "ns.c", "ns.b", "ns.a"}
	for i := range names {
		require.NoError(t, r.Attempt(chain(r, names[i], parents[i])))
	}
	require.NoError(t, r.Attempt(chain(r, "ns.a", "")))

	require.NoError(t, r.Finish())
	assert.Empty(t, r.Pending())
	for _, n := range append(names, "ns.a") {
		assert.True(t, r.HasResultMap(n), n)
	}
	assert.NoError(t, r.Unresolved())
}

func TestLookupOfPendingEntryIsUnresolved(t *testing.T) {
	r := New()
	require.NoError(t, r.Attempt(chain(r, "ns.child", "ns.parent")))
	require.NoError(t, r.Finish())

	_, err := r.ResultMap("ns.child")
	require.Error(t, err)
	var ue *errs.UnresolvedReferenceError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, "ns.parent", ue.Missing)
	assert.Equal(t, "ns.child", ue.Name)

	_, err = r.ResultMap("child")
	assert.True(t, errs.IsUnresolved(err), "short names find pending entries too")

	assert.True(t, errs.IsUnresolved(r.Unresolved()))
}

func TestCheckpointStopsOnFatalError(t *testing.T) {
	r := New()
	boom := errs.NewCompileError(errs.CodeInvalidDefinition, "broken")
	tries := 0
	bad := &Deferred{Kind: KindStatement, ID: "ns.bad", Build: func() error {
		tries++
		if tries == 1 {
			return errs.NewUnresolvedReference("ns.x", "missing")
		}
		return boom
	}}
	require.NoError(t, r.Attempt(bad))

	_, err := r.Checkpoint()
	assert.ErrorIs(t, err, boom)
}

func TestAttemptReturnsFatalErrors(t *testing.T) {
	r := New()
	err := r.Attempt(&Deferred{Kind: KindStatement, ID: "ns.s", Build: func() error {
		return errs.NewCompileError(errs.CodeUnknownElement, "Unknown element <x> in SQL statement.")
	}})
	assert.True(t, errs.HasCode(err, errs.CodeUnknownElement))
	assert.Empty(t, r.Pending())
}

func TestPendingOrderByKind(t *testing.T) {
	r := New()
	var order []string
	record := func(kind Kind, id string) *Deferred {
		first := true
		return &Deferred{Kind: kind, ID: id, Build: func() error {
			if first {
				first = false
				return errs.NewUnresolvedReference("later", "later")
			}
			order = append(order, id)
			return nil
		}}
	}
	require.NoError(t, r.Attempt(record(KindStatement, "s1")))
	require.NoError(t, r.Attempt(record(KindCache, "c1")))
	require.NoError(t, r.Attempt(record(KindResultMap, "r1")))
	require.NoError(t, r.Attempt(record(KindStatement, "s2")))

	_, err := r.Checkpoint()
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "c1", "s1", "s2"}, order)
}
