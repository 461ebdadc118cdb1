package expressions

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowd/internal/store"
)

func testScope() *Scope {
	return &Scope{
		Data: map[string]any{
			"user": map[string]any{
				"name": "Ada",
				"age":  float64(36),
				"tags": []any{"admin", "ops"},
			},
			"count":   float64(3),
			"enabled": true,
		},
		Env:     map[string]string{"API_URL": "https://api.internal"},
		BaseURL: "https://flowd.example.com",
	}
}

func TestResolve_ExactPlaceholderKeepsNativeType(t *testing.T) {
	r := NewResolver(nil, nil)
	ctx := context.Background()
	scope := testScope()

	assert.Equal(t, float64(36), r.Resolve(ctx, "{user.age}", scope))
	assert.Equal(t, true, r.Resolve(ctx, "{enabled}", scope))
	assert.Equal(t, []any{"admin", "ops"}, r.Resolve(ctx, "{user.tags}", scope))

	obj, ok := r.Resolve(ctx, "{user}", scope).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Ada", obj["name"])
}

func TestResolve_MixedStringStringifies(t *testing.T) {
	r := NewResolver(nil, nil)
	ctx := context.Background()
	scope := testScope()

	got := r.Resolve(ctx, "hello {user.name}, you have {count} items", scope)
	assert.Equal(t, "hello Ada, you have 3 items", got)

	// Composites embed as JSON.
	got = r.Resolve(ctx, "tags: {user.tags}", scope)
	assert.Equal(t, `tags: ["admin","ops"]`, got)
}

func TestResolve_UnresolvedStaysVerbatim(t *testing.T) {
	r := NewResolver(nil, nil)
	ctx := context.Background()
	scope := testScope()

	assert.Equal(t, "{missing.path}", r.Resolve(ctx, "{missing.path}", scope))
	assert.Equal(t, "x {missing} y", r.Resolve(ctx, "x {missing} y", scope))
}

func TestResolve_NonPlaceholderBracesUntouched(t *testing.T) {
	r := NewResolver(nil, nil)
	ctx := context.Background()

	raw := `{"json": "literal", "n": 1}`
	assert.Equal(t, raw, r.Resolve(ctx, raw, testScope()))
}

func TestResolve_WalksContainers(t *testing.T) {
	r := NewResolver(nil, nil)
	ctx := context.Background()
	scope := testScope()

	template := map[string]any{
		"greeting": "hi {user.name}",
		"age":      "{user.age}",
		"nested":   []any{"{count}", 7, nil},
	}
	got, ok := r.Resolve(ctx, template, scope).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hi Ada", got["greeting"])
	assert.Equal(t, float64(36), got["age"])
	assert.Equal(t, []any{float64(3), 7, nil}, got["nested"])
}

func TestResolve_ReservedPaths(t *testing.T) {
	r := NewResolver(nil, nil)
	ctx := context.Background()
	scope := testScope()

	now, ok := r.Resolve(ctx, "{now}", scope).(string)
	require.True(t, ok)
	assert.Contains(t, now, "T") // RFC3339

	id1, _ := r.Resolve(ctx, "{randomUUID}", scope).(string)
	id2, _ := r.Resolve(ctx, "{randomUUID}", scope).(string)
	assert.Len(t, id1, 36)
	assert.NotEqual(t, id1, id2)

	assert.Equal(t, "https://flowd.example.com", r.Resolve(ctx, "{baseUrl}", scope))
	assert.Equal(t, "https://api.internal", r.Resolve(ctx, "{env.API_URL}", scope))
	assert.Equal(t, "{env.MISSING}", r.Resolve(ctx, "{env.MISSING}", scope))
}

func TestResolve_RecursionIsBounded(t *testing.T) {
	r := NewResolver(nil, nil)
	ctx := context.Background()

	// a resolves to a string containing b; b resolves to a literal.
	scope := &Scope{Data: map[string]any{
		"a": "{b}",
		"b": "final",
	}}
	assert.Equal(t, "final", r.Resolve(ctx, "{a}", scope))

	// Self-referential data must not loop forever.
	scope = &Scope{Data: map[string]any{"loop": "{loop}"}}
	got := r.Resolve(ctx, "{loop}", scope)
	assert.Equal(t, "{loop}", got)
}

func TestResolveString_CoercesToString(t *testing.T) {
	r := NewResolver(nil, nil)
	got := r.ResolveString(context.Background(), "{count}", testScope())
	assert.Equal(t, "3", got)
}

// fakeRelationStore serves a fixed model graph and records the hops it
// was asked to join.
type fakeRelationStore struct {
	models map[string]*store.Model
	joined map[string]any
	hops   []store.RelationHop
}

func (f *fakeRelationStore) GetModel(_ context.Context, name string) (*store.Model, error) {
	m, ok := f.models[name]
	if !ok {
		return nil, assert.AnError
	}
	return m, nil
}

func (f *fakeRelationStore) ResolveRelationChain(_ context.Context, _, _ string, hops []store.RelationHop) (map[string]any, error) {
	f.hops = hops
	return f.joined, nil
}

func TestResolve_RelationChainSingleQuery(t *testing.T) {
	fake := &fakeRelationStore{
		models: map[string]*store.Model{
			"order": {Name: "order", Fields: []store.Field{
				{Name: "customer", Type: "relation", Target: "customer"},
			}},
			"customer": {Name: "customer", Fields: []store.Field{
				{Name: "company", Type: "relation", Target: "company"},
				{Name: "name", Type: "string"},
			}},
			"company": {Name: "company", Fields: []store.Field{
				{Name: "name", Type: "string"},
			}},
		},
		joined: map[string]any{
			"customer": map[string]any{
				"name":    "Bob",
				"company": map[string]any{"name": "Acme"},
			},
		},
	}
	r := NewResolver(fake, nil)

	scope := &Scope{
		Data: map[string]any{
			"doc": map[string]any{"id": "or-1", "total": float64(99)},
		},
		Docs: map[string]string{"doc": "order"},
	}

	got := r.Resolve(context.Background(), "{doc.customer.company.name}", scope)
	assert.Equal(t, "Acme", got)
	require.Len(t, fake.hops, 2)
	assert.Equal(t, "customer", fake.hops[0].Field)
	assert.Equal(t, "company", fake.hops[1].Field)
}

func TestResolve_NonRelationPathFallsBackToPlainLookup(t *testing.T) {
	fake := &fakeRelationStore{
		models: map[string]*store.Model{
			"order": {Name: "order", Fields: []store.Field{
				{Name: "total", Type: "number"},
			}},
		},
	}
	r := NewResolver(fake, nil)

	scope := &Scope{
		Data: map[string]any{
			"doc": map[string]any{"id": "or-1", "total": float64(99)},
		},
		Docs: map[string]string{"doc": "order"},
	}

	assert.Equal(t, float64(99), r.Resolve(context.Background(), "{doc.total}", scope))
	assert.Empty(t, fake.hops)
}

func TestIsPathToken(t *testing.T) {
	valid := []string{"a", "a.b.c", "user_name", "items.0.id", "env.API-KEY"}
	for _, s := range valid {
		assert.True(t, isPathToken(s), s)
	}
	invalid := []string{"", " a", "a b", `"json"`, "a.", ".a", "a{b}"}
	for _, s := range invalid {
		assert.False(t, isPathToken(s), s)
	}
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "null", stringify(nil))
	assert.Equal(t, "true", stringify(true))
	assert.Equal(t, "1.5", stringify(1.5))
	assert.Equal(t, "42", stringify(42))
	assert.Equal(t, `{"a":1}`, stringify(map[string]any{"a": 1}))
	assert.False(t, strings.Contains(stringify("plain"), `"`))
}
