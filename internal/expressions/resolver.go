package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/itchyny/gojq"

	"github.com/rendis/flowd/internal/store"
)

// maxResolveDepth bounds re-resolution when a resolved value itself
// contains placeholders.
const maxResolveDepth = 8

// Scope holds everything a single resolution pass can see.
type Scope struct {
	// Data is the run's context data: trigger payload, accumulated
	// action outputs, anything a prior step merged in.
	Data map[string]any
	// Env is the owner's configuration variables, already loaded.
	Env map[string]string
	// BaseURL is the platform's public base URL.
	BaseURL string
	// Docs maps a context key holding a document to that document's
	// model name. Keys present here are eligible for relation-chain
	// resolution.
	Docs map[string]string
}

// RelationStore is the slice of the store the resolver needs for
// relation-chain paths.
type RelationStore interface {
	GetModel(ctx context.Context, name string) (*store.Model, error)
	ResolveRelationChain(ctx context.Context, model, docID string, hops []store.RelationHop) (map[string]any, error)
}

// Resolver replaces {path} placeholders in templates with values from a
// Scope. Templates may be strings or arbitrarily nested maps/slices;
// the output keeps the input's shape.
type Resolver struct {
	store  RelationStore
	logger *slog.Logger

	mu      sync.RWMutex
	queries map[string]*gojq.Query
}

// NewResolver creates a Resolver. The store is optional; without it,
// relation-chain paths fall back to plain lookups.
func NewResolver(st RelationStore, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:   st,
		logger:  logger,
		queries: make(map[string]*gojq.Query),
	}
}

// Resolve walks the template and substitutes every placeholder it can
// resolve. Non-string leaves pass through unchanged; unresolvable
// placeholders stay verbatim.
func (r *Resolver) Resolve(ctx context.Context, template any, scope *Scope) any {
	switch v := template.(type) {
	case string:
		return r.resolveString(ctx, v, scope, 0)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = r.Resolve(ctx, val, scope)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = r.Resolve(ctx, val, scope)
		}
		return out
	default:
		return template
	}
}

// ResolveString resolves placeholders in a single string, returning the
// substituted string form.
func (r *Resolver) ResolveString(ctx context.Context, s string, scope *Scope) string {
	resolved := r.resolveString(ctx, s, scope, 0)
	if str, ok := resolved.(string); ok {
		return str
	}
	return stringify(resolved)
}

// resolveString handles the two string cases: a string that IS exactly
// one placeholder yields the native value; a string that merely
// contains placeholders yields a string with each one stringified in
// place.
func (r *Resolver) resolveString(ctx context.Context, s string, scope *Scope, depth int) any {
	if depth >= maxResolveDepth || !strings.ContainsRune(s, '{') {
		return s
	}

	if path, ok := exactPlaceholder(s); ok {
		val, resolved := r.resolvePath(ctx, path, scope)
		if !resolved {
			return s
		}
		// A resolved string may itself carry placeholders. Recurse with
		// an equality guard so self-referential data can't loop.
		if str, ok := val.(string); ok && str != s {
			return r.resolveString(ctx, str, scope, depth+1)
		}
		return val
	}

	var out strings.Builder
	out.Grow(len(s))
	i := 0
	for i < len(s) {
		open := strings.IndexByte(s[i:], '{')
		if open == -1 {
			out.WriteString(s[i:])
			break
		}
		open += i
		out.WriteString(s[i:open])

		close := strings.IndexByte(s[open:], '}')
		if close == -1 {
			out.WriteString(s[open:])
			break
		}
		close += open

		path := s[open+1 : close]
		if !isPathToken(path) {
			// Not a placeholder (JSON braces, templates from other
			// systems). Keep the brace and keep scanning.
			out.WriteByte('{')
			i = open + 1
			continue
		}

		val, resolved := r.resolvePath(ctx, path, scope)
		if !resolved {
			out.WriteString(s[open : close+1])
		} else {
			out.WriteString(stringify(val))
		}
		i = close + 1
	}
	return out.String()
}

// resolvePath resolves a dotted path against the scope. The boolean
// reports whether anything was found; a found nil is still resolved.
func (r *Resolver) resolvePath(ctx context.Context, path string, scope *Scope) (any, bool) {
	switch {
	case path == "now":
		return time.Now().UTC().Format(time.RFC3339), true
	case path == "randomUUID":
		return uuid.NewString(), true
	case path == "baseUrl":
		return scope.BaseURL, true
	case strings.HasPrefix(path, "env."):
		name := strings.TrimPrefix(path, "env.")
		if val, ok := scope.Env[name]; ok {
			return val, true
		}
		return nil, false
	}

	if scope.Data == nil {
		return nil, false
	}

	segments := strings.Split(path, ".")

	// Relation chains take one query; try them before the plain walk.
	if val, ok := r.resolveRelationChain(ctx, segments, scope); ok {
		return val, true
	}

	return r.lookup(scope.Data, segments)
}

// resolveRelationChain resolves paths whose root is a document in
// context and whose following segments are declared relation fields.
// All hops collapse into a single joined query against the store; the
// remaining plain segments are walked over the joined result. Returns
// ok=false whenever the path does not qualify, letting the caller fall
// back to a plain lookup.
func (r *Resolver) resolveRelationChain(ctx context.Context, segments []string, scope *Scope) (any, bool) {
	if r.store == nil || len(segments) < 2 || len(scope.Docs) == 0 {
		return nil, false
	}
	rootModel, ok := scope.Docs[segments[0]]
	if !ok {
		return nil, false
	}
	docID, ok := documentID(scope.Data[segments[0]])
	if !ok {
		return nil, false
	}

	model, err := r.store.GetModel(ctx, rootModel)
	if err != nil {
		return nil, false
	}

	var hops []store.RelationHop
	for _, seg := range segments[1 : len(segments)-1] {
		field := model.RelationField(seg)
		if field == nil {
			break
		}
		hops = append(hops, store.RelationHop{Field: seg, TargetModel: field.Target})
		model, err = r.store.GetModel(ctx, field.Target)
		if err != nil {
			return nil, false
		}
	}
	if len(hops) == 0 {
		return nil, false
	}

	joined, err := r.store.ResolveRelationChain(ctx, rootModel, docID, hops)
	if err != nil {
		r.logger.WarnContext(ctx, "relation chain resolution failed",
			"path", strings.Join(segments, "."), "error", err)
		return nil, false
	}
	return r.lookup(joined, segments[1:])
}

// lookup walks nested maps/arrays with a compiled gojq query.
func (r *Resolver) lookup(root map[string]any, segments []string) (any, bool) {
	query, err := r.getOrParse(segments)
	if err != nil {
		return nil, false
	}
	iter := query.Run(root)
	v, ok := iter.Next()
	if !ok {
		return nil, false
	}
	if _, isErr := v.(error); isErr {
		return nil, false
	}
	if v == nil {
		// gojq yields null both for "found null" and "key absent";
		// treat both as a miss so the placeholder stays verbatim.
		return nil, false
	}
	return v, true
}

func (r *Resolver) getOrParse(segments []string) (*gojq.Query, error) {
	key := strings.Join(segments, ".")

	r.mu.RLock()
	if q, ok := r.queries[key]; ok {
		r.mu.RUnlock()
		return q, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queries[key]; ok {
		return q, nil
	}

	var sb strings.Builder
	for _, seg := range segments {
		if idx, err := strconv.Atoi(seg); err == nil {
			fmt.Fprintf(&sb, ".[%d]?", idx)
			continue
		}
		fmt.Fprintf(&sb, ".[%q]?", seg)
	}
	q, err := gojq.Parse(sb.String())
	if err != nil {
		return nil, fmt.Errorf("parse path %q: %w", key, err)
	}
	r.queries[key] = q
	return q, nil
}

// exactPlaceholder reports whether s is exactly one {path} token.
func exactPlaceholder(s string) (string, bool) {
	if len(s) < 3 || s[0] != '{' || s[len(s)-1] != '}' {
		return "", false
	}
	inner := s[1 : len(s)-1]
	if !isPathToken(inner) {
		return "", false
	}
	return inner, true
}

// isPathToken accepts dotted identifier paths: letters, digits,
// underscores, hyphens and dots. Anything else (spaces, quotes, nested
// braces) is treated as plain text.
func isPathToken(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '_', c == '-':
		default:
			return false
		}
	}
	return !strings.HasPrefix(s, ".") && !strings.HasSuffix(s, ".")
}

// documentID extracts a document id from a context value: either the
// value is the id itself or a document map carrying an "id" field.
func documentID(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, val != ""
	case map[string]any:
		id, ok := val["id"]
		if !ok {
			return "", false
		}
		return stringifyScalar(id)
	default:
		return "", false
	}
}

func stringifyScalar(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, val != ""
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case int:
		return strconv.Itoa(val), true
	case int64:
		return strconv.FormatInt(val, 10), true
	default:
		return "", false
	}
}

// stringify renders a resolved value for in-string substitution.
// Composites are JSON-encoded.
func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
