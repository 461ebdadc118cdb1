package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/flowd/pkg/schema"
)

// schemaCache caches compiled per-model JSON Schemas keyed by the raw
// schema text, so repeated document writes don't recompile.
var schemaCache = struct {
	mu sync.RWMutex
	m  map[string]*jsonschema.Schema
}{m: make(map[string]*jsonschema.Schema)}

func compileModelSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	key := string(raw)

	schemaCache.mu.RLock()
	if cached, ok := schemaCache.m[key]; ok {
		schemaCache.mu.RUnlock()
		return cached, nil
	}
	schemaCache.mu.RUnlock()

	schemaCache.mu.Lock()
	defer schemaCache.mu.Unlock()
	if cached, ok := schemaCache.m[key]; ok {
		return cached, nil
	}

	c := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal model schema: %w", err)
	}
	if err := c.AddResource("model.json", doc); err != nil {
		return nil, fmt.Errorf("add model schema resource: %w", err)
	}
	compiled, err := c.Compile("model.json")
	if err != nil {
		return nil, fmt.Errorf("compile model schema: %w", err)
	}
	schemaCache.m[key] = compiled
	return compiled, nil
}

// validateAgainstModel checks a document payload against the model's field
// schema when one is declared.
func (s *LibSQLStore) validateAgainstModel(ctx context.Context, model string, data map[string]any) error {
	m, err := s.GetModel(ctx, model)
	if err != nil {
		return err
	}
	if len(m.Schema) == 0 {
		return nil
	}
	compiled, err := compileModelSchema(m.Schema)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "model %q schema: %s", model, err.Error()).WithCause(err)
	}

	// Round-trip through JSON so numbers validate as json values.
	raw, err := json.Marshal(data)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "document payload is not JSON-serializable").WithCause(err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "document payload is not valid JSON").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "document does not match model %q: %s", model, err.Error()).WithCause(err)
	}
	return nil
}

// --- Models ---

func (s *LibSQLStore) PutModel(ctx context.Context, model *Model) error {
	fields, err := json.Marshal(model.Fields)
	if err != nil {
		return fmt.Errorf("marshal model fields: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO models (name, fields, schema) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET fields = excluded.fields, schema = excluded.schema`,
		model.Name, string(fields), nullRaw(model.Schema),
	)
	return err
}

func (s *LibSQLStore) GetModel(ctx context.Context, name string) (*Model, error) {
	m := &Model{Name: name}
	var fieldsJSON string
	var schemaJSON sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT fields, schema FROM models WHERE name = ?`, name,
	).Scan(&fieldsJSON, &schemaJSON)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("model", name)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &m.Fields); err != nil {
		return nil, fmt.Errorf("unmarshal model fields: %w", err)
	}
	m.Schema = rawOrNil(schemaJSON)
	return m, nil
}

// --- Documents ---

func (s *LibSQLStore) CreateDocument(ctx context.Context, doc *Document) error {
	if err := s.validateAgainstModel(ctx, doc.Model, doc.Data); err != nil {
		return err
	}
	data, err := marshalMapOrDefault(doc.Data)
	if err != nil {
		return fmt.Errorf("marshal document data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (model, id, data, owner, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		doc.Model, doc.ID, string(data), nullStr(doc.Owner),
		timeOrNow(doc.CreatedAt), timeOrNow(doc.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetDocument(ctx context.Context, model, id string) (*Document, error) {
	doc := &Document{Model: model}
	var dataJSON string
	var owner sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, data, owner, created_at, updated_at FROM documents WHERE model = ? AND id = ?`,
		model, id,
	).Scan(&doc.ID, &dataJSON, &owner, &doc.CreatedAt, &doc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("document", model+"/"+id)
	}
	if err != nil {
		return nil, err
	}
	doc.Owner = owner.String
	if err := json.Unmarshal([]byte(dataJSON), &doc.Data); err != nil {
		return nil, fmt.Errorf("unmarshal document data: %w", err)
	}
	return doc, nil
}

// selectorClauses turns a flat selector map into json_extract predicates.
// The "id" key targets the document id column directly.
func selectorClauses(alias string, selector map[string]any) ([]string, []any) {
	var where []string
	var args []any
	for key, val := range selector {
		if key == "id" {
			where = append(where, fmt.Sprintf("%s.id = ?", alias))
			args = append(args, fmt.Sprintf("%v", val))
			continue
		}
		where = append(where, fmt.Sprintf("json_extract(%s.data, '$.'||?) = ?", alias))
		args = append(args, key, jsonComparable(val))
	}
	return where, args
}

// jsonComparable normalizes a selector value for comparison against
// json_extract output (which yields TEXT/INTEGER/REAL).
func jsonComparable(val any) any {
	switch v := val.(type) {
	case string, int, int64, float64, bool, nil:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func (s *LibSQLStore) QueryDocuments(ctx context.Context, model string, selector map[string]any, limit int) ([]*Document, error) {
	where, args := selectorClauses("d", selector)
	where = append([]string{"d.model = ?"}, where...)
	args = append([]any{model}, args...)

	query := `SELECT d.id, d.data, d.owner, d.created_at, d.updated_at FROM documents d WHERE ` +
		strings.Join(where, " AND ") + " ORDER BY d.created_at"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc := &Document{Model: model}
		var dataJSON string
		var owner sql.NullString
		if err := rows.Scan(&doc.ID, &dataJSON, &owner, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, err
		}
		doc.Owner = owner.String
		if err := json.Unmarshal([]byte(dataJSON), &doc.Data); err != nil {
			return nil, fmt.Errorf("unmarshal document data: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *LibSQLStore) CountDocuments(ctx context.Context, model string, selector map[string]any) (int64, error) {
	where, args := selectorClauses("d", selector)
	where = append([]string{"d.model = ?"}, where...)
	args = append([]any{model}, args...)

	var count int64
	query := `SELECT COUNT(*) FROM documents d WHERE ` + strings.Join(where, " AND ")
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&count)
	return count, err
}

func (s *LibSQLStore) UpdateDocuments(ctx context.Context, model string, selector, patch map[string]any) (int64, error) {
	if len(patch) == 0 {
		return 0, schema.NewError(schema.ErrCodeValidation, "update payload is empty")
	}
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return 0, fmt.Errorf("marshal patch: %w", err)
	}

	where, args := selectorClauses("documents", selector)
	where = append([]string{"model = ?"}, where...)
	args = append([]any{string(patchJSON), model}, args...)

	// json_patch merges the patch into the stored blob in one statement.
	query := `UPDATE documents SET data = json_patch(data, ?), updated_at = CURRENT_TIMESTAMP WHERE ` +
		strings.Join(where, " AND ")
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *LibSQLStore) DeleteDocuments(ctx context.Context, model string, selector map[string]any) (int64, error) {
	where, args := selectorClauses("documents", selector)
	where = append([]string{"model = ?"}, where...)
	args = append([]any{model}, args...)

	query := `DELETE FROM documents WHERE ` + strings.Join(where, " AND ")
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ResolveRelationChain resolves a multi-hop relation path in ONE query:
// each hop contributes a self-join keyed by the relation id stored on the
// previous document. The result is the root document's data with every
// hop's document nested under its relation field, so callers can finish
// with a plain path walk.
func (s *LibSQLStore) ResolveRelationChain(ctx context.Context, model, docID string, hops []RelationHop) (map[string]any, error) {
	if len(hops) == 0 {
		doc, err := s.GetDocument(ctx, model, docID)
		if err != nil {
			return nil, err
		}
		return doc.Data, nil
	}

	var sb strings.Builder
	sb.WriteString("SELECT d0.data")
	for i := range hops {
		fmt.Fprintf(&sb, ", d%d.data", i+1)
	}
	sb.WriteString(" FROM documents d0")

	args := make([]any, 0, len(hops)*2+2)
	for i, hop := range hops {
		// Relation ids are stored as strings or numbers; CAST normalizes
		// json_extract output to TEXT for the id comparison.
		fmt.Fprintf(&sb,
			" JOIN documents d%d ON d%d.model = ? AND d%d.id = CAST(json_extract(d%d.data, '$.%s') AS TEXT)",
			i+1, i+1, i+1, i, hop.Field)
		args = append(args, hop.TargetModel)
	}
	sb.WriteString(" WHERE d0.model = ? AND d0.id = ?")
	args = append(args, model, docID)

	blobs := make([]string, len(hops)+1)
	dest := make([]any, len(blobs))
	for i := range blobs {
		dest[i] = &blobs[i]
	}

	err := s.db.QueryRowContext(ctx, sb.String(), args...).Scan(dest...)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("relation chain", model+"/"+docID)
	}
	if err != nil {
		return nil, err
	}

	// Nest hop documents innermost-first under their relation fields.
	docs := make([]map[string]any, len(blobs))
	for i, blob := range blobs {
		if err := json.Unmarshal([]byte(blob), &docs[i]); err != nil {
			return nil, fmt.Errorf("unmarshal joined document %d: %w", i, err)
		}
	}
	for i := len(hops) - 1; i >= 0; i-- {
		docs[i][hops[i].Field] = docs[i+1]
	}
	return docs[0], nil
}
