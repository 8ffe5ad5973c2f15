package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/agentic-research/cadlink/api"
	"github.com/agentic-research/cadlink/internal/dms"
	"github.com/agentic-research/cadlink/internal/query"
	_ "modernc.org/sqlite"
)

// SQLiteStore serves a database built by Writer. The file is opened
// read-only; filters are translated to SQL so only matching rows are read.
type SQLiteStore struct {
	db      *sql.DB
	path    string
	layout  dms.Layout
	columns map[string]string // joined property path -> SQL expression
}

// OpenSQLiteStore opens the database at path, returning items in layout.
func OpenSQLiteStore(path string, layout dms.Layout) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(4)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	s := &SQLiteStore{db: db, path: path, layout: layout}
	s.columns = s.columnMap()
	return s, nil
}

func (s *SQLiteStore) columnMap() map[string]string {
	cols := map[dms.Field]string{
		dms.FieldSpace:      "space",
		dms.FieldExternalID: "external_id",
		dms.FieldModel:      "model_id",
		dms.FieldRevision:   "revision_id",
		dms.FieldTreeIndex:  "tree_index",
		dms.FieldNode:       "node_id",
	}
	// Every row carries the layout's edge type, so type filters compare
	// against constants.
	if s.layout.Type != (api.GraphInstanceRef{}) {
		cols[dms.FieldTypeSpace] = sqlString(s.layout.Type.Space)
		cols[dms.FieldTypeExternalID] = sqlString(s.layout.Type.ExternalID)
	}
	out := make(map[string]string, len(cols))
	for f, col := range cols {
		if p := s.layout.Path(f); p != nil {
			out[strings.Join(p, ".")] = col
		}
	}
	return out
}

func sqlString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// Ancestors returns the chain from the root down to treeIndex, or nothing if
// the node is unknown.
func (s *SQLiteStore) Ancestors(ctx context.Context, modelID api.ModelID, revisionID api.RevisionID, treeIndex api.TreeIndex) ([]api.Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE chain(id, tree_index, parent_id, depth, subtree_size, name, hops) AS (
			SELECT id, tree_index, parent_id, depth, subtree_size, name, 0
			FROM nodes WHERE model_id = ?1 AND revision_id = ?2 AND tree_index = ?3
			UNION ALL
			SELECT n.id, n.tree_index, n.parent_id, n.depth, n.subtree_size, n.name, c.hops + 1
			FROM nodes n JOIN chain c ON n.id = c.parent_id
			WHERE n.model_id = ?1 AND n.revision_id = ?2 AND c.hops < 100000
		)
		SELECT id, tree_index, parent_id, depth, subtree_size, name FROM chain ORDER BY hops DESC
	`, modelID, revisionID, treeIndex)
	if err != nil {
		return nil, fmt.Errorf("ancestors of tree index %d: %w", treeIndex, err)
	}
	return scanNodes(rows)
}

// NodesByTreeIndex returns the known nodes among treeIndices.
func (s *SQLiteStore) NodesByTreeIndex(ctx context.Context, modelID api.ModelID, revisionID api.RevisionID, treeIndices []api.TreeIndex) ([]api.Node, error) {
	if len(treeIndices) == 0 {
		return nil, nil
	}
	args := []any{modelID, revisionID}
	for _, ti := range treeIndices {
		args = append(args, ti)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tree_index, parent_id, depth, subtree_size, name FROM nodes
		WHERE model_id = ? AND revision_id = ? AND tree_index IN (`+placeholders(len(treeIndices))+`)
		ORDER BY tree_index
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("nodes by tree index: %w", err)
	}
	return scanNodes(rows)
}

func scanNodes(rows *sql.Rows) ([]api.Node, error) {
	defer func() { _ = rows.Close() }() // safe to ignore
	var out []api.Node
	for rows.Next() {
		var n api.Node
		var parent sql.NullInt64
		var name sql.NullString
		if err := rows.Scan(&n.ID, &n.TreeIndex, &parent, &n.Depth, &n.SubtreeSize, &name); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		n.ParentID = api.NodeID(parent.Int64)
		n.Name = name.String
		out = append(out, n)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// Query implements query.Executor.
func (s *SQLiteStore) Query(ctx context.Context, req query.Request) (*query.Response, error) {
	resp := &query.Response{
		Items:      make(map[string][]query.Item, len(req.With)),
		NextCursor: make(map[string]string),
	}
	for name, expr := range req.With {
		if expr.Source != s.layout.Source {
			return nil, fmt.Errorf("result set %q: unsupported source %q", name, expr.Source)
		}
		items, next, err := s.page(ctx, expr, req.Cursors[name])
		if err != nil {
			return nil, fmt.Errorf("result set %q: %w", name, err)
		}
		resp.Items[name] = items
		if next != "" {
			resp.NextCursor[name] = next
		}
	}
	return resp, nil
}

func (s *SQLiteStore) page(ctx context.Context, expr query.ResultSetExpression, cursor string) ([]query.Item, string, error) {
	offset, err := query.DecodeOffsetCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	limit := expr.Limit
	if limit <= 0 {
		limit = query.DefaultLimit
	}
	where, args, err := s.where(expr.Filter)
	if err != nil {
		return nil, "", err
	}

	// One extra row tells whether another page exists.
	rows, err := s.db.QueryContext(ctx, `
		SELECT space, external_id, model_id, revision_id, tree_index, node_id FROM connections
		WHERE `+where+`
		ORDER BY model_id, revision_id, tree_index, space, external_id
		LIMIT ? OFFSET ?
	`, append(args, limit+1, offset)...)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	items := make([]query.Item, 0, limit)
	more := false
	for rows.Next() {
		if len(items) == limit {
			more = true
			break
		}
		var c api.Connection
		var node api.NodeID
		if err := rows.Scan(&c.Instance.Space, &c.Instance.ExternalID, &c.ModelID, &c.RevisionID, &c.TreeIndex, &node); err != nil {
			return nil, "", fmt.Errorf("scan connection: %w", err)
		}
		items = append(items, s.layout.Encode(c, node))
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	if !more {
		return items, "", nil
	}
	return items, query.EncodeOffsetCursor(offset + limit), nil
}

// where translates a filter into a SQL condition over the connections table.
func (s *SQLiteStore) where(f query.Filter) (string, []any, error) {
	if f == nil {
		return "1 = 1", nil, nil
	}
	if op, parts, ok := query.Parts(f); ok {
		if len(parts) == 0 {
			if op == "and" {
				return "1 = 1", nil, nil
			}
			return "1 = 0", nil, nil
		}
		clauses := make([]string, len(parts))
		var args []any
		for i, p := range parts {
			c, a, err := s.where(p)
			if err != nil {
				return "", nil, err
			}
			clauses[i] = "(" + c + ")"
			args = append(args, a...)
		}
		return strings.Join(clauses, " "+strings.ToUpper(op)+" "), args, nil
	}

	op, prop, operand, err := query.Leaf(f)
	if err != nil {
		return "", nil, err
	}
	col, ok := s.columns[strings.Join(prop, ".")]
	if !ok {
		return "", nil, fmt.Errorf("unsupported filter property %q", strings.Join(prop, "."))
	}
	switch op {
	case "equals":
		return col + " = ?", []any{operand}, nil
	case "in":
		list, ok := operand.([]any)
		if !ok {
			return "", nil, fmt.Errorf("in: values must be a list")
		}
		if len(list) == 0 {
			return "1 = 0", nil, nil
		}
		return col + " IN (" + placeholders(len(list)) + ")", list, nil
	default:
		return "", nil, fmt.Errorf("unsupported filter operator %q", op)
	}
}

// Inspect implements dms.Inspector.
func (s *SQLiteStore) Inspect(ctx context.Context, refs []api.GraphInstanceRef) ([]api.InspectResult, error) {
	out := make([]api.InspectResult, 0, len(refs))
	for _, r := range refs {
		rows, err := s.db.QueryContext(ctx, `
			SELECT view_space, view_external_id, view_version FROM views
			WHERE space = ? AND external_id = ? ORDER BY position
		`, r.Space, r.ExternalID)
		if err != nil {
			return nil, fmt.Errorf("inspect %s: %w", r, err)
		}
		res := api.InspectResult{Instance: r}
		for rows.Next() {
			var v api.ViewRef
			if err := rows.Scan(&v.Space, &v.ExternalID, &v.Version); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("scan view: %w", err)
			}
			res.Views = append(res.Views, v)
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}
