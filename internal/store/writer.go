package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/agentic-research/cadlink/api"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	model_id INTEGER NOT NULL,
	revision_id INTEGER NOT NULL,
	id INTEGER NOT NULL,
	tree_index INTEGER NOT NULL,
	parent_id INTEGER,
	depth INTEGER NOT NULL DEFAULT 0,
	subtree_size INTEGER NOT NULL DEFAULT 1,
	name TEXT,
	PRIMARY KEY (model_id, revision_id, id)
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS connections (
	space TEXT NOT NULL,
	external_id TEXT NOT NULL,
	model_id INTEGER NOT NULL,
	revision_id INTEGER NOT NULL,
	tree_index INTEGER NOT NULL,
	node_id INTEGER NOT NULL,
	PRIMARY KEY (model_id, revision_id, tree_index, space, external_id)
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS views (
	space TEXT NOT NULL,
	external_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	view_space TEXT NOT NULL,
	view_external_id TEXT NOT NULL,
	view_version TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (space, external_id, position)
) WITHOUT ROWID;
`

// Writer bulk-loads a store database. Rows are committed in batches; call
// Close to flush the last batch and build indices.
type Writer struct {
	db        *sql.DB
	tx        *sql.Tx
	stmtNode  *sql.Stmt
	stmtConn  *sql.Stmt
	stmtView  *sql.Stmt
	batchSize int
	count     int
	mu        sync.Mutex
}

// NewWriter creates the database at path and its schema.
func NewWriter(path string) (*Writer, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	// Bulk insert tuning; the file is rebuilt from the fixture on failure.
	if _, err := db.Exec("PRAGMA synchronous = OFF"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode = MEMORY"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	w := &Writer{db: db, batchSize: 10000}
	if err := w.beginTx(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) beginTx() error {
	var err error
	w.tx, err = w.db.Begin()
	if err != nil {
		return err
	}
	w.stmtNode, err = w.tx.Prepare(`
		INSERT OR REPLACE INTO nodes (model_id, revision_id, id, tree_index, parent_id, depth, subtree_size, name)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	// The node id comes from the node row, so a connection to an unknown
	// tree index inserts nothing.
	w.stmtConn, err = w.tx.Prepare(`
		INSERT OR IGNORE INTO connections (space, external_id, model_id, revision_id, tree_index, node_id)
		SELECT ?, ?, model_id, revision_id, tree_index, id FROM nodes
		WHERE model_id = ? AND revision_id = ? AND tree_index = ?
	`)
	if err != nil {
		return err
	}
	w.stmtView, err = w.tx.Prepare(`
		INSERT OR REPLACE INTO views (space, external_id, position, view_space, view_external_id, view_version)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	return err
}

func (w *Writer) commitTx() error {
	for _, st := range []*sql.Stmt{w.stmtNode, w.stmtConn, w.stmtView} {
		if st != nil {
			_ = st.Close()
		}
	}
	return w.tx.Commit()
}

// step counts one row and rolls the transaction over at the batch size.
// Must be called with w.mu held.
func (w *Writer) step() error {
	w.count++
	if w.count < w.batchSize {
		return nil
	}
	w.count = 0
	if err := w.commitTx(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return w.beginTx()
}

// AddNode writes a scene node. A zero ParentID marks a root.
func (w *Writer) AddNode(key api.ModelRevisionKey, n api.Node) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var parent *int64
	if n.ParentID != 0 {
		p := int64(n.ParentID)
		parent = &p
	}
	if _, err := w.stmtNode.Exec(key.ModelID, key.RevisionID, n.ID, n.TreeIndex, parent, n.Depth, n.SubtreeSize, n.Name); err != nil {
		return fmt.Errorf("insert node %d of %s: %w", n.ID, key, err)
	}
	return w.step()
}

// AddConnection writes a connection. The node at its tree index must have
// been added first.
func (w *Writer) AddConnection(c api.Connection) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	res, err := w.stmtConn.Exec(c.Instance.Space, c.Instance.ExternalID, c.ModelID, c.RevisionID, c.TreeIndex)
	if err != nil {
		return fmt.Errorf("insert connection %s: %w", c.Instance, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		var exists int
		err := w.tx.QueryRow(`SELECT 1 FROM nodes WHERE model_id = ? AND revision_id = ? AND tree_index = ?`,
			c.ModelID, c.RevisionID, c.TreeIndex).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("connection %s to %s tree index %d: %w", c.Instance, c.Key(), c.TreeIndex, ErrNotFound)
		}
		if err != nil {
			return err
		}
	}
	return w.step()
}

// AddViews writes the views of one instance in order.
func (w *Writer) AddViews(ref api.GraphInstanceRef, views []api.ViewRef) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for i, v := range views {
		if _, err := w.stmtView.Exec(ref.Space, ref.ExternalID, i, v.Space, v.ExternalID, v.Version); err != nil {
			return fmt.Errorf("insert view %s of %s: %w", v, ref, err)
		}
		if err := w.step(); err != nil {
			return err
		}
	}
	return nil
}

// Close commits outstanding rows, builds lookup indices and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.commitTx(); err != nil {
		_ = w.db.Close()
		return err
	}

	// Indices after bulk load for speed.
	if _, err := w.db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_nodes_tree_index ON nodes(model_id, revision_id, tree_index);
		CREATE INDEX IF NOT EXISTS idx_connections_node ON connections(model_id, revision_id, node_id);
	`); err != nil {
		_ = w.db.Close()
		return fmt.Errorf("create indices: %w", err)
	}
	return w.db.Close()
}
