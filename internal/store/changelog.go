package store

import (
	"context"
	"fmt"
	"time"
)

// ChangeLogAppend is one row to add to the change log. Nil pointers are
// stored as NULL.
type ChangeLogAppend struct {
	DocumentID string
	UserID     string
	Action     string
	Row        *int
	Col        *int
	OldValue   *string
	NewValue   *string
	Details    *string
	At         time.Time
}

// AppendChangeLog inserts the entry and bumps the document's updated_at in
// one transaction.
func (d *Database) AppendChangeLog(ctx context.Context, e ChangeLogAppend) (int64, error) {
	at := e.At
	if at.IsZero() {
		at = now()
	}

	query := `
		INSERT INTO change_logs (document_id, user_id, action, cell_row, cell_col, old_value, new_value, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	args := []any{e.DocumentID, e.UserID, e.Action, e.Row, e.Col, e.OldValue, e.NewValue, e.Details, at.UTC()}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("append change log: %w", err)
	}
	defer tx.Rollback()

	var id int64
	if d.driver == DriverPostgres {
		if err := tx.QueryRowContext(ctx, d.rebind(query+" RETURNING id"), args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("append change log: %w", err)
		}
	} else {
		result, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, fmt.Errorf("append change log: %w", err)
		}
		if id, err = result.LastInsertId(); err != nil {
			return 0, fmt.Errorf("append change log: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, d.rebind("UPDATE documents SET updated_at = ? WHERE id = ?"), at.UTC(), e.DocumentID); err != nil {
		return 0, fmt.Errorf("touch document: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("append change log: %w", err)
	}
	return id, nil
}

// ListChangeLogs returns one page of a document's change log, newest first,
// together with the total number of entries.
func (d *Database) ListChangeLogs(ctx context.Context, documentID string, page, size int) ([]ChangeLogEntry, int, error) {
	var total int
	if err := d.db.QueryRowContext(ctx,
		d.rebind("SELECT COUNT(*) FROM change_logs WHERE document_id = ?"),
		documentID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count change logs: %w", err)
	}

	rows, err := d.db.QueryContext(ctx, d.rebind(`
		SELECT c.id, c.document_id, c.user_id, u.username, c.action, c.cell_row, c.cell_col,
			c.old_value, c.new_value, c.details, c.created_at
		FROM change_logs c
		JOIN users u ON u.id = c.user_id
		WHERE c.document_id = ?
		ORDER BY c.created_at DESC, c.id DESC
		LIMIT ? OFFSET ?
	`), documentID, size, page*size)
	if err != nil {
		return nil, 0, fmt.Errorf("list change logs: %w", err)
	}
	defer rows.Close()

	entries := make([]ChangeLogEntry, 0, size)
	for rows.Next() {
		var e ChangeLogEntry
		if err := rows.Scan(&e.ID, &e.DocumentID, &e.UserID, &e.Username, &e.Action, &e.Row, &e.Col,
			&e.OldValue, &e.NewValue, &e.Details, &e.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan change log: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

// DocumentIDsWithChangeLogs lists every document that has at least one
// change-log row.
func (d *Database) DocumentIDsWithChangeLogs(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, "SELECT DISTINCT document_id FROM change_logs")
	if err != nil {
		return nil, fmt.Errorf("list logged documents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PruneChangeLogs keeps the newest keep entries of a document and deletes
// the rest, returning how many rows went.
func (d *Database) PruneChangeLogs(ctx context.Context, documentID string, keep int) (int64, error) {
	result, err := d.db.ExecContext(ctx, d.rebind(`
		DELETE FROM change_logs
		WHERE document_id = ? AND id NOT IN (
			SELECT id FROM change_logs
			WHERE document_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)
	`), documentID, documentID, keep)
	if err != nil {
		return 0, fmt.Errorf("prune change logs for %s: %w", documentID, err)
	}
	return result.RowsAffected()
}
