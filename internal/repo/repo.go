package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"deployline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a row changed or appeared since it was read.
	ErrConflict = errors.New("conflict")
)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// on runs against tx when given, otherwise against the pool.
func (r Repo) on(tx *sql.Tx) queryer {
	if tx != nil {
		return tx
	}
	return r.DB
}

const deploymentColumns = `id,protocol_id,status,snapshot_json,version,created_at,updated_at`

func scanDeployment(row interface{ Scan(...any) error }) (domain.Deployment, error) {
	var d domain.Deployment
	err := row.Scan(&d.ID, &d.ProtocolID, &d.Status, &d.SnapshotJSON, &d.Version, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	return d, err
}

// InsertDeployment stores a new deployment at version 1.
func (r Repo) InsertDeployment(ctx context.Context, tx *sql.Tx, d domain.Deployment) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO deployments(`+deploymentColumns+`) VALUES (?,?,?,?,1,?,?)`,
		d.ID, d.ProtocolID, d.Status, d.SnapshotJSON, d.CreatedAt, d.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (r Repo) GetDeployment(ctx context.Context, tx *sql.Tx, id string) (domain.Deployment, error) {
	return scanDeployment(r.on(tx).QueryRowContext(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE id=?`, id))
}

// UpdateDeployment writes d if the stored version still equals d.Version
// and bumps the version.
func (r Repo) UpdateDeployment(ctx context.Context, tx *sql.Tx, d domain.Deployment) error {
	q := r.on(tx)
	res, err := q.ExecContext(ctx, `UPDATE deployments SET status=?, snapshot_json=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		d.Status, d.SnapshotJSON, d.UpdatedAt, d.ID, d.Version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM deployments WHERE id=?`, d.ID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrConflict
}

func (r Repo) DeleteDeployment(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.on(tx).ExecContext(ctx, `DELETE FROM deployments WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDeployments returns deployments newest first. The cursor is the
// created_at and id of the last row of the previous page.
func (r Repo) ListDeployments(ctx context.Context, limit int, cursorCreatedAt, cursorID string) ([]domain.Deployment, error) {
	clauses := []string{"1=1"}
	var args []any
	if cursorCreatedAt != "" && cursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, cursorCreatedAt, cursorCreatedAt, cursorID)
	}
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
