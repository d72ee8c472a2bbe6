package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/soaringjerry/covfee/internal/models"
)

const instanceColumns = `id, preview_id, hit_id, idx, submitted, submitted_at, created_at`

func scanInstance(row interface{ Scan(...any) error }) (*models.HITInstance, error) {
	var (
		inst        models.HITInstance
		submitted   int64
		submittedAt sql.NullString
		created     string
	)
	if err := row.Scan(&inst.ID, &inst.PreviewID, &inst.HITID, &inst.Index, &submitted, &submittedAt, &created); err != nil {
		return nil, err
	}
	inst.Submitted = int64ToBool(submitted)
	inst.SubmittedAt = parseNullTime(submittedAt)
	inst.CreatedAt = parseTime(created)
	return &inst, nil
}

func (q *queries) getInstanceBy(ctx context.Context, column string, id []byte) (*models.HITInstance, error) {
	inst, err := scanInstance(q.q.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM hit_instances WHERE `+column+` = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get instance: %w", err)
	}
	return inst, nil
}

func (q *queries) GetInstance(ctx context.Context, id []byte) (*models.HITInstance, error) {
	return q.getInstanceBy(ctx, "id", id)
}

func (q *queries) GetInstanceByPreview(ctx context.Context, previewID []byte) (*models.HITInstance, error) {
	return q.getInstanceBy(ctx, "preview_id", previewID)
}

func (q *queries) InsertInstance(ctx context.Context, inst *models.HITInstance) error {
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = q.now()
	}
	_, err := q.q.ExecContext(ctx, `
INSERT INTO hit_instances (id, preview_id, hit_id, idx, submitted, submitted_at, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.PreviewID, inst.HITID, inst.Index, boolToInt64(inst.Submitted), nullTime(inst.SubmittedAt), formatTime(inst.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	return nil
}

func (q *queries) ListInstances(ctx context.Context, hitID []byte) ([]*models.HITInstance, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT `+instanceColumns+` FROM hit_instances WHERE hit_id = ? ORDER BY idx`, hitID)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()
	var out []*models.HITInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (q *queries) MarkInstanceSubmitted(ctx context.Context, id []byte, at time.Time) (bool, error) {
	res, err := q.q.ExecContext(ctx, `UPDATE hit_instances SET submitted = 1, submitted_at = ? WHERE id = ? AND submitted = 0`,
		formatTime(at), id)
	if err != nil {
		return false, fmt.Errorf("submit instance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("submit instance: %w", err)
	}
	return n > 0, nil
}
