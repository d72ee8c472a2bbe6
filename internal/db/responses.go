package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/soaringjerry/covfee/internal/models"
)

const responseColumns = `id, instance_id, node_id, idx, state, data, submitted, submitted_at, created_at`

func scanResponse(row interface{ Scan(...any) error }) (*models.TaskResponse, error) {
	var (
		r           models.TaskResponse
		state, data sql.NullString
		submitted   int64
		submittedAt sql.NullString
		created     string
	)
	if err := row.Scan(&r.ID, &r.InstanceID, &r.NodeID, &r.Index, &state, &data, &submitted, &submittedAt, &created); err != nil {
		return nil, err
	}
	r.State = nullToRaw(state)
	r.Data = nullToRaw(data)
	r.Submitted = int64ToBool(submitted)
	r.SubmittedAt = parseNullTime(submittedAt)
	r.CreatedAt = parseTime(created)
	return &r, nil
}

func (q *queries) GetResponse(ctx context.Context, id int64) (*models.TaskResponse, error) {
	r, err := scanResponse(q.q.QueryRowContext(ctx, `SELECT `+responseColumns+` FROM task_responses WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get response: %w", err)
	}
	return r, nil
}

func (q *queries) LatestResponse(ctx context.Context, instanceID []byte, nodeID int64) (*models.TaskResponse, error) {
	r, err := scanResponse(q.q.QueryRowContext(ctx, `SELECT `+responseColumns+` FROM task_responses
WHERE instance_id = ? AND node_id = ? ORDER BY idx DESC LIMIT 1`, instanceID, nodeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest response: %w", err)
	}
	return r, nil
}

func (q *queries) InsertResponse(ctx context.Context, r *models.TaskResponse) (int64, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = q.now()
	}
	res, err := q.q.ExecContext(ctx, `
INSERT INTO task_responses (instance_id, node_id, idx, state, data, submitted, submitted_at, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.InstanceID, r.NodeID, r.Index, rawToNull(r.State), rawToNull(r.Data),
		boolToInt64(r.Submitted), nullTime(r.SubmittedAt), formatTime(r.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("insert response: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert response: %w", err)
	}
	r.ID = id
	return id, nil
}

// UpdateResponseState is a no-op for submitted responses.
func (q *queries) UpdateResponseState(ctx context.Context, id int64, state json.RawMessage) error {
	if _, err := q.q.ExecContext(ctx, `UPDATE task_responses SET state = ? WHERE id = ? AND submitted = 0`,
		rawToNull(state), id); err != nil {
		return fmt.Errorf("update response state: %w", err)
	}
	return nil
}

func (q *queries) SubmitResponse(ctx context.Context, id int64, data json.RawMessage, at time.Time) error {
	if _, err := q.q.ExecContext(ctx, `UPDATE task_responses SET data = ?, submitted = 1, submitted_at = ? WHERE id = ? AND submitted = 0`,
		rawToNull(data), formatTime(at), id); err != nil {
		return fmt.Errorf("submit response: %w", err)
	}
	return nil
}
