package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/soaringjerry/covfee/internal/models"
)

func (q *queries) GetJourney(ctx context.Context, id []byte) (*models.Journey, error) {
	var (
		j    models.Journey
		curr sql.NullInt64
	)
	err := q.q.QueryRowContext(ctx, `SELECT id, instance_id, idx, curr_node_id FROM journeys WHERE id = ?`, id).
		Scan(&j.ID, &j.InstanceID, &j.Index, &curr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get journey: %w", err)
	}
	if curr.Valid {
		j.CurrNodeID = &curr.Int64
	}
	if j.NodeIDs, err = q.journeyNodes(ctx, j.ID); err != nil {
		return nil, err
	}
	return &j, nil
}

func (q *queries) journeyNodes(ctx context.Context, journeyID []byte) ([]int64, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT node_id FROM journey_nodes WHERE journey_id = ? ORDER BY position`, journeyID)
	if err != nil {
		return nil, fmt.Errorf("list journey nodes: %w", err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan journey node: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (q *queries) InsertJourney(ctx context.Context, j *models.Journey) error {
	var curr sql.NullInt64
	if j.CurrNodeID != nil {
		curr = sql.NullInt64{Int64: *j.CurrNodeID, Valid: true}
	}
	if _, err := q.q.ExecContext(ctx, `INSERT INTO journeys (id, instance_id, idx, curr_node_id) VALUES (?, ?, ?, ?)`,
		j.ID, j.InstanceID, j.Index, curr); err != nil {
		return fmt.Errorf("insert journey: %w", err)
	}
	for pos, nodeID := range j.NodeIDs {
		if _, err := q.q.ExecContext(ctx, `INSERT INTO journey_nodes (journey_id, node_id, position) VALUES (?, ?, ?)`,
			j.ID, nodeID, pos); err != nil {
			return fmt.Errorf("insert journey node: %w", err)
		}
	}
	return nil
}

func (q *queries) ListJourneys(ctx context.Context, instanceID []byte) ([]*models.Journey, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT id, instance_id, idx, curr_node_id FROM journeys WHERE instance_id = ? ORDER BY idx`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list journeys: %w", err)
	}
	var out []*models.Journey
	for rows.Next() {
		var (
			j    models.Journey
			curr sql.NullInt64
		)
		if err := rows.Scan(&j.ID, &j.InstanceID, &j.Index, &curr); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan journey: %w", err)
		}
		if curr.Valid {
			v := curr.Int64
			j.CurrNodeID = &v
		}
		out = append(out, &j)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for _, j := range out {
		if j.NodeIDs, err = q.journeyNodes(ctx, j.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (q *queries) SetJourneyNode(ctx context.Context, id []byte, nodeID *int64) error {
	var curr sql.NullInt64
	if nodeID != nil {
		curr = sql.NullInt64{Int64: *nodeID, Valid: true}
	}
	if _, err := q.q.ExecContext(ctx, `UPDATE journeys SET curr_node_id = ? WHERE id = ?`, curr, id); err != nil {
		return fmt.Errorf("set journey node: %w", err)
	}
	return nil
}

func (q *queries) CountJourneysAt(ctx context.Context, nodeID int64, exclude []byte) (int, error) {
	query := `SELECT COUNT(*) FROM journeys WHERE curr_node_id = ?`
	args := []any{nodeID}
	if exclude != nil {
		query += ` AND id <> ?`
		args = append(args, exclude)
	}
	var n int
	if err := q.q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count journeys at node: %w", err)
	}
	return n, nil
}
