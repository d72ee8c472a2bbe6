package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/soaringjerry/covfee/internal/models"
)

const nodeColumns = `id, hit_id, instance_id, name, ord, status, spec, created_at`

func scanNode(row interface{ Scan(...any) error }) (*models.Node, error) {
	var (
		n       models.Node
		status  string
		spec    sql.NullString
		created string
	)
	if err := row.Scan(&n.ID, &n.HITID, &n.InstanceID, &n.Name, &n.Order, &status, &spec, &created); err != nil {
		return nil, err
	}
	n.Status = models.NodeStatus(status)
	n.CreatedAt = parseTime(created)
	var err error
	if n.Spec, err = decodeObject(spec); err != nil {
		return nil, err
	}
	return &n, nil
}

func (q *queries) GetNode(ctx context.Context, id int64) (*models.Node, error) {
	n, err := scanNode(q.q.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get node: %w", err)
	}
	return n, nil
}

func (q *queries) UpsertTemplateNode(ctx context.Context, n *models.Node) (int64, error) {
	spec, err := encodeJSON(n.Spec)
	if err != nil {
		return 0, fmt.Errorf("encode node spec: %w", err)
	}
	var id int64
	err = q.q.QueryRowContext(ctx, `SELECT id FROM nodes WHERE hit_id = ? AND name = ?`, n.HITID, n.Name).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return q.InsertNode(ctx, n)
	case err != nil:
		return 0, fmt.Errorf("find template node: %w", err)
	}
	if _, err := q.q.ExecContext(ctx, `UPDATE nodes SET ord = ?, spec = ? WHERE id = ?`, n.Order, spec, id); err != nil {
		return 0, fmt.Errorf("update template node: %w", err)
	}
	n.ID = id
	return id, nil
}

func (q *queries) InsertNode(ctx context.Context, n *models.Node) (int64, error) {
	spec, err := encodeJSON(n.Spec)
	if err != nil {
		return 0, fmt.Errorf("encode node spec: %w", err)
	}
	if n.Status == "" {
		n.Status = models.NodeIdle
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = q.now()
	}
	res, err := q.q.ExecContext(ctx, `
INSERT INTO nodes (hit_id, instance_id, name, ord, status, spec, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		nullBytes(n.HITID), nullBytes(n.InstanceID), n.Name, n.Order, string(n.Status), spec, formatTime(n.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("insert node: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert node: %w", err)
	}
	n.ID = id
	return id, nil
}

func (q *queries) InstanceNodes(ctx context.Context, instanceID []byte) ([]*models.Node, error) {
	template, err := q.listNodes(ctx, `SELECT `+nodeColumns+` FROM nodes
WHERE hit_id = (SELECT hit_id FROM hit_instances WHERE id = ?) ORDER BY ord, created_at, id`, instanceID)
	if err != nil {
		return nil, err
	}
	local, err := q.listNodes(ctx, `SELECT `+nodeColumns+` FROM nodes
WHERE instance_id = ? ORDER BY ord, created_at, id`, instanceID)
	if err != nil {
		return nil, err
	}
	return append(template, local...), nil
}

func (q *queries) listNodes(ctx context.Context, query string, args ...any) ([]*models.Node, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()
	var out []*models.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (q *queries) SetNodeStatus(ctx context.Context, id int64, status models.NodeStatus) error {
	if _, err := q.q.ExecContext(ctx, `UPDATE nodes SET status = ? WHERE id = ?`, string(status), id); err != nil {
		return fmt.Errorf("set node status: %w", err)
	}
	return nil
}
