package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/soaringjerry/covfee/internal/models"
)

func (q *queries) GetProject(ctx context.Context, id []byte) (*models.Project, error) {
	var (
		p       models.Project
		email   sql.NullString
		created string
	)
	err := q.q.QueryRowContext(ctx, `SELECT id, name, email, created_at FROM projects WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &email, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	p.Email = email.String
	p.CreatedAt = parseTime(created)
	return &p, nil
}

func (q *queries) UpsertProject(ctx context.Context, p *models.Project) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = q.now()
	}
	_, err := q.q.ExecContext(ctx, `
INSERT INTO projects (id, name, email, created_at) VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET name = excluded.name, email = excluded.email`,
		p.ID, p.Name, toNullString(p.Email), formatTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert project: %w", err)
	}
	return nil
}

const hitColumns = `id, project_id, name, type, extra, interface`

func scanHIT(row interface{ Scan(...any) error }) (*models.HIT, error) {
	var (
		h                 models.HIT
		typ, extra, iface sql.NullString
	)
	if err := row.Scan(&h.ID, &h.ProjectID, &h.Name, &typ, &extra, &iface); err != nil {
		return nil, err
	}
	h.Type = typ.String
	var err error
	if h.Extra, err = decodeObject(extra); err != nil {
		return nil, err
	}
	if h.Interface, err = decodeObject(iface); err != nil {
		return nil, err
	}
	return &h, nil
}

func (q *queries) GetHIT(ctx context.Context, id []byte) (*models.HIT, error) {
	h, err := scanHIT(q.q.QueryRowContext(ctx, `SELECT `+hitColumns+` FROM hits WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get hit: %w", err)
	}
	return h, nil
}

func (q *queries) UpsertHIT(ctx context.Context, h *models.HIT) error {
	extra, err := encodeJSON(h.Extra)
	if err != nil {
		return fmt.Errorf("encode hit extra: %w", err)
	}
	iface, err := encodeJSON(h.Interface)
	if err != nil {
		return fmt.Errorf("encode hit interface: %w", err)
	}
	_, err = q.q.ExecContext(ctx, `
INSERT INTO hits (id, project_id, name, type, extra, interface) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET type = excluded.type, extra = excluded.extra, interface = excluded.interface`,
		h.ID, h.ProjectID, h.Name, toNullString(h.Type), extra, iface)
	if err != nil {
		return fmt.Errorf("upsert hit: %w", err)
	}
	return nil
}

func (q *queries) ListHITs(ctx context.Context, projectID []byte) ([]*models.HIT, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT `+hitColumns+` FROM hits WHERE project_id = ? ORDER BY rowid`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list hits: %w", err)
	}
	defer rows.Close()
	var out []*models.HIT
	for rows.Next() {
		h, err := scanHIT(rows)
		if err != nil {
			return nil, fmt.Errorf("scan hit: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
