package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"productline/internal/domain"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Repo wraps the SQL store. Methods with a Tx suffix run inside the
// caller's transaction; the others open their own.
type Repo struct {
	DB *sql.DB
}

func New(db *sql.DB) Repo {
	return Repo{DB: db}
}

// ---- products ----

func (r Repo) CreateProductTx(ctx context.Context, tx *sql.Tx, p domain.Product) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO products(id,name,template_type,status,description,parent_id,effective_date,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, p.TemplateType, p.Status, p.Description, p.ParentID, p.EffectiveDate, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert product: %w", err)
	}
	return nil
}

const productSelect = `SELECT id,name,template_type,status,description,parent_id,effective_date,created_at,updated_at FROM products`

func (r Repo) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	return scanProduct(r.DB.QueryRowContext(ctx, productSelect+` WHERE id=?`, id))
}

func (r Repo) GetProductTx(ctx context.Context, tx *sql.Tx, id string) (domain.Product, error) {
	return scanProduct(tx.QueryRowContext(ctx, productSelect+` WHERE id=?`, id))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	var desc sql.NullString
	err := row.Scan(&p.ID, &p.Name, &p.TemplateType, &p.Status, &desc, &p.ParentID, &p.EffectiveDate, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Description = desc.String
	return p, nil
}

func (r Repo) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := r.DB.QueryContext(ctx, productSelect+` ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r Repo) UpdateProductStatusTx(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE products SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateProductTx(ctx context.Context, tx *sql.Tx, id string, name, description *string, updatedAt string) error {
	cur, err := r.GetProductTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if name != nil {
		cur.Name = *name
	}
	if description != nil {
		cur.Description = *description
	}
	_, err = tx.ExecContext(ctx, `UPDATE products SET name=?, description=?, updated_at=? WHERE id=?`,
		cur.Name, cur.Description, updatedAt, id)
	return err
}

func (r Repo) DeleteProductTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM products WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SingleProduct returns the only product in the workspace, or ErrNotFound
// when there is none or more than one. Used by the CLI to infer --product.
func (r Repo) SingleProduct(ctx context.Context) (domain.Product, error) {
	products, err := r.ListProducts(ctx)
	if err != nil {
		return domain.Product{}, err
	}
	if len(products) != 1 {
		return domain.Product{}, ErrNotFound
	}
	return products[0], nil
}

// ---- events ----

type EventFilters struct {
	ProductID string
	Type      string
	Limit     int
	CursorID  int64
}

func (r Repo) ListEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	query := `SELECT id,ts,type,COALESCE(product_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE 1=1`
	var args []any
	if f.ProductID != "" {
		query += ` AND product_id=?`
		args = append(args, f.ProductID)
	}
	if f.Type != "" {
		query += ` AND type=?`
		args = append(args, f.Type)
	}
	if f.CursorID > 0 {
		query += ` AND id<?`
		args = append(args, f.CursorID)
	}
	query += ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProductID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- helpers ----

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalStrings(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}
