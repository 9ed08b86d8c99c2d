package repo

import (
	"context"
	"database/sql"

	"productline/internal/domain"
)

const attributeSelect = `SELECT path,product_id,abstract_path,component_type,component_id,name,value_type,value_json,rule_id,created_at,updated_at FROM attributes`

func (r Repo) CreateAttributeTx(ctx context.Context, tx *sql.Tx, a domain.Attribute) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO attributes(path,product_id,abstract_path,component_type,component_id,name,value_type,value_json,rule_id,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		a.Path, a.ProductID, a.AbstractPath, a.ComponentType, a.ComponentID, a.Name, a.ValueType, a.ValueJSON, a.RuleID, a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) GetAttribute(ctx context.Context, path string) (domain.Attribute, error) {
	return scanAttribute(r.DB.QueryRowContext(ctx, attributeSelect+` WHERE path=?`, path))
}

func (r Repo) GetAttributeTx(ctx context.Context, tx *sql.Tx, path string) (domain.Attribute, error) {
	return scanAttribute(tx.QueryRowContext(ctx, attributeSelect+` WHERE path=?`, path))
}

func scanAttribute(row rowScanner) (domain.Attribute, error) {
	var a domain.Attribute
	err := row.Scan(&a.Path, &a.ProductID, &a.AbstractPath, &a.ComponentType, &a.ComponentID, &a.Name,
		&a.ValueType, &a.ValueJSON, &a.RuleID, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	return a, nil
}

func (r Repo) ListAttributes(ctx context.Context, productID string) ([]domain.Attribute, error) {
	rows, err := r.DB.QueryContext(ctx, attributeSelect+` WHERE product_id=? ORDER BY path ASC`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAttributes(rows)
}

func (r Repo) ListAttributesTx(ctx context.Context, tx *sql.Tx, productID string) ([]domain.Attribute, error) {
	rows, err := tx.QueryContext(ctx, attributeSelect+` WHERE product_id=? ORDER BY path ASC`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAttributes(rows)
}

func collectAttributes(rows *sql.Rows) ([]domain.Attribute, error) {
	var out []domain.Attribute
	for rows.Next() {
		a, err := scanAttribute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateAttributeValueTx rewrites the value columns of an attribute.
func (r Repo) UpdateAttributeValueTx(ctx context.Context, tx *sql.Tx, path, valueType string, valueJSON, ruleID *string, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE attributes SET value_type=?, value_json=?, rule_id=?, updated_at=? WHERE path=?`,
		valueType, valueJSON, ruleID, updatedAt, path)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAttributesByRule returns the attributes bound to a rule.
func (r Repo) ListAttributesByRule(ctx context.Context, ruleID string) ([]domain.Attribute, error) {
	rows, err := r.DB.QueryContext(ctx, attributeSelect+` WHERE rule_id=? ORDER BY path ASC`, ruleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAttributes(rows)
}
