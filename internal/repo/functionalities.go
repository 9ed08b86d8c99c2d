package repo

import (
	"context"
	"database/sql"

	"productline/internal/domain"
)

const functionalitySelect = `SELECT name,product_id,description,status,immutable,required_attributes_json,created_at,updated_at FROM functionalities`

func (r Repo) CreateFunctionalityTx(ctx context.Context, tx *sql.Tx, f domain.Functionality) error {
	required, err := marshalJSON(f.RequiredAttributes)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO functionalities(name,product_id,description,status,immutable,required_attributes_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?)`,
		f.Name, f.ProductID, f.Description, f.Status, boolInt(f.Immutable), required, f.CreatedAt, f.UpdatedAt)
	return err
}

func (r Repo) GetFunctionality(ctx context.Context, productID, name string) (domain.Functionality, error) {
	return scanFunctionality(r.DB.QueryRowContext(ctx, functionalitySelect+` WHERE product_id=? AND name=?`, productID, name))
}

func (r Repo) GetFunctionalityTx(ctx context.Context, tx *sql.Tx, productID, name string) (domain.Functionality, error) {
	return scanFunctionality(tx.QueryRowContext(ctx, functionalitySelect+` WHERE product_id=? AND name=?`, productID, name))
}

func scanFunctionality(row rowScanner) (domain.Functionality, error) {
	var f domain.Functionality
	var required string
	var immutable int
	err := row.Scan(&f.Name, &f.ProductID, &f.Description, &f.Status, &immutable, &required, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	if err != nil {
		return f, err
	}
	f.Immutable = immutable != 0
	f.RequiredAttributes = unmarshalStrings(required)
	return f, nil
}

func (r Repo) ListFunctionalities(ctx context.Context, productID string) ([]domain.Functionality, error) {
	rows, err := r.DB.QueryContext(ctx, functionalitySelect+` WHERE product_id=? ORDER BY name ASC`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Functionality
	for rows.Next() {
		f, err := scanFunctionality(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (r Repo) ListFunctionalitiesTx(ctx context.Context, tx *sql.Tx, productID string) ([]domain.Functionality, error) {
	rows, err := tx.QueryContext(ctx, functionalitySelect+` WHERE product_id=? ORDER BY name ASC`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Functionality
	for rows.Next() {
		f, err := scanFunctionality(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (r Repo) UpdateFunctionalityTx(ctx context.Context, tx *sql.Tx, f domain.Functionality) error {
	required, err := marshalJSON(f.RequiredAttributes)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE functionalities SET description=?, status=?, immutable=?, required_attributes_json=?, updated_at=? WHERE product_id=? AND name=?`,
		f.Description, f.Status, boolInt(f.Immutable), required, f.UpdatedAt, f.ProductID, f.Name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
