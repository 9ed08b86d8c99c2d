package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"productline/internal/domain"
)

// ---- datatypes ----

func (r Repo) CreateDataTypeTx(ctx context.Context, tx *sql.Tx, dt domain.DataType) error {
	constraints, err := marshalJSON(dt.Constraints)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO datatypes(product_id,id,primitive,constraints_json,created_at) VALUES (?,?,?,?,?)`,
		dt.ProductID, dt.ID, dt.Primitive, constraints, dt.CreatedAt)
	return err
}

func (r Repo) GetDataType(ctx context.Context, productID, id string) (domain.DataType, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT product_id,id,primitive,constraints_json,created_at FROM datatypes WHERE product_id=? AND id=?`, productID, id)
	return scanDataType(row)
}

func scanDataType(row rowScanner) (domain.DataType, error) {
	var dt domain.DataType
	var constraints string
	err := row.Scan(&dt.ProductID, &dt.ID, &dt.Primitive, &constraints, &dt.CreatedAt)
	if err == sql.ErrNoRows {
		return dt, ErrNotFound
	}
	if err != nil {
		return dt, err
	}
	_ = json.Unmarshal([]byte(constraints), &dt.Constraints)
	return dt, nil
}

func (r Repo) ListDataTypes(ctx context.Context, productID string) ([]domain.DataType, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT product_id,id,primitive,constraints_json,created_at FROM datatypes WHERE product_id=? ORDER BY id ASC`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.DataType
	for rows.Next() {
		dt, err := scanDataType(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dt)
	}
	return out, rows.Err()
}

// ---- enumerations ----

func (r Repo) CreateEnumerationTx(ctx context.Context, tx *sql.Tx, e domain.Enumeration) error {
	values, err := marshalJSON(e.Values)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO enumerations(product_id,name,template_type,values_json,created_at) VALUES (?,?,?,?,?)`,
		e.ProductID, e.Name, e.TemplateType, values, e.CreatedAt)
	return err
}

func (r Repo) GetEnumeration(ctx context.Context, productID, name string) (domain.Enumeration, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT product_id,name,template_type,values_json,created_at FROM enumerations WHERE product_id=? AND name=?`, productID, name)
	return scanEnumeration(row)
}

func scanEnumeration(row rowScanner) (domain.Enumeration, error) {
	var e domain.Enumeration
	var values string
	err := row.Scan(&e.ProductID, &e.Name, &e.TemplateType, &values, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.Values = unmarshalStrings(values)
	return e, nil
}

func (r Repo) ListEnumerations(ctx context.Context, productID string) ([]domain.Enumeration, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT product_id,name,template_type,values_json,created_at FROM enumerations WHERE product_id=? ORDER BY name ASC`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Enumeration
	for rows.Next() {
		e, err := scanEnumeration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- abstract attributes ----

const abstractSelect = `SELECT path,product_id,component_type,component_id,name,display_name,datatype_id,enumeration,relationships_json,tags_json,immutable,created_at,updated_at FROM abstract_attributes`

func (r Repo) CreateAbstractAttributeTx(ctx context.Context, tx *sql.Tx, a domain.AbstractAttribute) error {
	relationships, err := marshalJSON(a.Relationships)
	if err != nil {
		return err
	}
	tags, err := marshalJSON(a.Tags)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO abstract_attributes(path,product_id,component_type,component_id,name,display_name,datatype_id,enumeration,relationships_json,tags_json,immutable,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.Path, a.ProductID, a.ComponentType, a.ComponentID, a.Name, a.DisplayName, a.DataTypeID, a.Enumeration,
		relationships, tags, boolInt(a.Immutable), a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) GetAbstractAttribute(ctx context.Context, path string) (domain.AbstractAttribute, error) {
	return scanAbstract(r.DB.QueryRowContext(ctx, abstractSelect+` WHERE path=?`, path))
}

func (r Repo) GetAbstractAttributeTx(ctx context.Context, tx *sql.Tx, path string) (domain.AbstractAttribute, error) {
	return scanAbstract(tx.QueryRowContext(ctx, abstractSelect+` WHERE path=?`, path))
}

func scanAbstract(row rowScanner) (domain.AbstractAttribute, error) {
	var a domain.AbstractAttribute
	var relationships, tags string
	var immutable int
	err := row.Scan(&a.Path, &a.ProductID, &a.ComponentType, &a.ComponentID, &a.Name, &a.DisplayName, &a.DataTypeID, &a.Enumeration,
		&relationships, &tags, &immutable, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	_ = json.Unmarshal([]byte(relationships), &a.Relationships)
	a.Tags = unmarshalStrings(tags)
	a.Immutable = immutable != 0
	return a, nil
}

func (r Repo) ListAbstractAttributes(ctx context.Context, productID string) ([]domain.AbstractAttribute, error) {
	rows, err := r.DB.QueryContext(ctx, abstractSelect+` WHERE product_id=? ORDER BY path ASC`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.AbstractAttribute
	for rows.Next() {
		a, err := scanAbstract(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r Repo) ListAbstractAttributesTx(ctx context.Context, tx *sql.Tx, productID string) ([]domain.AbstractAttribute, error) {
	rows, err := tx.QueryContext(ctx, abstractSelect+` WHERE product_id=? ORDER BY path ASC`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.AbstractAttribute
	for rows.Next() {
		a, err := scanAbstract(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r Repo) SetAbstractImmutableTx(ctx context.Context, tx *sql.Tx, path string, immutable bool, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE abstract_attributes SET immutable=?, updated_at=? WHERE path=?`,
		boolInt(immutable), updatedAt, path)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
