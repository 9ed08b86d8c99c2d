package repo

import (
	"context"
	"database/sql"

	"productline/internal/domain"
)

const ruleSelect = `SELECT id,product_id,rule_type,expression_json,input_paths_json,output_paths_json,enabled,order_index,created_at,updated_at FROM rules`

func (r Repo) CreateRuleTx(ctx context.Context, tx *sql.Tx, rl domain.Rule) error {
	inputs, err := marshalJSON(rl.InputPaths)
	if err != nil {
		return err
	}
	outputs, err := marshalJSON(rl.OutputPaths)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO rules(id,product_id,rule_type,expression_json,input_paths_json,output_paths_json,enabled,order_index,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		rl.ID, rl.ProductID, rl.RuleType, rl.Expression, inputs, outputs, boolInt(rl.Enabled), rl.OrderIndex, rl.CreatedAt, rl.UpdatedAt)
	return err
}

func (r Repo) GetRule(ctx context.Context, id string) (domain.Rule, error) {
	return scanRule(r.DB.QueryRowContext(ctx, ruleSelect+` WHERE id=?`, id))
}

func (r Repo) GetRuleTx(ctx context.Context, tx *sql.Tx, id string) (domain.Rule, error) {
	return scanRule(tx.QueryRowContext(ctx, ruleSelect+` WHERE id=?`, id))
}

func scanRule(row rowScanner) (domain.Rule, error) {
	var rl domain.Rule
	var inputs, outputs string
	var enabled int
	err := row.Scan(&rl.ID, &rl.ProductID, &rl.RuleType, &rl.Expression, &inputs, &outputs, &enabled, &rl.OrderIndex, &rl.CreatedAt, &rl.UpdatedAt)
	if err == sql.ErrNoRows {
		return rl, ErrNotFound
	}
	if err != nil {
		return rl, err
	}
	rl.InputPaths = unmarshalStrings(inputs)
	rl.OutputPaths = unmarshalStrings(outputs)
	rl.Enabled = enabled != 0
	return rl, nil
}

func (r Repo) ListRules(ctx context.Context, productID string) ([]domain.Rule, error) {
	rows, err := r.DB.QueryContext(ctx, ruleSelect+` WHERE product_id=? ORDER BY order_index ASC, id ASC`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRules(rows)
}

func (r Repo) ListRulesTx(ctx context.Context, tx *sql.Tx, productID string) ([]domain.Rule, error) {
	rows, err := tx.QueryContext(ctx, ruleSelect+` WHERE product_id=? ORDER BY order_index ASC, id ASC`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRules(rows)
}

func collectRules(rows *sql.Rows) ([]domain.Rule, error) {
	var out []domain.Rule
	for rows.Next() {
		rl, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rl)
	}
	return out, rows.Err()
}

func (r Repo) UpdateRuleTx(ctx context.Context, tx *sql.Tx, rl domain.Rule) error {
	inputs, err := marshalJSON(rl.InputPaths)
	if err != nil {
		return err
	}
	outputs, err := marshalJSON(rl.OutputPaths)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE rules SET rule_type=?, expression_json=?, input_paths_json=?, output_paths_json=?, enabled=?, order_index=?, updated_at=? WHERE id=?`,
		rl.RuleType, rl.Expression, inputs, outputs, boolInt(rl.Enabled), rl.OrderIndex, rl.UpdatedAt, rl.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteRuleTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM rules WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
