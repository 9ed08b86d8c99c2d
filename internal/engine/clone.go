package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"productline/internal/domain"
	"productline/internal/events"
	"productline/internal/repo"
)

// CloneOptions are parameters for cloning a product.
type CloneOptions struct {
	SourceID string
	NewID    string
	NewName  string
	ActorID  string
}

// CloneResult summarizes what a clone copied. PathMap records every
// old-path to new-path remapping, abstract declarations and attributes
// alike.
type CloneResult struct {
	Product            domain.Product    `json:"product"`
	DataTypes          int               `json:"datatypes"`
	Enumerations       int               `json:"enumerations"`
	AbstractAttributes int               `json:"abstract_attributes"`
	Attributes         int               `json:"attributes"`
	Rules              int               `json:"rules"`
	Functionalities    int               `json:"functionalities"`
	PathMap            map[string]string `json:"path_map"`
}

// CloneProduct copies a whole product definition under a new id. Every
// path is remapped into the new product's namespace, rules get fresh ids,
// and all immutability is reset: the clone starts as a fully editable
// DRAFT. The copy is transactional; a failed clone leaves nothing behind.
func (e Engine) CloneProduct(ctx context.Context, opts CloneOptions) (CloneResult, error) {
	if err := domain.ValidateProductID(opts.NewID); err != nil {
		return CloneResult{}, err
	}
	if opts.NewID == opts.SourceID {
		return CloneResult{}, errors.New("clone needs a new product id")
	}
	if opts.NewName != "" {
		if err := domain.ValidateProductName(opts.NewName); err != nil {
			return CloneResult{}, err
		}
	}
	src, err := e.Repo.GetProduct(ctx, opts.SourceID)
	if err != nil {
		return CloneResult{}, err
	}
	if _, err := e.Repo.GetProduct(ctx, opts.NewID); err == nil {
		return CloneResult{}, fmt.Errorf("product %s already exists", opts.NewID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return CloneResult{}, err
	}

	datatypes, err := e.Repo.ListDataTypes(ctx, opts.SourceID)
	if err != nil {
		return CloneResult{}, err
	}
	enums, err := e.Repo.ListEnumerations(ctx, opts.SourceID)
	if err != nil {
		return CloneResult{}, err
	}
	abstracts, err := e.Repo.ListAbstractAttributes(ctx, opts.SourceID)
	if err != nil {
		return CloneResult{}, err
	}
	attrs, err := e.Repo.ListAttributes(ctx, opts.SourceID)
	if err != nil {
		return CloneResult{}, err
	}
	rules, err := e.Repo.ListRules(ctx, opts.SourceID)
	if err != nil {
		return CloneResult{}, err
	}
	fns, err := e.Repo.ListFunctionalities(ctx, opts.SourceID)
	if err != nil {
		return CloneResult{}, err
	}
	if e.Config != nil {
		limits := e.Config.Engine.CloneLimits
		switch {
		case len(abstracts) > limits.AbstractAttributes:
			return CloneResult{}, LimitError{Entity: "abstract attributes", Count: len(abstracts), Limit: limits.AbstractAttributes}
		case len(attrs) > limits.Attributes:
			return CloneResult{}, LimitError{Entity: "attributes", Count: len(attrs), Limit: limits.Attributes}
		case len(rules) > limits.Rules:
			return CloneResult{}, LimitError{Entity: "rules", Count: len(rules), Limit: limits.Rules}
		case len(fns) > limits.Functionalities:
			return CloneResult{}, LimitError{Entity: "functionalities", Count: len(fns), Limit: limits.Functionalities}
		}
	}

	now := e.timestamp()
	name := opts.NewName
	if name == "" {
		name = src.Name
	}
	clone := domain.Product{
		ID:           opts.NewID,
		Name:         name,
		TemplateType: src.TemplateType,
		Status:       domain.ProductDraft,
		Description:  src.Description,
		ParentID:     &src.ID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	ruleIDs := make(map[string]string, len(rules))
	for _, rl := range rules {
		ruleIDs[rl.ID] = uuid.New().String()
	}
	pathMap := make(map[string]string, len(abstracts)+len(attrs))

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return CloneResult{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.CreateProductTx(ctx, tx, clone); err != nil {
		return CloneResult{}, fmt.Errorf("insert product: %w", err)
	}
	for _, dt := range datatypes {
		dt.ProductID = opts.NewID
		dt.CreatedAt = now
		if err := e.Repo.CreateDataTypeTx(ctx, tx, dt); err != nil {
			return CloneResult{}, fmt.Errorf("clone datatype %s: %w", dt.ID, err)
		}
	}
	for _, en := range enums {
		en.ProductID = opts.NewID
		en.CreatedAt = now
		if err := e.Repo.CreateEnumerationTx(ctx, tx, en); err != nil {
			return CloneResult{}, fmt.Errorf("clone enumeration %s: %w", en.Name, err)
		}
	}
	for _, a := range abstracts {
		oldPath := a.Path
		a.Path, err = domain.RemapPath(a.Path, opts.NewID)
		if err != nil {
			return CloneResult{}, err
		}
		pathMap[oldPath] = a.Path
		for i := range a.Relationships {
			a.Relationships[i].TargetPath, err = domain.RemapPath(a.Relationships[i].TargetPath, opts.NewID)
			if err != nil {
				return CloneResult{}, err
			}
		}
		a.ProductID = opts.NewID
		a.Immutable = false
		a.CreatedAt = now
		a.UpdatedAt = now
		if err := e.Repo.CreateAbstractAttributeTx(ctx, tx, a); err != nil {
			return CloneResult{}, fmt.Errorf("clone abstract attribute %s: %w", a.Path, err)
		}
	}
	for _, a := range attrs {
		oldPath := a.Path
		a.Path, err = domain.RemapPath(a.Path, opts.NewID)
		if err != nil {
			return CloneResult{}, err
		}
		pathMap[oldPath] = a.Path
		a.AbstractPath, err = domain.RemapPath(a.AbstractPath, opts.NewID)
		if err != nil {
			return CloneResult{}, err
		}
		a.ProductID = opts.NewID
		if a.RuleID != nil {
			mapped, ok := ruleIDs[*a.RuleID]
			if !ok {
				return CloneResult{}, fmt.Errorf("attribute %s references unknown rule %s", a.Path, *a.RuleID)
			}
			a.RuleID = &mapped
		}
		a.CreatedAt = now
		a.UpdatedAt = now
		if err := e.Repo.CreateAttributeTx(ctx, tx, a); err != nil {
			return CloneResult{}, fmt.Errorf("clone attribute %s: %w", a.Path, err)
		}
	}
	for _, rl := range rules {
		rl.ID = ruleIDs[rl.ID]
		rl.ProductID = opts.NewID
		rl.Expression, err = remapExpression(rl.Expression, opts.NewID)
		if err != nil {
			return CloneResult{}, fmt.Errorf("clone rule expression: %w", err)
		}
		for i := range rl.InputPaths {
			rl.InputPaths[i], err = domain.RemapPath(rl.InputPaths[i], opts.NewID)
			if err != nil {
				return CloneResult{}, err
			}
		}
		for i := range rl.OutputPaths {
			rl.OutputPaths[i], err = domain.RemapPath(rl.OutputPaths[i], opts.NewID)
			if err != nil {
				return CloneResult{}, err
			}
		}
		rl.CreatedAt = now
		rl.UpdatedAt = now
		if err := e.Repo.CreateRuleTx(ctx, tx, rl); err != nil {
			return CloneResult{}, fmt.Errorf("clone rule %s: %w", rl.ID, err)
		}
	}
	for _, f := range fns {
		f.ProductID = opts.NewID
		f.Status = domain.FunctionalityDraft
		f.Immutable = false
		for i := range f.RequiredAttributes {
			f.RequiredAttributes[i], err = domain.RemapPath(f.RequiredAttributes[i], opts.NewID)
			if err != nil {
				return CloneResult{}, err
			}
		}
		f.CreatedAt = now
		f.UpdatedAt = now
		if err := e.Repo.CreateFunctionalityTx(ctx, tx, f); err != nil {
			return CloneResult{}, fmt.Errorf("clone functionality %s: %w", f.Name, err)
		}
	}
	if err := e.Events.Append(ctx, tx, events.TypeProductCloned, opts.NewID, "product", opts.NewID, opts.ActorID, events.EventPayload{
		"source":     opts.SourceID,
		"attributes": len(attrs),
		"rules":      len(rules),
	}); err != nil {
		return CloneResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return CloneResult{}, err
	}
	return CloneResult{
		Product:            clone,
		DataTypes:          len(datatypes),
		Enumerations:       len(enums),
		AbstractAttributes: len(abstracts),
		Attributes:         len(attrs),
		Rules:              len(rules),
		Functionalities:    len(fns),
		PathMap:            pathMap,
	}, nil
}

// remapExpression rewrites every var reference inside a rule expression
// into the new product's namespace.
func remapExpression(raw, newProductID string) (string, error) {
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return "", err
	}
	remapped := remapNode(decoded, newProductID)
	data, err := json.Marshal(remapped)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func remapNode(node any, newProductID string) any {
	switch n := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(n))
		for k, v := range n {
			if k == "var" {
				out[k] = remapVarArg(v, newProductID)
				continue
			}
			out[k] = remapNode(v, newProductID)
		}
		return out
	case []any:
		out := make([]any, len(n))
		for i, v := range n {
			out[i] = remapNode(v, newProductID)
		}
		return out
	default:
		return node
	}
}

func remapVarArg(arg any, newProductID string) any {
	switch a := arg.(type) {
	case string:
		if mapped, err := domain.RemapPath(a, newProductID); err == nil {
			return mapped
		}
		return a
	case []any:
		out := make([]any, len(a))
		copy(out, a)
		if len(out) > 0 {
			if s, ok := out[0].(string); ok {
				if mapped, err := domain.RemapPath(s, newProductID); err == nil {
					out[0] = mapped
				}
			}
		}
		return out
	default:
		return arg
	}
}
