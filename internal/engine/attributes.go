package engine

import (
	"context"
	"errors"
	"fmt"

	"productline/internal/domain"
	"productline/internal/events"
	"productline/internal/repo"
)

// AttributeCreateOptions are parameters for instantiating an attribute on
// a concrete component.
type AttributeCreateOptions struct {
	ProductID     string
	ComponentType string
	ComponentID   string
	Name          string
	ValueType     string
	ValueJSON     string
	ActorID       string
}

// CreateAttribute instantiates an abstract attribute on a component. The
// declaration is resolved component-first: an abstract attribute declared
// for this exact component wins over one declared for the whole type.
func (e Engine) CreateAttribute(ctx context.Context, opts AttributeCreateOptions) (domain.Attribute, error) {
	if err := domain.ValidateComponentType(opts.ComponentType); err != nil {
		return domain.Attribute{}, err
	}
	if err := domain.ValidateComponentID(opts.ComponentID); err != nil {
		return domain.Attribute{}, err
	}
	if err := domain.ValidateAttributeName(opts.Name); err != nil {
		return domain.Attribute{}, err
	}
	switch opts.ValueType {
	case domain.ValueTypeFixed, domain.ValueTypeRuleDriven, domain.ValueTypeJustDefinition:
	default:
		return domain.Attribute{}, fmt.Errorf("unknown value type %q", opts.ValueType)
	}
	if opts.ValueType == domain.ValueTypeFixed && opts.ValueJSON == "" {
		return domain.Attribute{}, errors.New("FIXED_VALUE attribute needs a value")
	}
	if opts.ValueType != domain.ValueTypeFixed && opts.ValueJSON != "" {
		return domain.Attribute{}, fmt.Errorf("%s attribute cannot carry a fixed value", opts.ValueType)
	}
	p, err := e.Repo.GetProduct(ctx, opts.ProductID)
	if err != nil {
		return domain.Attribute{}, err
	}
	if p.Locked() {
		return domain.Attribute{}, ImmutableError{Entity: "product", ID: p.ID, Reason: "status is " + p.Status}
	}
	abstract, err := e.resolveAbstract(ctx, opts.ProductID, opts.ComponentType, opts.ComponentID, opts.Name)
	if err != nil {
		return domain.Attribute{}, err
	}
	if opts.ValueType == domain.ValueTypeFixed {
		if err := e.ValidateValue(ctx, abstract, opts.ValueJSON); err != nil {
			return domain.Attribute{}, err
		}
	}
	now := e.timestamp()
	a := domain.Attribute{
		Path:          domain.ConcretePath(opts.ProductID, opts.ComponentType, opts.ComponentID, opts.Name),
		ProductID:     opts.ProductID,
		AbstractPath:  abstract.Path,
		ComponentType: opts.ComponentType,
		ComponentID:   opts.ComponentID,
		Name:          opts.Name,
		ValueType:     opts.ValueType,
		ValueJSON:     optionalString(opts.ValueJSON),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.CreateAttributeTx(ctx, tx, a); err != nil {
		return a, fmt.Errorf("insert attribute: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeAttributeCreated, a.ProductID, "attribute", a.Path, opts.ActorID, events.EventPayload{
		"value_type": a.ValueType,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

func (e Engine) resolveAbstract(ctx context.Context, productID, componentType, componentID, name string) (domain.AbstractAttribute, error) {
	exact := domain.AbstractPath(productID, componentType, componentID, name)
	abstract, err := e.Repo.GetAbstractAttribute(ctx, exact)
	if err == nil {
		return abstract, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.AbstractAttribute{}, err
	}
	typeLevel := domain.AbstractPath(productID, componentType, "", name)
	abstract, err = e.Repo.GetAbstractAttribute(ctx, typeLevel)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.AbstractAttribute{}, fmt.Errorf("no abstract attribute declares %s on %s", name, componentType)
	}
	return abstract, err
}

// SetAttributeValue changes the value side of an existing attribute. The
// attribute's abstract declaration must not have been locked, and the
// change must not ripple into any locked attribute downstream.
func (e Engine) SetAttributeValue(ctx context.Context, path, valueType, valueJSON, actorID string) (domain.Attribute, error) {
	a, err := e.Repo.GetAttribute(ctx, path)
	if err != nil {
		return a, err
	}
	p, err := e.Repo.GetProduct(ctx, a.ProductID)
	if err != nil {
		return a, err
	}
	if p.Locked() {
		return a, ImmutableError{Entity: "product", ID: p.ID, Reason: "status is " + p.Status}
	}
	abstract, err := e.Repo.GetAbstractAttribute(ctx, a.AbstractPath)
	if err != nil {
		return a, err
	}
	if abstract.Immutable {
		return a, ImmutableError{Entity: "attribute", ID: path, Reason: "declaration is locked by an active functionality"}
	}
	if err := e.ensureMutableClosure(ctx, "attribute", path, []string{path}); err != nil {
		return a, err
	}
	if a.RuleID != nil {
		return a, fmt.Errorf("attribute %s is bound to rule %s; update or delete the rule instead", path, *a.RuleID)
	}
	switch valueType {
	case domain.ValueTypeFixed:
		if valueJSON == "" {
			return a, errors.New("FIXED_VALUE attribute needs a value")
		}
		if err := e.ValidateValue(ctx, abstract, valueJSON); err != nil {
			return a, err
		}
		a.ValueType = valueType
		a.ValueJSON = &valueJSON
		a.RuleID = nil
	case domain.ValueTypeJustDefinition:
		if valueJSON != "" {
			return a, errors.New("JUST_DEFINITION attribute cannot carry a value")
		}
		a.ValueType = valueType
		a.ValueJSON = nil
		a.RuleID = nil
	case domain.ValueTypeRuleDriven:
		return a, errors.New("RULE_DRIVEN is set by binding a rule output, not directly")
	default:
		return a, fmt.Errorf("unknown value type %q", valueType)
	}
	a.UpdatedAt = e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateAttributeValueTx(ctx, tx, a.Path, a.ValueType, a.ValueJSON, a.RuleID, a.UpdatedAt); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeAttributeUpdated, a.ProductID, "attribute", a.Path, actorID, events.EventPayload{
		"value_type": a.ValueType,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}
