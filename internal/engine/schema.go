package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"productline/internal/domain"
	"productline/internal/events"
	"productline/internal/repo"
)

// DataTypeCreateOptions are parameters for creating a datatype.
type DataTypeCreateOptions struct {
	ProductID   string
	ID          string
	Primitive   string
	Constraints domain.DataTypeConstraints
	ActorID     string
}

func (e Engine) CreateDataType(ctx context.Context, opts DataTypeCreateOptions) (domain.DataType, error) {
	if err := domain.ValidateDataTypeID(opts.ID); err != nil {
		return domain.DataType{}, err
	}
	if !domain.ValidPrimitive(opts.Primitive) {
		return domain.DataType{}, fmt.Errorf("unknown primitive %q", opts.Primitive)
	}
	if err := checkConstraintShape(opts.Primitive, opts.Constraints); err != nil {
		return domain.DataType{}, err
	}
	p, err := e.Repo.GetProduct(ctx, opts.ProductID)
	if err != nil {
		return domain.DataType{}, err
	}
	if p.Locked() {
		return domain.DataType{}, ImmutableError{Entity: "product", ID: p.ID, Reason: "status is " + p.Status}
	}
	dt := domain.DataType{
		ID:          opts.ID,
		ProductID:   opts.ProductID,
		Primitive:   opts.Primitive,
		Constraints: opts.Constraints,
		CreatedAt:   e.timestamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return dt, err
	}
	defer tx.Rollback()
	if err := e.Repo.CreateDataTypeTx(ctx, tx, dt); err != nil {
		return dt, fmt.Errorf("insert datatype: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeDataTypeCreated, dt.ProductID, "datatype", dt.ID, opts.ActorID, events.EventPayload{
		"primitive": dt.Primitive,
	}); err != nil {
		return dt, err
	}
	if err := tx.Commit(); err != nil {
		return dt, err
	}
	return dt, nil
}

// checkConstraintShape rejects constraint fields that make no sense for
// the primitive, and malformed constraint values.
func checkConstraintShape(primitive string, c domain.DataTypeConstraints) error {
	if c.Min != nil && c.Max != nil && *c.Min > *c.Max {
		return errors.New("constraint min exceeds max")
	}
	if c.MinLength != nil && c.MaxLength != nil && *c.MinLength > *c.MaxLength {
		return errors.New("constraint min_length exceeds max_length")
	}
	if c.MinItems != nil && c.MaxItems != nil && *c.MinItems > *c.MaxItems {
		return errors.New("constraint min_items exceeds max_items")
	}
	if c.Pattern != nil {
		if _, err := regexp.Compile(*c.Pattern); err != nil {
			return fmt.Errorf("constraint pattern: %w", err)
		}
	}
	if c.RuleExpression != nil {
		if _, err := parseConstraintRule(*c.RuleExpression); err != nil {
			return fmt.Errorf("constraint rule_expression: %w", err)
		}
	}
	switch primitive {
	case domain.PrimitiveString, domain.PrimitiveDatetime:
		if c.Min != nil || c.Max != nil || c.MinItems != nil || c.MaxItems != nil {
			return fmt.Errorf("numeric or item constraints not valid for %s", primitive)
		}
	case domain.PrimitiveInteger, domain.PrimitiveFloat, domain.PrimitiveDecimal:
		if c.MinLength != nil || c.MaxLength != nil || c.Pattern != nil || c.MinItems != nil || c.MaxItems != nil {
			return fmt.Errorf("length, pattern or item constraints not valid for %s", primitive)
		}
	case domain.PrimitiveBoolean, domain.PrimitiveEnum:
		if !c.Empty() {
			return fmt.Errorf("constraints not valid for %s", primitive)
		}
	case domain.PrimitiveArray:
		if c.Min != nil || c.Max != nil || c.MinLength != nil || c.MaxLength != nil || c.Pattern != nil {
			return fmt.Errorf("scalar constraints not valid for %s", primitive)
		}
	}
	return nil
}

// EnumerationCreateOptions are parameters for creating an enumeration.
type EnumerationCreateOptions struct {
	ProductID    string
	Name         string
	TemplateType string
	Values       []string
	ActorID      string
}

func (e Engine) CreateEnumeration(ctx context.Context, opts EnumerationCreateOptions) (domain.Enumeration, error) {
	if err := domain.ValidateEnumerationName(opts.Name); err != nil {
		return domain.Enumeration{}, err
	}
	if len(opts.Values) == 0 {
		return domain.Enumeration{}, errors.New("enumeration needs at least one value")
	}
	seen := make(map[string]bool, len(opts.Values))
	for _, v := range opts.Values {
		if err := domain.ValidateEnumerationValue(v); err != nil {
			return domain.Enumeration{}, err
		}
		if seen[v] {
			return domain.Enumeration{}, fmt.Errorf("duplicate enumeration value %q", v)
		}
		seen[v] = true
	}
	p, err := e.Repo.GetProduct(ctx, opts.ProductID)
	if err != nil {
		return domain.Enumeration{}, err
	}
	if p.Locked() {
		return domain.Enumeration{}, ImmutableError{Entity: "product", ID: p.ID, Reason: "status is " + p.Status}
	}
	en := domain.Enumeration{
		Name:         opts.Name,
		ProductID:    opts.ProductID,
		TemplateType: opts.TemplateType,
		Values:       opts.Values,
		CreatedAt:    e.timestamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return en, err
	}
	defer tx.Rollback()
	if err := e.Repo.CreateEnumerationTx(ctx, tx, en); err != nil {
		return en, fmt.Errorf("insert enumeration: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeEnumerationCreated, en.ProductID, "enumeration", en.Name, opts.ActorID, events.EventPayload{
		"values": len(en.Values),
	}); err != nil {
		return en, err
	}
	if err := tx.Commit(); err != nil {
		return en, err
	}
	return en, nil
}

// AbstractAttributeCreateOptions are parameters for declaring an abstract
// attribute. ComponentID empty means the declaration covers every
// component of ComponentType.
type AbstractAttributeCreateOptions struct {
	ProductID     string
	ComponentType string
	ComponentID   string
	Name          string
	DisplayName   string
	DataTypeID    string
	Enumeration   string
	Relationships []domain.Relationship
	Tags          []string
	ActorID       string
}

func (e Engine) CreateAbstractAttribute(ctx context.Context, opts AbstractAttributeCreateOptions) (domain.AbstractAttribute, error) {
	if err := domain.ValidateComponentType(opts.ComponentType); err != nil {
		return domain.AbstractAttribute{}, err
	}
	if opts.ComponentID != "" {
		if err := domain.ValidateComponentID(opts.ComponentID); err != nil {
			return domain.AbstractAttribute{}, err
		}
	}
	if err := domain.ValidateAttributeName(opts.Name); err != nil {
		return domain.AbstractAttribute{}, err
	}
	if opts.DisplayName != "" {
		if err := domain.ValidateDisplayName(opts.DisplayName); err != nil {
			return domain.AbstractAttribute{}, err
		}
	}
	for _, tag := range opts.Tags {
		if err := domain.ValidateTag(tag); err != nil {
			return domain.AbstractAttribute{}, err
		}
	}
	p, err := e.Repo.GetProduct(ctx, opts.ProductID)
	if err != nil {
		return domain.AbstractAttribute{}, err
	}
	if p.Locked() {
		return domain.AbstractAttribute{}, ImmutableError{Entity: "product", ID: p.ID, Reason: "status is " + p.Status}
	}
	if _, err := e.Repo.GetDataType(ctx, opts.ProductID, opts.DataTypeID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.AbstractAttribute{}, fmt.Errorf("datatype %s not found", opts.DataTypeID)
		}
		return domain.AbstractAttribute{}, err
	}
	if opts.Enumeration != "" {
		if _, err := e.Repo.GetEnumeration(ctx, opts.ProductID, opts.Enumeration); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.AbstractAttribute{}, fmt.Errorf("enumeration %s not found", opts.Enumeration)
			}
			return domain.AbstractAttribute{}, err
		}
	}
	for _, rel := range opts.Relationships {
		switch rel.Kind {
		case domain.RelationshipEnumeration, domain.RelationshipKeyEnumeration, domain.RelationshipValueEnumeration:
		default:
			return domain.AbstractAttribute{}, fmt.Errorf("unknown relationship kind %q", rel.Kind)
		}
		if _, err := domain.ParsePath(rel.TargetPath); err != nil {
			return domain.AbstractAttribute{}, fmt.Errorf("relationship target: %w", err)
		}
	}
	now := e.timestamp()
	a := domain.AbstractAttribute{
		Path:          domain.AbstractPath(opts.ProductID, opts.ComponentType, opts.ComponentID, opts.Name),
		ProductID:     opts.ProductID,
		ComponentType: opts.ComponentType,
		ComponentID:   optionalString(opts.ComponentID),
		Name:          opts.Name,
		DisplayName:   opts.DisplayName,
		DataTypeID:    opts.DataTypeID,
		Enumeration:   optionalString(opts.Enumeration),
		Relationships: opts.Relationships,
		Tags:          opts.Tags,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.CreateAbstractAttributeTx(ctx, tx, a); err != nil {
		return a, fmt.Errorf("insert abstract attribute: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeAbstractCreated, a.ProductID, "abstract_attribute", a.Path, opts.ActorID, events.EventPayload{
		"datatype": a.DataTypeID,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

// SetAbstractImmutable flips the lock flag on one abstract attribute
// declaration. Locking is always allowed on a DRAFT product; unlocking is
// additionally refused while an active functionality requires any
// attribute declared by it.
func (e Engine) SetAbstractImmutable(ctx context.Context, path string, immutable bool, actorID string) (domain.AbstractAttribute, error) {
	abstract, err := e.Repo.GetAbstractAttribute(ctx, path)
	if err != nil {
		return abstract, err
	}
	p, err := e.Repo.GetProduct(ctx, abstract.ProductID)
	if err != nil {
		return abstract, err
	}
	if p.Locked() {
		return abstract, ImmutableError{Entity: "product", ID: p.ID, Reason: "status is " + p.Status}
	}
	if abstract.Immutable == immutable {
		return abstract, nil
	}
	if !immutable {
		holder, err := e.lockHolder(ctx, abstract)
		if err != nil {
			return abstract, err
		}
		if holder != "" {
			return abstract, ImmutableError{Entity: "abstract_attribute", ID: path, Reason: "required by active functionality " + holder}
		}
	}
	now := e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return abstract, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetAbstractImmutableTx(ctx, tx, path, immutable, now); err != nil {
		return abstract, err
	}
	eventType := events.TypeAbstractLocked
	if !immutable {
		eventType = events.TypeAbstractUnlocked
	}
	if err := e.Events.Append(ctx, tx, eventType, abstract.ProductID, "abstract_attribute", path, actorID, events.EventPayload{}); err != nil {
		return abstract, err
	}
	if err := tx.Commit(); err != nil {
		return abstract, err
	}
	abstract.Immutable = immutable
	abstract.UpdatedAt = now
	return abstract, nil
}

// lockHolder names the active functionality that requires an attribute
// declared by the given abstract, or "" when none does.
func (e Engine) lockHolder(ctx context.Context, abstract domain.AbstractAttribute) (string, error) {
	fns, err := e.Repo.ListFunctionalities(ctx, abstract.ProductID)
	if err != nil {
		return "", err
	}
	for _, f := range fns {
		if f.Status != domain.FunctionalityActive {
			continue
		}
		for _, required := range f.RequiredAttributes {
			a, err := e.Repo.GetAttribute(ctx, required)
			if err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					continue
				}
				return "", err
			}
			if a.AbstractPath == abstract.Path {
				return f.Name, nil
			}
		}
	}
	return "", nil
}
