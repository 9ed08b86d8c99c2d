package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"productline/internal/config"
	"productline/internal/domain"
	"productline/internal/events"
	"productline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// ProductCreateOptions are parameters for creating a product.
type ProductCreateOptions struct {
	ID            string
	Name          string
	TemplateType  string
	Description   string
	EffectiveDate string
	ActorID       string
}

func (e Engine) CreateProduct(ctx context.Context, opts ProductCreateOptions) (domain.Product, error) {
	if e.Config == nil {
		return domain.Product{}, errors.New("config not loaded")
	}
	if err := domain.ValidateProductID(opts.ID); err != nil {
		return domain.Product{}, err
	}
	if err := domain.ValidateProductName(opts.Name); err != nil {
		return domain.Product{}, err
	}
	if opts.TemplateType != "" {
		if err := domain.ValidateTemplateType(opts.TemplateType); err != nil {
			return domain.Product{}, fmt.Errorf("template_type: %w", err)
		}
	}
	now := e.timestamp()
	p := domain.Product{
		ID:            opts.ID,
		Name:          opts.Name,
		TemplateType:  opts.TemplateType,
		Status:        domain.ProductDraft,
		Description:   opts.Description,
		EffectiveDate: optionalString(opts.EffectiveDate),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Product{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.CreateProductTx(ctx, tx, p); err != nil {
		return domain.Product{}, fmt.Errorf("insert product: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeProductCreated, p.ID, "product", p.ID, opts.ActorID, events.EventPayload{
		"name":   p.Name,
		"status": p.Status,
	}); err != nil {
		return domain.Product{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Product{}, err
	}
	return p, nil
}

func ensureProductTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.ProductDraft:
		if newStatus == domain.ProductPendingApproval {
			return nil
		}
	case domain.ProductPendingApproval:
		if newStatus == domain.ProductActive || newStatus == domain.ProductDraft {
			return nil
		}
	case domain.ProductActive:
		if newStatus == domain.ProductDiscontinued {
			return nil
		}
	}
	return fmt.Errorf("invalid product status transition %s -> %s", oldStatus, newStatus)
}

// SetProductStatus moves the product through its lifecycle. Leaving DRAFT
// locks the product's definition; the only way to change a locked product
// is to clone it.
func (e Engine) SetProductStatus(ctx context.Context, id, status, actorID string) (domain.Product, error) {
	p, err := e.Repo.GetProduct(ctx, id)
	if err != nil {
		return p, err
	}
	if err := ensureProductTransition(p.Status, status); err != nil {
		return p, err
	}
	if status == domain.ProductPendingApproval {
		report, err := e.ValidateProduct(ctx, id)
		if err != nil {
			return p, err
		}
		if !report.Valid {
			return p, ConstraintError{Violations: report.Errors}
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()

	now := e.timestamp()
	if err := e.Repo.UpdateProductStatusTx(ctx, tx, id, status, now); err != nil {
		return p, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeProductStatusChanged, id, "product", id, actorID, events.EventPayload{
		"from": p.Status,
		"to":   status,
	}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	p.Status = status
	p.UpdatedAt = now
	return p, nil
}

// ProductUpdateOptions carries in-place edits allowed on a DRAFT product.
type ProductUpdateOptions struct {
	ID          string
	Name        *string
	Description *string
	ActorID     string
}

func (e Engine) UpdateProduct(ctx context.Context, opts ProductUpdateOptions) (domain.Product, error) {
	p, err := e.Repo.GetProduct(ctx, opts.ID)
	if err != nil {
		return p, err
	}
	if p.Locked() {
		return p, ImmutableError{Entity: "product", ID: p.ID, Reason: "status is " + p.Status}
	}
	if opts.Name != nil {
		if err := domain.ValidateProductName(*opts.Name); err != nil {
			return p, err
		}
		p.Name = *opts.Name
	}
	if opts.Description != nil {
		p.Description = *opts.Description
	}
	p.UpdatedAt = e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateProductTx(ctx, tx, p.ID, opts.Name, opts.Description, p.UpdatedAt); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	return p, nil
}

// DeleteProduct removes a DRAFT product and everything under it.
func (e Engine) DeleteProduct(ctx context.Context, id, actorID string) error {
	p, err := e.Repo.GetProduct(ctx, id)
	if err != nil {
		return err
	}
	if p.Locked() {
		return ImmutableError{Entity: "product", ID: p.ID, Reason: "status is " + p.Status}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteProductTx(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TypeProductDeleted, id, "product", id, actorID, events.EventPayload{}); err != nil {
		return err
	}
	return tx.Commit()
}

// FunctionalityCreateOptions are parameters for creating a functionality.
type FunctionalityCreateOptions struct {
	ProductID          string
	Name               string
	Description        string
	RequiredAttributes []string
	ActorID            string
}

func (e Engine) CreateFunctionality(ctx context.Context, opts FunctionalityCreateOptions) (domain.Functionality, error) {
	if err := domain.ValidateFunctionalityName(opts.Name); err != nil {
		return domain.Functionality{}, err
	}
	p, err := e.Repo.GetProduct(ctx, opts.ProductID)
	if err != nil {
		return domain.Functionality{}, err
	}
	if p.Locked() {
		return domain.Functionality{}, ImmutableError{Entity: "product", ID: p.ID, Reason: "status is " + p.Status}
	}
	for _, path := range opts.RequiredAttributes {
		if _, err := e.Repo.GetAttribute(ctx, path); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Functionality{}, fmt.Errorf("required attribute %s not found", path)
			}
			return domain.Functionality{}, err
		}
	}
	now := e.timestamp()
	f := domain.Functionality{
		Name:               opts.Name,
		ProductID:          opts.ProductID,
		Description:        opts.Description,
		Status:             domain.FunctionalityDraft,
		RequiredAttributes: opts.RequiredAttributes,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return f, err
	}
	defer tx.Rollback()
	if err := e.Repo.CreateFunctionalityTx(ctx, tx, f); err != nil {
		return f, fmt.Errorf("insert functionality: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeFunctionalityCreated, f.ProductID, "functionality", f.Name, opts.ActorID, events.EventPayload{
		"status": f.Status,
	}); err != nil {
		return f, err
	}
	if err := tx.Commit(); err != nil {
		return f, err
	}
	return f, nil
}

// FunctionalityUpdateOptions carries in-place edits allowed on a DRAFT
// functionality.
type FunctionalityUpdateOptions struct {
	ProductID          string
	Name               string
	Description        *string
	RequiredAttributes []string
	ActorID            string
}

func (e Engine) UpdateFunctionality(ctx context.Context, opts FunctionalityUpdateOptions) (domain.Functionality, error) {
	f, err := e.Repo.GetFunctionality(ctx, opts.ProductID, opts.Name)
	if err != nil {
		return f, err
	}
	if f.Locked() {
		reason := "status is " + f.Status
		if f.Immutable {
			reason = "functionality is locked"
		}
		return f, ImmutableError{Entity: "functionality", ID: f.Name, Reason: reason}
	}
	if opts.Description != nil {
		f.Description = *opts.Description
	}
	if opts.RequiredAttributes != nil {
		for _, path := range opts.RequiredAttributes {
			if _, err := e.Repo.GetAttribute(ctx, path); err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					return f, fmt.Errorf("required attribute %s not found", path)
				}
				return f, err
			}
		}
		f.RequiredAttributes = opts.RequiredAttributes
	}
	f.UpdatedAt = e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return f, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateFunctionalityTx(ctx, tx, f); err != nil {
		return f, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeFunctionalityUpdated, f.ProductID, "functionality", f.Name, opts.ActorID, events.EventPayload{}); err != nil {
		return f, err
	}
	if err := tx.Commit(); err != nil {
		return f, err
	}
	return f, nil
}

func ensureFunctionalityTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.FunctionalityDraft:
		if newStatus == domain.FunctionalityPendingApproval {
			return nil
		}
	case domain.FunctionalityPendingApproval:
		if newStatus == domain.FunctionalityActive || newStatus == domain.FunctionalityDraft {
			return nil
		}
	}
	return fmt.Errorf("invalid functionality status transition %s -> %s", oldStatus, newStatus)
}

// SetFunctionalityStatus moves a functionality through its lifecycle.
// Activation is one-way: the functionality becomes immutable and the
// abstract attributes behind its required attributes are locked with it,
// so later edits cannot silently change what the functionality depends on.
func (e Engine) SetFunctionalityStatus(ctx context.Context, productID, name, status, actorID string) (domain.Functionality, error) {
	f, err := e.Repo.GetFunctionality(ctx, productID, name)
	if err != nil {
		return f, err
	}
	if err := ensureFunctionalityTransition(f.Status, status); err != nil {
		return f, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return f, err
	}
	defer tx.Rollback()

	now := e.timestamp()
	oldStatus := f.Status
	f.Status = status
	f.UpdatedAt = now
	if status == domain.FunctionalityActive {
		f.Immutable = true
	}
	if err := e.Repo.UpdateFunctionalityTx(ctx, tx, f); err != nil {
		return f, err
	}
	if status == domain.FunctionalityActive {
		for _, path := range f.RequiredAttributes {
			attr, err := e.Repo.GetAttributeTx(ctx, tx, path)
			if err != nil {
				return f, fmt.Errorf("required attribute %s: %w", path, err)
			}
			abstract, err := e.Repo.GetAbstractAttributeTx(ctx, tx, attr.AbstractPath)
			if err != nil {
				return f, fmt.Errorf("abstract attribute %s: %w", attr.AbstractPath, err)
			}
			if abstract.Immutable {
				continue
			}
			if err := e.Repo.SetAbstractImmutableTx(ctx, tx, abstract.Path, true, now); err != nil {
				return f, err
			}
			if err := e.Events.Append(ctx, tx, events.TypeAbstractLocked, productID, "abstract_attribute", abstract.Path, actorID, events.EventPayload{
				"functionality": name,
			}); err != nil {
				return f, err
			}
		}
		if err := e.Events.Append(ctx, tx, events.TypeFunctionalityActivated, productID, "functionality", name, actorID, events.EventPayload{}); err != nil {
			return f, err
		}
	} else {
		if err := e.Events.Append(ctx, tx, events.TypeFunctionalityUpdated, productID, "functionality", name, actorID, events.EventPayload{
			"from": oldStatus,
			"to":   status,
		}); err != nil {
			return f, err
		}
	}
	if err := tx.Commit(); err != nil {
		return f, err
	}
	return f, nil
}

// --- helpers ---

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
