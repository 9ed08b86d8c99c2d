package domain

// Product statuses.
const (
	ProductDraft           = "DRAFT"
	ProductPendingApproval = "PENDING_APPROVAL"
	ProductActive          = "ACTIVE"
	ProductDiscontinued    = "DISCONTINUED"
)

// Functionality statuses.
const (
	FunctionalityDraft           = "DRAFT"
	FunctionalityPendingApproval = "PENDING_APPROVAL"
	FunctionalityActive          = "ACTIVE"
)

// Attribute value types.
const (
	ValueTypeFixed          = "FIXED_VALUE"
	ValueTypeRuleDriven     = "RULE_DRIVEN"
	ValueTypeJustDefinition = "JUST_DEFINITION"
)

// Relationship kinds between abstract attributes.
const (
	RelationshipEnumeration      = "enumeration"
	RelationshipKeyEnumeration   = "key-enumeration"
	RelationshipValueEnumeration = "value-enumeration"
)

// Primitive datatype kinds.
const (
	PrimitiveString   = "string"
	PrimitiveInteger  = "integer"
	PrimitiveFloat    = "float"
	PrimitiveDecimal  = "decimal"
	PrimitiveBoolean  = "boolean"
	PrimitiveDatetime = "datetime"
	PrimitiveEnum     = "enum"
	PrimitiveArray    = "array"
	PrimitiveObject   = "object"
)

type Product struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	TemplateType  string  `json:"template_type"`
	Status        string  `json:"status" enum:"DRAFT,PENDING_APPROVAL,ACTIVE,DISCONTINUED"`
	Description   string  `json:"description,omitempty"`
	ParentID      *string `json:"parent_id,omitempty"`
	EffectiveDate *string `json:"effective_date,omitempty" format:"date-time"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

type Functionality struct {
	Name               string   `json:"name"`
	ProductID          string   `json:"product_id"`
	Description        string   `json:"description,omitempty"`
	Status             string   `json:"status" enum:"DRAFT,PENDING_APPROVAL,ACTIVE"`
	Immutable          bool     `json:"immutable"`
	RequiredAttributes []string `json:"required_attributes"`
	CreatedAt          string   `json:"created_at" format:"date-time"`
	UpdatedAt          string   `json:"updated_at" format:"date-time"`
}

// DataTypeConstraints carries the optional constraint fields of a DataType.
// Which fields are meaningful depends on the primitive kind.
type DataTypeConstraints struct {
	Min         *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max         *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	MinLength   *int     `json:"min_length,omitempty" yaml:"min_length,omitempty"`
	MaxLength   *int     `json:"max_length,omitempty" yaml:"max_length,omitempty"`
	Pattern     *string  `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Precision   *int     `json:"precision,omitempty" yaml:"precision,omitempty"`
	Scale       *int     `json:"scale,omitempty" yaml:"scale,omitempty"`
	MinItems    *int     `json:"min_items,omitempty" yaml:"min_items,omitempty"`
	MaxItems    *int     `json:"max_items,omitempty" yaml:"max_items,omitempty"`
	UniqueItems *bool    `json:"unique_items,omitempty" yaml:"unique_items,omitempty"`
	// RuleExpression is a boolean expression evaluated with the candidate
	// value bound to $value; RuleMessage is the failure message.
	RuleExpression *string `json:"rule_expression,omitempty" yaml:"rule_expression,omitempty"`
	RuleMessage    *string `json:"rule_message,omitempty" yaml:"rule_message,omitempty"`
}

func (c DataTypeConstraints) Empty() bool {
	return c.Min == nil && c.Max == nil &&
		c.MinLength == nil && c.MaxLength == nil &&
		c.Pattern == nil && c.Precision == nil && c.Scale == nil &&
		c.MinItems == nil && c.MaxItems == nil && c.UniqueItems == nil &&
		c.RuleExpression == nil
}

type DataType struct {
	ID          string              `json:"id"`
	ProductID   string              `json:"product_id"`
	Primitive   string              `json:"primitive" enum:"string,integer,float,decimal,boolean,datetime,enum,array,object"`
	Constraints DataTypeConstraints `json:"constraints"`
	CreatedAt   string              `json:"created_at" format:"date-time"`
}

type Enumeration struct {
	Name         string   `json:"name"`
	ProductID    string   `json:"product_id"`
	TemplateType string   `json:"template_type,omitempty"`
	Values       []string `json:"values"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
}

type Relationship struct {
	Kind       string `json:"kind" enum:"enumeration,key-enumeration,value-enumeration"`
	TargetPath string `json:"target_path"`
}

type AbstractAttribute struct {
	Path          string         `json:"path"`
	ProductID     string         `json:"product_id"`
	ComponentType string         `json:"component_type"`
	ComponentID   *string        `json:"component_id,omitempty"`
	Name          string         `json:"name"`
	DisplayName   string         `json:"display_name,omitempty"`
	DataTypeID    string         `json:"datatype_id"`
	Enumeration   *string        `json:"enumeration,omitempty"`
	Relationships []Relationship `json:"relationships,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	Immutable     bool           `json:"immutable"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
	UpdatedAt     string         `json:"updated_at" format:"date-time"`
}

type Attribute struct {
	Path          string  `json:"path"`
	ProductID     string  `json:"product_id"`
	AbstractPath  string  `json:"abstract_path"`
	ComponentType string  `json:"component_type"`
	ComponentID   string  `json:"component_id"`
	Name          string  `json:"name"`
	ValueType     string  `json:"value_type" enum:"FIXED_VALUE,RULE_DRIVEN,JUST_DEFINITION"`
	ValueJSON     *string `json:"value_json,omitempty"`
	RuleID        *string `json:"rule_id,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

type Rule struct {
	ID          string   `json:"id"`
	ProductID   string   `json:"product_id"`
	RuleType    string   `json:"rule_type,omitempty"`
	Expression  string   `json:"expression"`
	InputPaths  []string `json:"input_paths"`
	OutputPaths []string `json:"output_paths"`
	Enabled     bool     `json:"enabled"`
	OrderIndex  int      `json:"order_index"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProductID  string `json:"product_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Locked reports whether the product rejects in-place structural edits.
func (p Product) Locked() bool {
	return p.Status != ProductDraft
}

// Locked reports whether the functionality rejects in-place structural edits.
func (f Functionality) Locked() bool {
	return f.Immutable || f.Status != FunctionalityDraft
}
