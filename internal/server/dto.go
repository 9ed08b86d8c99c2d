package server

import (
	"encoding/json"

	"productline/internal/domain"
)

// Request payloads

type CreateProductRequest struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	TemplateType  string  `json:"template_type"`
	Description   *string `json:"description,omitempty"`
	EffectiveDate *string `json:"effective_date,omitempty" format:"date-time"`
}

type UpdateProductRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

type SetStatusRequest struct {
	Status string `json:"status"`
}

type CloneProductRequest struct {
	NewID   string `json:"new_id"`
	NewName string `json:"new_name,omitempty"`
}

type CreateDataTypeRequest struct {
	ID          string                     `json:"id"`
	Primitive   string                     `json:"primitive" enum:"string,integer,float,decimal,boolean,datetime,enum,array,object"`
	Constraints domain.DataTypeConstraints `json:"constraints,omitempty"`
}

type CreateEnumerationRequest struct {
	Name         string   `json:"name"`
	TemplateType string   `json:"template_type,omitempty"`
	Values       []string `json:"values"`
}

type RelationshipRequest struct {
	Kind       string `json:"kind" enum:"enumeration,key-enumeration,value-enumeration"`
	TargetPath string `json:"target_path"`
}

type CreateAbstractAttributeRequest struct {
	ComponentType string                `json:"component_type"`
	ComponentID   *string               `json:"component_id,omitempty"`
	Name          string                `json:"name"`
	DisplayName   string                `json:"display_name,omitempty"`
	DataTypeID    string                `json:"datatype_id"`
	Enumeration   *string               `json:"enumeration,omitempty"`
	Relationships []RelationshipRequest `json:"relationships,omitempty"`
	Tags          []string              `json:"tags,omitempty"`
}

type CreateAttributeRequest struct {
	ComponentType string          `json:"component_type"`
	ComponentID   string          `json:"component_id"`
	Name          string          `json:"name"`
	ValueType     string          `json:"value_type" enum:"FIXED_VALUE,RULE_DRIVEN,JUST_DEFINITION"`
	Value         json.RawMessage `json:"value,omitempty"`
}

type SetAttributeValueRequest struct {
	ValueType string          `json:"value_type,omitempty" enum:"FIXED_VALUE,JUST_DEFINITION"`
	Value     json.RawMessage `json:"value,omitempty"`
}

type CreateRuleRequest struct {
	RuleType    string          `json:"rule_type,omitempty"`
	Expression  json.RawMessage `json:"expression"`
	InputPaths  []string        `json:"input_paths,omitempty"`
	OutputPaths []string        `json:"output_paths"`
	OrderIndex  int             `json:"order_index,omitempty"`
}

type UpdateRuleRequest struct {
	Expression  json.RawMessage `json:"expression,omitempty"`
	InputPaths  []string        `json:"input_paths,omitempty"`
	OutputPaths []string        `json:"output_paths,omitempty"`
	Enabled     *bool           `json:"enabled,omitempty"`
	OrderIndex  *int            `json:"order_index,omitempty"`
}

type CreateFunctionalityRequest struct {
	Name               string   `json:"name"`
	Description        *string  `json:"description,omitempty"`
	RequiredAttributes []string `json:"required_attributes,omitempty"`
}

type UpdateFunctionalityRequest struct {
	Description        *string  `json:"description,omitempty"`
	RequiredAttributes []string `json:"required_attributes,omitempty"`
}

type EvaluateRequest struct {
	Inputs map[string]any `json:"inputs,omitempty"`
	// RuleIDs restricts the run to a subset of the product's rules.
	RuleIDs []string `json:"rule_ids,omitempty"`
	// MaxTimeMS bounds the run; zero uses the server's configured timeout.
	MaxTimeMS int  `json:"max_time_ms,omitempty" minimum:"0"`
	Debug     bool `json:"debug,omitempty"`
}

type SetImmutableRequest struct {
	Immutable bool `json:"immutable"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type ProductResponse struct {
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

type DataTypeResponse struct {
	ID          string                     `json:"id"`
	ProductID   string                     `json:"product_id"`
	Primitive   string                     `json:"primitive" enum:"string,integer,float,decimal,boolean,datetime,enum,array,object"`
	Constraints domain.DataTypeConstraints `json:"constraints"`
	CreatedAt   string                     `json:"created_at" format:"date-time"`
}

type EnumerationResponse struct {
	Name         string   `json:"name"`
	ProductID    string   `json:"product_id"`
	TemplateType string   `json:"template_type,omitempty"`
	Values       []string `json:"values"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
}

type AbstractAttributeResponse struct {
	Path          string                `json:"path"`
	ProductID     string                `json:"product_id"`
	ComponentType string                `json:"component_type"`
	ComponentID   *string               `json:"component_id,omitempty"`
	Name          string                `json:"name"`
	DisplayName   string                `json:"display_name,omitempty"`
	DataTypeID    string                `json:"datatype_id"`
	Enumeration   *string               `json:"enumeration,omitempty"`
	Relationships []domain.Relationship `json:"relationships,omitempty"`
	Tags          []string              `json:"tags,omitempty"`
	Immutable     bool                  `json:"immutable"`
	CreatedAt     string                `json:"created_at" format:"date-time"`
	UpdatedAt     string                `json:"updated_at" format:"date-time"`
}

type AttributeResponse struct {
	Path          string  `json:"path"`
	ProductID     string  `json:"product_id"`
	AbstractPath  string  `json:"abstract_path"`
	ComponentType string  `json:"component_type"`
	ComponentID   string  `json:"component_id"`
	Name          string  `json:"name"`
	ValueType     string  `json:"value_type" enum:"FIXED_VALUE,RULE_DRIVEN,JUST_DEFINITION"`
	Value         any     `json:"value,omitempty"`
	RuleID        *string `json:"rule_id,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

type RuleResponse struct {
	ID          string          `json:"id"`
	ProductID   string          `json:"product_id"`
	RuleType    string          `json:"rule_type,omitempty"`
	Expression  json.RawMessage `json:"expression"`
	InputPaths  []string        `json:"input_paths"`
	OutputPaths []string        `json:"output_paths"`
	Enabled     bool            `json:"enabled"`
	OrderIndex  int             `json:"order_index"`
	CreatedAt   string          `json:"created_at" format:"date-time"`
	UpdatedAt   string          `json:"updated_at" format:"date-time"`
}

type FunctionalityResponse struct {
	Name               string   `json:"name"`
	ProductID          string   `json:"product_id"`
	Description        string   `json:"description,omitempty"`
	Status             string   `json:"status" enum:"DRAFT,PENDING_APPROVAL,ACTIVE"`
	Immutable          bool     `json:"immutable"`
	RequiredAttributes []string `json:"required_attributes"`
	CreatedAt          string   `json:"created_at" format:"date-time"`
	UpdatedAt          string   `json:"updated_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProductID  string         `json:"product_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type CreateAPIKeyResponse struct {
	Key    string         `json:"key"`
	APIKey APIKeyResponse `json:"api_key"`
}

type GraphRenderResponse struct {
	Format  string `json:"format" enum:"dot,mermaid,ascii"`
	Content string `json:"content"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func productResponse(p domain.Product) ProductResponse {
	return ProductResponse(p)
}

func dataTypeResponse(dt domain.DataType) DataTypeResponse {
	return DataTypeResponse(dt)
}

func enumerationResponse(en domain.Enumeration) EnumerationResponse {
	resp := EnumerationResponse(en)
	resp.Values = nonNilSlice(resp.Values)
	return resp
}

func abstractAttributeResponse(a domain.AbstractAttribute) AbstractAttributeResponse {
	return AbstractAttributeResponse(a)
}

func attributeResponse(a domain.Attribute) AttributeResponse {
	return AttributeResponse{
		Path:          a.Path,
		ProductID:     a.ProductID,
		AbstractPath:  a.AbstractPath,
		ComponentType: a.ComponentType,
		ComponentID:   a.ComponentID,
		Name:          a.Name,
		ValueType:     a.ValueType,
		Value:         decodeJSONValue(a.ValueJSON),
		RuleID:        a.RuleID,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
}

func ruleResponse(rl domain.Rule) RuleResponse {
	return RuleResponse{
		ID:          rl.ID,
		ProductID:   rl.ProductID,
		RuleType:    rl.RuleType,
		Expression:  json.RawMessage(rl.Expression),
		InputPaths:  nonNilSlice(rl.InputPaths),
		OutputPaths: nonNilSlice(rl.OutputPaths),
		Enabled:     rl.Enabled,
		OrderIndex:  rl.OrderIndex,
		CreatedAt:   rl.CreatedAt,
		UpdatedAt:   rl.UpdatedAt,
	}
}

func functionalityResponse(f domain.Functionality) FunctionalityResponse {
	resp := FunctionalityResponse(f)
	resp.RequiredAttributes = nonNilSlice(resp.RequiredAttributes)
	return resp
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProductID:  e.ProductID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		ActorID:   k.ActorID,
		Name:      k.Name,
		CreatedAt: k.CreatedAt,
	}
}

func mapProducts(items []domain.Product) []ProductResponse {
	res := make([]ProductResponse, 0, len(items))
	for _, p := range items {
		res = append(res, productResponse(p))
	}
	return res
}

func mapDataTypes(items []domain.DataType) []DataTypeResponse {
	res := make([]DataTypeResponse, 0, len(items))
	for _, dt := range items {
		res = append(res, dataTypeResponse(dt))
	}
	return res
}

func mapEnumerations(items []domain.Enumeration) []EnumerationResponse {
	res := make([]EnumerationResponse, 0, len(items))
	for _, en := range items {
		res = append(res, enumerationResponse(en))
	}
	return res
}

func mapAbstractAttributes(items []domain.AbstractAttribute) []AbstractAttributeResponse {
	res := make([]AbstractAttributeResponse, 0, len(items))
	for _, a := range items {
		res = append(res, abstractAttributeResponse(a))
	}
	return res
}

func mapAttributes(items []domain.Attribute) []AttributeResponse {
	res := make([]AttributeResponse, 0, len(items))
	for _, a := range items {
		res = append(res, attributeResponse(a))
	}
	return res
}

func mapRules(items []domain.Rule) []RuleResponse {
	res := make([]RuleResponse, 0, len(items))
	for _, rl := range items {
		res = append(res, ruleResponse(rl))
	}
	return res
}

func mapFunctionalities(items []domain.Functionality) []FunctionalityResponse {
	res := make([]FunctionalityResponse, 0, len(items))
	for _, f := range items {
		res = append(res, functionalityResponse(f))
	}
	return res
}

func mapAPIKeys(items []domain.APIKey) []APIKeyResponse {
	res := make([]APIKeyResponse, 0, len(items))
	for _, k := range items {
		res = append(res, apiKeyResponse(k))
	}
	return res
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func decodeJSONValue(raw *string) any {
	if raw == nil || *raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(*raw), &tmp); err != nil {
		return nil
	}
	return tmp
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
