package domain

import (
	"fmt"
	"regexp"
)

// Identifier shapes enforced at the boundary. Core algorithms treat paths
// and names as opaque strings once they are in.
var (
	productIDRE     = regexp.MustCompile(`^[a-zA-Z]([_][a-zA-Z0-9]|[a-zA-Z0-9]){0,50}$`)
	productNameRE   = regexp.MustCompile(`^[a-zA-Z0-9,.\-_:' ]{0,50}$`)
	componentTypeRE = regexp.MustCompile(`^[a-z]([-][a-z]|[a-z]){0,50}$`)
	componentIDRE   = regexp.MustCompile(`^[a-z]([-][a-z0-9]|[a-z0-9]){0,50}$`)
	attributeNameRE = regexp.MustCompile(`^[a-z]([.][a-z]|[-][a-z0-9]|[a-z0-9]){0,100}$`)
	displayNameRE   = regexp.MustCompile(`^[a-z]([.][a-z]|[-][a-z0-9]|[a-z0-9]){0,200}$`)
	// tags, datatype ids, functionality names, enumeration names and
	// values, relationship names and rule types all share one shape
	tokenRE       = regexp.MustCompile(`^[a-z]([-][a-z]|[a-z]){0,50}$`)
	descriptionRE = regexp.MustCompile(`^[a-zA-Z0-9,.<>/?*()&#;\-_=+:'"!\[\]{}\s]{0,200}$`)
)

func ValidateProductID(id string) error {
	if !productIDRE.MatchString(id) {
		return fmt.Errorf("invalid product id %q", id)
	}
	return nil
}

func ValidateProductName(name string) error {
	if !productNameRE.MatchString(name) {
		return fmt.Errorf("invalid product name %q", name)
	}
	return nil
}

func ValidateComponentType(ct string) error {
	if !componentTypeRE.MatchString(ct) {
		return fmt.Errorf("invalid component type %q", ct)
	}
	return nil
}

func ValidateComponentID(id string) error {
	if !componentIDRE.MatchString(id) {
		return fmt.Errorf("invalid component id %q", id)
	}
	return nil
}

func ValidateAttributeName(name string) error {
	if !attributeNameRE.MatchString(name) {
		return fmt.Errorf("invalid attribute name %q", name)
	}
	return nil
}

func ValidateDisplayName(name string) error {
	if !displayNameRE.MatchString(name) {
		return fmt.Errorf("invalid display name %q", name)
	}
	return nil
}

func ValidateTag(tag string) error {
	if !tokenRE.MatchString(tag) {
		return fmt.Errorf("invalid tag %q", tag)
	}
	return nil
}

func ValidateDataTypeID(id string) error {
	if !tokenRE.MatchString(id) {
		return fmt.Errorf("invalid datatype id %q", id)
	}
	return nil
}

func ValidateFunctionalityName(name string) error {
	if !tokenRE.MatchString(name) {
		return fmt.Errorf("invalid functionality name %q", name)
	}
	return nil
}

func ValidateEnumerationName(name string) error {
	if !tokenRE.MatchString(name) {
		return fmt.Errorf("invalid enumeration name %q", name)
	}
	return nil
}

func ValidateEnumerationValue(value string) error {
	if !tokenRE.MatchString(value) {
		return fmt.Errorf("invalid enumeration value %q", value)
	}
	return nil
}

func ValidateTemplateType(tt string) error {
	if !tokenRE.MatchString(tt) {
		return fmt.Errorf("invalid template type %q", tt)
	}
	return nil
}

func ValidateRuleType(ruleType string) error {
	if !tokenRE.MatchString(ruleType) {
		return fmt.Errorf("invalid rule type %q", ruleType)
	}
	return nil
}

func ValidateDescription(desc string) error {
	if !descriptionRE.MatchString(desc) {
		return fmt.Errorf("invalid description")
	}
	return nil
}

// ValidPrimitive reports whether kind is a known datatype primitive.
func ValidPrimitive(kind string) bool {
	switch kind {
	case PrimitiveString, PrimitiveInteger, PrimitiveFloat, PrimitiveDecimal,
		PrimitiveBoolean, PrimitiveDatetime, PrimitiveEnum, PrimitiveArray, PrimitiveObject:
		return true
	}
	return false
}
