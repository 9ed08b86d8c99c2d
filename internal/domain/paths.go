package domain

import (
	"fmt"
	"strings"
)

// PathSeparator delimits segments of attribute paths.
const PathSeparator = ":"

// AbstractMarker is the second segment of every abstract attribute path.
const AbstractMarker = "abstract-path"

// AttributePath is a parsed attribute path. Concrete paths have exactly
// productId:componentType:componentId:attributeName; abstract paths insert
// the abstract-path marker and may omit the component id.
type AttributePath struct {
	ProductID     string
	ComponentType string
	ComponentID   string // empty only on abstract paths without an instance
	Name          string
	Abstract      bool
}

// ConcretePath builds a concrete instance path.
func ConcretePath(productID, componentType, componentID, name string) string {
	return strings.Join([]string{productID, componentType, componentID, name}, PathSeparator)
}

// AbstractPath builds a schema-level path. componentID may be empty.
func AbstractPath(productID, componentType, componentID, name string) string {
	parts := []string{productID, AbstractMarker, componentType}
	if componentID != "" {
		parts = append(parts, componentID)
	}
	parts = append(parts, name)
	return strings.Join(parts, PathSeparator)
}

// ParsePath parses either path form losslessly. It validates segment counts
// and identifier shapes; String() on the result reproduces the input.
func ParsePath(path string) (AttributePath, error) {
	parts := strings.Split(path, PathSeparator)
	if len(parts) >= 2 && parts[1] == AbstractMarker {
		return parseAbstract(path, parts)
	}
	if len(parts) != 4 {
		return AttributePath{}, fmt.Errorf("invalid path %q: want productId:componentType:componentId:attributeName", path)
	}
	p := AttributePath{
		ProductID:     parts[0],
		ComponentType: parts[1],
		ComponentID:   parts[2],
		Name:          parts[3],
	}
	if err := p.validate(); err != nil {
		return AttributePath{}, fmt.Errorf("invalid path %q: %w", path, err)
	}
	return p, nil
}

func parseAbstract(path string, parts []string) (AttributePath, error) {
	if len(parts) < 4 || len(parts) > 5 {
		return AttributePath{}, fmt.Errorf("invalid abstract path %q: want productId:%s:componentType[:componentId]:attributeName", path, AbstractMarker)
	}
	p := AttributePath{ProductID: parts[0], ComponentType: parts[2], Abstract: true}
	if len(parts) == 5 {
		p.ComponentID = parts[3]
		p.Name = parts[4]
	} else {
		p.Name = parts[3]
	}
	if err := p.validate(); err != nil {
		return AttributePath{}, fmt.Errorf("invalid abstract path %q: %w", path, err)
	}
	return p, nil
}

func (p AttributePath) validate() error {
	if err := ValidateProductID(p.ProductID); err != nil {
		return err
	}
	if err := ValidateComponentType(p.ComponentType); err != nil {
		return err
	}
	if p.ComponentID != "" {
		if err := ValidateComponentID(p.ComponentID); err != nil {
			return err
		}
	} else if !p.Abstract {
		return fmt.Errorf("component id required on concrete paths")
	}
	return ValidateAttributeName(p.Name)
}

func (p AttributePath) String() string {
	if p.Abstract {
		return AbstractPath(p.ProductID, p.ComponentType, p.ComponentID, p.Name)
	}
	return ConcretePath(p.ProductID, p.ComponentType, p.ComponentID, p.Name)
}

// WithProduct returns the same path re-namespaced under another product.
func (p AttributePath) WithProduct(productID string) AttributePath {
	p.ProductID = productID
	return p
}

// RemapPath rewrites the product segment of a path string. Used by clone
// remapping; the path must already be valid.
func RemapPath(path, newProductID string) (string, error) {
	p, err := ParsePath(path)
	if err != nil {
		return "", err
	}
	return p.WithProduct(newProductID).String(), nil
}

// IsAbstractPath reports whether the string has the abstract marker in
// second position, without fully validating it.
func IsAbstractPath(path string) bool {
	parts := strings.SplitN(path, PathSeparator, 3)
	return len(parts) >= 2 && parts[1] == AbstractMarker
}
