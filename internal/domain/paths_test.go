package domain

import "testing"

func TestParseConcretePathRoundTrip(t *testing.T) {
	in := "motor_2024:coverage:comp-1:base.premium"
	p, err := ParsePath(in)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Abstract {
		t.Fatalf("expected concrete path")
	}
	if p.ProductID != "motor_2024" || p.ComponentType != "coverage" || p.ComponentID != "comp-1" || p.Name != "base.premium" {
		t.Fatalf("unexpected fields: %+v", p)
	}
	if p.String() != in {
		t.Fatalf("round trip: got %q want %q", p.String(), in)
	}
}

func TestParseAbstractPathRoundTrip(t *testing.T) {
	for _, in := range []string{
		"motor_2024:abstract-path:coverage:base.premium",
		"motor_2024:abstract-path:coverage:comp-1:base.premium",
	} {
		p, err := ParsePath(in)
		if err != nil {
			t.Fatalf("parse %s: %v", in, err)
		}
		if !p.Abstract {
			t.Fatalf("%s: expected abstract", in)
		}
		if p.String() != in {
			t.Fatalf("round trip: got %q want %q", p.String(), in)
		}
	}
}

func TestParsePathRejectsBadShapes(t *testing.T) {
	for _, in := range []string{
		"",
		"only-three:segments:here",
		"p:one:two:three:four",
		"motor:abstract-path:coverage",
		"motor:abstract-path:coverage:a:b:c",
		"Bad_Type:COVERAGE:c1:premium",
		"motor:coverage::premium",
	} {
		if _, err := ParsePath(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func TestRemapPath(t *testing.T) {
	got, err := RemapPath("motor:coverage:c1:premium", "motor_v2")
	if err != nil {
		t.Fatalf("remap: %v", err)
	}
	if got != "motor_v2:coverage:c1:premium" {
		t.Fatalf("got %q", got)
	}
	got, err = RemapPath("motor:abstract-path:coverage:premium", "motor_v2")
	if err != nil {
		t.Fatalf("remap abstract: %v", err)
	}
	if got != "motor_v2:abstract-path:coverage:premium" {
		t.Fatalf("got %q", got)
	}
}

func TestIdentifierPatterns(t *testing.T) {
	if err := ValidateProductID("motor_insurance_2024x"); err != nil {
		t.Fatalf("product id: %v", err)
	}
	if err := ValidateProductID("9starts-with-digit"); err == nil {
		t.Fatalf("expected product id rejection")
	}
	if err := ValidateProductID("double__underscore"); err == nil {
		t.Fatalf("expected rejection of consecutive underscores")
	}
	if err := ValidateComponentType("third-party-cover"); err != nil {
		t.Fatalf("component type: %v", err)
	}
	if err := ValidateComponentType("Upper"); err == nil {
		t.Fatalf("expected component type rejection")
	}
	if err := ValidateAttributeName("customer.age"); err != nil {
		t.Fatalf("attribute name: %v", err)
	}
	if err := ValidateAttributeName(".leading"); err == nil {
		t.Fatalf("expected attribute name rejection")
	}
	if err := ValidateEnumerationValue("third-party"); err != nil {
		t.Fatalf("enum value: %v", err)
	}
	if err := ValidateEnumerationValue("Third_Party"); err == nil {
		t.Fatalf("expected enum value rejection")
	}
}
