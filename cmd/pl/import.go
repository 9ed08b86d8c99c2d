package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"productline/internal/app"
	"productline/internal/domain"
	"productline/internal/engine"
)

// productFile is the declarative YAML form of a whole product.
type productFile struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	TemplateType  string `yaml:"template_type"`
	Description   string `yaml:"description"`
	EffectiveDate string `yaml:"effective_date"`

	DataTypes []struct {
		ID          string                     `yaml:"id"`
		Primitive   string                     `yaml:"primitive"`
		Constraints domain.DataTypeConstraints `yaml:"constraints"`
	} `yaml:"datatypes"`

	Enumerations []struct {
		Name         string   `yaml:"name"`
		TemplateType string   `yaml:"template_type"`
		Values       []string `yaml:"values"`
	} `yaml:"enumerations"`

	AbstractAttributes []struct {
		Name          string   `yaml:"name"`
		ComponentType string   `yaml:"component_type"`
		ComponentID   string   `yaml:"component_id"`
		DisplayName   string   `yaml:"display_name"`
		DataType      string   `yaml:"datatype"`
		Enumeration   string   `yaml:"enumeration"`
		Tags          []string `yaml:"tags"`
		Relationships []struct {
			Kind       string `yaml:"kind"`
			TargetPath string `yaml:"target_path"`
		} `yaml:"relationships"`
	} `yaml:"abstract_attributes"`

	Attributes []struct {
		ComponentType string `yaml:"component_type"`
		ComponentID   string `yaml:"component_id"`
		Name          string `yaml:"name"`
		ValueType     string `yaml:"value_type"`
		Value         any    `yaml:"value"`
	} `yaml:"attributes"`

	Rules []struct {
		Type       string   `yaml:"type"`
		Expression any      `yaml:"expression"`
		Inputs     []string `yaml:"inputs"`
		Outputs    []string `yaml:"outputs"`
		Order      int      `yaml:"order"`
	} `yaml:"rules"`

	Functionalities []struct {
		Name        string   `yaml:"name"`
		Description string   `yaml:"description"`
		Required    []string `yaml:"required"`
	} `yaml:"functionalities"`
}

func productImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Load a whole product definition from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var pf productFile
			if err := yaml.Unmarshal(data, &pf); err != nil {
				return fmt.Errorf("%s: %w", file, err)
			}
			return withWorkspace(func(ctx context.Context, ws *app.Workspace) error {
				return importProduct(ctx, ws, pf)
			})
		},
	}
	cmd.Flags().StringP("file", "f", "", "YAML product definition")
	cmd.MarkFlagRequired("file")
	return cmd
}

// importProduct creates the product and its entities in dependency order:
// datatypes and enumerations before declarations, declarations before
// values, values before rules, rules before functionalities.
func importProduct(ctx context.Context, ws *app.Workspace, pf productFile) error {
	actor := actorID()
	p, err := ws.Engine.CreateProduct(ctx, engine.ProductCreateOptions{
		ID:            pf.ID,
		Name:          pf.Name,
		TemplateType:  pf.TemplateType,
		Description:   pf.Description,
		EffectiveDate: pf.EffectiveDate,
		ActorID:       actor,
	})
	if err != nil {
		return err
	}
	for _, dt := range pf.DataTypes {
		if _, err := ws.Engine.CreateDataType(ctx, engine.DataTypeCreateOptions{
			ProductID:   p.ID,
			ID:          dt.ID,
			Primitive:   dt.Primitive,
			Constraints: dt.Constraints,
			ActorID:     actor,
		}); err != nil {
			return fmt.Errorf("datatype %s: %w", dt.ID, err)
		}
	}
	for _, en := range pf.Enumerations {
		if _, err := ws.Engine.CreateEnumeration(ctx, engine.EnumerationCreateOptions{
			ProductID:    p.ID,
			Name:         en.Name,
			TemplateType: en.TemplateType,
			Values:       en.Values,
			ActorID:      actor,
		}); err != nil {
			return fmt.Errorf("enumeration %s: %w", en.Name, err)
		}
	}
	for _, aa := range pf.AbstractAttributes {
		rels := make([]domain.Relationship, 0, len(aa.Relationships))
		for _, rel := range aa.Relationships {
			rels = append(rels, domain.Relationship{Kind: rel.Kind, TargetPath: rel.TargetPath})
		}
		if _, err := ws.Engine.CreateAbstractAttribute(ctx, engine.AbstractAttributeCreateOptions{
			ProductID:     p.ID,
			ComponentType: aa.ComponentType,
			ComponentID:   aa.ComponentID,
			Name:          aa.Name,
			DisplayName:   aa.DisplayName,
			DataTypeID:    aa.DataType,
			Enumeration:   aa.Enumeration,
			Relationships: rels,
			Tags:          aa.Tags,
			ActorID:       actor,
		}); err != nil {
			return fmt.Errorf("abstract attribute %s: %w", aa.Name, err)
		}
	}
	for _, at := range pf.Attributes {
		valueJSON, err := toJSON(at.Value)
		if err != nil {
			return fmt.Errorf("attribute %s: %w", at.Name, err)
		}
		if _, err := ws.Engine.CreateAttribute(ctx, engine.AttributeCreateOptions{
			ProductID:     p.ID,
			ComponentType: at.ComponentType,
			ComponentID:   at.ComponentID,
			Name:          at.Name,
			ValueType:     at.ValueType,
			ValueJSON:     valueJSON,
			ActorID:       actor,
		}); err != nil {
			return fmt.Errorf("attribute %s: %w", at.Name, err)
		}
	}
	for i, rl := range pf.Rules {
		expression, err := toJSON(rl.Expression)
		if err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		if _, err := ws.Engine.CreateRule(ctx, engine.RuleCreateOptions{
			ProductID:   p.ID,
			RuleType:    rl.Type,
			Expression:  expression,
			InputPaths:  rl.Inputs,
			OutputPaths: rl.Outputs,
			OrderIndex:  rl.Order,
			ActorID:     actor,
		}); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}
	for _, f := range pf.Functionalities {
		if _, err := ws.Engine.CreateFunctionality(ctx, engine.FunctionalityCreateOptions{
			ProductID:          p.ID,
			Name:               f.Name,
			Description:        f.Description,
			RequiredAttributes: f.Required,
			ActorID:            actor,
		}); err != nil {
			return fmt.Errorf("functionality %s: %w", f.Name, err)
		}
	}
	fmt.Printf("imported %s: %d datatype(s), %d enumeration(s), %d declaration(s), %d attribute(s), %d rule(s), %d functionality(ies)\n",
		p.ID, len(pf.DataTypes), len(pf.Enumerations), len(pf.AbstractAttributes),
		len(pf.Attributes), len(pf.Rules), len(pf.Functionalities))
	return nil
}

// toJSON renders a decoded YAML value as JSON. An absent value stays empty.
func toJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
