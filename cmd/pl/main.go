package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"productline/internal/app"
	"productline/internal/config"
	"productline/internal/db"
	"productline/internal/domain"
	"productline/internal/engine"
	"productline/internal/repo"
	"productline/internal/server"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "pl",
		Short:         "Configurable product definitions, rules and evaluation",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `pl manages a workspace of configurable products.

A product is a versioned container of datatypes, enumerations, attribute
declarations, attribute values and rules. Rules read attribute paths and
write attribute paths; pl orders them into stages by their dependencies,
evaluates them, and tells you what a change to any attribute would touch.

Products and functionalities move through DRAFT, PENDING_APPROVAL and
ACTIVE. Past DRAFT a product refuses structural edits; activating a
functionality freezes the attributes it depends on. To change a frozen
attribute, clone the product and edit the clone.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			initConfig(cmd)
			_, err := db.EnsureWorkspace(workspacePath())
			return err
		},
	}
	addPersistentFlags(cmd)
	registerCommands(cmd)
	return cmd
}

func addPersistentFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringP("workspace", "w", ".productline", "workspace directory")
	cmd.PersistentFlags().Bool("json", false, "print raw JSON instead of tables")
	cmd.PersistentFlags().String("actor-id", "local", "actor recorded in the change log")
	cmd.PersistentFlags().StringP("product", "p", "", "product to operate on (defaults to the only one)")
}

func initConfig(cmd *cobra.Command) {
	viper.SetEnvPrefix("PRODUCTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	loadDotEnv(".env")
	for _, name := range []string{"workspace", "json", "actor-id", "product"} {
		_ = viper.BindPFlag(name, cmd.Flags().Lookup(name))
	}
}

// loadDotEnv applies PRODUCTLINE_* lines from a .env file without
// overriding variables already set in the environment.
func loadDotEnv(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok || !strings.HasPrefix(k, "PRODUCTLINE_") {
			continue
		}
		if _, set := os.LookupEnv(k); !set {
			os.Setenv(k, strings.Trim(v, `"`))
		}
	}
}

func registerCommands(root *cobra.Command) {
	root.AddCommand(
		productCmd(),
		datatypeCmd(),
		enumCmd(),
		abstractCmd(),
		attributeCmd(),
		ruleCmd(),
		functionalityCmd(),
		planCmd(),
		graphCmd(),
		evaluateCmd(),
		logCmd(),
		apikeyCmd(),
		serveCmd(),
		configCmd(),
	)
}

func workspacePath() string { return viper.GetString("workspace") }
func actorID() string       { return viper.GetString("actor-id") }

func withWorkspace(fn func(ctx context.Context, ws *app.Workspace) error) error {
	ws, err := app.OpenWorkspace(workspacePath())
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(context.Background(), ws)
}

func resolveProduct(ctx context.Context, ws *app.Workspace) (string, error) {
	return app.ResolveProduct(ctx, viper.GetString("product"), ws.Engine.Repo)
}

// ---- product ----

func productCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "product", Short: "Manage products"}
	cmd.AddCommand(
		productCreateCmd(), productListCmd(), productShowCmd(),
		productUpdateCmd(), productDeleteCmd(), productStatusCmd(),
		productValidateCmd(), productCloneCmd(), productUseCmd(),
		productImportCmd(),
	)
	return cmd
}

func productCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <id>",
		Short: "Create a product in DRAFT",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			template, _ := cmd.Flags().GetString("template")
			description, _ := cmd.Flags().GetString("description")
			effective, _ := cmd.Flags().GetString("effective-date")
			return withWorkspace(func(ctx context.Context, ws *app.Workspace) error {
				p, err := ws.Engine.CreateProduct(ctx, engine.ProductCreateOptions{
					ID:            args[0],
					Name:          name,
					TemplateType:  template,
					Description:   description,
					EffectiveDate: effective,
					ActorID:       actorID(),
				})
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().String("name", "", "display name (defaults to the id)")
	cmd.Flags().String("template", "", "template type, e.g. motor-insurance")
	cmd.Flags().String("description", "", "free-form description")
	cmd.Flags().String("effective-date", "", "RFC 3339 date the product takes effect")
	cmd.MarkFlagRequired("template")
	return cmd
}

func productListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List products",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(func(ctx context.Context, ws *app.Workspace) error {
				products, err := ws.Engine.Repo.ListProducts(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(products, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"ID", "NAME", "TEMPLATE", "STATUS", "UPDATED"})
					for _, p := range products {
						tw.AppendRow(table.Row{p.ID, p.Name, p.TemplateType, p.Status, p.UpdatedAt})
					}
					tw.Render()
				})
			})
		},
	}
}

func productShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [id]",
		Short: "Show one product",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(func(ctx context.Context, ws *app.Workspace) error {
				id := viper.GetString("product")
				if len(args) == 1 {
					id = args[0]
				}
				id, err := app.ResolveProduct(ctx, id, ws.Engine.Repo)
				if err != nil {
					return err
				}
				p, err := ws.Engine.Repo.GetProduct(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
}

func productUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update name or description of a DRAFT product",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(func(ctx context.Context, ws *app.Workspace) error {
				p, err := ws.Engine.UpdateProduct(ctx, engine.ProductUpdateOptions{
					ID:          args[0],
					Name:        optionalString(cmd, "name"),
					Description: optionalString(cmd, "description"),
					ActorID:     actorID(),
				})
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().String("name", "", "new display name")
	cmd.Flags().String("description", "", "new description")
	return cmd
}

func productDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a DRAFT product and everything it contains",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(func(ctx context.Context, ws *app.Workspace) error {
				if err := ws.Engine.DeleteProduct(ctx, args[0], actorID()); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

func productStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id> <DRAFT|PENDING_APPROVAL|ACTIVE|DISCONTINUED>",
		Short: "Move a product through its lifecycle",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(func(ctx context.Context, ws *app.Workspace) error {
				p, err := ws.Engine.SetProductStatus(ctx, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
}

func productValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [id]",
		Short: "Run every consistency check against a product",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(func(ctx context.Context, ws *app.Workspace) error {
				id := viper.GetString("product")
				if len(args) == 1 {
					id = args[0]
				}
				id, err := app.ResolveProduct(ctx, id, ws.Engine.Repo)
				if err != nil {
					return err
				}
				report, err := ws.Engine.ValidateProduct(ctx, id)
				if err != nil {
					return err
				}
				if err := printJSONOrTable(report, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"SEVERITY", "CODE", "SUBJECT", "MESSAGE"})
					for _, v := range report.Errors {
						tw.AppendRow(table.Row{"error", v.Code, v.Subject, v.Message})
					}
					for _, v := range report.Warnings {
						tw.AppendRow(table.Row{"warning", v.Code, v.Subject, v.Message})
					}
					tw.Render()
				}); err != nil {
					return err
				}
				if !report.Valid {
					return fmt.Errorf("product %s has %d error(s)", id, len(report.Errors))
				}
				return nil
			})
		},
	}
}

func productCloneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clone <source-id> <new-id>",
		Short: "Clone a product into a fresh DRAFT",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			return withWorkspace(func(ctx context.Context, ws *app.Workspace) error {
				res, err := ws.Engine.CloneProduct(ctx, engine.CloneOptions{
					SourceID: args[0],
					NewID:    args[1],
					NewName:  name,
					ActorID:  actorID(),
				})
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().String("name", "", "display name of the clone")
	return cmd
}

func productUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <id>",
		Short: "Remember a default product in .env",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(func(ctx context.Context, ws *app.Workspace) error {
				if _, err := ws.Engine.Repo.GetProduct(ctx, args[0]); err != nil {
					return err
				}
				if err := setEnvValue(".env", "PRODUCTLINE_PRODUCT", args[0]); err != nil {
					return err
				}
				fmt.Println("default product set to", args[0])
				return nil
			})
		},
	}
}

// ---- datatype ----

func datatypeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "datatype", Short: "Manage datatypes"}
	cmd.AddCommand(datatypeCreateCmd(), datatypeListCmd())
	return cmd
}

func datatypeCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <id>",
		Short: "Create a constrained datatype",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			primitive, _ := cmd.Flags().GetString("primitive")
			constraints := domain.DataTypeConstraints{
				Min:       optionalFloat(cmd, "min"),
				Max:       optionalFloat(cmd, "max"),
				MinLength: optionalInt(cmd, "min-length"),
				MaxLength: optionalInt(cmd, "max-length"),
				Pattern:   optionalString(cmd, "pattern"),
				Precision: optionalInt(cmd, "precision"),
				Scale:     optionalInt(cmd, "scale"),
				MinItems:  optionalInt(cmd, "min-items"),
				MaxItems:  optionalInt(cmd, "max-items"),
			}
			return withWorkspace(func(ctx context.Context, ws *app.Workspace) error {
				productID, err := resolveProduct(ctx, ws)
				if err != nil {
					return err
				}
				dt, err := ws.Engine.CreateDataType(ctx, engine.DataTypeCreateOptions{
					ProductID:   productID,
					ID:          args[0],
					Primitive:   primitive,
					Constraints: constraints,
					ActorID:     actorID(),
				})
				if err != nil {
					return err
				}
				return printJSON(dt)
			})
		},
	}
	cmd.Flags().String("primitive", "", "string, integer, float, decimal, boolean, datetime, enum, array or object")
	cmd.Flags().Float64("min", 0, "minimum numeric value")
	cmd.Flags().Float64("max", 0, "maximum numeric value")
	cmd.Flags().Int("min-length", 0, "minimum string length")
	cmd.Flags().Int("max-length", 0, "maximum string length")
	cmd.Flags().String("pattern", "", "regular expression strings must match")
	cmd.Flags().Int("precision", 0, "decimal precision")
	cmd.Flags().Int("scale", 0, "decimal scale")
	cmd.Flags().Int("min-items", 0, "minimum array length")
	cmd.Flags().Int("max-items", 0, "maximum array length")
	cmd.MarkFlagRequired("primitive")
	return cmd
}

func datatypeListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List datatypes of a product",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(func(ctx context.Context, ws *app.Workspace) error {
				productID, err := resolveProduct(ctx, ws)
				if err != nil {
					return err
				}
				datatypes, err := ws.Engine.Repo.ListDataTypes(ctx, productID)
				if err != nil {
					return err
				}
				return printJSONOrTable(datatypes, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"ID", "PRIMITIVE", "CREATED"})
					for _, dt := range datatypes {
						tw.AppendRow(table.Row{dt.ID, dt.Primitive, dt.CreatedAt})
					}
					tw.Render()
				})
			})
		},
	}
}

// ---- enum ----

func enumCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "enum", Short: "Manage enumerations"}
	cmd.AddCommand(enumCreateCmd(), enumListCmd())
	return cmd
}

func enumCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an enumeration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			template, _ := cmd.Flags().GetString("template")
			values, _ := cmd.Flags().GetStringSlice("values")
			return withWorkspace(func(ctx context.Context, ws *app.Workspace) error {
				productID, err := resolveProduct(ctx, ws)
				if err != nil {
					return err
				}
				en, err := ws.Engine.CreateEnumeration(ctx, engine.EnumerationCreateOptions{
					ProductID:    productID,
					Name:         args[0],
					TemplateType: template,
					Values:       values,
					ActorID:      actorID(),
				})
				if err != nil {
					return err
				}
				return printJSON(en)
			})
		},
	}
	cmd.Flags().String("template", "", "template type the enumeration belongs to")
	cmd.Flags().StringSlice("values", nil, "comma-separated allowed values")
	cmd.MarkFlagRequired("values")
	return cmd
}

func enumListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List enumerations of a product",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(func(ctx context.Context, ws *app.Workspace) error {
				productID, err := resolveProduct(ctx, ws)
				if err != nil {
					return err
				}
				enums, err := ws.Engine.Repo.ListEnumerations(ctx, productID)
				if err != nil {
					return err
				}
				return printJSONOrTable(enums, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"NAME", "TEMPLATE", "VALUES"})
					for _, en := range enums {
						tw.AppendRow(table.Row{en.Name, en.TemplateType, strings.Join(en.Values, ", ")})
					}
					tw.Render()
				})
			})
		},
	}
}

// ---- abstract ----

func abstractCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "abstract", Short: "Manage attribute declarations"}
	cmd.AddCommand(abstractCreateCmd(), abstractListCmd(), abstractLockCmd(true), abstractLockCmd(false))
	return cmd
}

func abstractLockCmd(lock bool) *cobra.Command {
	use, short := "lock <path>", "Lock an attribute declaration against changes"
	if !lock {
		use, short = "unlock <path>", "Unlock an attribute declaration"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(func(ctx context.Context, ws *app.Workspace) error {
				aa, err := ws.Engine.SetAbstractImmutable(ctx, args[0], lock, actorID())
				if err != nil {
					return err
				}
				return printJSON(aa)
			})
		},
	}
}

func abstractCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Declare an attribute on a component type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			componentType, _ := cmd.Flags().GetString("component-type")
			componentID, _ := cmd.Flags().GetString("component-id")
			displayName, _ := cmd.Flags().GetString("display-name")
			datatype, _ := cmd.Flags().GetString("datatype")
			enumeration, _ := cmd.Flags().GetString("enumeration")
			tags, _ := cmd.Flags().GetStringSlice("tag")
			rels, _ := cmd.Flags().GetStringSlice("relationship")
			relationships, err := parseRelationships(rels)
			if err != nil {
				return err
			}
			return withWorkspace(func(ctx context.Context, ws *app.Workspace) error {
				productID, err := resolveProduct(ctx, ws)
				if err != nil {
					return err
				}
				aa, err := ws.Engine.CreateAbstractAttribute(ctx, engine.AbstractAttributeCreateOptions{
					ProductID:     productID,
					ComponentType: componentType,
					ComponentID:   componentID,
					Name:          args[0],
					DisplayName:   displayName,
					DataTypeID:    datatype,
					Enumeration:   enumeration,
					Relationships: relationships,
					Tags:          tags,
					ActorID:       actorID(),
				})
				if err != nil {
					return err
				}
				return printJSON(aa)
			})
		},
	}
	cmd.Flags().String("component-type", "", "component type the declaration applies to")
	cmd.Flags().String("component-id", "", "restrict the declaration to one component instance")
	cmd.Flags().String("display-name", "", "human-readable name")
	cmd.Flags().String("datatype", "", "datatype id")
	cmd.Flags().String("enumeration", "", "enumeration restricting the values")
	cmd.Flags().StringSlice("tag", nil, "free-form tag, repeatable")
	cmd.Flags().StringSlice("relationship", nil, "kind=target-path, repeatable")
	cmd.MarkFlagRequired("component-type")
	cmd.MarkFlagRequired("datatype")
	return cmd
}

func parseRelationships(specs []string) ([]domain.Relationship, error) {
	var out []domain.Relationship
	for _, s := range specs {
		kind, target, ok := strings.Cut(s, "=")
		if !ok {
			return nil, fmt.Errorf("relationship %q: want kind=target-path", s)
		}
		out = append(out, domain.Relationship{Kind: kind, TargetPath: target})
	}
	return out, nil
}

func abstractListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List attribute declarations of a product",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(func(ctx context.Context, ws *app.Workspace) error {
				productID, err := resolveProduct(ctx, ws)
				if err != nil {
					return err
				}
				abstracts, err := ws.Engine.Repo.ListAbstractAttributes(ctx, productID)
				if err != nil {
					return err
				}
				return printJSONOrTable(abstracts, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"PATH", "DATATYPE", "ENUM", "IMMUTABLE"})
					for _, aa := range abstracts {
						tw.AppendRow(table.Row{aa.Path, aa.DataTypeID, stringOrDash(aa.Enumeration), aa.Immutable})
					}
					tw.Render()
				})
			})
		},
	}
}

// ---- attribute ----

func attributeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "attribute", Short: "Manage attribute values"}
	cmd.AddCommand(
		attributeCreateCmd(), attributeListCmd(), attributeSetCmd(),
		attributeImpactCmd(), attributeCheckCmd(),
	)
	return cmd
}

func attributeCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Instantiate a declared attribute on a component",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			componentType, _ := cmd.Flags().GetString("component-type")
			componentID, _ := cmd.Flags().GetString("component-id")
			valueType, _ := cmd.Flags().GetString("value-type")
			value, _ := cmd.Flags().GetString("value")
			return withWorkspace(func(ctx context.Context, ws *app.Workspace) error {
				productID, err := resolveProduct(ctx, ws)
				if err != nil {
					return err
				}
				at, err := ws.Engine.CreateAttribute(ctx, engine.AttributeCreateOptions{
					ProductID:     productID,
					ComponentType: componentType,
					ComponentID:   componentID,
					Name:          args[0],
					ValueType:     valueType,
					ValueJSON:     normalizeJSONValue(value),
					ActorID:       actorID(),
				})
				if err != nil {
					return err
				}
				return printJSON(at)
			})
		},
	}
	cmd.Flags().String("component-type", "", "component type")
	cmd.Flags().String("component-id", "main", "component instance")
	cmd.Flags().String("value-type", domain.ValueTypeFixed, "FIXED_VALUE, RULE_DRIVEN or JUST_DEFINITION")
	cmd.Flags().String("value", "", "value as JSON; bare words are treated as strings")
	cmd.MarkFlagRequired("component-type")
	return cmd
}

func attributeListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List attributes of a product",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(func(ctx context.Context, ws *app.Workspace) error {
				productID, err := resolveProduct(ctx, ws)
				if err != nil {
					return err
				}
				attributes, err := ws.Engine.Repo.ListAttributes(ctx, productID)
				if err != nil {
					return err
				}
				return printJSONOrTable(attributes, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"PATH", "TYPE", "VALUE", "RULE"})
					for _, at := range attributes {
						tw.AppendRow(table.Row{at.Path, at.ValueType, stringOrDash(at.ValueJSON), shortID(stringOrEmpty(at.RuleID))})
					}
					tw.Render()
				})
			})
		},
	}
}

func attributeSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <path>",
		Short: "Set or clear an attribute value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			valueType, _ := cmd.Flags().GetString("value-type")
			value, _ := cmd.Flags().GetString("value")
			return withWorkspace(func(ctx context.Context, ws *app.Workspace) error {
				at, err := ws.Engine.SetAttributeValue(ctx, args[0], valueType, normalizeJSONValue(value), actorID())
				if err != nil {
					return err
				}
				return printJSON(at)
			})
		},
	}
	cmd.Flags().String("value-type", domain.ValueTypeFixed, "FIXED_VALUE or JUST_DEFINITION")
	cmd.Flags().String("value", "", "value as JSON; bare words are treated as strings")
	return cmd
}

func attributeImpactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "impact <path>",
		Short: "Show what depends on an attribute, and what it depends on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(func(ctx context.Context, ws *app.Workspace) error {
				impact, err := ws.Engine.AnalyzeImpact(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(impact, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"DIRECTION", "PATH", "DISTANCE"})
					for _, up := range impact.Upstream {
						tw.AppendRow(table.Row{"upstream", up.Path, up.Distance})
					}
					for _, down := range impact.Downstream {
						tw.AppendRow(table.Row{"downstream", down.Path, down.Distance})
					}
					tw.Render()
					if len(impact.AffectedFunctionalities) > 0 {
						fmt.Println("affected functionalities:", strings.Join(impact.AffectedFunctionalities, ", "))
					}
					if impact.HasImmutableDependents {
						fmt.Println("immutable paths:", strings.Join(impact.ImmutablePaths, ", "))
					}
				})
			})
		},
	}
}

func attributeCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <path>",
		Short: "Check whether an attribute can be modified in place",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(func(ctx context.Context, ws *app.Workspace) error {
				check, err := ws.Engine.CheckModification(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(check)
				}
				if check.Allowed {
					fmt.Println("modification allowed")
					return nil
				}
				fmt.Println("modification blocked:", check.Reason)
				if len(check.ImmutablePaths) > 0 {
					fmt.Println("frozen paths:", strings.Join(check.ImmutablePaths, ", "))
				}
				return nil
			})
		},
	}
}

// ---- rule ----

func ruleCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rule", Short: "Manage rules"}
	cmd.AddCommand(
		ruleCreateCmd(), ruleListCmd(), ruleGetCmd(), ruleUpdateCmd(), ruleDeleteCmd(),
		ruleToggleCmd("enable", true), ruleToggleCmd("disable", false),
	)
	return cmd
}

func ruleCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a rule binding inputs to outputs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ruleType, _ := cmd.Flags().GetString("type")
			inputs, _ := cmd.Flags().GetStringSlice("input")
			outputs, _ := cmd.Flags().GetStringSlice("output")
			order, _ := cmd.Flags().GetInt("order")
			expression, err := readExpression(cmd)
			if err != nil {
				return err
			}
			return withWorkspace(func(ctx context.Context, ws *app.Workspace) error {
				productID, err := resolveProduct(ctx, ws)
				if err != nil {
					return err
				}
				rl, err := ws.Engine.CreateRule(ctx, engine.RuleCreateOptions{
					ProductID:   productID,
					RuleType:    ruleType,
					Expression:  expression,
					InputPaths:  inputs,
					OutputPaths: outputs,
					OrderIndex:  order,
					ActorID:     actorID(),
				})
				if err != nil {
					return err
				}
				return printJSON(rl)
			})
		},
	}
	cmd.Flags().String("type", "", "rule type, e.g. calculation or validation")
	cmd.Flags().String("expression", "", "rule expression as JSON")
	cmd.Flags().String("expression-file", "", "file holding the expression")
	cmd.Flags().StringSlice("input", nil, "input attribute path, repeatable")
	cmd.Flags().StringSlice("output", nil, "output attribute path, repeatable")
	cmd.Flags().Int("order", 0, "tie-break order inside a stage")
	return cmd
}

func readExpression(cmd *cobra.Command) (string, error) {
	if file, _ := cmd.Flags().GetString("expression-file"); file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	expression, _ := cmd.Flags().GetString("expression")
	if expression == "" {
		return "", errors.New("--expression or --expression-file required")
	}
	return expression, nil
}

func ruleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List rules of a product",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(func(ctx context.Context, ws *app.Workspace) error {
				productID, err := resolveProduct(ctx, ws)
				if err != nil {
					return err
				}
				rules, err := ws.Engine.Repo.ListRules(ctx, productID)
				if err != nil {
					return err
				}
				return printJSONOrTable(rules, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"ID", "TYPE", "ENABLED", "ORDER", "OUTPUTS"})
					for _, rl := range rules {
						tw.AppendRow(table.Row{shortID(rl.ID), rl.RuleType, rl.Enabled, rl.OrderIndex, strings.Join(rl.OutputPaths, ", ")})
					}
					tw.Render()
				})
			})
		},
	}
}

func ruleGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(func(ctx context.Context, ws *app.Workspace) error {
				rl, err := ws.Engine.Repo.GetRule(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(rl)
			})
		},
	}
}

func ruleUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.RuleUpdateOptions{
				ID:         args[0],
				Expression: optionalString(cmd, "expression"),
				Enabled:    optionalBool(cmd, "enabled"),
				OrderIndex: optionalInt(cmd, "order"),
				ActorID:    actorID(),
			}
			if cmd.Flags().Changed("input") {
				opts.InputPaths, _ = cmd.Flags().GetStringSlice("input")
			}
			if cmd.Flags().Changed("output") {
				opts.OutputPaths, _ = cmd.Flags().GetStringSlice("output")
			}
			return withWorkspace(func(ctx context.Context, ws *app.Workspace) error {
				rl, err := ws.Engine.UpdateRule(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(rl)
			})
		},
	}
	cmd.Flags().String("expression", "", "new expression as JSON")
	cmd.Flags().StringSlice("input", nil, "replacement input paths")
	cmd.Flags().StringSlice("output", nil, "replacement output paths")
	cmd.Flags().Bool("enabled", true, "enable or disable the rule")
	cmd.Flags().Int("order", 0, "new tie-break order")
	return cmd
}

func ruleToggleCmd(verb string, enabled bool) *cobra.Command {
	short := "Enable a rule"
	if !enabled {
		short = "Disable a rule"
	}
	return &cobra.Command{
		Use:   verb + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(func(ctx context.Context, ws *app.Workspace) error {
				rl, err := ws.Engine.UpdateRule(ctx, engine.RuleUpdateOptions{
					ID:      args[0],
					Enabled: &enabled,
					ActorID: actorID(),
				})
				if err != nil {
					return err
				}
				return printJSON(rl)
			})
		},
	}
}

func ruleDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a rule and release its outputs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(func(ctx context.Context, ws *app.Workspace) error {
				if err := ws.Engine.DeleteRule(ctx, args[0], actorID()); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

// ---- functionality ----

func functionalityCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "functionality", Short: "Manage functionalities", Aliases: []string{"func"}}
	cmd.AddCommand(functionalityCreateCmd(), functionalityListCmd(), functionalityUpdateCmd(), functionalityStatusCmd())
	return cmd
}

func functionalityCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a functionality over required attributes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			description, _ := cmd.Flags().GetString("description")
			required, _ := cmd.Flags().GetStringSlice("required")
			return withWorkspace(func(ctx context.Context, ws *app.Workspace) error {
				productID, err := resolveProduct(ctx, ws)
				if err != nil {
					return err
				}
				f, err := ws.Engine.CreateFunctionality(ctx, engine.FunctionalityCreateOptions{
					ProductID:          productID,
					Name:               args[0],
					Description:        description,
					RequiredAttributes: required,
					ActorID:            actorID(),
				})
				if err != nil {
					return err
				}
				return printJSON(f)
			})
		},
	}
	cmd.Flags().String("description", "", "free-form description")
	cmd.Flags().StringSlice("required", nil, "attribute path the functionality depends on, repeatable")
	return cmd
}

func functionalityListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List functionalities of a product",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(func(ctx context.Context, ws *app.Workspace) error {
				productID, err := resolveProduct(ctx, ws)
				if err != nil {
					return err
				}
				functionalities, err := ws.Engine.Repo.ListFunctionalities(ctx, productID)
				if err != nil {
					return err
				}
				return printJSONOrTable(functionalities, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"NAME", "STATUS", "IMMUTABLE", "REQUIRED"})
					for _, f := range functionalities {
						tw.AppendRow(table.Row{f.Name, f.Status, f.Immutable, strings.Join(f.RequiredAttributes, ", ")})
					}
					tw.Render()
				})
			})
		},
	}
}

func functionalityUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <name>",
		Short: "Update a DRAFT functionality",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.FunctionalityUpdateOptions{
				Name:        args[0],
				Description: optionalString(cmd, "description"),
				ActorID:     actorID(),
			}
			if cmd.Flags().Changed("required") {
				opts.RequiredAttributes, _ = cmd.Flags().GetStringSlice("required")
			}
			return withWorkspace(func(ctx context.Context, ws *app.Workspace) error {
				productID, err := resolveProduct(ctx, ws)
				if err != nil {
					return err
				}
				opts.ProductID = productID
				f, err := ws.Engine.UpdateFunctionality(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(f)
			})
		},
	}
	cmd.Flags().String("description", "", "new description")
	cmd.Flags().StringSlice("required", nil, "replacement required attribute paths")
	return cmd
}

func functionalityStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <name> <DRAFT|PENDING_APPROVAL|ACTIVE>",
		Short: "Move a functionality through its lifecycle",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(func(ctx context.Context, ws *app.Workspace) error {
				productID, err := resolveProduct(ctx, ws)
				if err != nil {
					return err
				}
				f, err := ws.Engine.SetFunctionalityStatus(ctx, productID, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printJSON(f)
			})
		},
	}
}

// ---- plan / graph / evaluate ----

func planCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the staged execution order of a product's rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			ruleIDs, _ := cmd.Flags().GetStringSlice("rule")
			return withWorkspace(func(ctx context.Context, ws *app.Workspace) error {
				productID, err := resolveProduct(ctx, ws)
				if err != nil {
					return err
				}
				plan, err := ws.Engine.Plan(ctx, productID, ruleIDs)
				if err != nil {
					return err
				}
				return printJSONOrTable(plan, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"STAGE", "PARALLEL", "RULES"})
					for _, stage := range plan.Stages {
						tw.AppendRow(table.Row{stage.Level, stage.Parallel, strings.Join(shortIDs(stage.Rules), ", ")})
					}
					tw.Render()
					fmt.Printf("%d rule(s) in %d stage(s)\n", plan.TotalRules, plan.TotalStages)
				})
			})
		},
	}
	cmd.Flags().StringSlice("rule", nil, "restrict the plan to a rule id, repeatable")
	return cmd
}

func graphCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Render the rule dependency graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("format")
			return withWorkspace(func(ctx context.Context, ws *app.Workspace) error {
				productID, err := resolveProduct(ctx, ws)
				if err != nil {
					return err
				}
				content, err := ws.Engine.RenderGraph(ctx, productID, format)
				if err != nil {
					return err
				}
				fmt.Println(content)
				return nil
			})
		},
	}
	cmd.Flags().String("format", engine.FormatASCII, "dot, mermaid or ascii")
	return cmd
}

func evaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a product's rules against input values",
		RunE: func(cmd *cobra.Command, args []string) error {
			inputs, err := collectInputs(cmd)
			if err != nil {
				return err
			}
			ruleIDs, _ := cmd.Flags().GetStringSlice("rule")
			maxTime, _ := cmd.Flags().GetDuration("max-time")
			debug, _ := cmd.Flags().GetBool("debug")
			return withWorkspace(func(ctx context.Context, ws *app.Workspace) error {
				productID, err := resolveProduct(ctx, ws)
				if err != nil {
					return err
				}
				result, evalErr := ws.Engine.Evaluate(ctx, engine.EvaluateOptions{
					ProductID:   productID,
					Inputs:      inputs,
					RuleIDs:     ruleIDs,
					MaxDuration: maxTime,
					Debug:       debug,
					ActorID:     actorID(),
				})
				if evalErr != nil && !errors.Is(evalErr, context.DeadlineExceeded) && !errors.Is(evalErr, context.Canceled) {
					return evalErr
				}
				if err := printJSONOrTable(result, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"RULE", "STAGE", "STATUS", "MS", "DETAIL"})
					for _, rr := range result.Results {
						detail := rr.Error
						if detail == "" {
							detail = rr.SkipReason
						}
						tw.AppendRow(table.Row{shortID(rr.RuleID), rr.Stage, rr.Status, fmt.Sprintf("%.2f", rr.DurationMS), detail})
					}
					tw.Render()
					for path, value := range result.Outputs {
						fmt.Printf("%s = %v\n", path, value)
					}
					fmt.Printf("evaluated %d, failed %d, skipped %d in %.2fms\n",
						result.Evaluated, result.Failed, result.Skipped, result.DurationMS)
				}); err != nil {
					return err
				}
				return evalErr
			})
		},
	}
	cmd.Flags().StringSlice("input", nil, "path=value pair, repeatable; values parse as JSON")
	cmd.Flags().String("inputs-json", "", "all inputs as one JSON object keyed by path")
	cmd.Flags().String("inputs-file", "", "JSON file holding the inputs object")
	cmd.Flags().StringSlice("rule", nil, "restrict the run to a rule id, repeatable")
	cmd.Flags().Duration("max-time", 0, "bound the run; 0 uses the configured timeout")
	cmd.Flags().Bool("debug", false, "record the inputs each rule observed")
	return cmd
}

func collectInputs(cmd *cobra.Command) (map[string]any, error) {
	inputs := map[string]any{}
	if file, _ := cmd.Flags().GetString("inputs-file"); file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &inputs); err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}
	}
	if raw, _ := cmd.Flags().GetString("inputs-json"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &inputs); err != nil {
			return nil, fmt.Errorf("inputs-json: %w", err)
		}
	}
	pairs, _ := cmd.Flags().GetStringSlice("input")
	for _, pair := range pairs {
		path, raw, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("input %q: want path=value", pair)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		inputs[path] = value
	}
	return inputs, nil
}

// ---- log ----

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Inspect the change log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			eventType, _ := cmd.Flags().GetString("type")
			return withWorkspace(func(ctx context.Context, ws *app.Workspace) error {
				events, err := ws.Engine.Repo.ListEvents(ctx, repo.EventFilters{
					ProductID: viper.GetString("product"),
					Type:      eventType,
					Limit:     limit,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(events, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"ID", "TS", "TYPE", "ENTITY", "ACTOR"})
					for _, ev := range events {
						tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.EntityKind + "/" + ev.EntityID, ev.ActorID})
					}
					tw.Render()
				})
			})
		},
	}
	cmd.Flags().Int("limit", 50, "number of events to show")
	cmd.Flags().String("type", "", "filter by event type")
	return cmd
}

// ---- apikey ----

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys for the HTTP server"}
	cmd.AddCommand(apikeyCreateCmd(), apikeyListCmd(), apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <actor-id>",
		Short: "Mint an API key; the secret prints once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			return withWorkspace(func(ctx context.Context, ws *app.Workspace) error {
				secret, err := generateAPIKeySecret()
				if err != nil {
					return err
				}
				key := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   args[0],
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := ws.Engine.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "key": secret})
				}
				fmt.Println("id: ", key.ID)
				fmt.Println("key:", secret)
				fmt.Println("the key is not stored; save it now")
				return nil
			})
		},
	}
	cmd.Flags().String("name", "", "label for the key")
	return cmd
}

func generateAPIKeySecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "plk_" + hex.EncodeToString(buf), nil
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, _ := cmd.Flags().GetString("actor")
			return withWorkspace(func(ctx context.Context, ws *app.Workspace) error {
				keys, err := ws.Engine.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"ID", "ACTOR", "NAME", "CREATED"})
					for _, key := range keys {
						tw.AppendRow(table.Row{key.ID, key.ActorID, key.Name, key.CreatedAt})
					}
					tw.Render()
				})
			})
		},
	}
	cmd.Flags().String("actor", "", "only keys of this actor")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(func(ctx context.Context, ws *app.Workspace) error {
				if err := ws.Engine.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	}
}

// ---- serve ----

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			ws, err := app.OpenWorkspace(workspacePath())
			if err != nil {
				return err
			}
			defer ws.Close()

			cfg := ws.Config
			if addr != "" {
				cfg.Server.Addr = addr
			}
			secret := os.Getenv("PRODUCTLINE_JWT_SECRET")
			if secret == "" {
				secret = cfg.Server.JWTSecret
			}
			handler, err := server.New(server.Config{
				Engine:   ws.Engine,
				BasePath: cfg.Server.BasePath,
				Auth: server.AuthConfig{
					JWTSecret:              secret,
					AllowLegacyActorHeader: cfg.Server.AllowLegacyActorHeader,
				},
			})
			if err != nil {
				return err
			}

			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()
			fmt.Printf("listening on http://%s%s\n", cfg.Server.Addr, cfg.Server.BasePath)

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			}
		},
	}
	cmd.Flags().String("addr", "", "listen address, overrides the config file")
	return cmd
}

// ---- config ----

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage workspace configuration"}
	cmd.AddCommand(configInitCmd(), configShowCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a commented default productline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			path := config.Path(workspacePath())
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(workspacePath())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

// ---- helpers ----

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJSONOrTable(v any, renderTable func()) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	renderTable()
	return nil
}

func optionalString(cmd *cobra.Command, name string) *string {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, _ := cmd.Flags().GetString(name)
	return &v
}

func optionalInt(cmd *cobra.Command, name string) *int {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, _ := cmd.Flags().GetInt(name)
	return &v
}

func optionalBool(cmd *cobra.Command, name string) *bool {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, _ := cmd.Flags().GetBool(name)
	return &v
}

func optionalFloat(cmd *cobra.Command, name string) *float64 {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, _ := cmd.Flags().GetFloat64(name)
	return &v
}

// normalizeJSONValue passes valid JSON through and quotes bare words so
// `--value standard` means the string "standard".
func normalizeJSONValue(v string) string {
	if v == "" {
		return ""
	}
	if json.Valid([]byte(v)) {
		return v
	}
	quoted, _ := json.Marshal(v)
	return string(quoted)
}

func stringOrEmpty(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func stringOrDash(v *string) string {
	if v == nil || *v == "" {
		return "-"
	}
	return *v
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func shortIDs(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = shortID(id)
	}
	return out
}

// setEnvValue upserts one KEY=value line in an env file.
func setEnvValue(path, key, value string) error {
	var lines []string
	if data, err := os.ReadFile(path); err == nil {
		lines = strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	}
	replaced := false
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), key+"=") {
			lines[i] = key + "=" + value
			replaced = true
		}
	}
	if !replaced {
		lines = append(lines, key+"="+value)
	}
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644)
}
