package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"productline/internal/domain"
	"productline/internal/engine"
	"productline/internal/graph"
	"productline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"constraint_violation"`
	Message string         `json:"message" example:"2 constraint violation(s): ..."`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"violations\":[]}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Productline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Productline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProducts(group, cfg.Engine)
	registerDataTypes(group, cfg.Engine)
	registerEnumerations(group, cfg.Engine)
	registerAbstractAttributes(group, cfg.Engine)
	registerAttributes(group, cfg.Engine)
	registerRules(group, cfg.Engine)
	registerFunctionalities(group, cfg.Engine)
	registerEvaluation(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ie engine.ImmutableError
	if errors.As(err, &ie) {
		details := map[string]any{"entity": ie.Entity, "id": ie.ID}
		if len(ie.Paths) > 0 {
			details["paths"] = ie.Paths
		}
		return newAPIError(http.StatusConflict, "immutable", err.Error(), details)
	}
	var ce engine.ConstraintError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusUnprocessableEntity, "constraint_violation", err.Error(), map[string]any{"violations": ce.Violations})
	}
	var le engine.LimitError
	if errors.As(err, &le) {
		return newAPIError(http.StatusUnprocessableEntity, "limit_exceeded", err.Error(), map[string]any{
			"entity": le.Entity,
			"count":  le.Count,
			"limit":  le.Limit,
		})
	}
	var cyc graph.CycleError
	if errors.As(err, &cyc) {
		return newAPIError(http.StatusUnprocessableEntity, "rule_cycle", err.Error(), map[string]any{"rules": cyc.Rules})
	}
	var dup graph.DuplicateOutputError
	if errors.As(err, &dup) {
		return newAPIError(http.StatusUnprocessableEntity, "duplicate_output", err.Error(), map[string]any{"path": dup.Path, "rules": dup.Rules})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "transition"):
		return newAPIError(http.StatusConflict, "invalid_transition", msg, nil)
	case strings.Contains(lowered, "already exists"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "bound to rule"):
		return newAPIError(http.StatusConflict, "rule_bound", msg, nil)
	case strings.Contains(lowered, "invalid"),
		strings.Contains(lowered, "missing"),
		strings.Contains(lowered, "required"),
		strings.Contains(lowered, "unknown"),
		strings.Contains(lowered, "needs"),
		strings.Contains(lowered, "cannot"),
		strings.Contains(lowered, "must"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Productline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerProducts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-product",
		Method:        http.MethodPost,
		Path:          "/products",
		Summary:       "Create product",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProductRequest `json:"body"`
	}) (*struct {
		Body ProductResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ID == "" || input.Body.Name == "" || input.Body.TemplateType == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id, name and template_type are required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreateProduct(ctx, engine.ProductCreateOptions{
			ID:            input.Body.ID,
			Name:          input.Body.Name,
			TemplateType:  input.Body.TemplateType,
			Description:   stringOrEmpty(input.Body.Description),
			EffectiveDate: stringOrEmpty(input.Body.EffectiveDate),
			ActorID:       actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProductResponse `json:"body"`
		}{Body: productResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-products",
		Method:      http.MethodGet,
		Path:        "/products",
		Summary:     "List products",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProductResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListProducts(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProductResponse `json:"body"`
		}{Body: mapProducts(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-product",
		Method:      http.MethodGet,
		Path:        "/products/{product_id}",
		Summary:     "Get product",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProductID string `path:"product_id"`
	}) (*struct {
		Body ProductResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProduct(ctx, input.ProductID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProductResponse `json:"body"`
		}{Body: productResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-product",
		Method:      http.MethodPatch,
		Path:        "/products/{product_id}",
		Summary:     "Update product",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ProductID string               `path:"product_id"`
		Body      UpdateProductRequest `json:"body"`
	}) (*struct {
		Body ProductResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.UpdateProduct(ctx, engine.ProductUpdateOptions{
			ID:          input.ProductID,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProductResponse `json:"body"`
		}{Body: productResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-product",
		Method:        http.MethodDelete,
		Path:          "/products/{product_id}",
		Summary:       "Delete draft product",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ProductID string `path:"product_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteProduct(ctx, input.ProductID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-product-status",
		Method:      http.MethodPost,
		Path:        "/products/{product_id}/status",
		Summary:     "Change product lifecycle status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProductID string           `path:"product_id"`
		Body      SetStatusRequest `json:"body"`
	}) (*struct {
		Body ProductResponse `json:"body"`
	}, error) {
		if input.Body.Status == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "status is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.SetProductStatus(ctx, input.ProductID, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProductResponse `json:"body"`
		}{Body: productResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-product",
		Method:      http.MethodGet,
		Path:        "/products/{product_id}/validate",
		Summary:     "Validate product definition",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProductID string `path:"product_id"`
	}) (*struct {
		Body engine.ValidationReport `json:"body"`
	}, error) {
		report, err := e.ValidateProduct(ctx, input.ProductID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ValidationReport `json:"body"`
		}{Body: report}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "clone-product",
		Method:        http.MethodPost,
		Path:          "/products/{product_id}/clone",
		Summary:       "Clone product into a new draft",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProductID string              `path:"product_id"`
		Body      CloneProductRequest `json:"body"`
	}) (*struct {
		Body engine.CloneResult `json:"body"`
	}, error) {
		if input.Body.NewID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "new_id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.CloneProduct(ctx, engine.CloneOptions{
			SourceID: input.ProductID,
			NewID:    input.Body.NewID,
			NewName:  input.Body.NewName,
			ActorID:  actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.CloneResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerDataTypes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-datatype",
		Method:        http.MethodPost,
		Path:          "/products/{product_id}/datatypes",
		Summary:       "Create datatype",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ProductID string                `path:"product_id"`
		Body      CreateDataTypeRequest `json:"body"`
	}) (*struct {
		Body DataTypeResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		dt, err := e.CreateDataType(ctx, engine.DataTypeCreateOptions{
			ProductID:   input.ProductID,
			ID:          input.Body.ID,
			Primitive:   input.Body.Primitive,
			Constraints: input.Body.Constraints,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DataTypeResponse `json:"body"`
		}{Body: dataTypeResponse(dt)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-datatypes",
		Method:      http.MethodGet,
		Path:        "/products/{product_id}/datatypes",
		Summary:     "List datatypes",
	}, func(ctx context.Context, input *struct {
		ProductID string `path:"product_id"`
	}) (*struct {
		Body []DataTypeResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListDataTypes(ctx, input.ProductID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []DataTypeResponse `json:"body"`
		}{Body: mapDataTypes(items)}, nil
	})
}

func registerEnumerations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-enumeration",
		Method:        http.MethodPost,
		Path:          "/products/{product_id}/enumerations",
		Summary:       "Create enumeration",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ProductID string                   `path:"product_id"`
		Body      CreateEnumerationRequest `json:"body"`
	}) (*struct {
		Body EnumerationResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		en, err := e.CreateEnumeration(ctx, engine.EnumerationCreateOptions{
			ProductID:    input.ProductID,
			Name:         input.Body.Name,
			TemplateType: input.Body.TemplateType,
			Values:       input.Body.Values,
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EnumerationResponse `json:"body"`
		}{Body: enumerationResponse(en)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-enumerations",
		Method:      http.MethodGet,
		Path:        "/products/{product_id}/enumerations",
		Summary:     "List enumerations",
	}, func(ctx context.Context, input *struct {
		ProductID string `path:"product_id"`
	}) (*struct {
		Body []EnumerationResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListEnumerations(ctx, input.ProductID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EnumerationResponse `json:"body"`
		}{Body: mapEnumerations(items)}, nil
	})
}

func registerAbstractAttributes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-abstract-attribute",
		Method:        http.MethodPost,
		Path:          "/products/{product_id}/abstract-attributes",
		Summary:       "Declare abstract attribute",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ProductID string                         `path:"product_id"`
		Body      CreateAbstractAttributeRequest `json:"body"`
	}) (*struct {
		Body AbstractAttributeResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rels := make([]domain.Relationship, 0, len(input.Body.Relationships))
		for _, r := range input.Body.Relationships {
			rels = append(rels, domain.Relationship{Kind: r.Kind, TargetPath: r.TargetPath})
		}
		a, err := e.CreateAbstractAttribute(ctx, engine.AbstractAttributeCreateOptions{
			ProductID:     input.ProductID,
			ComponentType: input.Body.ComponentType,
			ComponentID:   stringOrEmpty(input.Body.ComponentID),
			Name:          input.Body.Name,
			DisplayName:   input.Body.DisplayName,
			DataTypeID:    input.Body.DataTypeID,
			Enumeration:   stringOrEmpty(input.Body.Enumeration),
			Relationships: rels,
			Tags:          input.Body.Tags,
			ActorID:       actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AbstractAttributeResponse `json:"body"`
		}{Body: abstractAttributeResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-abstract-attributes",
		Method:      http.MethodGet,
		Path:        "/products/{product_id}/abstract-attributes",
		Summary:     "List abstract attributes",
	}, func(ctx context.Context, input *struct {
		ProductID string `path:"product_id"`
	}) (*struct {
		Body []AbstractAttributeResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListAbstractAttributes(ctx, input.ProductID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AbstractAttributeResponse `json:"body"`
		}{Body: mapAbstractAttributes(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-abstract-immutable",
		Method:      http.MethodPut,
		Path:        "/abstract-attributes/{path}/immutable",
		Summary:     "Lock or unlock an abstract attribute declaration",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Path string              `path:"path"`
		Body SetImmutableRequest `json:"body"`
	}) (*struct {
		Body AbstractAttributeResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.SetAbstractImmutable(ctx, input.Path, input.Body.Immutable, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AbstractAttributeResponse `json:"body"`
		}{Body: abstractAttributeResponse(a)}, nil
	})
}

func registerAttributes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-attribute",
		Method:        http.MethodPost,
		Path:          "/products/{product_id}/attributes",
		Summary:       "Instantiate attribute on a component",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProductID string                 `path:"product_id"`
		Body      CreateAttributeRequest `json:"body"`
	}) (*struct {
		Body AttributeResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.CreateAttribute(ctx, engine.AttributeCreateOptions{
			ProductID:     input.ProductID,
			ComponentType: input.Body.ComponentType,
			ComponentID:   input.Body.ComponentID,
			Name:          input.Body.Name,
			ValueType:     input.Body.ValueType,
			ValueJSON:     string(input.Body.Value),
			ActorID:       actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AttributeResponse `json:"body"`
		}{Body: attributeResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-attributes",
		Method:      http.MethodGet,
		Path:        "/products/{product_id}/attributes",
		Summary:     "List attributes",
	}, func(ctx context.Context, input *struct {
		ProductID string `path:"product_id"`
	}) (*struct {
		Body []AttributeResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListAttributes(ctx, input.ProductID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AttributeResponse `json:"body"`
		}{Body: mapAttributes(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-attribute-value",
		Method:      http.MethodPut,
		Path:        "/attributes/{path}/value",
		Summary:     "Set attribute value",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Path string                   `path:"path"`
		Body SetAttributeValueRequest `json:"body"`
	}) (*struct {
		Body AttributeResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		valueType := input.Body.ValueType
		if valueType == "" {
			valueType = domain.ValueTypeFixed
		}
		a, err := e.SetAttributeValue(ctx, input.Path, valueType, string(input.Body.Value), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AttributeResponse `json:"body"`
		}{Body: attributeResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "attribute-impact",
		Method:      http.MethodGet,
		Path:        "/attributes/{path}/impact",
		Summary:     "Analyze attribute impact",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Path string `path:"path"`
	}) (*struct {
		Body engine.ImpactAnalysis `json:"body"`
	}, error) {
		analysis, err := e.AnalyzeImpact(ctx, input.Path)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ImpactAnalysis `json:"body"`
		}{Body: analysis}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-attribute-modification",
		Method:      http.MethodGet,
		Path:        "/attributes/{path}/check-modification",
		Summary:     "Check whether an attribute can change in place",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Path string `path:"path"`
	}) (*struct {
		Body engine.ModificationCheck `json:"body"`
	}, error) {
		check, err := e.CheckModification(ctx, input.Path)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ModificationCheck `json:"body"`
		}{Body: check}, nil
	})
}

func registerRules(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-rule",
		Method:        http.MethodPost,
		Path:          "/products/{product_id}/rules",
		Summary:       "Create rule",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProductID string            `path:"product_id"`
		Body      CreateRuleRequest `json:"body"`
	}) (*struct {
		Body RuleResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if len(input.Body.Expression) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "expression is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rl, err := e.CreateRule(ctx, engine.RuleCreateOptions{
			ProductID:   input.ProductID,
			RuleType:    input.Body.RuleType,
			Expression:  string(input.Body.Expression),
			InputPaths:  input.Body.InputPaths,
			OutputPaths: input.Body.OutputPaths,
			OrderIndex:  input.Body.OrderIndex,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RuleResponse `json:"body"`
		}{Body: ruleResponse(rl)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/products/{product_id}/rules",
		Summary:     "List rules",
	}, func(ctx context.Context, input *struct {
		ProductID string `path:"product_id"`
	}) (*struct {
		Body []RuleResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListRules(ctx, input.ProductID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RuleResponse `json:"body"`
		}{Body: mapRules(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-rule",
		Method:      http.MethodGet,
		Path:        "/rules/{rule_id}",
		Summary:     "Get rule",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RuleID string `path:"rule_id"`
	}) (*struct {
		Body RuleResponse `json:"body"`
	}, error) {
		rl, err := e.Repo.GetRule(ctx, input.RuleID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RuleResponse `json:"body"`
		}{Body: ruleResponse(rl)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-rule",
		Method:      http.MethodPatch,
		Path:        "/rules/{rule_id}",
		Summary:     "Update rule",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		RuleID string            `path:"rule_id"`
		Body   UpdateRuleRequest `json:"body"`
	}) (*struct {
		Body RuleResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.RuleUpdateOptions{
			ID:          input.RuleID,
			InputPaths:  input.Body.InputPaths,
			OutputPaths: input.Body.OutputPaths,
			Enabled:     input.Body.Enabled,
			OrderIndex:  input.Body.OrderIndex,
			ActorID:     actorID,
		}
		if len(input.Body.Expression) > 0 {
			expr := string(input.Body.Expression)
			opts.Expression = &expr
		}
		rl, err := e.UpdateRule(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RuleResponse `json:"body"`
		}{Body: ruleResponse(rl)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-rule",
		Method:        http.MethodDelete,
		Path:          "/rules/{rule_id}",
		Summary:       "Delete rule",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		RuleID string `path:"rule_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteRule(ctx, input.RuleID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerFunctionalities(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-functionality",
		Method:        http.MethodPost,
		Path:          "/products/{product_id}/functionalities",
		Summary:       "Create functionality",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ProductID string                     `path:"product_id"`
		Body      CreateFunctionalityRequest `json:"body"`
	}) (*struct {
		Body FunctionalityResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f, err := e.CreateFunctionality(ctx, engine.FunctionalityCreateOptions{
			ProductID:          input.ProductID,
			Name:               input.Body.Name,
			Description:        stringOrEmpty(input.Body.Description),
			RequiredAttributes: input.Body.RequiredAttributes,
			ActorID:            actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FunctionalityResponse `json:"body"`
		}{Body: functionalityResponse(f)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-functionalities",
		Method:      http.MethodGet,
		Path:        "/products/{product_id}/functionalities",
		Summary:     "List functionalities",
	}, func(ctx context.Context, input *struct {
		ProductID string `path:"product_id"`
	}) (*struct {
		Body []FunctionalityResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListFunctionalities(ctx, input.ProductID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []FunctionalityResponse `json:"body"`
		}{Body: mapFunctionalities(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-functionality",
		Method:      http.MethodGet,
		Path:        "/products/{product_id}/functionalities/{name}",
		Summary:     "Get functionality",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProductID string `path:"product_id"`
		Name      string `path:"name"`
	}) (*struct {
		Body FunctionalityResponse `json:"body"`
	}, error) {
		f, err := e.Repo.GetFunctionality(ctx, input.ProductID, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FunctionalityResponse `json:"body"`
		}{Body: functionalityResponse(f)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-functionality",
		Method:      http.MethodPatch,
		Path:        "/products/{product_id}/functionalities/{name}",
		Summary:     "Update functionality",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ProductID string                     `path:"product_id"`
		Name      string                     `path:"name"`
		Body      UpdateFunctionalityRequest `json:"body"`
	}) (*struct {
		Body FunctionalityResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f, err := e.UpdateFunctionality(ctx, engine.FunctionalityUpdateOptions{
			ProductID:          input.ProductID,
			Name:               input.Name,
			Description:        input.Body.Description,
			RequiredAttributes: input.Body.RequiredAttributes,
			ActorID:            actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FunctionalityResponse `json:"body"`
		}{Body: functionalityResponse(f)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-functionality-status",
		Method:      http.MethodPost,
		Path:        "/products/{product_id}/functionalities/{name}/status",
		Summary:     "Change functionality lifecycle status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ProductID string           `path:"product_id"`
		Name      string           `path:"name"`
		Body      SetStatusRequest `json:"body"`
	}) (*struct {
		Body FunctionalityResponse `json:"body"`
	}, error) {
		if input.Body.Status == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "status is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f, err := e.SetFunctionalityStatus(ctx, input.ProductID, input.Name, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FunctionalityResponse `json:"body"`
		}{Body: functionalityResponse(f)}, nil
	})
}

func registerEvaluation(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "plan",
		Method:      http.MethodGet,
		Path:        "/products/{product_id}/plan",
		Summary:     "Execution plan for the product's rules",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProductID string `path:"product_id"`
		RuleIDs   string `query:"rule_ids" doc:"Comma-separated rule ids to restrict the plan to"`
	}) (*struct {
		Body graph.Plan `json:"body"`
	}, error) {
		plan, err := e.Plan(ctx, input.ProductID, splitRuleIDs(input.RuleIDs))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body graph.Plan `json:"body"`
		}{Body: plan}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "render-graph",
		Method:      http.MethodGet,
		Path:        "/products/{product_id}/graph",
		Summary:     "Render the rule dependency graph",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProductID string `path:"product_id"`
		Format    string `query:"format" enum:"dot,mermaid,ascii" default:"dot"`
	}) (*struct {
		Body GraphRenderResponse `json:"body"`
	}, error) {
		format := input.Format
		if format == "" {
			format = engine.FormatDOT
		}
		content, err := e.RenderGraph(ctx, input.ProductID, format)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GraphRenderResponse `json:"body"`
		}{Body: GraphRenderResponse{Format: format, Content: content}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "evaluate",
		Method:      http.MethodPost,
		Path:        "/products/{product_id}/evaluate",
		Summary:     "Evaluate the product's rules",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProductID string          `path:"product_id"`
		Body      EvaluateRequest `json:"body"`
	}) (*struct {
		Body engine.EvaluationResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Evaluate(ctx, engine.EvaluateOptions{
			ProductID:   input.ProductID,
			Inputs:      input.Body.Inputs,
			RuleIDs:     input.Body.RuleIDs,
			MaxDuration: time.Duration(input.Body.MaxTimeMS) * time.Millisecond,
			Debug:       input.Body.Debug,
			ActorID:     actorID,
		})
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.EvaluationResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/products/{product_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProductID string `path:"product_id"`
		Type      string `query:"type"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.ListEvents(ctx, repo.EventFilters{
			ProductID: input.ProductID,
			Type:      input.Type,
			Limit:     limit + 1,
			CursorID:  cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Mint an API key; the secret is returned only once",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body CreateAPIKeyResponse `json:"body"`
	}, error) {
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		secret, err := generateAPIKeySecret()
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		key := domain.APIKey{
			ID:      uuid.New().String(),
			ActorID: input.Body.ActorID,
			Name:    input.Body.Name,
			KeyHash: repo.HashAPIKey(secret),
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		stored, err := e.Repo.GetAPIKeyByHash(ctx, key.KeyHash)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreateAPIKeyResponse `json:"body"`
		}{Body: CreateAPIKeyResponse{Key: secret, APIKey: apiKeyResponse(stored)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: mapAPIKeys(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-api-key",
		Method:        http.MethodDelete,
		Path:          "/apikeys/{id}",
		Summary:       "Delete API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func generateAPIKeySecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "plk_" + hex.EncodeToString(buf), nil
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func splitRuleIDs(raw string) []string {
	if raw == "" {
		return nil
	}
	var ids []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			ids = append(ids, part)
		}
	}
	return ids
}
