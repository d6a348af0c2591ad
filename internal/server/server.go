package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"peerlink/internal/domain"
	"peerlink/internal/engine"
	"peerlink/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"wrong_request_status"`
	Message string         `json:"message" example:"request REQ00000000000000001 is completed, operation requires [open]"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Peerlink API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
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
	hcfg := huma.DefaultConfig("Peerlink API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerRequests(group, cfg.Engine)
	registerAttributes(group, cfg.Engine)
	registerSuccession(group, cfg.Engine)
	registerSharing(group, cfg.Engine)
	registerNotifications(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerMe(group)
	registerDevAuth(group, cfg.Auth)
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

// handleError maps typed engine failures onto the HTTP envelope. The
// engine's code travels as the envelope code so clients branch on it.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var ee *engine.Error
	if errors.As(err, &ee) {
		details := map[string]any{}
		for k, v := range ee.Details {
			details[k] = v
		}
		if len(details) == 0 {
			details = nil
		}
		switch ee.Code {
		case engine.CodeWrongRequestStatus,
			engine.CodeConcurrentModification,
			engine.CodeAttributeAlreadySucceeded:
			return newAPIError(http.StatusConflict, string(ee.Code), ee.Message, details)
		case engine.CodeStructuralMismatch:
			return newAPIError(http.StatusBadRequest, string(ee.Code), ee.Message, details)
		case engine.CodeExpired, engine.CodeValidation:
			return newAPIError(http.StatusUnprocessableEntity, string(ee.Code), ee.Message, details)
		}
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
		return "validation_error"
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
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
	openPaths := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if openPaths[route] {
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
    <title>Peerlink API Docs</title>
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

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Identity status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		counts := map[string]int{}
		for _, status := range []string{
			domain.RequestStatusOpen,
			domain.RequestStatusManualDecision,
			domain.RequestStatusDecided,
			domain.RequestStatusCompleted,
		} {
			items, err := e.ListRequests(ctx, repo.RequestFilter{Status: status})
			if err != nil {
				return nil, handleError(err)
			}
			counts[status] = len(items)
		}
		address := ""
		if e.Config != nil {
			address = e.Config.Identity.Address
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"address":        address,
			"request_counts": counts,
		}}, nil
	})
}

func registerRequests(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-outgoing-request",
		Method:        http.MethodPost,
		Path:          "/requests/outgoing",
		Summary:       "Create outgoing request",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateOutgoingRequestBody `json:"body"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.CreateOutgoingRequest(ctx, input.Body.Peer, input.Body.Content, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "receive-incoming-request",
		Method:        http.MethodPost,
		Path:          "/requests/incoming",
		Summary:       "Record a received request",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body ReceiveRequestBody `json:"body"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.ReceivedIncomingRequest(ctx, input.Body.Peer, input.Body.Content, input.Body.SourceType, input.Body.SourceID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-requests",
		Method:      http.MethodGet,
		Path:        "/requests",
		Summary:     "List requests",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Direction string `query:"direction" enum:"incoming,outgoing"`
		Status    string `query:"status"`
		Peer      string `query:"peer"`
	}) (*struct {
		Body []RequestResponse `json:"body"`
	}, error) {
		items, err := e.ListRequests(ctx, repo.RequestFilter{
			Direction: input.Direction,
			Status:    input.Status,
			Peer:      input.Peer,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RequestResponse `json:"body"`
		}{Body: mapRequests(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request",
		Method:      http.MethodGet,
		Path:        "/requests/{request_id}",
		Summary:     "Get request",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"request_id"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		req, err := e.GetRequest(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-request-sent",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/sent",
		Summary:     "Bind the transport object an outgoing request left with",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		RequestID string          `path:"request_id"`
		Body      SentRequestBody `json:"body"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.SentOutgoingRequest(ctx, input.RequestID, input.Body.SourceType, input.Body.SourceID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-request-prerequisites",
		Method:      http.MethodGet,
		Path:        "/requests/{request_id}/prerequisites",
		Summary:     "Check whether the request could be decided automatically",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"request_id"`
	}) (*struct {
		Body engine.PrerequisiteCheck `json:"body"`
	}, error) {
		check, err := e.CheckPrerequisitesOfIncomingRequest(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.PrerequisiteCheck `json:"body"`
		}{Body: check}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "require-manual-decision",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/require-manual-decision",
		Summary:     "Flag an incoming request for manual handling",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"request_id"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.RequireManualDecisionOfIncomingRequest(ctx, input.RequestID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-request",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/accept",
		Summary:     "Decide an incoming request with a decision tree",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		RequestID string            `path:"request_id"`
		Body      AcceptRequestBody `json:"body"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.AcceptIncomingRequest(ctx, input.RequestID, input.Body.Decision, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-request",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/reject",
		Summary:     "Reject every item of an incoming request",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		RequestID string            `path:"request_id"`
		Body      RejectRequestBody `json:"body"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.RejectIncomingRequest(ctx, input.RequestID, input.Body.Code, input.Body.Message, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-incoming-request",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/complete",
		Summary:     "Complete a decided incoming request",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		RequestID string               `path:"request_id"`
		Body      CompleteIncomingBody `json:"body"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.CompleteIncomingRequest(ctx, input.RequestID, input.Body.ResponseSourceID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-outgoing-request",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/response",
		Summary:     "Record the peer's response to an outgoing request",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		RequestID string               `path:"request_id"`
		Body      CompleteOutgoingBody `json:"body"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.CompleteOutgoingRequest(ctx, input.RequestID, input.Body.Response, input.Body.ResponseSourceID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "discard-request",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/discard",
		Summary:     "Discard an unsent outgoing request",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"request_id"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.DiscardOutgoingRequest(ctx, input.RequestID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-request",
		Method:      http.MethodDelete,
		Path:        "/requests/{request_id}",
		Summary:     "Delete an incoming request locally",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"request_id"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.DeleteIncomingRequest(ctx, input.RequestID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})
}

func registerAttributes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-attribute",
		Method:        http.MethodPost,
		Path:          "/attributes",
		Summary:       "Create attribute",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAttributeBody `json:"body"`
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
		attr, err := e.CreateAttribute(ctx, input.Body.Attribute, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AttributeResponse `json:"body"`
		}{Body: attributeResponse(attr)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-attributes",
		Method:      http.MethodGet,
		Path:        "/attributes",
		Summary:     "List attributes",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Owner       string `query:"owner"`
		Kind        string `query:"kind" enum:"identity,relationship"`
		OnlyCurrent bool   `query:"only_current"`
	}) (*struct {
		Body []AttributeResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListAttributes(ctx, repo.AttributeFilter{
			Owner:       input.Owner,
			Kind:        input.Kind,
			OnlyCurrent: input.OnlyCurrent,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AttributeResponse `json:"body"`
		}{Body: mapAttributes(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-attribute",
		Method:      http.MethodGet,
		Path:        "/attributes/{attribute_id}",
		Summary:     "Get attribute",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AttributeID string `path:"attribute_id"`
	}) (*struct {
		Body AttributeResponse `json:"body"`
	}, error) {
		attr, err := e.Repo.GetAttribute(ctx, input.AttributeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AttributeResponse `json:"body"`
		}{Body: attributeResponse(attr)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-attribute-viewed",
		Method:      http.MethodPost,
		Path:        "/attributes/{attribute_id}/viewed",
		Summary:     "Record the attribute's first display",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AttributeID string `path:"attribute_id"`
	}) (*struct {
		Body AttributeResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		attr, err := e.MarkAttributeAsViewed(ctx, input.AttributeID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AttributeResponse `json:"body"`
		}{Body: attributeResponse(attr)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-attribute",
		Method:      http.MethodDelete,
		Path:        "/attributes/{attribute_id}",
		Summary:     "Soft-delete an attribute and notify peers holding copies",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		AttributeID string `path:"attribute_id"`
	}) (*struct {
		Body struct {
			Attribute     AttributeResponse      `json:"attribute"`
			Notifications []NotificationResponse `json:"notifications"`
		} `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		attr, notifications, err := e.DeleteAttributeAndNotify(ctx, input.AttributeID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Attribute     AttributeResponse      `json:"attribute"`
				Notifications []NotificationResponse `json:"notifications"`
			} `json:"body"`
		}{}
		out.Body.Attribute = attributeResponse(attr)
		out.Body.Notifications = mapNotifications(notifications)
		return out, nil
	})
}

func registerSuccession(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "succeed-identity-attribute",
		Method:      http.MethodPost,
		Path:        "/attributes/{attribute_id}/succeed",
		Summary:     "Replace an own identity attribute with a new version",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		AttributeID string               `path:"attribute_id"`
		Body        SucceedAttributeBody `json:"body"`
	}) (*struct {
		Body SuccessionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.SucceedOwnIdentityAttribute(ctx, input.AttributeID, input.Body.Successor, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SuccessionResponse `json:"body"`
		}{Body: successionResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "succeed-relationship-attribute",
		Method:      http.MethodPost,
		Path:        "/attributes/{attribute_id}/succeed-relationship",
		Summary:     "Replace a relationship attribute and notify sharing peers",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		AttributeID string               `path:"attribute_id"`
		Body        SucceedAttributeBody `json:"body"`
	}) (*struct {
		Body struct {
			Succession    SuccessionResponse     `json:"succession"`
			Notifications []NotificationResponse `json:"notifications"`
		} `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, notifications, err := e.SucceedRelationshipAttributeAndNotifyPeer(ctx, input.AttributeID, input.Body.Successor, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Succession    SuccessionResponse     `json:"succession"`
				Notifications []NotificationResponse `json:"notifications"`
			} `json:"body"`
		}{}
		out.Body.Succession = successionResponse(res)
		out.Body.Notifications = mapNotifications(notifications)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "notify-peer-succession",
		Method:      http.MethodPost,
		Path:        "/attributes/{attribute_id}/notify-peer",
		Summary:     "Tell a peer about an identity attribute succession",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		AttributeID string               `path:"attribute_id"`
		Body        NotifySuccessionBody `json:"body"`
	}) (*struct {
		Body NotificationResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.NotifyPeerAboutOwnIdentityAttributeSuccession(ctx, input.AttributeID, input.Body.Peer, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NotificationResponse `json:"body"`
		}{Body: notificationResponse(n)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-attribute-versions",
		Method:      http.MethodGet,
		Path:        "/attributes/{attribute_id}/versions",
		Summary:     "List the attribute's succession chain, oldest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AttributeID string `path:"attribute_id"`
	}) (*struct {
		Body []AttributeResponse `json:"body"`
	}, error) {
		versions, err := e.GetVersionsOfAttribute(ctx, input.AttributeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AttributeResponse `json:"body"`
		}{Body: mapAttributes(versions)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-attribute-versions-shared",
		Method:      http.MethodGet,
		Path:        "/attributes/{attribute_id}/versions/shared",
		Summary:     "List the chain versions a peer holds",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		AttributeID string `path:"attribute_id"`
		Peer        string `query:"peer"`
		OnlyLatest  bool   `query:"only_latest" default:"true"`
	}) (*struct {
		Body []AttributeResponse `json:"body"`
	}, error) {
		versions, err := e.GetVersionsOfAttributeSharedWithPeer(ctx, input.AttributeID, input.Peer, input.OnlyLatest)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AttributeResponse `json:"body"`
		}{Body: mapAttributes(versions)}, nil
	})
}

func registerSharing(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "share-attribute",
		Method:        http.MethodPost,
		Path:          "/attributes/{attribute_id}/share",
		Summary:       "Offer an own identity attribute to a peer",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		AttributeID string             `path:"attribute_id"`
		Body        ShareAttributeBody `json:"body"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.ShareOwnIdentityAttribute(ctx, input.AttributeID, input.Body.Peer, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-and-share-relationship-attribute",
		Method:        http.MethodPost,
		Path:          "/attributes/relationship/share",
		Summary:       "Ask a peer to store a new relationship attribute",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAndShareRelationshipBody `json:"body"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.CreateAndShareRelationshipAttribute(ctx, input.Body.Attribute, input.Body.Peer, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-forwarding-details",
		Method:      http.MethodGet,
		Path:        "/attributes/{attribute_id}/forwarding",
		Summary:     "List who holds the attribute and in what state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AttributeID string `path:"attribute_id"`
		Peer        string `query:"peer"`
		OnlyActive  bool   `query:"only_active"`
	}) (*struct {
		Body []ShareResponse `json:"body"`
	}, error) {
		records, err := e.GetForwardingDetailsForAttribute(ctx, input.AttributeID, input.Peer, input.OnlyActive)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ShareResponse `json:"body"`
		}{Body: mapShares(records)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-peer-shares",
		Method:      http.MethodPost,
		Path:        "/peers/{peer}/shares/delete",
		Summary:     "Soft-delete all shares of a terminated relationship",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Peer string `path:"peer"`
	}) (*struct {
		Body map[string]int64 `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		affected, err := e.DeleteSharedAttributesForRejectedOrRevokedRelationship(ctx, input.Peer, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int64 `json:"body"`
		}{Body: map[string]int64{"deleted": affected}}, nil
	})
}

func registerNotifications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "List queued and sent notifications",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Peer   string `query:"peer"`
		Status string `query:"status" enum:"pending,sent"`
		Kind   string `query:"kind" enum:"attribute_succession,attribute_deletion"`
	}) (*struct {
		Body []NotificationResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListNotifications(ctx, repo.NotificationFilter{
			Peer:   input.Peer,
			Status: input.Status,
			Kind:   input.Kind,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []NotificationResponse `json:"body"`
		}{Body: mapNotifications(items)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		EntityID string `query:"entity_id"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListEvents(ctx, input.EntityID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID: principal.ActorID,
			Source:  principal.Source,
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
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
