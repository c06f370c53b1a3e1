package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/harun/vaultd/pkg/editor"
	"github.com/harun/vaultd/pkg/session"
	"github.com/harun/vaultd/pkg/vaultfs"
	"github.com/harun/vaultd/pkg/window"
	"github.com/xeipuuv/gojsonschema"
)

// RequestHandler handles one RPC method. params has already passed the
// method's schema.
type RequestHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// Param describes one named parameter of a method.
type Param struct {
	Name     string
	Type     string
	Required bool
}

type method struct {
	handler RequestHandler
	schema  *gojsonschema.Schema
}

// RPCRouter handles RPC method registration and request routing
type RPCRouter struct {
	mu      sync.RWMutex
	methods map[string]method
}

// NewRPCRouter creates a new RPC router
func NewRPCRouter() *RPCRouter {
	return &RPCRouter{
		methods: make(map[string]method),
	}
}

// RegisterMethod registers an RPC method handler. Params not listed are
// rejected.
func (r *RPCRouter) RegisterMethod(name string, handler RequestHandler, params ...Param) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	schema, err := paramsSchema(params)
	if err != nil {
		return fmt.Errorf("invalid schema for %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.methods[name] = method{handler: handler, schema: schema}
	return nil
}

// UnregisterMethod removes an RPC method handler
func (r *RPCRouter) UnregisterMethod(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.methods, name)
}

func paramsSchema(params []Param) (*gojsonschema.Schema, error) {
	properties := make(map[string]interface{}, len(params))
	required := []string{}
	for _, p := range params {
		properties[p.Name] = map[string]interface{}{"type": p.Type}
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schemaMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schemaMap["required"] = required
	}

	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
}

func validateParams(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if params == nil {
		params = map[string]interface{}{}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return errors.New(strings.Join(msgs, "; "))
	}
	return nil
}

// ParseRequest parses and validates a JSON-RPC request
func (r *RPCRouter) ParseRequest(data []byte) (*RPCRequest, error) {
	var req RPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &RPCError{
			Code:    ParseError,
			Message: "Parse error",
			Data:    err.Error(),
		}
	}

	if req.ID == "" {
		return nil, &RPCError{
			Code:    InvalidRequest,
			Message: "Invalid request: missing id field",
		}
	}

	if req.Method == "" {
		return nil, &RPCError{
			Code:    InvalidRequest,
			Message: "Invalid request: missing method field",
		}
	}

	if req.JSONRPC == "" {
		req.JSONRPC = "2.0"
	}

	return &req, nil
}

// RouteRequest routes a request to the appropriate handler
func (r *RPCRouter) RouteRequest(ctx context.Context, req *RPCRequest) *RPCResponse {
	if req == nil {
		return &RPCResponse{
			JSONRPC: "2.0",
			Error: &RPCError{
				Code:    InvalidRequest,
				Message: "invalid request",
			},
		}
	}

	r.mu.RLock()
	m, exists := r.methods[req.Method]
	r.mu.RUnlock()

	if !exists {
		return errorResponse(req.ID, &RPCError{
			Code:    MethodNotFound,
			Message: fmt.Sprintf("Method not found: %s", req.Method),
		})
	}

	if err := validateParams(m.schema, req.Params); err != nil {
		return errorResponse(req.ID, &RPCError{
			Code:    InvalidParams,
			Message: "Invalid params",
			Data:    err.Error(),
		})
	}

	result, err := m.handler(ctx, req.Params)
	if err != nil {
		return errorResponse(req.ID, toRPCError(err))
	}
	if result == nil {
		result = map[string]interface{}{"ok": true}
	}
	return &RPCResponse{
		ID:      req.ID,
		JSONRPC: "2.0",
		Result:  result,
	}
}

func errorResponse(id string, rpcErr *RPCError) *RPCResponse {
	return &RPCResponse{
		ID:      id,
		JSONRPC: "2.0",
		Error:   rpcErr,
	}
}

var errorCodes = []struct {
	target error
	code   int
}{
	{window.ErrInvalidDirectory, InvalidDirectory},
	{window.ErrDirectoryOccupied, DirectoryOccupied},
	{window.ErrUnknownWindow, UnknownWindow},
	{session.ErrNoVault, NoVault},
	{session.ErrInvalidName, InvalidName},
	{vaultfs.ErrPathEscape, PathOutsideVault},
	{editor.ErrNoFileOpen, InvalidRequest},
}

func toRPCError(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.target) {
			return &RPCError{Code: ec.code, Message: err.Error()}
		}
	}
	return &RPCError{Code: InternalError, Message: err.Error()}
}

// HasMethod checks if a method is registered
func (r *RPCRouter) HasMethod(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.methods[name]
	return exists
}

// GetMethods returns all registered method names
func (r *RPCRouter) GetMethods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	methods := make([]string, 0, len(r.methods))
	for name := range r.methods {
		methods = append(methods, name)
	}
	return methods
}
