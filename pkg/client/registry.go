package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/mew-protocol/mew-go/pkg/envelope"
)

// ToolExecutor runs a registered tool. args is the raw arguments object
// from the tools/call params. Returning an *envelope.RPCError propagates
// that error object verbatim; any other error maps to an internal error
// response.
type ToolExecutor func(ctx context.Context, args json.RawMessage) (any, error)

// ToolInfo describes one tool as listed by tools/list.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ResourceInfo describes one resource as listed by resources/list.
type ResourceInfo struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// PromptInfo describes one prompt as listed by prompts/list.
type PromptInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type toolEntry struct {
	info   ToolInfo
	schema *jsonschema.Schema
	exec   ToolExecutor
}

// RegisterTool makes a tool callable by peers through directed mcp/request
// envelopes with method tools/call. inputSchema is an optional JSON Schema
// for the arguments object; invalid arguments are rejected with a JSON-RPC
// invalid-params error before the executor runs. Registering an existing
// name replaces it.
func (c *Client) RegisterTool(name, description string, inputSchema json.RawMessage, exec ToolExecutor) error {
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if exec == nil {
		return fmt.Errorf("tool executor is required")
	}
	var compiled *jsonschema.Schema
	if len(inputSchema) > 0 {
		var schemaDoc any
		if err := json.Unmarshal(inputSchema, &schemaDoc); err != nil {
			return fmt.Errorf("unmarshal tool schema: %w", err)
		}
		comp := jsonschema.NewCompiler()
		if err := comp.AddResource("schema.json", schemaDoc); err != nil {
			return fmt.Errorf("add schema resource: %w", err)
		}
		schema, err := comp.Compile("schema.json")
		if err != nil {
			return fmt.Errorf("compile tool schema: %w", err)
		}
		compiled = schema
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.tools[name]; !exists {
		c.toolOrder = append(c.toolOrder, name)
	}
	c.tools[name] = &toolEntry{
		info:   ToolInfo{Name: name, Description: description, InputSchema: inputSchema},
		schema: compiled,
		exec:   exec,
	}
	return nil
}

// UnregisterTool removes a tool. Returns false when no such tool exists.
func (c *Client) UnregisterTool(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tools[name]; !ok {
		return false
	}
	delete(c.tools, name)
	for i, n := range c.toolOrder {
		if n == name {
			c.toolOrder = append(c.toolOrder[:i], c.toolOrder[i+1:]...)
			break
		}
	}
	return true
}

// Tools lists the registered tools in registration order.
func (c *Client) Tools() []ToolInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ToolInfo, 0, len(c.toolOrder))
	for _, name := range c.toolOrder {
		if entry, ok := c.tools[name]; ok {
			out = append(out, entry.info)
		}
	}
	return out
}

// RegisterResource adds a resource to the resources/list catalog.
func (c *Client) RegisterResource(res ResourceInfo) {
	c.mu.Lock()
	c.resources = append(c.resources, res)
	c.mu.Unlock()
}

// SetResources replaces the resources/list catalog. Bridges use it after a
// subordinate restart, when the catalog may have changed wholesale.
func (c *Client) SetResources(res []ResourceInfo) {
	c.mu.Lock()
	c.resources = append([]ResourceInfo(nil), res...)
	c.mu.Unlock()
}

// RegisterPrompt adds a prompt to the prompts/list catalog.
func (c *Client) RegisterPrompt(p PromptInfo) {
	c.mu.Lock()
	c.prompts = append(c.prompts, p)
	c.mu.Unlock()
}

// SetPrompts replaces the prompts/list catalog.
func (c *Client) SetPrompts(ps []PromptInfo) {
	c.mu.Lock()
	c.prompts = append([]PromptInfo(nil), ps...)
	c.mu.Unlock()
}

// answerRequest produces exactly one mcp/response for a directed request,
// whatever happens inside the registries or the executor.
func (c *Client) answerRequest(e *envelope.Envelope) {
	var req envelope.RPCRequest
	if err := e.DecodePayload(&req); err != nil {
		c.respond(e, &envelope.RPCResponse{
			JSONRPC: envelope.JSONRPCVersion,
			Error:   &envelope.RPCError{Code: envelope.CodeInvalidRequest, Message: "malformed request payload"},
		})
		return
	}
	c.respond(e, c.execute(&req))
}

func (c *Client) execute(req *envelope.RPCRequest) (resp *envelope.RPCResponse) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Executor panicked", "method", req.Method, "panic", r)
			resp = rpcError(req, envelope.CodeInternalError, "internal error")
		}
	}()

	switch req.Method {
	case "tools/list":
		return c.rpcResult(req, map[string]any{"tools": c.Tools()})
	case "resources/list":
		c.mu.Lock()
		resources := append([]ResourceInfo(nil), c.resources...)
		c.mu.Unlock()
		return c.rpcResult(req, map[string]any{"resources": resources})
	case "prompts/list":
		c.mu.Lock()
		prompts := append([]PromptInfo(nil), c.prompts...)
		c.mu.Unlock()
		return c.rpcResult(req, map[string]any{"prompts": prompts})
	case "tools/call":
		return c.callTool(req)
	default:
		return rpcError(req, envelope.CodeMethodNotFound, "method not found: "+req.Method)
	}
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func (c *Client) callTool(req *envelope.RPCRequest) *envelope.RPCResponse {
	var params callToolParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return rpcError(req, envelope.CodeInvalidParams, "malformed params: "+err.Error())
		}
	}

	c.mu.Lock()
	entry := c.tools[params.Name]
	c.mu.Unlock()
	if entry == nil {
		return rpcError(req, envelope.CodeInvalidParams, "unknown tool: "+params.Name)
	}

	if entry.schema != nil {
		raw := params.Arguments
		if len(raw) == 0 {
			raw = json.RawMessage(`{}`)
		}
		var args any
		if err := json.Unmarshal(raw, &args); err != nil {
			return rpcError(req, envelope.CodeInvalidParams, "malformed arguments: "+err.Error())
		}
		if err := entry.schema.Validate(args); err != nil {
			return rpcError(req, envelope.CodeInvalidParams, err.Error())
		}
	}

	out, err := entry.exec(c.ctx, params.Arguments)
	if err != nil {
		var rpcErr *envelope.RPCError
		if errors.As(err, &rpcErr) {
			return &envelope.RPCResponse{JSONRPC: envelope.JSONRPCVersion, ID: req.ID, Error: rpcErr}
		}
		return rpcError(req, envelope.CodeInternalError, err.Error())
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return rpcError(req, envelope.CodeInternalError, "marshal result: "+err.Error())
	}
	return &envelope.RPCResponse{JSONRPC: envelope.JSONRPCVersion, ID: req.ID, Result: raw}
}

// respond answers to the request's whole visibility circle: the sender
// plus any other addressee. A proposer included in a fulfillment request's
// addressing thereby sees the response and can close its chain.
func (c *Client) respond(request *envelope.Envelope, resp *envelope.RPCResponse) {
	to := []string{request.From}
	for _, recipient := range request.To {
		if recipient != c.opts.Identity && recipient != request.From {
			to = append(to, recipient)
		}
	}
	out := &envelope.Envelope{
		Kind:          envelope.KindMCPResponse,
		To:            to,
		CorrelationID: []string{request.ID},
		Payload:       resp,
	}
	if err := c.Send(out); err != nil {
		c.log.Warn("Failed to send response", "request_id", request.ID, "error", err)
	}
}

func (c *Client) rpcResult(req *envelope.RPCRequest, result any) *envelope.RPCResponse {
	raw, err := json.Marshal(result)
	if err != nil {
		c.log.Error("Marshal list result", "method", req.Method, "error", err)
		return rpcError(req, envelope.CodeInternalError, "marshal result: "+err.Error())
	}
	return &envelope.RPCResponse{JSONRPC: envelope.JSONRPCVersion, ID: req.ID, Result: raw}
}

func rpcError(req *envelope.RPCRequest, code int, message string) *envelope.RPCResponse {
	return &envelope.RPCResponse{
		JSONRPC: envelope.JSONRPCVersion,
		ID:      req.ID,
		Error:   &envelope.RPCError{Code: code, Message: message},
	}
}
