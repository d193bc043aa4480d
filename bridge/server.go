// Package bridge implements the stdio MCP server that a sandboxed agent
// spawns as its permission tool. Each tools/call is forwarded as one HTTP
// POST to the session endpoint and the decision is relayed back as text.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/smallnest/permgate/internal/logger"
	"github.com/smallnest/permgate/jsonrpc"
	"github.com/smallnest/permgate/permission"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	// ToolName is the single tool exposed by the bridge.
	ToolName = "permission_prompt"

	// ProtocolVersion is the MCP revision reported on initialize.
	ProtocolVersion = "2025-11-25"

	// MessageUnavailable is relayed whenever the session endpoint cannot produce a decision.
	MessageUnavailable = "Permission server unavailable"

	serverName    = "permgate-permission-prompt"
	serverVersion = "1.0.0"
)

// Options 桥接服务器配置
type Options struct {
	Port        int
	SessionID   string
	Host        string
	Client      *http.Client
	MaxBodySize int
}

// Server 桥接服务器
type Server struct {
	opts     Options
	endpoint string
	client   *http.Client
	out      *jsonrpc.StdioWriter
	in       *jsonrpc.StdioReader
	wg       sync.WaitGroup
}

// NewServer 创建桥接服务器
func NewServer(opts Options, in io.Reader, out io.Writer) *Server {
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	client := opts.Client
	if client == nil {
		// no client timeout: a prompt may legitimately wait for minutes
		client = &http.Client{}
	}
	return &Server{
		opts:     opts,
		endpoint: fmt.Sprintf("http://%s:%d%s", opts.Host, opts.Port, permission.PromptPath),
		client:   client,
		out:      jsonrpc.NewStdioWriter(out),
		in:       jsonrpc.NewStdioReader(in, opts.MaxBodySize),
	}
}

// Serve reads messages until input ends or ctx is cancelled, then waits for
// in-flight tool calls to write their responses.
func (s *Server) Serve(ctx context.Context) error {
	defer s.wg.Wait()

	logger.Info("Permission bridge started",
		zap.Int("port", s.opts.Port),
		zap.String("session_id", s.opts.SessionID))

	for {
		if ctx.Err() != nil {
			return nil
		}
		data, err := s.in.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Info("Permission bridge input closed")
				return nil
			}
			return fmt.Errorf("read stdin: %w", err)
		}
		framed := s.in.Framed()

		req, err := jsonrpc.ParseRequest(data)
		if err != nil {
			logger.Warn("Failed to parse JSON-RPC message", zap.Error(err))
			continue
		}
		s.handle(ctx, req, framed)
	}
}

func (s *Server) handle(ctx context.Context, req *jsonrpc.Request, framed bool) {
	switch req.Method {
	case "initialize":
		s.reply(jsonrpc.NewSuccessResponse(req.ID, map[string]interface{}{
			"protocolVersion": ProtocolVersion,
			"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
			"serverInfo":      map[string]interface{}{"name": serverName, "version": serverVersion},
		}), framed)

	case "notifications/initialized":
		// 通知无需响应

	case "ping":
		s.reply(jsonrpc.NewSuccessResponse(req.ID, map[string]interface{}{}), framed)

	case "tools/list":
		s.reply(jsonrpc.NewSuccessResponse(req.ID, map[string]interface{}{
			"tools": []interface{}{toolDefinition()},
		}), framed)

	case "tools/call":
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.reply(s.callTool(ctx, req), framed)
		}()

	default:
		if !req.IsNotification() {
			s.reply(jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorMethodNotFound, "Method not found: "+req.Method), framed)
		}
	}
}

// callRequest reads tools/call params leniently: missing or mistyped
// arguments are coerced or defaulted so that the call still reaches the broker.
func callRequest(params json.RawMessage) (string, permission.Request) {
	name := gjson.GetBytes(params, "name").String()
	args := gjson.GetBytes(params, "arguments")

	body := permission.Request{
		ToolUseID: args.Get("tool_use_id").String(),
		ToolName:  args.Get("tool_name").String(),
	}
	if strings.TrimSpace(body.ToolName) == "" {
		body.ToolName = "unknown"
	}
	if input := args.Get("input"); input.Exists() && input.Type != gjson.Null {
		body.Input = json.RawMessage(input.Raw)
	} else {
		body.Input = json.RawMessage("{}")
	}
	return name, body
}

func (s *Server) callTool(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	name, body := callRequest(req.Params)
	if name != ToolName {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorMethodNotFound, "Unknown tool: "+name)
	}

	text, err := s.askBroker(ctx, body)
	if err != nil {
		logger.Warn("Permission request failed, denying",
			zap.String("tool_name", body.ToolName),
			zap.String("tool_use_id", body.ToolUseID),
			zap.Error(err))
		text = unavailableText()
	}

	return jsonrpc.NewSuccessResponse(req.ID, map[string]interface{}{
		"content": []interface{}{
			map[string]interface{}{"type": "text", "text": text},
		},
	})
}

func (s *Server) reply(v interface{}, framed bool) {
	if err := s.out.Write(v, framed); err != nil {
		logger.Error("Failed to write response", zap.Error(err))
	}
}

func toolDefinition() map[string]interface{} {
	return map[string]interface{}{
		"name":        ToolName,
		"description": "Handle permission requests from the agent. Returns whether the user allowed or denied the action.",
		"inputSchema": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"tool_use_id": map[string]interface{}{
					"type":        "string",
					"description": "Unique identifier for this tool invocation",
				},
				"tool_name": map[string]interface{}{
					"type":        "string",
					"description": "The name of the tool requesting permission",
				},
				"input": map[string]interface{}{
					"description": "The input parameters for the tool",
				},
			},
			"required": []string{"tool_use_id", "tool_name", "input"},
		},
	}
}

func unavailableText() string {
	out, _ := json.Marshal(permission.Deny(MessageUnavailable))
	return string(out)
}
