package mcpskill

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/builderjer/ovos-core/pkg/skill"
)

// Server hosts a skill over MCP.
type Server struct {
	server *mcp.Server
	reg    skill.Registration
}

// NewServer creates a Server for reg.
func NewServer(reg skill.Registration, version string) *Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    reg.SkillID,
		Version: version,
	}, nil)

	s := &Server{server: server, reg: reg}

	server.AddTool(&mcp.Tool{
		Name:        ToolDescribe,
		Description: "Describe the skill: id, intents and capabilities.",
		InputSchema: objectSchema,
	}, toolHandler(s.describe))
	server.AddTool(&mcp.Tool{
		Name:        ToolScore,
		Description: "Score how well the skill understands an utterance.",
		InputSchema: invokeSchema,
	}, toolHandler(s.score))
	server.AddTool(&mcp.Tool{
		Name:        ToolHandle,
		Description: "Handle a matched utterance.",
		InputSchema: invokeSchema,
	}, toolHandler(s.handle))
	server.AddTool(&mcp.Tool{
		Name:        ToolConverse,
		Description: "Offer a follow-up utterance to the active skill.",
		InputSchema: invokeSchema,
	}, toolHandler(s.converse))

	return s
}

// Serve reads requests from in and writes responses to out until ctx is
// cancelled or the transport closes.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	transport := &mcp.IOTransport{
		Reader: io.NopCloser(in),
		Writer: nopWriteCloser{out},
	}

	return s.Run(ctx, transport)
}

// Run serves over transport.
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	return s.server.Run(ctx, transport)
}

func (s *Server) describe(context.Context, json.RawMessage) (any, error) {
	return description{
		SkillID:          s.reg.SkillID,
		Name:             s.reg.Name,
		Intents:          s.reg.Intents,
		ConverseCapable:  s.reg.ConverseCapable,
		FallbackPriority: s.reg.FallbackPriority,
		Priority:         s.reg.Priority,
	}, nil
}

func (s *Server) score(ctx context.Context, raw json.RawMessage) (any, error) {
	args, err := decodeArgs(raw)
	if err != nil {
		return nil, err
	}
	return s.reg.Skill.Score(ctx, args.Utterance)
}

func (s *Server) handle(ctx context.Context, raw json.RawMessage) (any, error) {
	args, err := decodeArgs(raw)
	if err != nil {
		return nil, err
	}
	var (
		sc skill.Context
		m  skill.Match
	)
	if args.Session != nil {
		sc = *args.Session
	}
	if args.Match != nil {
		m = *args.Match
	}
	return s.reg.Skill.Handle(ctx, args.Utterance, sc, m)
}

func (s *Server) converse(ctx context.Context, raw json.RawMessage) (any, error) {
	args, err := decodeArgs(raw)
	if err != nil {
		return nil, err
	}
	var sc skill.Context
	if args.Session != nil {
		sc = *args.Session
	}
	return s.reg.Skill.Converse(ctx, args.Utterance, sc)
}

func decodeArgs(raw json.RawMessage) (invokeArgs, error) {
	var args invokeArgs
	if len(raw) == 0 {
		return args, fmt.Errorf("missing arguments")
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return args, fmt.Errorf("invalid arguments: %w", err)
	}
	return args, nil
}

// toolHandler adapts fn to an SDK handler. Results are returned as JSON
// text; errors and panics become tool errors.
func toolHandler(fn func(context.Context, json.RawMessage) (any, error)) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (res *mcp.CallToolResult, _ error) {
		defer func() {
			if r := recover(); r != nil {
				res = errorResult(fmt.Sprintf("skill panicked: %v", r))
			}
		}()

		out, err := fn(ctx, req.Params.Arguments)
		if err != nil {
			return errorResult(err.Error()), nil
		}

		data, err := json.Marshal(out)
		if err != nil {
			return errorResult(err.Error()), nil
		}

		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	}
}

func errorResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: true,
	}
}

// nopWriteCloser wraps an io.Writer as an io.WriteCloser with a no-op Close.
type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
