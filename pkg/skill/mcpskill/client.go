package mcpskill

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/builderjer/ovos-core/pkg/dispatch"
	"github.com/builderjer/ovos-core/pkg/skill"
	"github.com/builderjer/ovos-core/pkg/utterance"
)

// Client is a skill.Skill served by an MCP server.
type Client struct {
	client  *mcp.Client
	session *mcp.ClientSession
	name    string
}

var _ skill.Skill = (*Client)(nil)

// New spawns an MCP server process and returns a connected client.
func New(ctx context.Context, command string, args ...string) (*Client, error) {
	transport := &mcp.CommandTransport{
		Command: exec.Command(command, args...), //nolint:gosec // command comes from configuration
	}

	return Connect(ctx, command, transport)
}

// NewSSE connects to an SSE-based MCP server at url.
func NewSSE(ctx context.Context, url string) (*Client, error) {
	return Connect(ctx, url, &mcp.SSEClientTransport{Endpoint: url})
}

// NewStreamable connects to a streamable HTTP MCP server at url.
func NewStreamable(ctx context.Context, url string) (*Client, error) {
	return Connect(ctx, url, &mcp.StreamableClientTransport{Endpoint: url})
}

// Connect creates a Client over transport. name identifies the server in
// errors.
func Connect(ctx context.Context, name string, transport mcp.Transport) (*Client, error) {
	client := mcp.NewClient(&mcp.Implementation{
		Name:    "ovos-core",
		Version: "0.1.0",
	}, nil)

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("mcpskill: connect %s: %w", name, err)
	}

	return &Client{client: client, session: session, name: name}, nil
}

// Registration asks the server to describe its skill.
func (c *Client) Registration(ctx context.Context) (skill.Registration, error) {
	var d description
	if err := c.call(ctx, ToolDescribe, struct{}{}, &d); err != nil {
		return skill.Registration{}, err
	}

	return skill.Registration{
		SkillID:          d.SkillID,
		Name:             d.Name,
		Intents:          d.Intents,
		ConverseCapable:  d.ConverseCapable,
		FallbackPriority: d.FallbackPriority,
		Priority:         d.Priority,
		Persistent:       true,
		Skill:            c,
	}, nil
}

func (c *Client) Score(ctx context.Context, u utterance.Utterance) (skill.Match, error) {
	var m skill.Match
	err := c.call(ctx, ToolScore, invokeArgs{Utterance: u}, &m)
	return m, err
}

func (c *Client) Handle(ctx context.Context, u utterance.Utterance, sc skill.Context, m skill.Match) (skill.Response, error) {
	var r skill.Response
	err := c.call(ctx, ToolHandle, invokeArgs{Utterance: u, Session: &sc, Match: &m}, &r)
	return r, err
}

func (c *Client) Converse(ctx context.Context, u utterance.Utterance, sc skill.Context) (skill.Response, error) {
	var r skill.Response
	err := c.call(ctx, ToolConverse, invokeArgs{Utterance: u, Session: &sc}, &r)
	return r, err
}

// Close terminates the session. For command transports the SDK also stops
// the server process.
func (c *Client) Close() error {
	return c.session.Close()
}

// call invokes a tool and decodes its JSON text result into out. Failures to
// reach the server are transport errors; a tool reporting an error is the
// skill's fault.
func (c *Client) call(ctx context.Context, tool string, args, out any) error {
	result, err := c.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      tool,
		Arguments: args,
	})
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("mcpskill: %s: %w", tool, ctx.Err())
		}
		return &dispatch.TransportError{Topic: c.name + "/" + tool, Err: err}
	}

	text := extractText(result)
	if result.IsError {
		return fmt.Errorf("mcpskill: %s: tool error: %s", tool, text)
	}

	if err := json.Unmarshal([]byte(text), out); err != nil {
		return fmt.Errorf("mcpskill: %s: decode result: %w", tool, err)
	}

	return nil
}

// extractText joins all TextContent items of a result with newlines.
func extractText(result *mcp.CallToolResult) string {
	var texts []string
	for _, item := range result.Content {
		if tc, ok := item.(*mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}

	return strings.Join(texts, "\n")
}
