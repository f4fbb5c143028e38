package kit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Decoder extracts the Endpoint request from raw tool arguments.
type Decoder func(*mcp.CallToolRequest) (any, error)

// JSONArgs returns a Decoder that unmarshals the arguments into a fresh *T
// and runs check on it when check is non-nil. Missing arguments decode to
// the zero T.
func JSONArgs[T any](check func(*T) error) Decoder {
	return func(req *mcp.CallToolRequest) (any, error) {
		v := new(T)
		if raw := req.Params.Arguments; len(raw) > 0 {
			if err := json.Unmarshal(raw, v); err != nil {
				return nil, err
			}
		}
		if check != nil {
			if err := check(v); err != nil {
				return nil, err
			}
		}
		return v, nil
	}
}

// RegisterMCPTool exposes endpoint as a tool on srv. The endpoint sees
// transport "mcp" in its context. Decode and endpoint failures become tool
// errors, so the session stays usable.
func RegisterMCPTool(srv *mcp.Server, tool *mcp.Tool, endpoint Endpoint, decode Decoder) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		in, err := decode(req)
		if err != nil {
			return toolError(fmt.Errorf("invalid arguments: %w", err)), nil
		}
		out, err := endpoint(WithTransport(ctx, "mcp"), in)
		if err != nil {
			return toolError(err), nil
		}
		data, err := json.Marshal(out)
		if err != nil {
			return toolError(fmt.Errorf("marshal: %w", err)), nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}

func toolError(err error) *mcp.CallToolResult {
	var res mcp.CallToolResult
	res.SetError(err)
	return &res
}
