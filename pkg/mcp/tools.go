package mcp

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
	"github.com/mark3labs/mcp-go/mcp"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	errors "gitlab.com/tozd/go/errors"
)

// Param is one string argument of a tool.
type Param struct {
	Name        string
	Description string
	Required    bool
}

var (
	vmParam       = Param{Name: "vm", Description: "name of the virtual machine", Required: true}
	snapshotParam = Param{Name: "snapshot", Description: "name of the snapshot", Required: true}
)

// ToolSchema builds the input schema of a tool whose arguments are all
// strings. Properties keep the order they are given in.
func ToolSchema(name, description string, params ...Param) *jsonschema.Schema {
	sch := &jsonschema.Schema{
		Title:       name + "Params",
		Description: description,
		Required:    []string{},
		Type:        "object",
		Properties:  orderedmap.New[string, *jsonschema.Schema](),
	}

	for _, p := range params {
		sch.Properties.Set(p.Name, &jsonschema.Schema{Type: "string", Description: p.Description})
		if p.Required {
			sch.Required = append(sch.Required, p.Name)
		}
	}
	return sch
}

func newTool(name, description string, params ...Param) (mcp.Tool, error) {
	raw, err := json.Marshal(ToolSchema(name, description, params...))
	if err != nil {
		return mcp.Tool{}, errors.Errorf("marshalling %s schema: %w", name, err)
	}
	return mcp.NewToolWithRawSchema(name, description, raw), nil
}

func stringArg(req mcp.CallToolRequest, name string) (string, error) {
	v, ok := req.Params.Arguments[name]
	if !ok {
		return "", errors.Errorf("%w: missing argument %q", ErrBadArguments, name)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", errors.Errorf("%w: argument %q must be a non-empty string", ErrBadArguments, name)
	}
	return s, nil
}
