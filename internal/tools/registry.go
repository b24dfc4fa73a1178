package tools

import "encoding/json"

// TransferTool is the operator-transfer pseudo-tool. It is offered to the
// agent like any other tool but resolved by the pipeline itself, never sent
// downstream.
const TransferTool = "transfer_to_operator"

// Definition describes one tool the agent may call.
type Definition struct {
	Name        string
	Description string
	Parameters  json.RawMessage
	// Path is the downstream endpoint, empty for pipeline-local tools.
	Path string
	// Mutating marks calls that must carry an idempotency token.
	Mutating bool
}

// Local reports whether the tool is resolved inside the pipeline.
func (d Definition) Local() bool { return d.Path == "" }

// Catalog is the tool set offered on every agent turn.
var Catalog = []Definition{
	{
		Name:        "check_order_status",
		Description: "Look up the current status of a customer's order by order number.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"order_number": {"type": "string", "description": "The order number, e.g. A-10234"}
			},
			"required": ["order_number"]
		}`),
		Path: "/tools/check_order_status",
	},
	{
		Name:        "search_products",
		Description: "Search the product catalog by free-text query.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "What the caller is looking for"},
				"limit": {"type": "integer", "description": "Maximum results, default 5"}
			},
			"required": ["query"]
		}`),
		Path: "/tools/search_products",
	},
	{
		Name:        "create_order",
		Description: "Create a new order for the caller. Confirm the items and quantities with the caller first.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"items": {
					"type": "array",
					"items": {
						"type": "object",
						"properties": {
							"sku": {"type": "string"},
							"quantity": {"type": "integer"}
						},
						"required": ["sku", "quantity"]
					}
				}
			},
			"required": ["items"]
		}`),
		Path:     "/tools/create_order",
		Mutating: true,
	},
	{
		Name:        TransferTool,
		Description: "Transfer the caller to a human operator. Use when the caller asks for a person or the request cannot be handled.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"reason": {"type": "string", "description": "Short summary of why the caller is being transferred"}
			},
			"required": ["reason"]
		}`),
	},
}

// Lookup finds a tool definition by name.
func Lookup(name string) (Definition, bool) {
	for _, d := range Catalog {
		if d.Name == name {
			return d, true
		}
	}
	return Definition{}, false
}
