// Package mcp exposes the tally offline queue to MCP-compatible agents.
//
// Two entry points are offered:
//
// 1. Full MCP Server (server.go)
//    NewServer() serves every tally tool over stdio using mcp-go.
//
// 2. Registry Pattern (tools.go)
//    RegisterTools() hands a smaller tool set to a caller-provided
//    registry, for agent frameworks that already have MCP plumbing.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/hyperengineering/tally"
)

// Registry is an interface for MCP tool registration.
type Registry interface {
	Register(tool Tool)
}

// Tool represents an MCP tool definition.
type Tool struct {
	Name        string
	Description string
	Parameters  Schema
	Handler     Handler
}

// Schema defines the JSON schema for tool parameters.
type Schema map[string]ParameterDef

// ParameterDef defines a single parameter.
type ParameterDef struct {
	Type        string            `json:"type"`
	Description string            `json:"description,omitempty"`
	Required    bool              `json:"required,omitempty"`
	Default     interface{}       `json:"default,omitempty"`
	Items       map[string]string `json:"items,omitempty"`
	Enum        []string          `json:"enum,omitempty"`
}

// Handler is a function that handles tool invocations.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// RegisterTools registers the status, sync and record-sale tools with an MCP
// registry. Results are the client's own types, left for the registry to
// serialize.
func RegisterTools(registry Registry, client *tally.Client) {
	registry.Register(Tool{
		Name:        "tally_status",
		Description: "Show connectivity, pending and failed counts of the offline queue",
		Parameters:  Schema{},
		Handler:     makeStatusHandler(client),
	})

	registry.Register(Tool{
		Name:        "tally_sync",
		Description: "Run one sync pass of the offline queue now",
		Parameters:  Schema{},
		Handler:     makeSyncHandler(client),
	})

	registry.Register(Tool{
		Name:        "tally_record_sale",
		Description: "Record a sale with its lines offline",
		Parameters: Schema{
			"lines": {
				Type:        "array",
				Description: "Sale lines: objects with product_id, quantity and unit_price",
				Required:    true,
				Items:       map[string]string{"type": "object"},
			},
			"number": {
				Type:        "string",
				Description: "Receipt number",
			},
			"customer_id": {
				Type:        "string",
				Description: "Customer id or client ref",
			},
			"payment_method": {
				Type:        "string",
				Description: "Payment method",
				Enum:        []string{"cash", "card", "transfer", "credit"},
			},
		},
		Handler: makeRecordSaleHandler(client),
	})
}

func makeStatusHandler(client *tally.Client) Handler {
	return func(_ context.Context, _ json.RawMessage) (interface{}, error) {
		return client.Status(), nil
	}
}

func makeSyncHandler(client *tally.Client) Handler {
	return func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		return client.SyncAll(ctx)
	}
}

// recordSaleParams represents the parameters for tally_record_sale.
type recordSaleParams struct {
	Number        string `json:"number"`
	CustomerID    string `json:"customer_id"`
	PaymentMethod string `json:"payment_method"`
	Lines         []struct {
		ProductID string          `json:"product_id"`
		Quantity  int64           `json:"quantity"`
		UnitPrice decimal.Decimal `json:"unit_price"`
	} `json:"lines"`
}

func makeRecordSaleHandler(client *tally.Client) Handler {
	return func(ctx context.Context, rawParams json.RawMessage) (interface{}, error) {
		var params recordSaleParams
		if err := json.Unmarshal(rawParams, &params); err != nil {
			return nil, fmt.Errorf("parse params: %w", err)
		}
		if len(params.Lines) == 0 {
			return nil, fmt.Errorf("lines is required")
		}

		in := tally.SaleInput{
			Sale: tally.Sale{
				Number:        params.Number,
				CustomerID:    params.CustomerID,
				PaymentMethod: params.PaymentMethod,
			},
		}
		for _, l := range params.Lines {
			in.Lines = append(in.Lines, tally.SaleLine{
				ProductID: l.ProductID,
				Quantity:  l.Quantity,
				UnitPrice: l.UnitPrice,
			})
		}
		return client.RecordSale(ctx, in)
	}
}
