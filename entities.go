package tally

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/shopspring/decimal"
)

// ref is a business field holding the id of a parent entity.
type ref struct {
	Field  string
	Parent EntityType
}

// kind describes how one entity type is cached and synced.
type kind struct {
	Type        EntityType
	Table       string
	RemoteTable string
	Refs        []ref

	// AdjustsInventory marks kinds whose create decrements remote stock.
	AdjustsInventory bool
}

var kinds = map[EntityType]kind{
	EntitySale: {
		Type:        EntitySale,
		Table:       "sales",
		RemoteTable: "sales",
		Refs:        []ref{{Field: "customer_id", Parent: EntityCustomer}},
	},
	EntitySaleLine: {
		Type:        EntitySaleLine,
		Table:       "sale_lines",
		RemoteTable: "sale_lines",
		Refs: []ref{
			{Field: "sale_id", Parent: EntitySale},
			{Field: "product_id", Parent: EntityProduct},
		},
		AdjustsInventory: true,
	},
	EntityDebt: {
		Type:        EntityDebt,
		Table:       "debts",
		RemoteTable: "debts",
		Refs: []ref{
			{Field: "customer_id", Parent: EntityCustomer},
			{Field: "sale_id", Parent: EntitySale},
		},
	},
	EntityInventory: {
		Type:        EntityInventory,
		Table:       "inventory",
		RemoteTable: "inventory",
		Refs:        []ref{{Field: "product_id", Parent: EntityProduct}},
	},
	EntityProduct: {
		Type:        EntityProduct,
		Table:       "products",
		RemoteTable: "products",
	},
	EntityCustomer: {
		Type:        EntityCustomer,
		Table:       "customers",
		RemoteTable: "customers",
	},
}

func kindOf(t EntityType) (kind, error) {
	k, ok := kinds[t]
	if !ok {
		return kind{}, fmt.Errorf("%w: %q", ErrInvalidEntityType, t)
	}
	return k, nil
}

func kindForTable(table string) (kind, error) {
	for _, t := range EntityTypes() {
		if k := kinds[t]; k.Table == table {
			return k, nil
		}
	}
	return kind{}, fmt.Errorf("%w: %q", ErrInvalidTable, table)
}

// Table returns the local cache table for the entity type.
func (t EntityType) Table() string {
	return kinds[t].Table
}

// Sale is the header of one checkout.
type Sale struct {
	Number        string          `json:"number,omitempty"`
	CustomerID    string          `json:"customer_id,omitempty"`
	Total         decimal.Decimal `json:"total"`
	PaymentMethod string          `json:"payment_method,omitempty"`
	Note          string          `json:"note,omitempty"`
}

// SaleLine is one product line of a sale.
type SaleLine struct {
	SaleID    string          `json:"sale_id"`
	ProductID string          `json:"product_id"`
	Quantity  int64           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Subtotal returns quantity times unit price.
func (l SaleLine) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(l.Quantity))
}

// Debt is an amount owed by a customer, optionally tied to a sale.
type Debt struct {
	CustomerID string          `json:"customer_id"`
	SaleID     string          `json:"sale_id,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	DueDate    string          `json:"due_date,omitempty"`
	Settled    bool            `json:"settled"`
	Note       string          `json:"note,omitempty"`
}

// InventoryRecord is the stock level of one product.
type InventoryRecord struct {
	ProductID    string `json:"product_id"`
	AvailableQty int64  `json:"available_qty"`
	QuantitySold int64  `json:"quantity_sold"`

	// LastSaleLineRef is the client ref of the last sale line counted.
	LastSaleLineRef string `json:"last_sale_line_ref,omitempty"`
}

// Product is a sellable item.
type Product struct {
	Name     string          `json:"name"`
	SKU      string          `json:"sku,omitempty"`
	Price    decimal.Decimal `json:"price"`
	Category string          `json:"category,omitempty"`
}

// Customer is a buyer who may carry debts.
type Customer struct {
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// ToFields converts a typed payload into cacheable fields.
func ToFields(v any) (Fields, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode fields: %w", err)
	}
	return decodeFields(data)
}

// DecodeFields converts cached fields back into a typed payload.
func DecodeFields[T any](f Fields) (T, error) {
	var out T
	data, err := json.Marshal(f)
	if err != nil {
		return out, fmt.Errorf("decode fields: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode fields: %w", err)
	}
	return out, nil
}

func decodeFields(data []byte) (Fields, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Fields{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var f Fields
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	if f == nil {
		f = Fields{}
	}
	return f, nil
}

// asInt64 reads a whole-number quantity from a JSON or SQL value.
func asInt64(v any) (int64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("quantity %v is not a whole number", x)
		}
		return int64(x), nil
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, nil
		}
		f, err := x.Float64()
		if err != nil {
			return 0, fmt.Errorf("quantity %q: %w", x, err)
		}
		return asInt64(f)
	case string:
		if x == "" {
			return 0, nil
		}
		n, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("quantity %q: %w", x, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("quantity has unsupported type %T", v)
	}
}
