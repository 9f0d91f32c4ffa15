package tally

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestKinds_ReferenceKnownParents(t *testing.T) {
	for et, k := range kinds {
		if k.Type != et {
			t.Errorf("kinds[%q].Type = %q", et, k.Type)
		}
		if k.Table == "" || k.RemoteTable == "" {
			t.Errorf("kinds[%q] missing table names", et)
		}
		for _, r := range k.Refs {
			if _, ok := kinds[r.Parent]; !ok {
				t.Errorf("kinds[%q] ref %s points at unknown %q", et, r.Field, r.Parent)
			}
		}
	}
	if !kinds[EntitySaleLine].AdjustsInventory {
		t.Error("sale lines must adjust inventory")
	}
}

func TestKindOf_Unknown(t *testing.T) {
	if _, err := kindOf("order"); !errors.Is(err, ErrInvalidEntityType) {
		t.Errorf("kindOf() error = %v, want ErrInvalidEntityType", err)
	}
	if _, err := kindForTable("sync_queue"); !errors.Is(err, ErrInvalidTable) {
		t.Errorf("kindForTable() error = %v, want ErrInvalidTable", err)
	}
}

func TestToFields_DecodeFields_KeepsMoneyExact(t *testing.T) {
	line := SaleLine{
		SaleID:    "s1",
		ProductID: "p1",
		Quantity:  3,
		UnitPrice: decimal.RequireFromString("19.99"),
	}

	f, err := ToFields(line)
	if err != nil {
		t.Fatalf("ToFields failed: %v", err)
	}
	if f.String("unit_price") != "19.99" {
		t.Errorf("unit_price = %v, want string 19.99", f["unit_price"])
	}

	got, err := DecodeFields[SaleLine](f)
	if err != nil {
		t.Fatalf("DecodeFields failed: %v", err)
	}
	if !got.UnitPrice.Equal(line.UnitPrice) || got.Quantity != 3 {
		t.Errorf("decoded = %+v, want %+v", got, line)
	}
	if want := decimal.RequireFromString("59.97"); !got.Subtotal().Equal(want) {
		t.Errorf("Subtotal() = %s, want %s", got.Subtotal(), want)
	}
}

func TestAsInt64(t *testing.T) {
	tests := []struct {
		name    string
		in      any
		want    int64
		wantErr bool
	}{
		{"nil", nil, 0, false},
		{"int", 4, 4, false},
		{"int64", int64(9), 9, false},
		{"whole float", 3.0, 3, false},
		{"fraction", 2.5, 0, true},
		{"json int", json.Number("12"), 12, false},
		{"json float", json.Number("7.0"), 7, false},
		{"string", "15", 15, false},
		{"empty string", "", 0, false},
		{"bad string", "ten", 0, true},
		{"bool", true, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := asInt64(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("asInt64(%v) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("asInt64(%v) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}
