package order

import "testing"

func TestSymbolConstraintsValidate(t *testing.T) {
	c := SymbolConstraints{
		MinQty:      d("0.001"),
		MaxQty:      d("10"),
		MinNotional: d("5"),
	}
	if err := c.Validate(d("100.01"), d("0.1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.Validate(d("100.01"), d("0.0005")); err == nil {
		t.Fatalf("expected min qty error")
	}
	if err := c.Validate(d("100.01"), d("11")); err == nil {
		t.Fatalf("expected max qty error")
	}
	if err := c.Validate(d("10"), d("0.2")); err == nil {
		t.Fatalf("expected notional error")
	}
	if err := (SymbolConstraints{}).Validate(d("0.0001"), d("0.0001")); err != nil {
		t.Fatalf("zero constraints must not reject: %v", err)
	}
}
