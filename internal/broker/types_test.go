package broker

import "testing"

func TestParseFillPayloadSuccessValues(t *testing.T) {
	tests := []struct {
		name    string
		success interface{}
		want    bool
	}{
		{"bool true", true, true},
		{"int one", 1, true},
		{"float one", float64(1), true},
		{"string true", "true", true},
		{"string yes", "yes", true},
		{"string TRUE", "TRUE", true},
		{"string yes padded", " yes ", true},
		{"bool false", false, false},
		{"int zero", 0, false},
		{"int two", 2, false},
		{"string one", "1", false},
		{"string ok", "ok", false},
		{"string no", "no", false},
		{"nil", nil, false},
		{"missing", struct{}{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ParseFillPayload(map[string]interface{}{"success": tt.success})
			if result.Success != tt.want {
				t.Errorf("success %v parsed as %v, want %v", tt.success, result.Success, tt.want)
			}
		})
	}
}

func TestParseFillPayloadExitPrice(t *testing.T) {
	result := ParseFillPayload(map[string]interface{}{
		"success":    true,
		"order_id":   "ord-9",
		"exit_price": 102.5,
	})
	if result.OrderID != "ord-9" {
		t.Errorf("order_id = %s", result.OrderID)
	}
	if result.ExitPrice == nil || *result.ExitPrice != 102.5 {
		t.Errorf("exit_price = %v, want 102.5", result.ExitPrice)
	}

	noPrice := ParseFillPayload(map[string]interface{}{"success": true})
	if noPrice.ExitPrice != nil {
		t.Error("absent exit price must stay nil")
	}

	zeroPrice := ParseFillPayload(map[string]interface{}{"success": true, "exit_price": 0.0})
	if zeroPrice.ExitPrice != nil {
		t.Error("zero exit price must stay nil")
	}
}

func TestParseFillPayloadNil(t *testing.T) {
	result := ParseFillPayload(nil)
	if result.Success {
		t.Error("nil payload must parse as failure")
	}
}
