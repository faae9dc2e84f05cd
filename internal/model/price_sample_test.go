package model

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestPriceSampleJSONRoundTrip(t *testing.T) {
	original := PriceSample{
		ChainID:      1,
		Pool:         "0x109830a1aaad605bbf02a9dfa7b0b92ec2fb7daa",
		BlockNumber:  15000000,
		Timestamp:    1656000000,
		SqrtPriceX96: "82897293847261924873489753612",
		Tick:         912,
		Price:        "1.0955",
		Liquidity:    "1520000000000000000000",
		ObservedAt:   "2024-01-01T00:00:00Z",
	}

	b, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded PriceSample
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if !reflect.DeepEqual(original, decoded) {
		t.Fatalf("round-trip mismatch: %+v != %+v", original, decoded)
	}
}

func TestPlanRecordKeepsInstructions(t *testing.T) {
	record := PlanRecord{State: "balanced", Instructions: json.RawMessage(`[{"kind":"swap"}]`)}
	b, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var decoded PlanRecord
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if string(decoded.Instructions) != `[{"kind":"swap"}]` {
		t.Fatalf("instructions mismatch: %s", decoded.Instructions)
	}
}
