package engine

import (
	"encoding/json"
	"testing"
)

func decodeErrorEnvelope(t *testing.T, payload []byte) map[string]any {
	t.Helper()
	var out struct {
		Error map[string]any `json:"error"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if out.Error == nil {
		t.Fatalf("payload has no error object: %s", payload)
	}
	return out.Error
}

func TestBlockedPayloadEnvelope(t *testing.T) {
	errObj := decodeErrorEnvelope(t, blockedPayload("2026-08-01T12:00:00Z", 30))
	if errObj["type"] != "ip_blocked" {
		t.Fatalf("type = %v, want ip_blocked", errObj["type"])
	}
	if errObj["message"] == "" || errObj["message"] == nil {
		t.Fatalf("message should not be empty")
	}
	if errObj["unblock_at"] != "2026-08-01T12:00:00Z" {
		t.Fatalf("unblock_at = %v", errObj["unblock_at"])
	}
	if errObj["remaining_minutes"].(float64) != 30 {
		t.Fatalf("remaining_minutes = %v, want 30", errObj["remaining_minutes"])
	}
}

func TestServiceUnavailablePayloadEnvelope(t *testing.T) {
	errObj := decodeErrorEnvelope(t, serviceUnavailablePayload("no usable credentials"))
	if errObj["type"] != "service_unavailable" {
		t.Fatalf("type = %v, want service_unavailable", errObj["type"])
	}
	if errObj["message"] != "no usable credentials" {
		t.Fatalf("message = %v", errObj["message"])
	}
	if errObj["reason"] != "no usable credentials" {
		t.Fatalf("reason = %v", errObj["reason"])
	}
}
