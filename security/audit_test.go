package security

import (
	"path/filepath"
	"testing"
)

func TestAuditLoggerPlaintextRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")

	logger, err := NewAuditLogger(path, nil)
	if err != nil {
		t.Fatalf("new audit logger: %v", err)
	}
	logger.Log(EventLoginSuccess, "ada", "10.0.0.1", map[string]interface{}{"method": "password"})
	logger.Log(EventAccessDenied, "grace", "10.0.0.2", nil)
	if err := logger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	events, err := ReadEvents(path, nil)
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != EventLoginSuccess || events[0].User != "ada" {
		t.Errorf("unexpected first event: %+v", events[0])
	}
	if events[1].Type != EventAccessDenied || events[1].User != "grace" {
		t.Errorf("unexpected second event: %+v", events[1])
	}
}

func TestAuditLoggerEncryptedRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")

	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	logger, err := NewAuditLogger(path, key)
	if err != nil {
		t.Fatalf("new audit logger: %v", err)
	}
	logger.Log(EventUserCreated, "root", "127.0.0.1", map[string]interface{}{"username": "ada"})
	if err := logger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	events, err := ReadEvents(path, key)
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	if len(events) != 1 || events[0].Type != EventUserCreated {
		t.Fatalf("unexpected events: %+v", events)
	}

	if _, err := ReadEvents(path, nil); err == nil {
		t.Error("expected reading an encrypted log without a key to fail")
	}

	wrongKey, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if _, err := ReadEvents(path, wrongKey); err == nil {
		t.Error("expected reading an encrypted log with the wrong key to fail")
	}
}
