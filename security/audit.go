package security

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// EventType defines the category of audit event.
type EventType string

const (
	EventLoginSuccess EventType = "LOGIN_SUCCESS"
	EventLoginFailure EventType = "LOGIN_FAILURE"
	EventUserCreated  EventType = "USER_CREATED"
	EventUserUpdated  EventType = "USER_UPDATED"
	EventUserDeleted  EventType = "USER_DELETED"
	EventAccessDenied EventType = "ACCESS_DENIED"
	EventSystemStart  EventType = "SYSTEM_START"
)

// AuditEvent represents a single loggable security event.
type AuditEvent struct {
	Timestamp time.Time              `json:"ts"`
	Type      EventType              `json:"type"`
	User      string                 `json:"user,omitempty"`
	RemoteIP  string                 `json:"ip,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// AuditLogger appends one line per event to a log file. When an encryption
// key is configured, each line's JSON payload is AES-GCM sealed and
// base64-encoded before being written, so the file at rest never holds
// plaintext audit detail.
type AuditLogger struct {
	file *os.File
	enc  *Encryptor
	mu   sync.Mutex
}

// NewAuditLogger creates a new logger writing to the specified path. If key
// is non-nil it must be KeySize bytes; every event written is then sealed
// with it before hitting disk.
func NewAuditLogger(path string, key []byte) (*AuditLogger, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	l := &AuditLogger{file: file}
	if key != nil {
		enc, err := NewEncryptor(key)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("audit log encryption key: %w", err)
		}
		l.enc = enc
	}
	return l, nil
}

// Log records an event.
func (l *AuditLogger) Log(evtType EventType, user, ip string, details map[string]interface{}) {
	if l.file == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	event := AuditEvent{
		Timestamp: time.Now().UTC(),
		Type:      evtType,
		User:      user,
		RemoteIP:  ip,
		Details:   details,
	}

	payload, err := json.Marshal(event)
	if err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL: Failed to encode audit log entry: %v\n", err)
		return
	}

	line := payload
	if l.enc != nil {
		sealed, err := l.enc.EncryptBlock(payload)
		if err != nil {
			fmt.Fprintf(os.Stderr, "CRITICAL: Failed to encrypt audit log entry: %v\n", err)
			return
		}
		line = []byte(base64.StdEncoding.EncodeToString(sealed))
	}

	if _, err := l.file.Write(append(line, '\n')); err != nil {
		// Fallback to stderr if audit log fails (critical)
		fmt.Fprintf(os.Stderr, "CRITICAL: Failed to write audit log: %v\n", err)
	}
}

// ReadEvents replays every event recorded at path, decrypting each line
// first if key is non-nil. key must match whatever key (or lack of one)
// the log was written with.
func ReadEvents(path string, key []byte) ([]AuditEvent, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer file.Close()

	var enc *Encryptor
	if key != nil {
		enc, err = NewEncryptor(key)
		if err != nil {
			return nil, fmt.Errorf("audit log decryption key: %w", err)
		}
	}

	var events []AuditEvent
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		payload := line
		if enc != nil {
			sealed, err := base64.StdEncoding.DecodeString(string(line))
			if err != nil {
				return nil, fmt.Errorf("decode audit log line: %w", err)
			}
			payload, err = enc.DecryptBlock(sealed)
			if err != nil {
				return nil, fmt.Errorf("decrypt audit log line: %w", err)
			}
		}

		var event AuditEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, fmt.Errorf("parse audit log line: %w", err)
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}
	return events, nil
}

// Close closes the log file.
func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// DiscardLogger returns a logger that writes nowhere (for testing/default).
func DiscardLogger() *AuditLogger {
	return &AuditLogger{file: nil}
}
