package models

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestTaskHeadersValue(t *testing.T) {
	headers := TaskHeaders{
		"Referer":    "http://host/",
		"User-Agent": "hlsmux",
	}

	value, err := headers.Value()
	if err != nil {
		t.Fatalf("Failed to get value: %v", err)
	}

	var result map[string]string
	if err := json.Unmarshal(value.([]byte), &result); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}

	if result["Referer"] != "http://host/" {
		t.Errorf("Expected Referer=http://host/, got %v", result["Referer"])
	}
}

func TestTaskHeadersValueNil(t *testing.T) {
	var headers TaskHeaders

	value, err := headers.Value()
	if err != nil {
		t.Fatalf("Failed to get value: %v", err)
	}

	if string(value.([]byte)) != "{}" {
		t.Errorf("Expected {}, got %s", value)
	}
}

func TestTaskHeadersScan(t *testing.T) {
	var headers TaskHeaders
	if err := headers.Scan([]byte(`{"Cookie":"a=b"}`)); err != nil {
		t.Fatalf("Failed to scan: %v", err)
	}

	if headers["Cookie"] != "a=b" {
		t.Errorf("Expected Cookie=a=b, got %v", headers["Cookie"])
	}

	var fromString TaskHeaders
	if err := fromString.Scan(`{"X":"1"}`); err != nil {
		t.Fatalf("Failed to scan string: %v", err)
	}
	if fromString["X"] != "1" {
		t.Errorf("Expected X=1, got %v", fromString["X"])
	}
}

func TestTaskHeadersScanNil(t *testing.T) {
	var headers TaskHeaders
	if err := headers.Scan(nil); err != nil {
		t.Fatalf("Failed to scan nil: %v", err)
	}

	if len(headers) != 0 {
		t.Error("Expected empty headers after scanning nil")
	}
}

func TestTaskProgress(t *testing.T) {
	task := &Task{Total: 20, Completed: 9, Failed: 11}
	if task.Progress() != 1.0 {
		t.Errorf("Expected progress 1.0, got %f", task.Progress())
	}

	empty := &Task{}
	if empty.Progress() != 0 {
		t.Errorf("Expected progress 0, got %f", empty.Progress())
	}
}

func TestIsFinished(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{TaskStatusPending, false},
		{TaskStatusQueued, false},
		{TaskStatusRunning, false},
		{TaskStatusCompleted, true},
		{TaskStatusFailed, true},
		{TaskStatusStopped, true},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			if got := IsFinished(tt.status); got != tt.want {
				t.Errorf("IsFinished(%q) = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestDeriveIV(t *testing.T) {
	iv := DeriveIV(5)
	want := []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 5}
	if !bytes.Equal(iv, want) {
		t.Errorf("DeriveIV(5) = %x, want %x", iv, want)
	}

	iv = DeriveIV(0x01020304)
	if !bytes.Equal(iv[12:], []byte{1, 2, 3, 4}) {
		t.Errorf("Expected big-endian sequence in last 4 bytes, got %x", iv)
	}
}

func TestEncryptionKeyIVFor(t *testing.T) {
	explicit := make([]byte, KeySize)
	explicit[0] = 0xAA

	key := &EncryptionKey{Method: EncryptionMethodAES128, URI: "k", IV: explicit}
	iv, err := key.IVFor(7)
	if err != nil {
		t.Fatalf("IVFor failed: %v", err)
	}
	if !bytes.Equal(iv, explicit) {
		t.Errorf("Expected explicit IV, got %x", iv)
	}

	bad := &EncryptionKey{Method: EncryptionMethodAES128, URI: "k", IV: []byte{1, 2, 3}}
	if _, err := bad.IVFor(7); err == nil {
		t.Error("Expected error for short IV")
	}

	derived := &EncryptionKey{Method: EncryptionMethodAES128, URI: "k"}
	iv, err = derived.IVFor(7)
	if err != nil {
		t.Fatalf("IVFor failed: %v", err)
	}
	if !bytes.Equal(iv, DeriveIV(7)) {
		t.Errorf("Expected derived IV, got %x", iv)
	}
}

func TestSegmentEncrypted(t *testing.T) {
	plain := Segment{}
	if plain.Encrypted() {
		t.Error("Expected segment without key to be unencrypted")
	}

	none := Segment{Key: &EncryptionKey{Method: EncryptionMethodNone}}
	if none.Encrypted() {
		t.Error("Expected METHOD=NONE to be unencrypted")
	}

	keyed := Segment{Key: &EncryptionKey{Method: EncryptionMethodAES128, URI: "k"}}
	if !keyed.Encrypted() {
		t.Error("Expected keyed segment to be encrypted")
	}
}

func TestTaskStatusConstants(t *testing.T) {
	statuses := []string{
		TaskStatusPending,
		TaskStatusQueued,
		TaskStatusRunning,
		TaskStatusCompleted,
		TaskStatusFailed,
		TaskStatusStopped,
	}

	for _, status := range statuses {
		if status == "" {
			t.Error("Task status constant is empty")
		}
	}
}
