package protocol

import (
	"errors"
	"testing"
	"time"

	"depot-go/internal/depot"
)

func TestDecodePayload(t *testing.T) {
	now := time.Now()

	t.Run("download info", func(t *testing.T) {
		info := DownloadInfo{
			ItemID:     "game-1",
			Title:      "Game One",
			FileID:     "f1",
			ChunkCount: 2,
			Chunks: []ChunkRef{
				{Index: 0, ID: "f1_0", Size: 4, URL: "http://blob/f1_0", Hash: "abc"},
				{Index: 1, ID: "f1_1", Size: 2, URL: "http://blob/f1_1"},
			},
			TotalSize: 6,
		}
		m, err := NewPayload(TypeDownloadInfo, info, ServerSender, now)
		if err != nil {
			t.Fatalf("NewPayload() error = %v", err)
		}

		got, err := DecodeAs[DownloadInfo](m)
		if err != nil {
			t.Fatalf("DecodeAs() error = %v", err)
		}
		if got.Title != "Game One" || len(got.Chunks) != 2 || got.Chunks[1].URL != "http://blob/f1_1" {
			t.Errorf("DecodeAs() = %+v", got)
		}
	})

	t.Run("registry picks the type by message type", func(t *testing.T) {
		m := New(TypeError, `{"message":"no such item"}`, ServerSender, now)
		v, err := DecodePayload(m)
		if err != nil {
			t.Fatalf("DecodePayload() error = %v", err)
		}
		e, ok := v.(*ErrorResponse)
		if !ok {
			t.Fatalf("DecodePayload() = %T, want *ErrorResponse", v)
		}
		if e.Error() != "no such item" {
			t.Errorf("Message = %q", e.Message)
		}
	})

	t.Run("plain text types have no schema", func(t *testing.T) {
		_, err := DecodePayload(New(TypeNotification, "maintenance", ServerSender, now))
		if !errors.Is(err, depot.ErrProtocol) {
			t.Errorf("DecodePayload() error = %v, want ErrProtocol", err)
		}
	})

	t.Run("wrong target type", func(t *testing.T) {
		m := New(TypeListResponse, `{"items":[]}`, ServerSender, now)
		if _, err := DecodeAs[DownloadInfo](m); !errors.Is(err, depot.ErrProtocol) {
			t.Errorf("DecodeAs() error = %v, want ErrProtocol", err)
		}
	})

	t.Run("malformed content", func(t *testing.T) {
		m := New(TypeAuth, `{"username":`, "alice", now)
		if _, err := DecodeAs[AuthRequest](m); !errors.Is(err, depot.ErrProtocol) {
			t.Errorf("DecodeAs() error = %v, want ErrProtocol", err)
		}
	})
}

func TestRegisterPayload(t *testing.T) {
	type notice struct {
		Level string `json:"level"`
	}
	RegisterPayload(TypeNotification, func() any { return &notice{} })
	t.Cleanup(func() {
		registryMu.Lock()
		delete(registry, TypeNotification)
		registryMu.Unlock()
	})

	got, err := DecodeAs[notice](New(TypeNotification, `{"level":"warn"}`, ServerSender, time.Now()))
	if err != nil {
		t.Fatalf("DecodeAs() error = %v", err)
	}
	if got.Level != "warn" {
		t.Errorf("Level = %q, want warn", got.Level)
	}
}
