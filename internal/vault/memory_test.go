package vault

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"

	"depot-go/internal/depot"
)

func TestMemoryVault_Chunks(t *testing.T) {
	v := NewMemoryVault("test", "")

	if err := v.PutChunk("f_0", strings.NewReader("hello"), 5); err != nil {
		t.Fatalf("PutChunk() error = %v", err)
	}
	if err := v.PutChunk("f_1", strings.NewReader("short"), 10); err == nil {
		t.Error("PutChunk() expected size mismatch error")
	}

	var buf bytes.Buffer
	if err := v.GetChunk("f_0", &buf); err != nil {
		t.Fatalf("GetChunk() error = %v", err)
	}
	if buf.String() != "hello" {
		t.Errorf("GetChunk() = %q, want %q", buf.String(), "hello")
	}

	if err := v.GetChunk("f_1", &buf); !errors.Is(err, depot.ErrNotFound) {
		t.Errorf("GetChunk(missing) error = %v, want ErrNotFound", err)
	}

	if got := v.ChunkCount(); got != 1 {
		t.Errorf("ChunkCount() = %d, want 1", got)
	}
	if err := v.DeleteChunk("f_0"); err != nil {
		t.Fatalf("DeleteChunk() error = %v", err)
	}
	if got := v.ChunkCount(); got != 0 {
		t.Errorf("ChunkCount() after delete = %d, want 0", got)
	}
}

func TestMemoryVault_ChunkURL(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		want    string
	}{
		{name: "memory scheme", baseURL: "", want: "memory://test/chunks/f_0"},
		{name: "http base", baseURL: "http://127.0.0.1:5080", want: "http://127.0.0.1:5080/chunks/f_0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewMemoryVault("test", tt.baseURL).ChunkURL("f_0")
			if err != nil {
				t.Fatalf("ChunkURL() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ChunkURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMemoryVault_Manifests(t *testing.T) {
	v := NewMemoryVault("test", "")

	for _, id := range []string{"b", "c", "a"} {
		if err := v.PutManifest(id, strings.NewReader("{}"), 2); err != nil {
			t.Fatalf("PutManifest() error = %v", err)
		}
	}

	ids, err := v.ListManifests()
	if err != nil {
		t.Fatalf("ListManifests() error = %v", err)
	}
	if strings.Join(ids, ",") != "a,b,c" {
		t.Errorf("ListManifests() = %v, want [a b c]", ids)
	}

	if err := v.GetManifest("missing", &bytes.Buffer{}); !errors.Is(err, depot.ErrNotFound) {
		t.Errorf("GetManifest(missing) error = %v, want ErrNotFound", err)
	}
}

func TestMemoryVault_Concurrent(t *testing.T) {
	v := NewMemoryVault("test", "")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "f_" + string(rune('a'+i))
			if err := v.PutChunk(id, strings.NewReader("data"), 4); err != nil {
				t.Errorf("PutChunk(%s) error = %v", id, err)
			}
			if err := v.GetChunk(id, &bytes.Buffer{}); err != nil {
				t.Errorf("GetChunk(%s) error = %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	if got := v.ChunkCount(); got != 20 {
		t.Errorf("ChunkCount() = %d, want 20", got)
	}
}
