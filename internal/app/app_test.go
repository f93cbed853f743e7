package app

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"depot-go/internal/client"
	"depot-go/internal/config"
	"depot-go/internal/depot"
	"depot-go/internal/testutil"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewConfig(t.TempDir())
	cfg.LogLevel = "warn"
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Server.HTTPAddr = ""
	cfg.Server.PublicURL = ""
	cfg.Store = config.StoreConfig{Type: "memory"}
	cfg.Encryption.Type = "test"
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config, op string) *App {
	t.Helper()
	a, err := NewApp(cfg, op, "")
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func writeSource(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestApp_SplitListVerifyReassemble(t *testing.T) {
	cfg := testConfig(t)
	cfg.Chunking.ChunkSize = 1000
	a := newTestApp(t, cfg, "split")

	data := testutil.Bytes(7, 2500)
	m, err := a.Split(writeSource(t, "report.pdf", data), 0)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if m.ChunkCount != 3 || m.ChunkSize != 1000 {
		t.Errorf("manifest = %d chunks of %d, want 3 of 1000", m.ChunkCount, m.ChunkSize)
	}

	list, err := a.Manifests()
	if err != nil {
		t.Fatalf("Manifests: %v", err)
	}
	if len(list) != 1 || list[0].FileID != m.FileID {
		t.Fatalf("Manifests = %v, want [%s]", list, m.FileID)
	}

	got, problems, err := a.VerifyManifest("report.pdf")
	if err != nil {
		t.Fatalf("VerifyManifest: %v", err)
	}
	if got.FileID != m.FileID || len(problems) != 0 {
		t.Errorf("VerifyManifest = %s, %v", got.FileID, problems)
	}

	res, err := a.Reassemble(m.FileID, t.TempDir())
	if err != nil {
		t.Fatalf("Reassemble: %v", err)
	}
	out, err := os.ReadFile(res.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, data) {
		t.Error("reassembled file differs from source")
	}
}

func TestApp_SplitChunkSizeOverride(t *testing.T) {
	a := newTestApp(t, testConfig(t), "split")

	m, err := a.Split(writeSource(t, "a.bin", testutil.Bytes(1, 100)), 30)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if m.ChunkCount != 4 {
		t.Errorf("ChunkCount = %d, want 4", m.ChunkCount)
	}
}

func TestApp_VerifyManifestNotFound(t *testing.T) {
	a := newTestApp(t, testConfig(t), "manifest")

	if _, _, err := a.VerifyManifest("missing"); !errors.Is(err, depot.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestApp_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*config.Config)
	}{
		{"unknown vault", func(c *config.Config) { c.Vault.Type = "tape" }},
		{"unknown integrity", func(c *config.Config) { c.Chunking.Integrity = "lenient" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.modify(cfg)
			a := newTestApp(t, cfg, "split")
			if _, err := a.Engine(); err == nil {
				t.Error("expected error")
			}
		})
	}

	cfg := testConfig(t)
	cfg.LogLevel = "loud"
	if _, err := NewApp(cfg, "serve", ""); err == nil {
		t.Error("NewApp accepted an unknown log level")
	}
}

func TestApp_EncryptedFileStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store = config.StoreConfig{Type: "file", Path: filepath.Join(cfg.BaseDir, "users.age"), Encrypt: true}
	t.Setenv(PassphraseEnv, "secret")

	a := newTestApp(t, cfg, "users")
	s, err := a.UserStore()
	if err != nil {
		t.Fatalf("UserStore: %v", err)
	}
	u := depot.NewUser("alice", testutil.LicenseKey(1), "127.0.0.1", time.Now(), 30)
	if err := s.SaveUsers([]*depot.User{u}); err != nil {
		t.Fatalf("SaveUsers: %v", err)
	}

	users, err := a.LocalUsers()
	if err != nil {
		t.Fatalf("LocalUsers: %v", err)
	}
	if len(users) != 1 || users[0].Username != "alice" {
		t.Errorf("LocalUsers = %v", users)
	}
}

func TestApp_ConnectRequiresLicenseKey(t *testing.T) {
	a := newTestApp(t, testConfig(t), "connect")

	if _, err := a.Connect(context.Background()); err == nil {
		t.Error("expected error without a license key")
	}
}

func TestApp_ServeAndDownload(t *testing.T) {
	cfg := testConfig(t)
	cfg.Chunking.ChunkSize = 4000
	srvApp := newTestApp(t, cfg, "serve")

	data := testutil.Bytes(3, 10000)
	m, err := srvApp.Split(writeSource(t, "dataset.csv", data), 0)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan Endpoints, 1)
	served := make(chan error, 1)
	go func() { served <- srvApp.Serve(ctx, func(e Endpoints) { ready <- e }) }()

	var ep Endpoints
	select {
	case ep = <-ready:
	case err := <-served:
		t.Fatalf("Serve: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}
	if ep.HTTP != "" {
		t.Errorf("HTTP endpoint = %q, want disabled", ep.HTTP)
	}

	clientCfg := testConfig(t)
	clientCfg.Client.ServerAddr = ep.TCP
	clientCfg.Client.Username = "bob"
	clientCfg.Client.LicenseKey = testutil.LicenseKey(2)
	cliApp := newTestApp(t, clientCfg, "download")

	cl, err := cliApp.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer cl.Disconnect("done")

	outDir := t.TempDir()
	var last client.Progress
	res, err := cliApp.Download(ctx, cl, m.FileID, outDir, func(p client.Progress) { last = p })
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	out, err := os.ReadFile(res.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, data) {
		t.Error("downloaded file differs from source")
	}
	if last.ChunkIndex != 2 || last.BytesDone != 10000 {
		t.Errorf("final progress = %+v", last)
	}

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
