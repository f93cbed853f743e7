package client

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"depot-go/internal/chunk"
	"depot-go/internal/database"
	"depot-go/internal/depot"
	"depot-go/internal/protocol"
	"depot-go/internal/server"
	"depot-go/internal/testutil"
	"depot-go/internal/vault"
)

type liveServer struct {
	addr      string
	authority *server.Authority
	fileID    string
	data      []byte
}

// startLiveServer runs a real server over a filesystem vault holding one
// 10,000,000 byte file split into 4,000,000 byte chunks.
func startLiveServer(t *testing.T) *liveServer {
	t.Helper()
	logger := depot.NewNopLogger()
	clock := testutil.FixedClock()

	v, err := vault.NewFileSystemVault("live", filepath.Join(t.TempDir(), "vault"), "")
	if err != nil {
		t.Fatal(err)
	}
	engine := chunk.NewEngine(v, logger, clock, testutil.NewPrefixedIDGenerator("file"), chunk.IntegrityStrict, v.Root())

	data := testutil.Bytes(42, 10_000_000)
	src := filepath.Join(t.TempDir(), "dataset.bin")
	if err := os.WriteFile(src, data, 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := engine.Split(src, 4_000_000)
	if err != nil {
		t.Fatal(err)
	}

	authority, err := server.NewAuthority(database.NewMemoryUserStore(), server.AuthorityOptions{}, logger, clock)
	if err != nil {
		t.Fatal(err)
	}
	commands := server.NewCommands(authority, server.NewCatalog(v, engine), logger, clock)
	srv := server.New(server.Options{ListenAddr: "127.0.0.1:0"}, authority, commands, logger, clock, testutil.NewPrefixedIDGenerator("sess"))
	if err := srv.Listen(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &liveServer{addr: srv.Addr().String(), authority: authority, fileID: m.FileID, data: data}
}

func TestEndToEnd_Download(t *testing.T) {
	ls := startLiveServer(t)
	cl := newTestClient(Options{})
	if err := cl.Connect(context.Background(), ls.addr, "alice", testKey); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer cl.Disconnect("done")

	d := NewDownloader(cl, NewURLFetcher(nil), DownloadOptions{WorkDir: t.TempDir(), Policy: chunk.IntegrityStrict}, depot.NewNopLogger(), testutil.FixedClock())
	var last Progress
	out := t.TempDir()
	res, err := d.Download(context.Background(), ls.fileID, out, func(p Progress) { last = p })
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}

	if last.ChunkCount != 3 || last.BytesDone != 10_000_000 {
		t.Errorf("final progress = %+v", last)
	}
	got, err := os.ReadFile(res.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, ls.data) {
		t.Error("downloaded file differs from the source")
	}
	if filepath.Base(res.Path) != "dataset.bin" {
		t.Errorf("output path = %s", res.Path)
	}
}

func TestEndToEnd_Commands(t *testing.T) {
	ls := startLiveServer(t)
	cl := newTestClient(Options{})
	if err := cl.Connect(context.Background(), ls.addr, "bob", testKey); err != nil {
		t.Fatal(err)
	}
	defer cl.Disconnect("done")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	m, err := cl.Request(ctx, "list")
	if err != nil {
		t.Fatal(err)
	}
	list, err := protocol.DecodeAs[protocol.ListResponse](m)
	if err != nil || len(list.Items) != 1 || list.Items[0].Title != "dataset" {
		t.Errorf("list = %+v, %v", list, err)
	}

	m, err = cl.Request(ctx, "status")
	if err != nil {
		t.Fatal(err)
	}
	st, err := protocol.DecodeAs[protocol.StatusResponse](m)
	if err != nil || st.Username != "bob" || st.OnlineUsers != 1 {
		t.Errorf("status = %+v, %v", st, err)
	}

	m, err = cl.Request(ctx, "download nothing-here")
	if err != nil {
		t.Fatal(err)
	}
	if m.Type != protocol.TypeError {
		t.Errorf("download of unknown file got %s", m.Type)
	}
}

func TestEndToEnd_PingKeepsRequestsInStep(t *testing.T) {
	ls := startLiveServer(t)
	cl := newTestClient(Options{})
	if err := cl.Connect(context.Background(), ls.addr, "carol", testKey); err != nil {
		t.Fatal(err)
	}
	defer cl.Disconnect("done")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for _, ping := range []string{"ping", "PING", "Ping"} {
		m, err := cl.Request(ctx, ping)
		if err != nil {
			t.Fatalf("Request(%q) error = %v", ping, err)
		}
		if m.Type != protocol.TypePong || m.Content != "pong" {
			t.Errorf("Request(%q) = %s %q, want PONG", ping, m.Type, m.Content)
		}
	}

	m, err := cl.Request(ctx, "status")
	if err != nil {
		t.Fatalf("Request(status) error = %v", err)
	}
	if m.Type != protocol.TypeStatusResponse {
		t.Errorf("status reply = %s, want %s", m.Type, protocol.TypeStatusResponse)
	}
}

func TestEndToEnd_Eviction(t *testing.T) {
	ls := startLiveServer(t)

	first := newTestClient(Options{})
	if err := first.Connect(context.Background(), ls.addr, "alice", testKey); err != nil {
		t.Fatal(err)
	}
	second := newTestClient(Options{})
	if err := second.Connect(context.Background(), ls.addr, "alice", testKey); err != nil {
		t.Fatal(err)
	}
	defer second.Disconnect("done")

	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("first client was not evicted")
	}
	if !strings.Contains(first.LastReason(), "another session") {
		t.Errorf("eviction reason = %q", first.LastReason())
	}
	if !second.Connected() {
		t.Error("newest session was dropped")
	}
	if online := ls.authority.GetOnlineUsers(); len(online) != 1 {
		t.Errorf("online users = %d, want 1", len(online))
	}
}

func TestEndToEnd_BroadcastAndRejection(t *testing.T) {
	ls := startLiveServer(t)

	received := make(chan string, 3)
	for i := 0; i < 3; i++ {
		cl := newTestClient(Options{})
		cl.OnMessage(func(m protocol.Message) {
			if m.Type == protocol.TypeNotification {
				received <- m.Content
			}
		})
		if err := cl.Connect(context.Background(), ls.addr, "user", testutil.LicenseKey(i)); err != nil {
			t.Fatal(err)
		}
		defer cl.Disconnect("done")
	}

	if n := ls.authority.Broadcast("maintenance", protocol.TypeNotification); n != 3 {
		t.Fatalf("Broadcast() = %d, want 3", n)
	}
	for i := 0; i < 3; i++ {
		select {
		case got := <-received:
			if got != "maintenance" {
				t.Errorf("notification = %q", got)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("broadcast not received")
		}
	}

	err := newTestClient(Options{}).Connect(context.Background(), ls.addr, "mallory", "LICS-AAAA-BBBB-CCCC")
	if !errors.Is(err, depot.ErrAuth) || !strings.Contains(err.Error(), "invalid license key") {
		t.Errorf("Connect() error = %v, want ErrAuth for malformed key", err)
	}
}
