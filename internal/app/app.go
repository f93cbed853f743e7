package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"depot-go/internal/chunk"
	"depot-go/internal/client"
	"depot-go/internal/config"
	"depot-go/internal/database"
	"depot-go/internal/depot"
	"depot-go/internal/encryption"
	"depot-go/internal/httpapi"
	"depot-go/internal/server"
	"depot-go/internal/vault"
)

// App is the application layer between the CLI and the server, client and
// chunk packages. It builds dependencies from config on first use and
// releases them on Close.
type App struct {
	cfg     *config.Config
	op      *Operation
	logger  depot.Logger
	logFile *os.File
	clock   depot.Clock
	idgen   depot.IDGenerator

	vault  depot.Vault
	engine *chunk.Engine
	store  depot.UserStore
}

// Endpoints reports where a running server listens.
type Endpoints struct {
	TCP  string
	HTTP string // empty when the HTTP endpoint is disabled
}

// NewApp creates an App from the given config. operation names the CLI
// command being run (e.g. "serve", "download") and tags every log line.
// The caller must call Close when done.
func NewApp(cfg *config.Config, operation, parameters string) (*App, error) {
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger, logFile, err := newLogger(cfg.LogDir, operation, level)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	clock := depot.RealClock{}
	return &App{
		cfg:     cfg,
		op:      NewOperation(operation, parameters, clock.Now()),
		logger:  &slogAdapter{l: logger},
		logFile: logFile,
		clock:   clock,
		idgen:   depot.UUIDGenerator{},
	}, nil
}

// Logger returns the App's logger.
func (a *App) Logger() depot.Logger { return a.logger }

// Fail marks the operation as failed; Close logs the outcome.
func (a *App) Fail() { a.op.Fail() }

// Vault returns the configured chunk vault, verifying it on first use.
func (a *App) Vault() (depot.Vault, error) {
	if a.vault != nil {
		return a.vault, nil
	}
	v, err := vault.NewVaultFromConfig(a.cfg.Vault, a.cfg.Server.PublicURL)
	if err != nil {
		return nil, fmt.Errorf("creating vault: %w", err)
	}
	if err := v.ValidateSetup(); err != nil {
		return nil, fmt.Errorf("vault %s: %w", a.cfg.Vault.Name, err)
	}
	a.vault = v
	return v, nil
}

// Engine returns the chunk engine over the configured vault.
func (a *App) Engine() (*chunk.Engine, error) {
	if a.engine != nil {
		return a.engine, nil
	}
	policy, err := chunk.ParseIntegrityPolicy(a.cfg.Chunking.Integrity)
	if err != nil {
		return nil, err
	}
	v, err := a.Vault()
	if err != nil {
		return nil, err
	}
	a.engine = chunk.NewEngine(v, a.logger, a.clock, a.idgen, policy, vault.BaseRef(a.cfg.Vault))
	return a.engine, nil
}

// UserStore opens the configured user store. An encrypted file store asks
// for the key passphrase.
func (a *App) UserStore() (depot.UserStore, error) {
	if a.store != nil {
		return a.store, nil
	}

	enc, dec, err := encryption.ForUserStore(a.cfg.Store, a.cfg.Encryption, Passphrase)
	if err != nil {
		return nil, err
	}

	s, err := database.NewUserStoreFromConfig(a.cfg.Store, enc, dec)
	if err != nil {
		return nil, fmt.Errorf("opening user store: %w", err)
	}
	a.store = s
	return s, nil
}

// Split chunks the file at path into the vault. chunkSize <= 0 uses the configured size.
func (a *App) Split(path string, chunkSize int64) (*chunk.Manifest, error) {
	e, err := a.Engine()
	if err != nil {
		return nil, err
	}
	if chunkSize <= 0 {
		chunkSize = a.cfg.Chunking.ChunkSize
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}
	return e.Split(abs, chunkSize)
}

// Reassemble rebuilds a stored file into outputDir.
func (a *App) Reassemble(ref, outputDir string) (*chunk.Result, error) {
	m, err := a.resolve(ref)
	if err != nil {
		return nil, err
	}
	e, _ := a.Engine()
	return e.Assemble(m, a.vault, outputDir)
}

// Manifests lists every file stored in the vault.
func (a *App) Manifests() ([]*chunk.Manifest, error) {
	c, err := a.catalog()
	if err != nil {
		return nil, err
	}
	return c.List()
}

// VerifyManifest re-hashes every chunk of a stored file.
func (a *App) VerifyManifest(ref string) (*chunk.Manifest, []error, error) {
	m, err := a.resolve(ref)
	if err != nil {
		return nil, nil, err
	}
	e, _ := a.Engine()
	return m, e.Verify(m, a.vault), nil
}

// LocalUsers reads the user registry straight from the store, for use when
// no server is running.
func (a *App) LocalUsers() ([]*depot.User, error) {
	s, err := a.UserStore()
	if err != nil {
		return nil, err
	}
	return s.LoadUsers()
}

// Keygen creates the age key pair protecting the user store.
func (a *App) Keygen(passphrase string) error {
	e, err := encryption.NewEncryptorFromConfig(a.cfg.Encryption)
	if err != nil {
		return err
	}
	return e.Setup(passphrase)
}

// Serve runs the session server, and the HTTP endpoint when http_addr is set,
// until ctx is done. ready, if not nil, is called once both are listening.
func (a *App) Serve(ctx context.Context, ready func(Endpoints)) error {
	engine, err := a.Engine()
	if err != nil {
		return err
	}
	store, err := a.UserStore()
	if err != nil {
		return err
	}

	sc := a.cfg.Server
	authority, err := server.NewAuthority(store, server.AuthorityOptions{LicenseDays: sc.LicenseDays, RateLimit: sc.RateLimit}, a.logger, a.clock)
	if err != nil {
		return err
	}
	commands := server.NewCommands(authority, server.NewCatalog(a.vault, engine), a.logger, a.clock)
	srv := server.New(server.Options{
		ListenAddr:    sc.ListenAddr,
		AuthTimeout:   sc.AuthTimeout.Duration,
		SweepInterval: sc.SweepInterval.Duration,
	}, authority, commands, a.logger, a.clock, a.idgen)
	if err := srv.Listen(); err != nil {
		return err
	}
	endpoints := Endpoints{TCP: srv.Addr().String()}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var httpErr error
	if sc.HTTPAddr != "" {
		ln, err := net.Listen("tcp", sc.HTTPAddr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", sc.HTTPAddr, err)
		}
		endpoints.HTTP = ln.Addr().String()

		api := httpapi.New(a.vault, authority, sc.AdminToken, a.logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := api.Serve(ctx, ln); err != nil {
				httpErr = err
				cancel()
			}
		}()
	}

	if ready != nil {
		ready(endpoints)
	}
	a.logger.Info("depot server started", "tcp", endpoints.TCP, "http", endpoints.HTTP, "vault", a.cfg.Vault.Type, "store", a.cfg.Store.Type)

	err = srv.Serve(ctx)
	cancel()
	wg.Wait()
	return errors.Join(err, httpErr)
}

// Connect logs in to the configured server with the configured credentials.
func (a *App) Connect(ctx context.Context) (*client.Client, error) {
	cc := a.cfg.Client
	if cc.LicenseKey == "" {
		return nil, fmt.Errorf("no license key configured: set client.license_key")
	}
	username := cc.Username
	if username == "" {
		username = os.Getenv("USER")
	}

	cl := client.New(client.Options{AuthTimeout: cc.AuthTimeout.Duration}, a.logger, a.clock)
	if err := cl.Connect(ctx, cc.ServerAddr, username, cc.LicenseKey); err != nil {
		return nil, err
	}
	return cl, nil
}

// Download fetches itemID over an established connection into outputDir;
// an empty outputDir uses the configured download directory.
func (a *App) Download(ctx context.Context, cl *client.Client, itemID, outputDir string, progress func(client.Progress)) (*chunk.Result, error) {
	policy, err := chunk.ParseIntegrityPolicy(a.cfg.Chunking.Integrity)
	if err != nil {
		return nil, err
	}
	if outputDir == "" {
		outputDir = a.cfg.Client.DownloadDir
	}

	d := client.NewDownloader(cl, client.NewURLFetcher(nil), client.DownloadOptions{
		WorkDir:        filepath.Join(a.cfg.BaseDir, "work"),
		RequestTimeout: a.cfg.Client.RequestTimeout.Duration,
		KeepChunks:     a.cfg.Client.KeepChunks,
		Policy:         policy,
	}, a.logger, a.clock)
	return d.Download(ctx, itemID, outputDir, progress)
}

// AdminClient returns a client for the admin API of the configured server.
func (a *App) AdminClient() *httpapi.AdminClient {
	token := a.cfg.Client.AdminToken
	if token == "" {
		token = a.cfg.Server.AdminToken
	}
	return httpapi.NewAdminClient(a.cfg.Client.AdminURL, token, nil)
}

// Close releases the user store and the log file, logging the operation outcome.
func (a *App) Close() error {
	var firstErr error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			firstErr = fmt.Errorf("closing user store: %w", err)
			a.op.Fail()
		}
	}

	a.logger.Info("operation finished", "operation", a.op.Name, "parameters", a.op.Parameters,
		"status", a.op.Status, "duration", a.op.Elapsed(a.clock.Now()))

	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}

func (a *App) catalog() (*server.Catalog, error) {
	e, err := a.Engine()
	if err != nil {
		return nil, err
	}
	return server.NewCatalog(a.vault, e), nil
}

func (a *App) resolve(ref string) (*chunk.Manifest, error) {
	c, err := a.catalog()
	if err != nil {
		return nil, err
	}
	return c.Resolve(ref)
}
