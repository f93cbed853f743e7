package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"depot-go/internal/app"
	"depot-go/internal/client"
	"depot-go/internal/config"
	"depot-go/internal/protocol"
	"depot-go/internal/server"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates an App. The caller must defer a.Close().
// operation identifies the CLI command being run (e.g. "serve", "download").
func newApp(operation string, args ...string) (*app.App, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := app.LoadConfig(defaults.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.NewApp(cfg, operation, strings.Join(args, " "))
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// run executes fn against a fresh App and records a failed operation.
func run(operation string, args []string, fn func(ctx context.Context, a *app.App) error) error {
	a, err := newApp(operation, args...)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := fn(ctx, a); err != nil {
		a.Fail()
		return err
	}
	return nil
}

var rootCmd = &cobra.Command{
	Use:          "depot",
	Short:        "License-gated file distribution server and client",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults.BaseDir)
		if err := config.Init(defaults.ConfigPath, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults.ConfigPath)
		fmt.Printf("Base Dir: %s\n", defaults.BaseDir)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults.ConfigPath)
		fmt.Printf("Base Dir:    %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:     %s\n", cfg.LogDir)
		fmt.Printf("Listen:      %s\n", cfg.Server.ListenAddr)
		fmt.Printf("HTTP:        %s\n", cfg.Server.HTTPAddr)
		fmt.Printf("Vault:       %s (%s)\n", cfg.Vault.Name, cfg.Vault.Type)
		fmt.Printf("User store:  %s\n", cfg.Store.Type)
		fmt.Printf("Chunk size:  %d\n", cfg.Chunking.ChunkSize)
		fmt.Printf("Integrity:   %s\n", cfg.Chunking.Integrity)
		fmt.Printf("Server addr: %s\n", cfg.Client.ServerAddr)
		return nil
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate the key pair that encrypts the user store",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run("keygen", args, func(_ context.Context, a *app.App) error {
			passphrase, err := app.ConfirmPassphrase()
			if err != nil {
				return err
			}
			if err := a.Keygen(passphrase); err != nil {
				return fmt.Errorf("generating keys: %w", err)
			}
			fmt.Println("Key pair created.")
			return nil
		})
	},
}

// serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run("serve", args, func(ctx context.Context, a *app.App) error {
			return a.Serve(ctx, func(e app.Endpoints) {
				fmt.Printf("Listening on %s\n", e.TCP)
				if e.HTTP != "" {
					fmt.Printf("HTTP endpoint on %s\n", e.HTTP)
				}
			})
		})
	},
}

// connect command
var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Open an interactive session with the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run("connect", args, func(ctx context.Context, a *app.App) error {
			cl, err := a.Connect(ctx)
			if err != nil {
				return err
			}
			defer cl.Disconnect("client exiting")

			cl.OnMessage(func(m protocol.Message) { printMessage(m) })
			cl.OnStatus(func(e client.StatusEvent) {
				if e.Kind == client.StatusDisconnected {
					fmt.Printf("disconnected: %s\n", e.Reason)
				}
			})
			fmt.Println("Connected. Type a command (list, info, status, download <id>, ping) or quit.")

			lines := make(chan string)
			go func() {
				defer close(lines)
				sc := bufio.NewScanner(os.Stdin)
				for sc.Scan() {
					lines <- sc.Text()
				}
			}()

			for {
				select {
				case <-ctx.Done():
					return nil
				case <-cl.Done():
					return fmt.Errorf("connection closed: %s", cl.LastReason())
				case line, ok := <-lines:
					if !ok {
						return nil
					}
					if err := interact(ctx, a, cl, strings.TrimSpace(line)); err != nil {
						if errors.Is(err, errQuit) {
							return nil
						}
						fmt.Printf("error: %v\n", err)
					}
				}
			}
		})
	},
}

var errQuit = errors.New("quit")

func interact(ctx context.Context, a *app.App, cl *client.Client, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	switch strings.ToLower(fields[0]) {
	case "quit", "exit":
		return errQuit
	case "download":
		if len(fields) != 2 {
			return fmt.Errorf("usage: download <id>")
		}
		return download(ctx, a, cl, fields[1], "")
	}

	m, err := cl.Request(ctx, line)
	if err != nil {
		return err
	}
	printMessage(m)
	return nil
}

func printMessage(m protocol.Message) {
	fmt.Printf("[%s] %s: %s\n", m.Timestamp.Local().Format("15:04:05"), m.Type, m.Content)
}

func download(ctx context.Context, a *app.App, cl *client.Client, id, outDir string) error {
	res, err := a.Download(ctx, cl, id, outDir, func(p client.Progress) {
		fmt.Printf("\rchunk %d/%d  %d/%d bytes", p.ChunkIndex+1, p.ChunkCount, p.BytesDone, p.BytesTotal)
	})
	fmt.Println()
	if err != nil {
		return err
	}
	for _, w := range res.Warnings {
		fmt.Printf("warning: %v\n", w)
	}
	fmt.Printf("Saved %s (%d bytes)\n", res.Path, res.Size)
	return nil
}

// download command
var downloadCmd = &cobra.Command{
	Use:   "download ID",
	Short: "Download a file from the server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		outDir, _ := cmd.Flags().GetString("output")
		return run("download", args, func(ctx context.Context, a *app.App) error {
			cl, err := a.Connect(ctx)
			if err != nil {
				return err
			}
			defer cl.Disconnect("download finished")
			return download(ctx, a, cl, args[0], outDir)
		})
	},
}

// split command
var splitCmd = &cobra.Command{
	Use:   "split PATH",
	Short: "Split a file into chunks in the vault",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		size, _ := cmd.Flags().GetInt64("chunk-size")
		return run("split", args, func(_ context.Context, a *app.App) error {
			m, err := a.Split(args[0], size)
			if err != nil {
				return fmt.Errorf("splitting: %w", err)
			}
			fmt.Printf("%s  %s  %d bytes in %d chunk(s)\n", m.FileID, m.FileName, m.FileSize, m.ChunkCount)
			return nil
		})
	},
}

// reassemble command
var reassembleCmd = &cobra.Command{
	Use:   "reassemble ID",
	Short: "Rebuild a stored file from its chunks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		outDir, _ := cmd.Flags().GetString("output")
		return run("reassemble", args, func(_ context.Context, a *app.App) error {
			if outDir == "" {
				outDir = "."
			}
			res, err := a.Reassemble(args[0], outDir)
			if err != nil {
				return err
			}
			for _, w := range res.Warnings {
				fmt.Printf("warning: %v\n", w)
			}
			fmt.Printf("Saved %s (%d bytes)\n", res.Path, res.Size)
			return nil
		})
	},
}

// manifest command
var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Inspect stored files",
}

var manifestListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored files",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run("manifest list", args, func(_ context.Context, a *app.App) error {
			list, err := a.Manifests()
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("No files stored.")
				return nil
			}
			for _, m := range list {
				fmt.Printf("%s  %-30s  %12d  %3d chunk(s)  %s\n",
					m.FileID, m.FileName, m.FileSize, m.ChunkCount,
					m.CreatedAt.Local().Format("2006-01-02 15:04:05"))
			}
			return nil
		})
	},
}

var manifestVerifyCmd = &cobra.Command{
	Use:   "verify ID",
	Short: "Re-hash every chunk of a stored file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run("manifest verify", args, func(_ context.Context, a *app.App) error {
			m, problems, err := a.VerifyManifest(args[0])
			if err != nil {
				return err
			}
			for _, p := range problems {
				fmt.Println(p)
			}
			if len(problems) > 0 {
				return fmt.Errorf("%s: %d of %d chunk(s) failed verification", m.FileName, len(problems), m.ChunkCount)
			}
			fmt.Printf("%s: %d chunk(s) OK\n", m.FileName, m.ChunkCount)
			return nil
		})
	},
}

// users command
var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Inspect the license registry",
}

var usersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List license records from the local user store",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run("users list", args, func(_ context.Context, a *app.App) error {
			users, err := a.LocalUsers()
			if err != nil {
				return err
			}
			if len(users) == 0 {
				fmt.Println("No users recorded.")
				return nil
			}
			for _, u := range users {
				fmt.Printf("%s  %-16s  %-15s  expires %s\n", u.LicenseKey, u.Username, u.IP,
					u.LicenseExpiration.Local().Format("2006-01-02"))
			}
			return nil
		})
	},
}

// license command
var licenseCmd = &cobra.Command{
	Use:   "license",
	Short: "Manage licenses on a running server",
}

var licenseExtendCmd = &cobra.Command{
	Use:   "extend KEY DAYS",
	Short: "Extend a license by a number of days",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		days, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid day count %q", args[1])
		}
		return run("license extend", args, func(ctx context.Context, a *app.App) error {
			u, err := a.AdminClient().ExtendLicense(ctx, args[0], days)
			if err != nil {
				return err
			}
			fmt.Printf("%s now expires %s\n", u.LicenseKey, u.LicenseExpiration.Local().Format("2006-01-02 15:04"))
			return nil
		})
	},
}

// admin command
var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Administer a running server",
}

var adminUsersCmd = &cobra.Command{
	Use:   "users",
	Short: "List users known to the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		online, _ := cmd.Flags().GetBool("online")
		return run("admin users", args, func(ctx context.Context, a *app.App) error {
			users, err := a.AdminClient().Users(ctx, online)
			if err != nil {
				return err
			}
			for _, u := range users {
				state := "offline"
				if u.IsOnline {
					state = "online " + u.ActiveSessionID
				}
				fmt.Printf("%s  %-16s  %s\n", u.LicenseKey, u.Username, state)
			}
			return nil
		})
	},
}

var adminBroadcastCmd = &cobra.Command{
	Use:   "broadcast MESSAGE",
	Short: "Send a notification to every connected client",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run("admin broadcast", args, func(ctx context.Context, a *app.App) error {
			n, err := a.AdminClient().Broadcast(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Printf("Delivered to %d session(s)\n", n)
			return nil
		})
	},
}

var adminKickCmd = &cobra.Command{
	Use:   "kick SESSION",
	Short: "Disconnect a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		return run("admin kick", args, func(ctx context.Context, a *app.App) error {
			return a.AdminClient().Kick(ctx, args[0], reason)
		})
	},
}

var adminEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream session events",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run("admin events", args, func(ctx context.Context, a *app.App) error {
			err := a.AdminClient().Events(ctx, func(e server.Event) {
				fmt.Printf("%s  %-14s  %s  %s  %s\n", e.Time.Local().Format(time.TimeOnly),
					e.Kind, e.SessionID, e.Username, e.Reason)
			})
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	manifestCmd.AddCommand(manifestListCmd)
	manifestCmd.AddCommand(manifestVerifyCmd)

	usersCmd.AddCommand(usersListCmd)
	licenseCmd.AddCommand(licenseExtendCmd)

	adminCmd.AddCommand(adminUsersCmd)
	adminUsersCmd.Flags().Bool("online", false, "Only show users with an active session")
	adminCmd.AddCommand(adminBroadcastCmd)
	adminCmd.AddCommand(adminKickCmd)
	adminKickCmd.Flags().String("reason", "", "Reason sent to the client")
	adminCmd.AddCommand(adminEventsCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(downloadCmd)
	downloadCmd.Flags().StringP("output", "o", "", "Output directory (default: client.download_dir)")
	rootCmd.AddCommand(splitCmd)
	splitCmd.Flags().Int64("chunk-size", 0, "Chunk size in bytes (default: chunking.chunk_size)")
	rootCmd.AddCommand(reassembleCmd)
	reassembleCmd.Flags().StringP("output", "o", "", "Output directory (default: current directory)")
	rootCmd.AddCommand(manifestCmd)
	rootCmd.AddCommand(usersCmd)
	rootCmd.AddCommand(licenseCmd)
	rootCmd.AddCommand(adminCmd)
}
