package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/voyantlabs/agencydesk/auth"
	"github.com/voyantlabs/agencydesk/chat"
	"github.com/voyantlabs/agencydesk/chat/aichat"
	"github.com/voyantlabs/agencydesk/chat/duplex"
	"github.com/voyantlabs/agencydesk/chat/metrics"
	"github.com/voyantlabs/agencydesk/chat/outbox"
	"github.com/voyantlabs/agencydesk/chat/session"
	"github.com/voyantlabs/agencydesk/chat/stream"
	"github.com/voyantlabs/agencydesk/internal/profile"
	"github.com/voyantlabs/agencydesk/internal/version"
	"github.com/voyantlabs/agencydesk/store/kv"
	kvfile "github.com/voyantlabs/agencydesk/store/kv/file"
	kvsqlite "github.com/voyantlabs/agencydesk/store/kv/sqlite"
)

var rootCmd = &cobra.Command{
	Use:   "agencydesk",
	Short: "Headless chat engine client for the agency portal.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		// Try to load .env from the working directory; missing is fine.
		_ = godotenv.Load()
		return nil
	},
	RunE: func(_ *cobra.Command, _ []string) error {
		instanceProfile := &profile.Profile{
			Mode:       viper.GetString("mode"),
			APIBaseURL: viper.GetString("api-base-url"),
			DuplexURL:  viper.GetString("duplex-url"),
			StreamURL:  viper.GetString("stream-url"),
			Data:       viper.GetString("data"),
			Driver:     viper.GetString("driver"),
		}
		instanceProfile.FromEnv()
		instanceProfile.Version = version.GetCurrentVersion(instanceProfile.Mode)
		if err := instanceProfile.Validate(); err != nil {
			return err
		}
		return run(instanceProfile, viper.GetString("thread"), viper.GetString("metrics-addr"))
	},
}

func run(p *profile.Profile, threadID, metricsAddr string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider := auth.NewStaticProvider(auth.Credentials{
		AccessToken: p.AccessToken,
		UserID:      p.UserID,
	})

	var driver kv.Driver
	var err error
	switch p.Driver {
	case "sqlite":
		driver, err = kvsqlite.NewDB(p.Data)
	default:
		driver, err = kvfile.NewDB(p.Data)
	}
	if err != nil {
		slog.Error("failed to open durable storage", "driver", p.Driver, "error", err)
		return err
	}
	defer driver.Close()

	queue, err := outbox.New(driver)
	if err != nil {
		slog.Error("failed to open offline queue", "error", err)
		return err
	}

	api := session.NewHTTPClient(p.APIBaseURL, provider)

	// The manager and the duplex client reference each other: the client
	// dispatches into the manager's callbacks, the manager drives the
	// client's verbs. Wire the channel first with late-bound callbacks.
	var manager *session.Manager
	callbacks := duplex.Callbacks{}
	channel, err := duplex.NewClient(duplex.Config{
		URL:               p.DuplexURL,
		TokenProvider:     provider,
		HeartbeatInterval: p.HeartbeatInterval,
	}, duplex.Callbacks{
		OnMessage:            func(msg chat.Message) { callbacks.OnMessage(msg) },
		OnTypingStart:        func(t, u string) { callbacks.OnTypingStart(t, u) },
		OnTypingStop:         func(t, u string) { callbacks.OnTypingStop(t, u) },
		OnMessageRead:        func(t, m, u string) { callbacks.OnMessageRead(t, m, u) },
		OnReactionAdded:      func(t, m string, r chat.Reaction) { callbacks.OnReactionAdded(t, m, r) },
		OnReactionRemoved:    func(t, m string, r chat.Reaction) { callbacks.OnReactionRemoved(t, m, r) },
		OnPresenceChanged:    func(u string, s chat.PresenceStatus) { callbacks.OnPresenceChanged(u, s) },
		OnConnectionRestored: func() { callbacks.OnConnectionRestored() },
	})
	if err != nil {
		slog.Error("failed to create duplex client", "error", err)
		return err
	}

	manager = session.NewManager(api, channel, queue, session.Config{
		LocalUserID:   p.UserID,
		AIResponderID: p.AIResponderID,
		TypingWindow:  p.TypingWindow,
		PageSize:      p.PageSize,
	})
	defer manager.Close()
	callbacks = manager.DuplexCallbacks()

	aiManager := aichat.NewManager(
		aichat.NewHTTPThreadAPI(p.APIBaseURL, provider),
		stream.NewClient(p.StreamURL, provider),
		aichat.Config{LocalUserID: p.UserID, AssistantID: p.AIResponderID},
	)
	_ = aiManager // Driven by the embedding portal shell; kept alive here.

	if err := channel.Connect(ctx); err != nil {
		slog.Error("failed to connect duplex channel", "error", err)
		return err
	}
	defer channel.Close()

	if threadID != "" {
		if err := manager.LoadThread(ctx, threadID); err != nil {
			slog.Warn("initial thread load failed", "thread_id", threadID, "error", err)
		}
	}

	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Default().Handler())
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				slog.Error("metrics endpoint failed", "addr", metricsAddr, "error", err)
			}
		}()
	}

	slog.Info("agencydesk chat client started",
		"version", p.Version,
		"mode", p.Mode,
		"user_id", p.UserID,
	)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	slog.Info("shutting down")
	aiManager.Cancel()
	done := make(chan struct{})
	go func() {
		aiManager.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		slog.Warn("shutdown timed out waiting for in-flight turn")
	}
	return nil
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("driver", "file")
	viper.SetDefault("data", ".agencydesk")

	rootCmd.PersistentFlags().String("mode", "dev", `mode of client, can be "prod" or "dev"`)
	rootCmd.PersistentFlags().String("api-base-url", "", "portal REST base URL")
	rootCmd.PersistentFlags().String("duplex-url", "", "portal websocket endpoint")
	rootCmd.PersistentFlags().String("stream-url", "", "portal AI streaming endpoint")
	rootCmd.PersistentFlags().String("data", ".agencydesk", "data directory (file driver) or DSN (sqlite driver)")
	rootCmd.PersistentFlags().String("driver", "file", "offline queue storage driver (file, sqlite)")
	rootCmd.PersistentFlags().String("thread", "", "thread to load on start")
	rootCmd.PersistentFlags().String("metrics-addr", "", "address for the Prometheus metrics endpoint (empty disables)")

	for _, name := range []string{"mode", "api-base-url", "duplex-url", "stream-url", "data", "driver", "thread", "metrics-addr"} {
		if err := viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name)); err != nil {
			panic(err)
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
