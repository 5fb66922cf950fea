package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"parley/internal/api"
	"parley/internal/auth"
	"parley/internal/cluster"
	"parley/internal/commands"
	"parley/internal/config"
	"parley/internal/conversation"
	"parley/internal/filestore"
	"parley/internal/http"
	"parley/internal/presence"
	"parley/internal/push"
	"parley/internal/relations"
	"parley/internal/signaling"
	"parley/internal/storage"
	"parley/internal/ws"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, args []string, out io.Writer) error {
	flagSet := pflag.NewFlagSet("parley", pflag.ContinueOnError)
	addUser := flagSet.String("add-user", "", "email of an account to create on the running server")
	password := flagSet.String("password", "", "password for --add-user (random when empty)")
	username := flagSet.String("username", "", "optional username for --add-user")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*addUser != "")
	if err != nil {
		return err
	}

	level, _ := cfg.SlogLevel()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *addUser != "" {
		pass := *password
		if pass == "" {
			if pass, err = randomPassword(); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "Generated password: %s\n", pass)
		}
		_, err := commands.AddUser(ctx, api.AddUserRequest{Email: *addUser, Password: pass, Username: *username}, cfg, out)
		return err
	}

	return serve(ctx, cfg)
}

func serve(ctx context.Context, cfg *config.Config) error {
	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	files, err := filestore.NewLocalFileStore(cfg.UploadsPath)
	if err != nil {
		return err
	}

	authService, err := auth.NewAuthService(ctx, auth.Config{
		TokenExpiry: cfg.TokenExpiry,
		BcryptCost:  cfg.BcryptCost,
	}, bbStorage)
	if err != nil {
		return err
	}

	registry := presence.New()
	convs := conversation.NewManager(bbStorage, registry)

	var fabric *cluster.RedisFabric
	if cfg.RedisURL != "" {
		fabric, err = cluster.NewRedisFabric(ctx, cluster.Config{URL: cfg.RedisURL, Prefix: cfg.RedisPrefix})
		if err != nil {
			return err
		}
		defer func() { _ = fabric.Close() }()
		registry.WithFabric(fabric)
		convs.WithFabric(fabric)
	}

	httpAPI := api.New(authService, bbStorage, files).WithSecureCookies(cfg.SecureCookies)

	services := ws.Services{
		Tokens:    authService,
		Users:     bbStorage,
		Presence:  registry,
		Relations: relations.NewManager(bbStorage, registry, convs),
		Convs:     convs,
		Relay:     signaling.NewRelay(registry),
	}

	if cfg.PushEnabled() {
		sender, err := push.NewSender(push.Config{
			VAPIDPublicKey:  cfg.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.VAPIDPrivateKey,
			Subject:         cfg.VAPIDSubject,
		}, bbStorage)
		if err != nil {
			return err
		}
		convs.WithPusher(sender)
		services.Push = sender
		httpAPI.WithVAPIDKey(sender.PublicKey())
	} else {
		slog.Info("push notifications disabled")
	}

	g, gCtx := errgroup.WithContext(ctx)

	gateway := ws.NewGateway(ws.Config{ICEServers: cfg.WebRTCICEServers()}, services)

	var assets fs.FS
	if cfg.StaticDir != "" {
		assets = os.DirFS(cfg.StaticDir)
	}

	adminServer := http.NewAdminServer(api.NewAdminHandler(authService, bbStorage, gateway, services.Relations), cfg.AdminAddr)
	apiServer := http.NewAPIServer(http.APIServerConfig{
		Addr:   cfg.APIAddr,
		Auth:   authService,
		API:    httpAPI,
		WS:     ws.NewServer(gCtx, authService, gateway),
		Assets: assets,
	})

	g.Go(func() error {
		return gateway.Run(gCtx)
	})

	if fabric != nil {
		g.Go(func() error {
			if err := fabric.Run(gCtx, gateway); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		return adminServer.Start()
	})

	g.Go(func() error {
		return apiServer.Start()
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		slog.Info("shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, oshttp.ErrServerClosed) {
			slog.Error("admin server shutdown failed", "error", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, oshttp.ErrServerClosed) {
			slog.Error("API server shutdown failed", "error", err)
		}
		return nil
	})

	return g.Wait()
}

func randomPassword() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}
