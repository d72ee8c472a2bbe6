package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/soaringjerry/covfee/internal/api"
	"github.com/soaringjerry/covfee/internal/config"
	"github.com/soaringjerry/covfee/internal/db"
	"github.com/soaringjerry/covfee/internal/logging"
	"github.com/soaringjerry/covfee/internal/middleware"
	"github.com/soaringjerry/covfee/internal/models"
	"github.com/soaringjerry/covfee/internal/openvidu"
	"github.com/soaringjerry/covfee/internal/realtime"
	"github.com/soaringjerry/covfee/internal/services"
	"github.com/soaringjerry/covfee/internal/sharedstate"
	"github.com/soaringjerry/covfee/internal/tasks"
	"github.com/soaringjerry/covfee/internal/utils"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and websocket gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	log, err := logging.NewLogger(cfg.Logging.File, cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer log.Close()

	store, err := db.Open(cfg.Database.Path, cfg.Database.MigrationsDir)
	if err != nil {
		return err
	}
	defer store.Close()

	links := models.Links{APIURL: cfg.Server.APIURL, AppURL: cfg.Server.AppURL}
	authn := middleware.NewAuthenticator(cfg.Auth.JWTSecret)
	instances := services.NewInstanceService(store, links, cfg.Secret)
	journeys := services.NewJourneyService(store)
	responses := services.NewResponseService(store)
	chats := services.NewChatService(store)

	var calls tasks.CallProvisioner
	if cfg.OpenVidu.URL != "" {
		calls = openvidu.New(cfg.OpenVidu.URL, cfg.OpenVidu.Secret, &http.Client{Timeout: 10 * time.Second})
	}
	registry := tasks.DefaultRegistry(calls)
	gateway := realtime.NewGateway(journeys, responses, chats, sharedstate.NewStore(registry), registry,
		realtime.NewHub(), log, realtime.Options{PersistRetries: cfg.Realtime.PersistRetries})

	mux := http.NewServeMux()
	api.NewRouter(api.Deps{
		Instances: instances,
		Responses: responses,
		Projects:  services.NewProjectService(store, instances, cfg.Secret),
		Journeys:  journeys,
		Chats:     chats,
		Auth:      services.NewAuthService(store, authn.SignToken, cfg.Auth.AdminPasswordHash, cfg.Auth.TokenTTL),
		Log:       log,
	}).Register(mux)
	mux.Handle("GET /ws", realtime.NewHandler(gateway, authn, cfg.Server.AllowedOrigins, cfg.Realtime.SendBuffer, log))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		ok := store.Ping(r.Context()) == nil
		status := http.StatusOK
		if !ok {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": ok, "name": "covfee"})
	})
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(utils.ReadBuildInfo())
	})
	if cfg.Server.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(cfg.Server.StaticDir)))
	}

	handler := middleware.SecureHeaders(middleware.CORS(cfg.Server.AllowedOrigins)(middleware.NoStore(authn.WithAuth(mux))))
	srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.Server.Addr, "openvidu", calls != nil)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
