package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/glkvm-cloud/device-console/internal/auth"
	"github.com/glkvm-cloud/device-console/internal/commands"
	"github.com/glkvm-cloud/device-console/internal/config"
	"github.com/glkvm-cloud/device-console/internal/logger"
	"github.com/glkvm-cloud/device-console/internal/server"
	"github.com/glkvm-cloud/device-console/internal/storage"
	"github.com/glkvm-cloud/device-console/pkg/publishers"
)

// Console is the device console runtime. It owns the device store, the
// publisher fan-out, the command dispatcher and the HTTP server, and tears them
// down in reverse order on shutdown.
type Console struct {
	cfg      *config.Config
	store    storage.Store
	fanout   *publishers.Fanout
	commands *commands.Service
	httpSrv  *http.Server
	log      logger.Logger
}

// NewConsole builds a console runtime from config.
func NewConsole(ctx context.Context, cfg *config.Config, log logger.Logger) (*Console, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if log == nil {
		log = logger.NopLogger{}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	fanout, err := buildFanout(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	store, err := storage.NewStore(cfg.StorageType, cfg.StoragePath(), storage.Options{})
	if err != nil {
		_ = fanout.Close()
		return nil, fmt.Errorf("init storage: %w", err)
	}
	log.InfoObj("storage initialized", "storage_config", map[string]any{
		"type": cfg.StorageType,
		"path": cfg.StoragePath(),
	})

	cmdService := commands.NewService(fanout, log, cfg.CommandTimeout)

	signer := auth.NewSigner(cfg.AuthSecret, cfg.AuthIssuer, cfg.AuthTTL)
	if signer == nil {
		log.WarnObj("auth_secret not set; operator routes are unauthenticated", "auth", map[string]any{
			"listen_addr": cfg.ListenAddr,
		})
	}

	srv, err := server.New(server.Options{
		Store:             store,
		Commands:          cmdService,
		Signer:            signer,
		Log:               log,
		BaseDomain:        cfg.BaseDomain,
		RegisterToken:     cfg.RegisterToken,
		InstallScriptPath: cfg.InstallScriptPath,
	})
	if err != nil {
		_ = store.Close()
		_ = fanout.Close()
		return nil, fmt.Errorf("build server: %w", err)
	}

	return &Console{
		cfg:      cfg,
		store:    store,
		fanout:   fanout,
		commands: cmdService,
		httpSrv: &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: log,
	}, nil
}

// buildFanout returns an empty fan-out when no publishers file is configured.
func buildFanout(ctx context.Context, cfg *config.Config, log logger.Logger) (*publishers.Fanout, error) {
	if strings.TrimSpace(cfg.PublishersFile) == "" {
		log.WarnObj("no publishers_file configured; commands will not be delivered", "publishers_meta", map[string]any{
			"count": 0,
		})
		return publishers.NewFanout(nil), nil
	}

	publisherReg, err := publishers.LoadRegistry(cfg.PublishersFile)
	if err != nil {
		return nil, fmt.Errorf("load publishers registry: %w", err)
	}
	enabled := publisherReg.Enabled()
	if len(enabled) == 0 {
		return nil, fmt.Errorf("no publishers enabled in %s", cfg.PublishersFile)
	}

	pubClients, err := publishers.BuildAll(ctx, publishers.DefaultRegistry(), enabled, log)
	if err != nil {
		return nil, fmt.Errorf("build publishers: %w", err)
	}

	summaries := make([]map[string]string, 0, len(enabled))
	for _, pubCfg := range enabled {
		summaries = append(summaries, map[string]string{
			"id":   pubCfg.ID,
			"type": pubCfg.Type,
		})
	}
	log.InfoObj("publishers registry loaded", "publishers_meta", map[string]any{
		"count":      len(summaries),
		"publishers": summaries,
	})
	return publishers.NewFanout(pubClients), nil
}

// Run listens on the configured address and serves until ctx is cancelled.
func (c *Console) Run(ctx context.Context) error {
	if c == nil || c.httpSrv == nil {
		return fmt.Errorf("console is not initialized")
	}
	ln, err := net.Listen("tcp", c.cfg.ListenAddr)
	if err != nil {
		c.close(ctx)
		return fmt.Errorf("listen %s: %w", c.cfg.ListenAddr, err)
	}
	return c.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully within the configured shutdown timeout.
func (c *Console) Serve(ctx context.Context, ln net.Listener) error {
	if c == nil || c.httpSrv == nil {
		return fmt.Errorf("console is not initialized")
	}

	c.log.InfoObj("console listening", "console_state", map[string]any{
		"addr":             ln.Addr().String(),
		"publishers_count": c.fanout.Size(),
		"storage_type":     c.cfg.StorageType,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.httpSrv.Serve(ln)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		c.log.InfoObj("console shutting down", "reason", ctx.Err())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownTimeout)
	defer cancel()
	if err := c.httpSrv.Shutdown(shutdownCtx); err != nil {
		c.log.ErrorObj("http shutdown failed", "error", err)
	}
	c.close(shutdownCtx)
	return serveErr
}

// close drains background sends, then releases publishers and storage.
func (c *Console) close(ctx context.Context) {
	if err := c.commands.Close(ctx); err != nil {
		c.log.ErrorObj("command dispatcher close failed", "error", err)
	}
	if err := c.fanout.Close(); err != nil {
		c.log.ErrorObj("publishers close failed", "error", err)
	}
	if err := c.store.Close(); err != nil {
		c.log.ErrorObj("storage close failed", "error", err)
	}
}
