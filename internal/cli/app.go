package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/labor-dispatch/internal/auth"
	"github.com/ChuLiYu/labor-dispatch/internal/config"
	"github.com/ChuLiYu/labor-dispatch/internal/directory"
	"github.com/ChuLiYu/labor-dispatch/internal/dispatch"
	"github.com/ChuLiYu/labor-dispatch/internal/gateway"
	"github.com/ChuLiYu/labor-dispatch/internal/httpapi"
	"github.com/ChuLiYu/labor-dispatch/internal/jobstore"
	"github.com/ChuLiYu/labor-dispatch/internal/jobstore/sqlite"
	"github.com/ChuLiYu/labor-dispatch/internal/metrics"
	"github.com/ChuLiYu/labor-dispatch/internal/notify"
	"github.com/ChuLiYu/labor-dispatch/internal/push"
	"github.com/ChuLiYu/labor-dispatch/internal/registry"
	"github.com/ChuLiYu/labor-dispatch/internal/server"
)

// App 組裝完成的派工服務
//
// 生命週期：NewApp → Listen → Serve（直到 ctx 取消）→ Close
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	store     jobstore.Store
	redis     *redis.Client
	hub       *push.Hub
	notifier  *notify.Dispatcher
	Scheduler *dispatch.Scheduler

	httpSrv *http.Server
	grpcSrv *grpc.Server
	httpLis net.Listener
	grpcLis net.Listener
}

// NewApp 依配置建立所有元件
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.store = store

	dir, err := a.openDirectory()
	if err != nil {
		a.Close()
		return nil, err
	}

	var verifier *auth.Verifier
	if cfg.Auth.Enabled {
		verifier = auth.NewVerifier(cfg.Auth.JWTSecret)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	a.hub = push.NewHub(verifier, logger)
	a.notifier = notify.NewDispatcher(
		notify.Multi{notify.LogNotifier{Logger: logger}, notify.PushNotifier{Channel: a.hub}},
		cfg.Notify.BufferSize, cfg.Notify.Timeout, logger)
	if err := a.notifier.Start(cfg.Notify.Workers); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to start notifier: %w", err)
	}

	workers := registry.New()
	a.Scheduler = dispatch.NewScheduler(cfg.DispatchConfig(), dispatch.Deps{
		Store:     store,
		Registry:  workers,
		Directory: dir,
		Push:      a.hub,
		Notifier:  a.notifier,
		Metrics:   collector,
		Logger:    logger,
	})
	a.hub.SetHandler(gateway.New(a.Scheduler, workers, a.hub, cfg.Dispatch.StoreTimeout, logger))

	api := httpapi.Server{
		Service:    a.Scheduler,
		Verifier:   verifier,
		Worker:     a.hub.ServeWorker,
		Contractor: a.hub.ServeContractor,
	}
	if cfg.Metrics.Enabled {
		api.Metrics = collector.Handler()
	}
	a.httpSrv = &http.Server{
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.grpcSrv = grpc.NewServer(grpc.UnaryInterceptor(server.LoggingInterceptor(logger)))
	server.Register(a.grpcSrv, server.NewServer(a.Scheduler))
	return a, nil
}

func openStore(cfg *config.Config, logger *slog.Logger) (jobstore.Store, error) {
	switch cfg.Store.Backend {
	case config.StoreMemory:
		return jobstore.NewMemory(), nil
	case config.StoreSQLite:
		store, err := sqlite.Open(cfg.Store.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return store, nil
	default:
		store, err := jobstore.OpenJournaled(cfg.JournalConfig(), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		return store, nil
	}
}

func (a *App) openDirectory() (directory.Directory, error) {
	if a.cfg.Directory.Backend != config.DirectoryRedis {
		return directory.NewMemory(), nil
	}

	a.redis = redis.NewClient(&redis.Options{Addr: a.cfg.Directory.RedisAddr})
	dir := directory.NewRedis(a.redis, a.cfg.Directory.RedisKey)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := dir.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to reach redis at %s: %w", a.cfg.Directory.RedisAddr, err)
	}
	return dir, nil
}

// Listen 綁定 HTTP 與 gRPC 位址
func (a *App) Listen() error {
	var err error
	if a.httpLis, err = net.Listen("tcp", a.cfg.Server.HTTPAddr); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.Server.HTTPAddr, err)
	}
	if a.grpcLis, err = net.Listen("tcp", a.cfg.Server.GRPCAddr); err != nil {
		a.httpLis.Close()
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.Server.GRPCAddr, err)
	}
	return nil
}

// HTTPAddr 實際的 HTTP 位址
func (a *App) HTTPAddr() string { return a.httpLis.Addr().String() }

// GRPCAddr 實際的 gRPC 位址
func (a *App) GRPCAddr() string { return a.grpcLis.Addr().String() }

// Serve 啟動排程器與伺服器，直到 ctx 取消或任一伺服器失敗
func (a *App) Serve(ctx context.Context) error {
	if a.httpLis == nil {
		if err := a.Listen(); err != nil {
			return err
		}
	}
	if err := a.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("HTTP server listening", "addr", a.HTTPAddr())
		if err := a.httpSrv.Serve(a.httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.logger.Info("gRPC server listening", "addr", a.GRPCAddr())
		if err := a.grpcSrv.Serve(a.grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		a.hub.Close()
		a.grpcSrv.GracefulStop()
		return a.httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Close 停止排程器並釋放資源；可在 Serve 結束後呼叫
func (a *App) Close() {
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.notifier != nil {
		a.notifier.Stop()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("Failed to close job store", "error", err)
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}
