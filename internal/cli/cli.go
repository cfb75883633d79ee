// ============================================================================
// 派工系統 CLI - 命令列介面
// ============================================================================
//
// Package: internal/cli
// 文件: cli.go
// 功能: 以 Cobra 提供服務啟動與操作命令
//
// 命令結構:
//   labor-dispatch
//   ├── run                 # 啟動派工服務（HTTP + WebSocket + gRPC）
//   ├── post                # 透過 gRPC 發布工作（單筆或 JSON 檔）
//   ├── status              # 查詢執行中服務的統計
//   ├── token               # 簽發測試用 JWT
//   └── --config, -c        # 配置檔（預設 configs/default.yaml）
//
// run 命令:
//   1. 載入配置（YAML → .env → 環境變數）
//   2. 組裝儲存層、目錄、推播、通知、排程器
//   3. 監聽 SIGINT / SIGTERM，優雅關閉
//
// post 的 JSON 格式:
//   [
//     {"contractor_id": "c-1", "title": "搬運", "amount": 1200,
//      "location": {"lat": 25.03, "lon": 121.56}, "worker_type": "mason"}
//   ]
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/labor-dispatch/internal/auth"
	"github.com/ChuLiYu/labor-dispatch/internal/config"
	"github.com/ChuLiYu/labor-dispatch/internal/dispatch"
	"github.com/ChuLiYu/labor-dispatch/internal/server"
	"github.com/ChuLiYu/labor-dispatch/pkg/types"
)

const defaultGRPCAddr = "localhost:50051"

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "labor-dispatch",
		Short: "Labor dispatch: matches posted jobs to nearby workers",
		Long: `labor-dispatch offers each posted job to one worker at a time:
- nearest eligible worker within the dispatch radius
- offer timeout and retry cooldown
- live location tracking after acceptance
- journaled, sqlite or in-memory job store`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildPostCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildTokenCommand())

	return rootCmd
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return cfg, logger, nil
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the dispatch service",
		Long:  "Start the HTTP/WebSocket API and the gRPC service, and resume dispatch for stored jobs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runService(ctx, cfg, logger)
		},
	}
}

func runService(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	app, err := NewApp(cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.Listen(); err != nil {
		return err
	}
	logger.Info("Dispatch service started",
		"http", app.HTTPAddr(),
		"grpc", app.GRPCAddr(),
		"store", cfg.Store.Backend,
		"directory", cfg.Directory.Backend)

	err = app.Serve(ctx)
	logger.Info("Dispatch service stopped")
	return err
}

func dial(addr string) (*grpc.ClientConn, *server.Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return conn, server.NewClient(conn), nil
}

func buildPostCommand() *cobra.Command {
	var (
		addr    string
		jobFile string
		job     dispatch.NewJob
	)

	cmd := &cobra.Command{
		Use:   "post",
		Short: "Post jobs to a running service",
		Long:  "Post a single job from flags, or a batch from a JSON file with --file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs := []dispatch.NewJob{job}
			if jobFile != "" {
				var err error
				if jobs, err = readJobs(jobFile); err != nil {
					return err
				}
			}

			conn, client, err := dial(addr)
			if err != nil {
				return err
			}
			defer conn.Close()

			return postJobs(cmd.Context(), client, jobs, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", defaultGRPCAddr, "gRPC address of the dispatch service")
	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON file containing job definitions")
	cmd.Flags().StringVar(&job.ContractorID, "contractor", "", "contractor id")
	cmd.Flags().StringVar(&job.Title, "title", "", "job title")
	cmd.Flags().Float64Var(&job.Amount, "amount", 0, "job amount")
	cmd.Flags().Float64Var(&job.Location.Lat, "lat", 0, "job latitude")
	cmd.Flags().Float64Var(&job.Location.Lon, "lon", 0, "job longitude")
	cmd.Flags().StringVar(&job.WorkerType, "worker-type", "", "required worker type (empty for any)")

	return cmd
}

func readJobs(path string) ([]dispatch.NewJob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}

	var jobs []dispatch.NewJob
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("job file %s contains no jobs", path)
	}
	return jobs, nil
}

// poster 供測試替換 gRPC client
type poster interface {
	PostJob(ctx context.Context, in dispatch.NewJob) (*types.Job, error)
}

func postJobs(ctx context.Context, client poster, jobs []dispatch.NewJob, out io.Writer) error {
	posted := 0
	for i, in := range jobs {
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		job, err := client.PostJob(callCtx, in)
		cancel()
		if err != nil {
			fmt.Fprintln(out, errorStyle.Render(fmt.Sprintf("✗ job #%d (%s): %v", i+1, in.Title, err)))
			continue
		}
		posted++
		fmt.Fprintln(out, successStyle.Render(fmt.Sprintf("✓ %s %s", job.ID, job.Status)))
	}

	fmt.Fprintf(out, "Posted %d/%d jobs\n", posted, len(jobs))
	if posted == 0 {
		return fmt.Errorf("no job was posted")
	}
	return nil
}

func buildStatusCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show dispatch status",
		Long:  "Display configuration and, when the service is reachable, live dispatch statistics.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			stats, statErr := fetchStats(cmd.Context(), addr)
			fmt.Fprintln(cmd.OutOrStdout(), renderStatus(configFile, cfg, stats, statErr))
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", defaultGRPCAddr, "gRPC address of the dispatch service")
	return cmd
}

func fetchStats(ctx context.Context, addr string) (*dispatch.Stats, error) {
	conn, client, err := dial(addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	stats, err := client.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

func buildTokenCommand() *cobra.Command {
	var (
		role    string
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed access token",
		Long:  "Sign a JWT with the configured secret, for a worker (subject = phone) or a contractor (subject = contractor id).",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			token, err := issueToken(cfg, role, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&role, "role", auth.RoleWorker, "token role (worker, contractor or service)")
	cmd.Flags().StringVar(&subject, "subject", "", "worker phone or contractor id")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")

	return cmd
}

func issueToken(cfg *config.Config, role, subject string, ttl time.Duration) (string, error) {
	if cfg.Auth.JWTSecret == "" {
		return "", fmt.Errorf("auth.jwt_secret is not configured")
	}
	switch role {
	case auth.RoleWorker, auth.RoleContractor, auth.RoleService:
	default:
		return "", fmt.Errorf("unknown role %q", role)
	}
	if subject == "" {
		return "", fmt.Errorf("subject is required")
	}
	return auth.NewVerifier(cfg.Auth.JWTSecret).Issue(subject, role, ttl)
}
