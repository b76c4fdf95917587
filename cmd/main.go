package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"council-agent/internal/auth"
	"council-agent/internal/config"
	"council-agent/internal/server"
)

var (
	configPath string

	tokenUser string
	tokenTTL  time.Duration

	logger *zap.Logger
	cfg    config.Config
)

var rootCmd = &cobra.Command{
	Use:   "council-agent",
	Short: "Consultation deliberation API",
	Long: `council-agent asks an LLM to draft a three-persona deliberation over a
consultation, normalizes the draft and stores it per user under a daily quota.

Without a subcommand it serves API Gateway events when running inside AWS
Lambda and a standalone HTTP server otherwise.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		level, err := cfg.Level()
		if err != nil {
			return err
		}
		zc := zap.NewProductionConfig()
		zc.Level = level
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "" {
			return runLambda(cmd, args)
		}
		return runServe(cmd, args)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the API over HTTP",
	RunE:  runServe,
}

var lambdaCmd = &cobra.Command{
	Use:   "lambda",
	Short: "Serve API Gateway proxy events",
	RunE:  runLambda,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for local testing",
	Long: `Signs an HS256 token with AUTH_JWT_SECRET (or the jwt-secret parameter
under PARAM_PREFIX) for the given user.

Example:
  council-agent token --user u1 --ttl 24h`,
	RunE: runToken,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (defaults to $CONFIG_FILE)")

	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id to embed in the token")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(serveCmd, lambdaCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup_failed", zap.Error(err))
		return err
	}
	defer app.Close()

	e := server.New(app.Handler,
		server.WithCORSOrigin(cfg.CORSOrigin),
		server.WithLogger(logger),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx, e, cfg.Addr, logger)
	})
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			logger.Info("shutdown_signal")
		}
		return nil
	})
	return g.Wait()
}

func runLambda(cmd *cobra.Command, args []string) error {
	app, err := build(cmd.Context(), cfg, logger)
	if err != nil {
		logger.Error("startup_failed", zap.Error(err))
		return err
	}
	defer app.Close()

	lambda.Start(app.Handler.Handle)
	return nil
}

func runToken(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	secrets, err := resolveSecrets(ctx, cfg, false)
	if err != nil {
		return err
	}
	token, err := auth.IssueToken(secrets.jwt, cfg.AuthIssuer, tokenUser, tokenTTL, time.Now())
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
