package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ramazulay/email-relay/internal/awsclient"
	"github.com/ramazulay/email-relay/internal/config"
	"github.com/ramazulay/email-relay/internal/ingress"
	"github.com/ramazulay/email-relay/internal/secret"
	"github.com/ramazulay/email-relay/internal/server"
	"github.com/ramazulay/email-relay/internal/sqs"
	"github.com/ramazulay/email-relay/internal/tracing"
	"github.com/ramazulay/email-relay/internal/validator"
	"github.com/spf13/cobra"
)

func newIngestCommand(version, commit string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "ingest",
		Short:         "Serve the validating HTTP ingest endpoint",
		Annotations:   annotations(version, commit),
		RunE:          runIngest,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.RegisterFlags(cmd)
	return cmd
}

func runIngest(cmd *cobra.Command, _ []string) error {
	slog.Info("email-relay ingest", "version", cmd.Annotations["version"], "commit", cmd.Annotations["commit"])

	cfg, err := config.LoadConfig(cmd, config.ModeIngest)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx := cmd.Context()
	shutdownTracing, err := tracing.Setup(ctx, &cfg.HTTP.Tracing, "email-relay-ingest", cmd.Annotations["version"])
	if err != nil {
		return err
	}
	defer flushTraces(shutdownTracing)

	awsCfg, err := awsclient.Load(ctx, &cfg.AWS)
	if err != nil {
		return err
	}

	err = startupCheck(ctx, cfg.AWS.RequestTimeout, "AWS credentials", func(ctx context.Context) error {
		_, err := awsclient.VerifyIdentity(ctx, awsclient.NewSTS(awsCfg))
		return err
	})
	if err != nil {
		return err
	}

	queue := sqs.NewFromConfig(awsCfg, cfg.Queue.URL)
	if err := startupCheck(ctx, cfg.AWS.RequestTimeout, "SQS queue", queue.Check); err != nil {
		return err
	}

	secrets := secret.NewFromConfig(awsCfg, cfg.Secret.Parameter)
	publisher := ingress.NewPublisher(validator.New(secrets), queue, cfg.AWS.RequestTimeout)

	slog.Info("Starting HTTP server")
	server := server.NewServer(&cfg.HTTP, server.IngestRoutes(publisher, cmd.Annotations["version"]))
	err = server.Start()
	if err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	waitForShutdown(server.Stop)
	return nil
}
