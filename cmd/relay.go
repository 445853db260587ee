package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ramazulay/email-relay/internal/awsclient"
	"github.com/ramazulay/email-relay/internal/config"
	"github.com/ramazulay/email-relay/internal/events"
	"github.com/ramazulay/email-relay/internal/health"
	"github.com/ramazulay/email-relay/internal/metrics"
	"github.com/ramazulay/email-relay/internal/notify"
	"github.com/ramazulay/email-relay/internal/relay"
	"github.com/ramazulay/email-relay/internal/s3"
	"github.com/ramazulay/email-relay/internal/server"
	"github.com/ramazulay/email-relay/internal/sqs"
	"github.com/ramazulay/email-relay/internal/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var errBucketNotFound = errors.New("bucket does not exist")

func newRelayCommand(version, commit string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "relay",
		Short:         "Archive queued messages to S3 and serve health",
		Annotations:   annotations(version, commit),
		RunE:          runRelay,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.RegisterFlags(cmd)
	return cmd
}

func runRelay(cmd *cobra.Command, _ []string) error {
	slog.Info("email-relay relay", "version", cmd.Annotations["version"], "commit", cmd.Annotations["commit"])

	cfg, err := config.LoadConfig(cmd, config.ModeRelay)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx := cmd.Context()
	shutdownTracing, err := tracing.Setup(ctx, &cfg.HTTP.Tracing, "email-relay-relay", cmd.Annotations["version"])
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

	store := s3.NewFromConfig(awsCfg, cfg.Archive.Bucket)
	err = startupCheck(ctx, cfg.AWS.RequestTimeout, "S3 bucket", func(ctx context.Context) error {
		ok, err := store.Exists(ctx, "")
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s: %w", cfg.Archive.Bucket, errBucketNotFound)
		}
		slog.Info("S3 bucket is accessible", "bucket", cfg.Archive.Bucket)
		return nil
	})
	if err != nil {
		return err
	}

	eventBus := events.NewEventBus()
	prometheus.MustRegister(metrics.NewDroppedEventsCounter(eventBus.Dropped))
	slog.Info("Event bus started")

	state := health.NewState()
	consumer := relay.NewConsumer(queue, store, state, eventBus, relay.Options{
		BatchSize:      cfg.Relay.BatchSize,
		WaitTime:       cfg.Relay.WaitTime,
		PollInterval:   cfg.Relay.PollInterval,
		RequestTimeout: cfg.AWS.RequestTimeout,
		Concurrency:    cfg.Relay.Concurrency,
		KeyPrefix:      cfg.Archive.Prefix,
	})

	// Detached from the command context so only the shutdown hook stops the
	// loop, after which it finishes the message commits already started.
	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		consumer.Run(runCtx)
	}()

	if cfg.Archive.NotifyTopicARN != "" {
		forwarder := notify.NewFromConfig(awsCfg, cfg.Archive.NotifyTopicARN, cfg.Archive.Bucket, cfg.AWS.RequestTimeout)
		go forwarder.Run(runCtx, eventBus)
	}

	slog.Info("Starting HTTP server")
	server := server.NewServer(&cfg.HTTP, server.RelayRoutes(&cfg.HTTP, state, eventBus))
	err = server.Start()
	if err != nil {
		cancelRun()
		<-relayDone
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	waitForShutdown(
		server.Stop,
		func() error {
			cancelRun()
			<-relayDone
			eventBus.Close()
			return nil
		},
	)
	return nil
}
