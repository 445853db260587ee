package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/ramazulay/email-relay/internal/tracing"
	"github.com/spf13/cobra"
	"github.com/ztrue/shutdown"
	"golang.org/x/sync/errgroup"
)

func NewCommand(version, commit string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "email-relay",
		Short:         "Validate email events, queue them on SQS and archive them to S3",
		Version:       fmt.Sprintf("%s - %s", version, commit),
		Annotations:   annotations(version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newIngestCommand(version, commit), newRelayCommand(version, commit))
	return cmd
}

func annotations(version, commit string) map[string]string {
	return map[string]string{
		"version": version,
		"commit":  commit,
	}
}

// startupCheck runs fn under the AWS request timeout.
func startupCheck(ctx context.Context, timeout time.Duration, what string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		return fmt.Errorf("failed to verify %s: %w", what, err)
	}
	return nil
}

func flushTraces(shutdown tracing.Shutdown) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		slog.Error("Failed to flush traces", "error", err)
	}
}

// waitForShutdown blocks until a termination signal, then runs every stop
// function concurrently.
func waitForShutdown(stops ...func() error) {
	stop := func(sig os.Signal) {
		slog.Info("Shutting down", "signal", sig.String())

		errGrp := errgroup.Group{}
		for _, fn := range stops {
			errGrp.Go(fn)
		}

		err := errGrp.Wait()
		if err != nil {
			slog.Error("Shutdown error", "error", err.Error())
			os.Exit(1)
		}
		slog.Info("Shutdown complete")
	}

	shutdown.AddWithParam(stop)

	shutdown.Listen(syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
}
