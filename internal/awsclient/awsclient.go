// Package awsclient builds the shared AWS configuration and checks the
// credentials it resolves.
package awsclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/ramazulay/email-relay/internal/backend"
	"github.com/ramazulay/email-relay/internal/config"
)

// Load resolves credentials through the default chain (environment, shared
// files, instance role) in the configured region.
func Load(ctx context.Context, cfg *config.AWS) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if cfg.Endpoint != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return awsCfg, nil
}

type STSAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

type Identity struct {
	Account string
	ARN     string
}

// VerifyIdentity fails when the resolved credentials are missing or rejected.
func VerifyIdentity(ctx context.Context, client STSAPI) (Identity, error) {
	resp, err := client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return Identity{}, backend.Wrap("sts", "GetCallerIdentity", err)
	}
	if resp.Account == nil {
		return Identity{}, backend.Wrap("sts", "GetCallerIdentity", errors.New("response carried no account"))
	}
	id := Identity{Account: aws.ToString(resp.Account), ARN: aws.ToString(resp.Arn)}
	slog.Info("AWS credentials verified", "account", id.Account, "arn", id.ARN)
	return id, nil
}

func NewSTS(cfg aws.Config) *sts.Client {
	return sts.NewFromConfig(cfg)
}
