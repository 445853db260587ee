package secret

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/ramazulay/email-relay/internal/backend"
)

// ErrUnavailable is returned when the secret store cannot be read.
var ErrUnavailable = errors.New("secret unavailable")

// Provider returns the shared ingest secret as currently stored.
type Provider interface {
	CurrentSecret(ctx context.Context) (string, error)
}

// SSMAPI is the subset of the SSM client used here.
type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSMProvider reads the secret from Parameter Store on every call, so a
// rotated value is picked up by the very next request.
type SSMProvider struct {
	client    SSMAPI
	parameter string
}

func NewSSMProvider(client SSMAPI, parameter string) *SSMProvider {
	return &SSMProvider{client: client, parameter: parameter}
}

func NewFromConfig(cfg aws.Config, parameter string) *SSMProvider {
	return NewSSMProvider(ssm.NewFromConfig(cfg), parameter)
}

func (p *SSMProvider) CurrentSecret(ctx context.Context) (string, error) {
	resp, err := p.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(p.parameter),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnavailable, backend.Wrap("ssm", "GetParameter", err))
	}
	if resp.Parameter == nil || resp.Parameter.Value == nil {
		return "", fmt.Errorf("%w: parameter %s has no value", ErrUnavailable, p.parameter)
	}
	return *resp.Parameter.Value, nil
}
