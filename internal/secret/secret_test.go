package secret_test

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/ramazulay/email-relay/internal/backend"
	"github.com/ramazulay/email-relay/internal/secret"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSSM struct {
	values []string
	err    error
	calls  int
	inputs []*ssm.GetParameterInput
}

func (f *fakeSSM) GetParameter(_ context.Context, params *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.inputs = append(f.inputs, params)
	defer func() { f.calls++ }()
	if f.err != nil {
		return nil, f.err
	}
	if len(f.values) == 0 {
		return &ssm.GetParameterOutput{Parameter: &types.Parameter{}}, nil
	}
	v := f.values[min(f.calls, len(f.values)-1)]
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{Value: aws.String(v)}}, nil
}

func TestSSMProviderReadsDecryptedParameter(t *testing.T) {
	t.Parallel()
	fake := &fakeSSM{values: []string{"s3cret"}}
	p := secret.NewSSMProvider(fake, "/email-service/api-token")

	got, err := p.CurrentSecret(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "s3cret", got)
	require.Len(t, fake.inputs, 1)
	assert.Equal(t, "/email-service/api-token", aws.ToString(fake.inputs[0].Name))
	assert.True(t, aws.ToBool(fake.inputs[0].WithDecryption))
}

func TestSSMProviderPicksUpRotation(t *testing.T) {
	t.Parallel()
	fake := &fakeSSM{values: []string{"old", "new"}}
	p := secret.NewSSMProvider(fake, "/token")

	first, err := p.CurrentSecret(context.Background())
	require.NoError(t, err)
	second, err := p.CurrentSecret(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "old", first)
	assert.Equal(t, "new", second)
	assert.Equal(t, 2, fake.calls)
}

func TestSSMProviderBackendFailure(t *testing.T) {
	t.Parallel()
	p := secret.NewSSMProvider(&fakeSSM{err: errors.New("throttled")}, "/token")

	_, err := p.CurrentSecret(context.Background())

	assert.ErrorIs(t, err, secret.ErrUnavailable)
	assert.ErrorAs(t, err, new(*backend.Error))
}

func TestSSMProviderMissingValue(t *testing.T) {
	t.Parallel()
	p := secret.NewSSMProvider(&fakeSSM{}, "/token")

	_, err := p.CurrentSecret(context.Background())

	assert.ErrorIs(t, err, secret.ErrUnavailable)
}
