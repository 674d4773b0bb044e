package domain_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/agentkey/internal/domain"
)

func TestPublicCollapsesInternalDetail(t *testing.T) {
	require.NoError(t, domain.Public(nil))
	require.Equal(t, domain.ErrUnauthorized, domain.Public(fmt.Errorf("open: %w", domain.ErrDecryption)))
	require.Equal(t, domain.ErrUnavailable, domain.Public(fmt.Errorf("get: %w", domain.ErrUnavailable)))
	require.Equal(t, domain.ErrInternal, domain.Public(context.Canceled))

	validation := fmt.Errorf("%w: name is required", domain.ErrValidation)
	require.Equal(t, validation, domain.Public(validation))
	require.True(t, errors.Is(domain.Public(validation), domain.ErrValidation))
}

func TestSecretRedacts(t *testing.T) {
	s := domain.NewSecret([]byte("s3cr3t"))
	require.Equal(t, "[REDACTED]", s.String())
	require.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	require.Equal(t, "[REDACTED]", fmt.Sprintf("%#v", s))
	require.Equal(t, "s3cr3t", s.Reveal())

	s.Wipe()
	require.Equal(t, []byte{0, 0, 0, 0, 0, 0}, s.Bytes())
}
