package auth

import (
	"context"
	"fmt"

	"google.golang.org/grpc/credentials"
)

// Provider obtains bearer tokens for broker calls.
type Provider interface {
	// Token returns a valid token, from cache when possible.
	Token(ctx context.Context) (string, error)

	// Close releases any resources held by the provider.
	Close() error
}

type bearerCredentials struct {
	provider   Provider
	requireTLS bool
}

// PerRPCCredentials sends the provider's token as "authorization: Bearer <token>"
// metadata on every call. With requireTLS set, gRPC refuses to send it over
// plaintext connections.
func PerRPCCredentials(p Provider, requireTLS bool) credentials.PerRPCCredentials {
	return bearerCredentials{provider: p, requireTLS: requireTLS}
}

func (c bearerCredentials) GetRequestMetadata(ctx context.Context, _ ...string) (map[string]string, error) {
	token, err := c.provider.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	return map[string]string{"authorization": "Bearer " + token}, nil
}

func (c bearerCredentials) RequireTransportSecurity() bool {
	return c.requireTLS
}
