package auth

import "context"

// StaticTokenProvider returns a token obtained outside brokerload.
type StaticTokenProvider struct {
	token string
}

func NewStaticTokenProvider(token string) *StaticTokenProvider {
	return &StaticTokenProvider{token: token}
}

func (p *StaticTokenProvider) Token(context.Context) (string, error) {
	return p.token, nil
}

func (p *StaticTokenProvider) Close() error {
	return nil
}
