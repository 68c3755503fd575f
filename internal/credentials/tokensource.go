package credentials

import (
	"context"

	"golang.org/x/oauth2"
)

// TokenSource adapts the Provider to oauth2.TokenSource so Google client
// libraries share the same cached credential. The source keeps ctx values
// but not its cancellation, since clients hold it for their whole lifetime.
func (p *Provider) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &tokenSource{ctx: context.WithoutCancel(ctx), provider: p}
}

type tokenSource struct {
	ctx      context.Context
	provider *Provider
}

func (ts *tokenSource) Token() (*oauth2.Token, error) {
	c, err := ts.provider.Token(ts.ctx)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: c.Token,
		TokenType:   "Bearer",
		Expiry:      c.ExpiresAt,
	}, nil
}
