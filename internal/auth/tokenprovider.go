package auth

// TokenProvider supplies the value injected into an outgoing request's auth
// header. Which header is looked up is part of the provider, since
// centralized deployments may use a vendor header instead of Authorization.
type TokenProvider interface {
	HeaderName() string
	// Token returns the header value, or ok=false when no token is available.
	// Callers must send the request unauthenticated in that case and let the
	// failure trigger the refresh flow; they must never block waiting for a
	// token here.
	Token() (value string, ok bool)
}

// StaticTokenProvider serves a fixed configuration value (centralized mode).
type StaticTokenProvider struct {
	Header string
	Value  string
}

func (p *StaticTokenProvider) HeaderName() string { return p.Header }

func (p *StaticTokenProvider) Token() (string, bool) {
	if p.Value == "" {
		return "", false
	}
	return p.Value, true
}

// AccountTokenProvider builds a Bearer token from the credentials cache
// mirror. It never consults the store: this path runs on every outgoing
// request and must not block.
type AccountTokenProvider struct {
	Header string
	Cache  *CredentialsCache
}

func (p *AccountTokenProvider) HeaderName() string { return p.Header }

func (p *AccountTokenProvider) Token() (string, bool) {
	_, creds, ok := p.Cache.Get()
	if !ok || creds.AccessToken == "" {
		return "", false
	}
	return "Bearer " + creds.AccessToken, true
}
