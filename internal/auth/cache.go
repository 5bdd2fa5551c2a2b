package auth

import "sync"

// CredentialsCache is the process-wide single-slot mirror of the current
// account's credentials. It exists so the low-latency header-injection path
// never touches the (potentially slow, encrypted) store. It is updated only
// inside the account mutation section; staleness is acceptable, pointing at a
// different account than the holder is not.
type CredentialsCache struct {
	mu        sync.RWMutex
	accountID string
	creds     *Credentials
}

// NewCredentialsCache returns an empty cache.
func NewCredentialsCache() *CredentialsCache {
	return &CredentialsCache{}
}

// Get returns the mirrored account ID and credentials, or ok=false when empty.
func (c *CredentialsCache) Get() (accountID string, creds *Credentials, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.creds == nil {
		return "", nil, false
	}
	return c.accountID, c.creds, true
}

// Set replaces the mirrored pair.
func (c *CredentialsCache) Set(accountID string, creds *Credentials) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accountID = accountID
	c.creds = creds
}

// Clear empties the mirror.
func (c *CredentialsCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accountID = ""
	c.creds = nil
}
