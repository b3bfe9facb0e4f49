package syncclient

import (
	"errors"
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// Credential errors.
var (
	ErrNoSubject = errors.New("credential has no subject")
)

// Credentials holds the current bearer token. Every change wakes the waiters
// returned by Changed.
type Credentials struct {
	mu      sync.Mutex
	token   string
	changed chan struct{}
}

// NewCredentials creates a holder with an initial token, which may be empty.
func NewCredentials(token string) *Credentials {
	return &Credentials{
		token:   token,
		changed: make(chan struct{}),
	}
}

// Current returns the current token, or "" when signed out.
func (c *Credentials) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Changed returns a channel closed on the next change.
func (c *Credentials) Changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

// Set replaces the token. Setting the current value is a no-op.
func (c *Credentials) Set(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == token {
		return
	}
	c.token = token
	close(c.changed)
	c.changed = make(chan struct{})
}

// Clear signs out.
func (c *Credentials) Clear() {
	c.Set("")
}

// SubjectOf returns the sub claim of token without verifying its signature.
func SubjectOf(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("parse credential: %w", err)
	}
	if claims.Subject == "" {
		return "", ErrNoSubject
	}
	return claims.Subject, nil
}
