// Package creds supplies bearer tokens to the remote client.
//
// Acquisition itself (login, refresh) is the surrounding application's
// concern; this package only hands out whatever token it was given and
// reports expiry early, so the sync engine can raise its auth flag without
// burning a round trip on a token that is already dead.
package creds

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoCredentials is returned when no token is available or the token on
// hand has expired.
var ErrNoCredentials = errors.New("no valid credentials")

// Provider hands out a bearer token on demand.
type Provider interface {
	// Token returns a usable bearer token, or ErrNoCredentials (possibly
	// wrapped) when none is available.
	Token() (string, error)
}

// Static is a fixed-token provider, mainly for tests and short-lived CLI
// invocations with a token passed on the command line.
type Static string

// Token implements Provider.
func (s Static) Token() (string, error) {
	if s == "" {
		return "", ErrNoCredentials
	}
	if expired(string(s), time.Now()) {
		return "", fmt.Errorf("token expired: %w", ErrNoCredentials)
	}
	return string(s), nil
}

// FileProvider reads the token from a file on every request, so a login
// performed out-of-band (or a refresh written by the host app) is picked up
// without restarting the daemon.
type FileProvider struct {
	Path string

	// Now is the clock used for expiry checks. Defaults to time.Now.
	Now func() time.Time

	mu     sync.Mutex
	cached string
	mtime  time.Time
}

// NewFileProvider returns a provider reading the token from path.
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{Path: path, Now: time.Now}
}

// Token implements Provider. The file is re-read only when its mtime moves.
func (f *FileProvider) Token() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	info, err := os.Stat(f.Path)
	if err != nil {
		return "", fmt.Errorf("token file %s: %w", f.Path, ErrNoCredentials)
	}

	if f.cached == "" || info.ModTime().After(f.mtime) {
		data, err := os.ReadFile(f.Path)
		if err != nil {
			return "", fmt.Errorf("failed to read token file %s: %w", f.Path, err)
		}
		f.cached = strings.TrimSpace(string(data))
		f.mtime = info.ModTime()
	}

	if f.cached == "" {
		return "", fmt.Errorf("token file %s is empty: %w", f.Path, ErrNoCredentials)
	}

	now := time.Now()
	if f.Now != nil {
		now = f.Now()
	}
	if expired(f.cached, now) {
		return "", fmt.Errorf("token expired: %w", ErrNoCredentials)
	}

	return f.cached, nil
}

// expired inspects the token's exp claim without verifying the signature.
// Verification is the server's job; the client only wants to avoid sending
// a token it can see is already past its expiry. Opaque (non-JWT) tokens
// are passed through untouched.
func expired(token string, now time.Time) bool {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return false
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}

	return now.After(exp.Time)
}
