package credstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FilePersister keeps the credential as a single Set-Cookie line on disk,
// readable only by the owner.
type FilePersister struct {
	path string
	now  func() time.Time
}

// NewFilePersister stores the cookie at path, creating its directory if needed
func NewFilePersister(path string) (*FilePersister, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", filepath.Dir(path), err)
	}
	return &FilePersister{path: path, now: time.Now}, nil
}

// Path returns the cookie file location
func (p *FilePersister) Path() string {
	return p.path
}

func (p *FilePersister) Save(_ context.Context, token string, maxAge time.Duration) error {
	cookie := &http.Cookie{
		Name:    CookieName,
		Value:   token,
		Path:    "/",
		MaxAge:  int(maxAge.Seconds()),
		Expires: p.now().Add(maxAge).UTC(),
	}
	return p.write(cookie)
}

// Clear writes an empty value with the same path
func (p *FilePersister) Clear(_ context.Context) error {
	cookie := &http.Cookie{
		Name:   CookieName,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	}
	return p.write(cookie)
}

func (p *FilePersister) Load(_ context.Context) (string, error) {
	data, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read cookie file: %w", err)
	}

	line := strings.TrimSpace(string(data))
	if line == "" {
		return "", nil
	}

	cookie, err := http.ParseSetCookie(line)
	if err != nil {
		return "", fmt.Errorf("failed to parse cookie file: %w", err)
	}
	if cookie.Name != CookieName || cookie.MaxAge < 0 {
		return "", nil
	}
	if !cookie.Expires.IsZero() && !p.now().Before(cookie.Expires) {
		return "", nil
	}
	return cookie.Value, nil
}

func (p *FilePersister) write(cookie *http.Cookie) error {
	if err := os.WriteFile(p.path, []byte(cookie.String()+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write cookie file: %w", err)
	}
	return nil
}
