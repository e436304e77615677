package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Spool keeps messages that could not be delivered so an operator can
// inspect or replay them. Files land in <dir>/<YYYY-MM-DD>/<id>_<hash>.eml;
// the recipient is hashed so addresses never appear in file names.
type Spool struct {
	dir string
	now func() time.Time
}

// NewSpool returns a spool rooted at dir. The directory is created lazily.
func NewSpool(dir string) *Spool {
	return &Spool{dir: dir, now: time.Now}
}

// Dir returns the spool root.
func (s *Spool) Dir() string { return s.dir }

// Save stores data for recipient under id and returns the file path.
func (s *Spool) Save(id, recipient string, data []byte) (string, error) {
	safeID, err := sanitizeComponent(id)
	if err != nil {
		return "", err
	}

	dir := filepath.Join(s.dir, s.now().UTC().Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("spool: %w", err)
	}
	filename := filepath.Join(dir, fmt.Sprintf("%s_%s.eml", safeID, hashRecipient(recipient)))
	if err := os.WriteFile(filename, data, 0o600); err != nil {
		return "", fmt.Errorf("spool: %w", err)
	}
	return filename, nil
}

func sanitizeComponent(v string) (string, error) {
	if strings.ContainsAny(v, "/\\") || strings.Contains(v, "..") {
		return "", errors.New("spool: invalid identifier")
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", errors.New("spool: empty identifier")
	}
	return v, nil
}

func hashRecipient(addr string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(addr))))
	return hex.EncodeToString(sum[:8])
}
