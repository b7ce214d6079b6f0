// Package integrity verifies the agentgov binary checksum at startup. A
// mismatch is logged, appended to the tamper log, alerted, and refuses
// startup.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ExpectedHash is set at build time via:
//
//	-ldflags "-X github.com/ppiankov/agentgov/internal/integrity.ExpectedHash=<sha256hex>"
//
// When empty (dev builds), verification falls back to a checksum file.
var ExpectedHash string

// DefaultChecksumPaths are checked in order for a sha256 checksum file.
var DefaultChecksumPaths = []string{
	"/etc/agentgov/binary.sha256",
	"$HOME/.agentgov/binary.sha256",
}

// TamperAlerter is told about a checksum mismatch before startup aborts.
type TamperAlerter interface {
	BinaryTamper(binary, expected, actual string, at time.Time)
}

// TamperEvent records a binary integrity violation.
type TamperEvent struct {
	Timestamp    string `json:"timestamp"`
	Binary       string `json:"binary"`
	ExpectedHash string `json:"expected_hash"`
	ActualHash   string `json:"actual_hash"`
	Hostname     string `json:"hostname"`
	Type         string `json:"type"`
}

// Checker verifies one binary against an expected digest.
type Checker struct {
	// Expected overrides ExpectedHash and the checksum files.
	Expected      string
	ChecksumPaths []string
	// Binary defaults to the running executable.
	Binary string
	// TamperLog is the JSONL file mismatches are appended to. Empty skips it.
	TamperLog string
	Alerts    TamperAlerter
	Logger    zerolog.Logger
	Clock     func() time.Time
}

// NewChecker returns a Checker using the build-time hash and default paths.
func NewChecker(tamperLog string, alerts TamperAlerter, logger zerolog.Logger) *Checker {
	return &Checker{
		Expected:      ExpectedHash,
		ChecksumPaths: DefaultChecksumPaths,
		TamperLog:     tamperLog,
		Alerts:        alerts,
		Logger:        logger,
	}
}

// Verify checks the binary. Returns nil when it matches or when no expected
// hash is available (dev mode).
func (c *Checker) Verify() error {
	expected := strings.ToLower(c.Expected)
	if expected == "" {
		expected = loadChecksumFile(c.ChecksumPaths)
	}
	if expected == "" {
		c.Logger.Warn().Msg("integrity: no build-time hash or checksum file found, check skipped")
		return nil
	}

	binary := c.Binary
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("integrity: cannot resolve executable path: %w", err)
		}
		binary = exe
	}

	actual, err := hashFile(binary)
	if err != nil {
		return fmt.Errorf("integrity: cannot hash binary: %w", err)
	}
	if actual == expected {
		c.Logger.Info().Str("sha256", actual[:8]+"..."+actual[len(actual)-8:]).Msg("integrity: binary checksum verified")
		return nil
	}

	now := time.Now
	if c.Clock != nil {
		now = c.Clock
	}
	at := now().UTC()
	event := TamperEvent{
		Timestamp:    at.Format(time.RFC3339),
		Binary:       binary,
		ExpectedHash: expected,
		ActualHash:   actual,
		Type:         "binary_tamper",
	}
	event.Hostname, _ = os.Hostname()
	c.record(event)
	if c.Alerts != nil {
		c.Alerts.BinaryTamper(binary, expected, actual, at)
	}

	return fmt.Errorf("integrity: binary checksum mismatch (expected %s, got %s)", expected, actual)
}

// HashSelf returns the SHA-256 hex digest of the running binary.
// Useful for writing the checksum file after install.
func HashSelf() (string, error) {
	exePath, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("integrity: cannot resolve executable path: %w", err)
	}
	return hashFile(exePath)
}

func (c *Checker) record(event TamperEvent) {
	c.Logger.Error().
		Str("binary", event.Binary).
		Str("expected", event.ExpectedHash).
		Str("actual", event.ActualHash).
		Msg("TAMPER: binary checksum mismatch")

	if c.TamperLog == "" {
		return
	}
	line, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(c.TamperLog), 0700); err != nil {
		return
	}
	f, err := os.OpenFile(c.TamperLog, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		c.Logger.Warn().Err(err).Str("path", c.TamperLog).Msg("integrity: cannot write tamper log")
		return
	}
	defer f.Close()
	f.Write(append(line, '\n'))
	f.Sync()
}

// loadChecksumFile reads the expected hash from the first readable file
// holding a SHA-256 hex digest.
func loadChecksumFile(paths []string) string {
	for _, p := range paths {
		data, err := os.ReadFile(os.ExpandEnv(p))
		if err != nil {
			continue
		}
		hash := strings.ToLower(strings.TrimSpace(string(data)))
		if len(hash) == 64 && isHex(hash) {
			return hash
		}
	}
	return ""
}

func isHex(s string) bool {
	_, err := hex.DecodeString(s)
	return err == nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
