// Package imagestore persists generated images under a data directory using
// content addressing: the filename is the uppercase hex digest of the bytes.
package imagestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"lukechampine.com/blake3"
)

// Supported digest algorithms
const (
	HashSHA256 = "sha256"
	HashBLAKE3 = "blake3"
)

const defaultExtension = ".webp"

// ErrUnknownHash is returned for an unsupported digest algorithm
var ErrUnknownHash = errors.New("unknown hash algorithm")

// Config holds image store configuration
type Config struct {
	Dir       string // data directory
	PublicURL string // base URL the data directory is served under
	Extension string // fixed filename extension
	Hash      string // sha256 or blake3
}

// Stored describes a persisted image
type Stored struct {
	Filename string
	URL      string
	Existed  bool
}

// Store writes content-addressed image files
type Store struct {
	dir     string
	baseURL string
	ext     string
	digest  func([]byte) []byte
}

// New creates the data directory if needed and returns a store
func New(cfg *Config) (*Store, error) {
	digest, err := digestFunc(cfg.Hash)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	ext := cfg.Extension
	if ext == "" {
		ext = defaultExtension
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}

	baseURL := cfg.PublicURL
	if baseURL != "" && !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}

	return &Store{
		dir:     cfg.Dir,
		baseURL: baseURL,
		ext:     ext,
		digest:  digest,
	}, nil
}

func digestFunc(name string) (func([]byte) []byte, error) {
	switch strings.ToLower(name) {
	case HashSHA256, "":
		return func(b []byte) []byte {
			sum := sha256.Sum256(b)
			return sum[:]
		}, nil
	case HashBLAKE3:
		return func(b []byte) []byte {
			sum := blake3.Sum256(b)
			return sum[:]
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownHash, name)
	}
}

// Filename returns the content address of data
func (s *Store) Filename(data []byte) string {
	return strings.ToUpper(hex.EncodeToString(s.digest(data))) + s.ext
}

// URL returns the public URL of a stored file
func (s *Store) URL(filename string) string {
	return s.baseURL + filename
}

// Dir returns the data directory
func (s *Store) Dir() string {
	return s.dir
}

// Save persists data and returns its filename and public URL.
// Identical bytes map to the same file, which is written once.
func (s *Store) Save(ctx context.Context, data []byte) (Stored, error) {
	if err := ctx.Err(); err != nil {
		return Stored{}, err
	}
	if len(data) == 0 {
		return Stored{}, errors.New("refusing to store empty image")
	}

	name := s.Filename(data)
	stored := Stored{Filename: name, URL: s.URL(name)}
	target := filepath.Join(s.dir, name)

	if _, err := os.Stat(target); err == nil {
		stored.Existed = true
		return stored, nil
	}

	tmp, err := os.CreateTemp(s.dir, name+".*.tmp")
	if err != nil {
		return Stored{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return Stored{}, fmt.Errorf("failed to write image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return Stored{}, fmt.Errorf("failed to close image file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return Stored{}, fmt.Errorf("failed to move image into place: %w", err)
	}

	return stored, nil
}
