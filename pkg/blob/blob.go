// Package blob stores uploaded images on the local filesystem, one file per
// image with a JSON sidecar holding its content type and BLAKE3 digest.
package blob

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"github.com/zeebo/blake3"
)

var (
	ErrNotFound  = errors.New("blob not found")
	ErrInvalidID = errors.New("invalid blob id")
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Info describes a stored blob.
type Info struct {
	ID          string `json:"id"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	// Digest is the hex BLAKE3 hash of the content.
	Digest string `json:"digest"`
}

// Object is an open blob. The caller closes Body.
type Object struct {
	Info
	Body io.ReadCloser
}

type FS struct {
	dir    string
	logger *slog.Logger
}

// NewFS roots a store at dir, creating it when missing.
func NewFS(dir string, logger *slog.Logger) (*FS, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	return &FS{dir: dir, logger: logger.With(slog.String("component", "blob_fs"))}, nil
}

func (s *FS) paths(room, id string) (data, meta string, err error) {
	if !namePattern.MatchString(room) || !namePattern.MatchString(id) {
		return "", "", ErrInvalidID
	}
	base := filepath.Join(s.dir, room, id)
	return base, base + ".meta.json", nil
}

// Put streams r into the blob room/id. The blob becomes visible only once
// fully written.
func (s *FS) Put(ctx context.Context, room, id, contentType string, r io.Reader) (Info, error) {
	dataPath, metaPath, err := s.paths(room, id)
	if err != nil {
		return Info{}, err
	}
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return Info{}, fmt.Errorf("create room directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dataPath), id+".*.tmp")
	if err != nil {
		return Info{}, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	hasher := blake3.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Info{}, fmt.Errorf("write blob: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}

	info := Info{
		ID:          id,
		ContentType: contentType,
		Size:        size,
		Digest:      hex.EncodeToString(hasher.Sum(nil)),
	}
	meta, err := json.Marshal(info)
	if err != nil {
		return Info{}, fmt.Errorf("encode blob metadata: %w", err)
	}
	if err := os.WriteFile(metaPath, meta, 0o644); err != nil {
		return Info{}, fmt.Errorf("write blob metadata: %w", err)
	}
	if err := os.Rename(tmp.Name(), dataPath); err != nil {
		os.Remove(metaPath)
		return Info{}, fmt.Errorf("commit blob: %w", err)
	}

	s.logger.Debug("Blob stored",
		slog.String("room", room),
		slog.String("id", id),
		slog.Int64("size", size),
	)
	return info, nil
}

// Open returns the blob room/id, or ErrNotFound.
func (s *FS) Open(_ context.Context, room, id string) (*Object, error) {
	dataPath, metaPath, err := s.paths(room, id)
	if err != nil {
		return nil, err
	}
	meta, err := os.ReadFile(metaPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read blob metadata: %w", err)
	}
	var info Info
	if err := json.Unmarshal(meta, &info); err != nil {
		return nil, fmt.Errorf("decode blob metadata: %w", err)
	}
	f, err := os.Open(dataPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open blob: %w", err)
	}
	return &Object{Info: info, Body: f}, nil
}
