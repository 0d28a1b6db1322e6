package blob_test

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/shouta0715/ripples-api/pkg/blob"
	"github.com/shouta0715/ripples-api/pkg/logging"
	"github.com/zeebo/blake3"
)

func newTestStore(t *testing.T) *blob.FS {
	t.Helper()
	s, err := blob.NewFS(t.TempDir(), logging.Discard())
	if err != nil {
		t.Fatalf("NewFS failed: %v", err)
	}
	return s
}

func TestPutOpen(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	content := "\x89PNG fake image bytes"

	info, err := s.Put(ctx, "r1", "img-1", "image/png", strings.NewReader(content))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	sum := blake3.Sum256([]byte(content))
	if info.Digest != hex.EncodeToString(sum[:]) {
		t.Errorf("digest mismatch: %s", info.Digest)
	}
	if info.Size != int64(len(content)) {
		t.Errorf("size = %d, want %d", info.Size, len(content))
	}

	obj, err := s.Open(ctx, "r1", "img-1")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer obj.Body.Close()
	body, err := io.ReadAll(obj.Body)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(body) != content {
		t.Errorf("content mismatch")
	}
	if obj.ContentType != "image/png" || obj.Digest != info.Digest {
		t.Errorf("metadata mismatch: %+v", obj.Info)
	}
}

func TestOpenMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Open(context.Background(), "r1", "nope"); !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.Open(context.Background(), "r2", "nope"); !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown room, got %v", err)
	}
}

func TestRejectsPathTraversal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"../escape", "a/b", "", strings.Repeat("x", 65)} {
		if _, err := s.Put(ctx, "r1", id, "image/png", strings.NewReader("x")); !errors.Is(err, blob.ErrInvalidID) {
			t.Errorf("Put(%q): expected ErrInvalidID, got %v", id, err)
		}
	}
	if _, err := s.Open(ctx, "..", "x"); !errors.Is(err, blob.ErrInvalidID) {
		t.Errorf("expected ErrInvalidID for room, got %v", err)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestFailedPutLeavesNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.Put(ctx, "r1", "img-2", "image/png", failingReader{}); err == nil {
		t.Fatal("expected Put to fail")
	}
	if _, err := s.Open(ctx, "r1", "img-2"); !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("partial blob became visible: %v", err)
	}
}
