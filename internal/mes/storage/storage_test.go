package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestObjectName(t *testing.T) {
	day := time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)
	name := objectName("t1", "Crack.JPG", day)
	if !strings.HasPrefix(name, "qc-photos/t1/2026/03/09/") {
		t.Fatalf("name = %q", name)
	}
	if !strings.HasSuffix(name, ".jpg") {
		t.Fatalf("extension not normalized: %q", name)
	}
	if objectName("t1", "Crack.JPG", day) == name {
		t.Fatal("object names must be unique per upload")
	}
}

func TestLocalStore_Put(t *testing.T) {
	root := t.TempDir()
	store := NewLocalStore(root)

	ref, err := store.Put(context.Background(), "t1", "photo.png", strings.NewReader("png-bytes"), 9, "image/png")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if !strings.HasPrefix(ref, "file://qc-photos/t1/") {
		t.Fatalf("ref = %q", ref)
	}

	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(strings.TrimPrefix(ref, "file://"))))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "png-bytes" {
		t.Fatalf("content = %q", data)
	}
}
