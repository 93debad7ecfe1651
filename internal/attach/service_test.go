package attach

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
)

func TestSaveRejectsExecutableSignature(t *testing.T) {
	svc, err := NewService(t.TempDir(), 1024*1024)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	_, err = svc.Save(context.Background(), "resume.pdf", bytes.NewReader([]byte("MZ\x90\x00\x03\x00")))
	if !errors.Is(err, ErrExecutableFile) {
		t.Fatalf("Save() error = %v, want ErrExecutableFile", err)
	}
}

func TestSaveRejectsELFSignature(t *testing.T) {
	svc, err := NewService(t.TempDir(), 1024*1024)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	_, err = svc.Save(context.Background(), "tool.bin", bytes.NewReader([]byte{0x7f, 'E', 'L', 'F', 0x02, 0x01}))
	if !errors.Is(err, ErrExecutableFile) {
		t.Fatalf("Save() error = %v, want ErrExecutableFile", err)
	}
}

func TestSaveRejectsHTMLContent(t *testing.T) {
	svc, err := NewService(t.TempDir(), 1024*1024)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	_, err = svc.Save(context.Background(), "page.bin", strings.NewReader("<html><body>hi</body></html>"))
	if !errors.Is(err, ErrDisallowedType) {
		t.Fatalf("Save() error = %v, want ErrDisallowedType", err)
	}
}

func TestSaveRejectsRenamedExtension(t *testing.T) {
	svc, err := NewService(t.TempDir(), 1024*1024)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	// PNG magic bytes behind a .pdf name.
	pngHeader := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}
	_, err = svc.Save(context.Background(), "resume.pdf", bytes.NewReader(pngHeader))
	if !errors.Is(err, ErrMimeMismatch) {
		t.Fatalf("Save() error = %v, want ErrMimeMismatch", err)
	}
}

func TestSaveRejectsOversizeFile(t *testing.T) {
	svc, err := NewService(t.TempDir(), 64)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	_, err = svc.Save(context.Background(), "notes.txt", strings.NewReader(strings.Repeat("a", 65)))
	if !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("Save() error = %v, want ErrFileTooLarge", err)
	}
}

func TestSaveThenOpenRoundTrip(t *testing.T) {
	svc, err := NewService(t.TempDir(), 1024*1024)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	content := "plain text attachment body"
	stored, err := svc.Save(context.Background(), "notes.txt", strings.NewReader(content))
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if stored.Key == "" {
		t.Fatal("Save() returned empty key")
	}
	if stored.SizeBytes != int64(len(content)) {
		t.Fatalf("stored.SizeBytes = %d, want %d", stored.SizeBytes, len(content))
	}
	if stored.OriginalName != "notes.txt" {
		t.Fatalf("stored.OriginalName = %q, want notes.txt", stored.OriginalName)
	}

	file, err := svc.Open(stored.Key)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(data) != content {
		t.Fatalf("stored content = %q, want %q", data, content)
	}
}

func TestSaveSanitizesPathTraversalInName(t *testing.T) {
	svc, err := NewService(t.TempDir(), 1024*1024)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	stored, err := svc.Save(context.Background(), "../../etc/passwd.txt", strings.NewReader("text"))
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if stored.OriginalName != "passwd.txt" {
		t.Fatalf("stored.OriginalName = %q, want passwd.txt", stored.OriginalName)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	svc, err := NewService(t.TempDir(), 1024*1024)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	stored, err := svc.Save(context.Background(), "notes.txt", strings.NewReader("text"))
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if err := svc.Delete(stored.Key); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := svc.Delete(stored.Key); err != nil {
		t.Fatalf("second Delete() error = %v, want nil", err)
	}

	if _, err := svc.Open(stored.Key); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Open() after delete error = %v, want os.ErrNotExist", err)
	}
}

func TestOpenRejectsTraversalKey(t *testing.T) {
	svc, err := NewService(t.TempDir(), 1024*1024)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	for _, key := range []string{"", "../secret", `..\secret`, "a/b", "x.y"} {
		if _, err := svc.Open(key); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("Open(%q) error = %v, want ErrInvalidKey", key, err)
		}
	}
}
