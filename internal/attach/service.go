// Package attach stores request attachments on local disk under a dedicated
// root with public/temp/thumb zones. Files are content-addressed by generated
// storage key; the database row holds the key plus the original filename.
package attach

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

type Zone string

const (
	ZonePublic Zone = "public"
	ZoneTemp   Zone = "temp"
	ZoneThumb  Zone = "thumb"
)

var (
	ErrFileTooLarge   = errors.New("attachment too large")
	ErrDisallowedType = errors.New("disallowed attachment mime type")
	ErrMimeMismatch   = errors.New("attachment extension does not match content")
	ErrExecutableFile = errors.New("executable files are not allowed")
	ErrInvalidKey     = errors.New("invalid storage key")
)

// Stored describes a persisted attachment.
type Stored struct {
	Key          string
	MimeType     string
	SizeBytes    int64
	OriginalName string
}

type Service struct {
	rootDir  string
	maxBytes int64
}

func NewService(rootDir string, maxBytes int64) (*Service, error) {
	if strings.TrimSpace(rootDir) == "" {
		return nil, fmt.Errorf("attachment root directory is required")
	}
	if maxBytes <= 0 {
		return nil, fmt.Errorf("max attachment bytes must be > 0")
	}

	for _, zone := range []Zone{ZonePublic, ZoneTemp, ZoneThumb} {
		if err := os.MkdirAll(filepath.Join(rootDir, string(zone)), 0o755); err != nil {
			return nil, fmt.Errorf("creating attachment zone %s: %w", zone, err)
		}
	}

	return &Service{rootDir: rootDir, maxBytes: maxBytes}, nil
}

// Save sniffs the real content type before accepting anything: a disguised
// executable or a mismatched extension is rejected regardless of the claimed
// filename. The file lands in the public zone via the temp zone and an
// atomic rename.
func (s *Service) Save(_ context.Context, originalName string, src io.Reader) (*Stored, error) {
	name := sanitizeOriginalName(originalName)
	key := uuid.NewString()

	sniff := make([]byte, 512)
	sniffN, err := io.ReadFull(src, sniff)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("reading attachment data: %w", err)
	}
	sniff = sniff[:sniffN]

	if isExecutableSignature(sniff) {
		return nil, ErrExecutableFile
	}

	mimeType := detectMimeType(sniff)
	if isBlacklistedMimeType(mimeType) {
		return nil, ErrDisallowedType
	}
	if !extensionMatchesMime(name, mimeType) {
		return nil, ErrMimeMismatch
	}

	absPath, err := s.resolveKey(ZonePublic, key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating attachment directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Join(s.rootDir, string(ZoneTemp)), key+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("creating temporary attachment file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
	}()

	fullReader := io.MultiReader(bytes.NewReader(sniff), src)
	written, err := io.Copy(tmpFile, io.LimitReader(fullReader, s.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("writing attachment file: %w", err)
	}
	if written > s.maxBytes {
		return nil, ErrFileTooLarge
	}
	if err := tmpFile.Close(); err != nil {
		return nil, fmt.Errorf("closing temporary attachment file: %w", err)
	}

	if err := os.Rename(tmpPath, absPath); err != nil {
		return nil, fmt.Errorf("finalizing attachment file: %w", err)
	}

	return &Stored{
		Key:          key,
		MimeType:     mimeType,
		SizeBytes:    written,
		OriginalName: name,
	}, nil
}

// Open returns the stored file for admin review download.
func (s *Service) Open(key string) (*os.File, error) {
	absPath, err := s.resolveKey(ZonePublic, key)
	if err != nil {
		return nil, err
	}
	return os.Open(absPath)
}

// Delete removes a stored attachment. A file that is already gone counts as
// success: the sweep deletes files before rows and may retry after a crash.
func (s *Service) Delete(key string) error {
	absPath, err := s.resolveKey(ZonePublic, key)
	if err != nil {
		return err
	}

	err = os.Remove(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("deleting attachment file: %w", err)
	}

	return nil
}

// resolveKey shards files two levels deep by key prefix and refuses keys that
// would escape the zone.
func (s *Service) resolveKey(zone Zone, key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\.`) {
		return "", ErrInvalidKey
	}

	shard := "xx"
	if len(key) >= 2 {
		shard = key[:2]
	}

	return filepath.Join(s.rootDir, string(zone), shard, key), nil
}

func sanitizeOriginalName(name string) string {
	name = strings.TrimSpace(filepath.Base(name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "attachment.bin"
	}
	if len(name) > 255 {
		return name[:255]
	}
	return name
}

func detectMimeType(sniff []byte) string {
	if len(sniff) == 0 {
		return "application/octet-stream"
	}

	return trimMimeParams(http.DetectContentType(sniff))
}

func trimMimeParams(contentType string) string {
	if idx := strings.Index(contentType, ";"); idx != -1 {
		return strings.TrimSpace(contentType[:idx])
	}
	return strings.TrimSpace(contentType)
}

func isExecutableSignature(sniff []byte) bool {
	if len(sniff) < 2 {
		return false
	}

	if sniff[0] == 'M' && sniff[1] == 'Z' {
		return true // PE/COFF (Windows)
	}
	if sniff[0] == '#' && sniff[1] == '!' {
		return true // shebang scripts
	}
	if len(sniff) < 4 {
		return false
	}
	if bytes.Equal(sniff[:4], []byte{0x7f, 'E', 'L', 'F'}) {
		return true
	}

	machoMagics := [][]byte{
		{0xfe, 0xed, 0xfa, 0xce},
		{0xce, 0xfa, 0xed, 0xfe},
		{0xfe, 0xed, 0xfa, 0xcf},
		{0xcf, 0xfa, 0xed, 0xfe},
		{0xca, 0xfe, 0xba, 0xbe},
		{0xbe, 0xba, 0xfe, 0xca},
	}
	for _, magic := range machoMagics {
		if bytes.Equal(sniff[:4], magic) {
			return true
		}
	}

	return false
}

func isBlacklistedMimeType(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if mimeType == "" {
		return true
	}

	blacklist := map[string]struct{}{
		"text/html":                   {},
		"application/xhtml+xml":       {},
		"image/svg+xml":               {},
		"application/javascript":      {},
		"text/javascript":             {},
		"application/x-javascript":    {},
		"application/ecmascript":      {},
		"application/x-httpd-php":     {},
		"application/x-sh":            {},
		"application/x-msdownload":    {},
		"application/x-msdos-program": {},
	}
	_, blocked := blacklist[mimeType]

	return blocked
}

// expectedMimes maps well-known extensions to acceptable sniffed types.
// Extensions outside the map pass as long as the content itself is clean;
// for known ones a mismatch means someone renamed the file.
var expectedMimes = map[string][]string{
	".pdf":  {"application/pdf"},
	".png":  {"image/png"},
	".jpg":  {"image/jpeg"},
	".jpeg": {"image/jpeg"},
	".gif":  {"image/gif"},
	".webp": {"image/webp"},
	".txt":  {"text/plain"},
	".zip":  {"application/zip"},
	".doc":  {"application/msword", "application/x-ole-storage", "application/octet-stream"},
	".docx": {"application/zip", "application/vnd.openxmlformats-officedocument.wordprocessingml.document"},
	".odt":  {"application/zip", "application/vnd.oasis.opendocument.text"},
}

func extensionMatchesMime(name, mimeType string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	expected, known := expectedMimes[ext]
	if !known {
		return true
	}

	// text/plain sniffs with charset variants already trimmed; utf-8 text
	// also sniffs as text/plain subtypes.
	for _, want := range expected {
		if mimeType == want {
			return true
		}
	}
	if ext == ".txt" && strings.HasPrefix(mimeType, "text/") {
		return true
	}

	return false
}
