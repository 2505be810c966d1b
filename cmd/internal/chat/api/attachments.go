package chatapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"tandem/cmd/internal/ids"
)

// ErrTooLarge is returned when an upload exceeds the configured limit.
var ErrTooLarge = errors.New("attachment too large")

// AttachmentStore persists uploaded files and returns the URL they are served from.
type AttachmentStore interface {
	Save(ctx context.Context, filename string, r io.Reader) (url string, err error)
}

// DiskAttachmentStore writes uploads into a directory served under URLPrefix.
type DiskAttachmentStore struct {
	dir       string
	urlPrefix string
	maxBytes  int64
}

// NewDiskAttachmentStore creates dir when missing.
func NewDiskAttachmentStore(dir, urlPrefix string, maxBytes int64) (*DiskAttachmentStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("chatapi: empty upload dir")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("chatapi: create upload dir: %w", err)
	}
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	return &DiskAttachmentStore{
		dir:       dir,
		urlPrefix: "/" + strings.Trim(urlPrefix, "/"),
		maxBytes:  maxBytes,
	}, nil
}

// Save stores r under a fresh ULID name keeping a sanitized extension.
func (s *DiskAttachmentStore) Save(ctx context.Context, filename string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	name := ids.MustULID(time.Now()) + safeExt(filename)
	full := filepath.Join(s.dir, name)

	f, err := os.OpenFile(full, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return "", fmt.Errorf("chatapi: create attachment: %w", err)
	}

	n, err := io.Copy(f, io.LimitReader(r, s.maxBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > s.maxBytes {
		err = ErrTooLarge
	}
	if err != nil {
		_ = os.Remove(full)
		return "", err
	}
	return path.Join(s.urlPrefix, name), nil
}

// Handler serves stored attachments. Mount it at the URL prefix.
func (s *DiskAttachmentStore) Handler() http.Handler {
	return http.StripPrefix(s.urlPrefix+"/", http.FileServer(http.Dir(s.dir)))
}

// URLPrefix returns the path attachments are served under.
func (s *DiskAttachmentStore) URLPrefix() string { return s.urlPrefix }

func safeExt(filename string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(filename)))
	if len(ext) < 2 || len(ext) > 10 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}
