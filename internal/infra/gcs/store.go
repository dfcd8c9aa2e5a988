// Package gcs stores songs and clips in a Google Cloud Storage bucket with
// public read access.
package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"songflow/internal/config"
	"songflow/internal/ports"
	"strings"
	"time"

	"google.golang.org/api/option"
	storage "google.golang.org/api/storage/v1"
)

type Store struct {
	svc        *storage.Service
	bucket     string
	publicBase string
	http       *http.Client
	timeout    time.Duration
	tempDir    string
}

const defaultDownloadTimeout = 2 * time.Minute

var _ ports.BlobStore = (*Store)(nil)

func New(ctx context.Context, cfg config.Blob, opts ...option.ClientOption) (*Store, error) {
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	svc, err := storage.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage service: %w", err)
	}
	timeout := cfg.DownloadTimeout
	if timeout <= 0 {
		timeout = defaultDownloadTimeout
	}
	return &Store{
		svc:        svc,
		bucket:     cfg.Bucket,
		publicBase: strings.TrimRight(cfg.PublicBaseURL, "/"),
		http:       &http.Client{Timeout: timeout},
		timeout:    timeout,
	}, nil
}

// PublicURL is where a stored object can be fetched without credentials.
func (s *Store) PublicURL(name string) string {
	parts := strings.Split(name, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return s.publicBase + "/" + s.bucket + "/" + strings.Join(parts, "/")
}

func (s *Store) Upload(ctx context.Context, name, contentType string, r io.Reader) (string, error) {
	obj := &storage.Object{
		Name:         name,
		ContentType:  contentType,
		CacheControl: "public, max-age=86400",
	}
	_, err := s.svc.Objects.Insert(s.bucket, obj).
		Media(r).
		PredefinedAcl("publicRead").
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	return s.PublicURL(name), nil
}

// Download copies src into a temp file. Objects in our own bucket are read
// through the storage API; anything else is fetched over plain HTTP. Either
// way the whole copy must finish within the download timeout.
func (s *Store) Download(ctx context.Context, src string) (string, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	f, err := os.CreateTemp(s.tempDir, "blob-*")
	if err != nil {
		return "", err
	}
	path := f.Name()

	err = s.fetch(ctx, src, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", fmt.Errorf("download %s: %w", src, err)
	}
	return path, nil
}

func (s *Store) fetch(ctx context.Context, src string, w io.Writer) error {
	if name, ok := s.objectName(src); ok {
		resp, err := s.svc.Objects.Get(s.bucket, name).Context(ctx).Download()
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, err = io.Copy(w, resp.Body)
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http %d", resp.StatusCode)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

func (s *Store) objectName(src string) (string, bool) {
	prefix := s.publicBase + "/" + s.bucket + "/"
	rest, ok := strings.CutPrefix(src, prefix)
	if !ok || rest == "" {
		return "", false
	}
	name, err := url.PathUnescape(rest)
	if err != nil {
		return "", false
	}
	return name, true
}
