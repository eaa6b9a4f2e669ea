package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSStore は Google Cloud Storage に保存します（本番環境用）。
type GCSStore struct {
	client    *storage.Client
	bucket    string
	signedTTL time.Duration
}

// GCSConfig は GCSStore の設定です。
type GCSConfig struct {
	Bucket          string
	CredentialsFile string        // 空の場合は Application Default Credentials を使う
	SignedURLTTL    time.Duration // 0 の場合は公開URLを返す
	Options         []option.ClientOption
}

// NewGCSStore は GCSStore を作成します。
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("storage: bucket is required")
	}
	opts := append([]option.ClientOption{}, cfg.Options...)
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err != nil {
			return nil, fmt.Errorf("storage: service account key not found at %s: %w", cfg.CredentialsFile, err)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: create GCS client: %w", err)
	}
	return &GCSStore{
		client:    client,
		bucket:    cfg.Bucket,
		signedTTL: cfg.SignedURLTTL,
	}, nil
}

// Close はクライアントを閉じます。
func (s *GCSStore) Close() error {
	return s.client.Close()
}

// Put は ArtifactStore を実装します。
func (s *GCSStore) Put(ctx context.Context, data []byte, key, contentType string) (string, error) {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	w := s.client.Bucket(s.bucket).Object(cleanKey).NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = "private, max-age=86400"
	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", fmt.Errorf("storage: write gs://%s/%s: %w", s.bucket, cleanKey, err)
	}
	// Close が成功して初めてオブジェクトが作られる
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("storage: finalize gs://%s/%s: %w", s.bucket, cleanKey, err)
	}
	if s.signedTTL > 0 {
		return s.SignedURL(ctx, cleanKey, s.signedTTL)
	}
	return publicURL(s.bucket, cleanKey), nil
}

// Get は ArtifactStore を実装します。
func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return nil, err
	}
	r, err := s.client.Bucket(s.bucket).Object(cleanKey).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: open gs://%s/%s: %w", s.bucket, cleanKey, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("storage: read gs://%s/%s: %w", s.bucket, cleanKey, err)
	}
	return data, nil
}

// Delete は ArtifactStore を実装します。
func (s *GCSStore) Delete(ctx context.Context, key string) error {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return err
	}
	err = s.client.Bucket(s.bucket).Object(cleanKey).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("storage: delete gs://%s/%s: %w", s.bucket, cleanKey, err)
	}
	return nil
}

// SignedURL は ArtifactStore を実装します。V4 署名のGET用URLを返します。
func (s *GCSStore) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	url, err := s.client.Bucket(s.bucket).SignedURL(cleanKey, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: time.Now().Add(ttl),
	})
	if err != nil {
		return "", fmt.Errorf("storage: sign gs://%s/%s: %w", s.bucket, cleanKey, err)
	}
	return url, nil
}

func publicURL(bucket, key string) string {
	return "https://storage.googleapis.com/" + bucket + "/" + strings.TrimLeft(key, "/")
}
