// Package storage は生成物を保存するストレージ抽象化レイヤーを提供します。
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// ErrNotFound はオブジェクトが存在しない場合のエラーです。
var ErrNotFound = errors.New("storage: object not found")

// ArtifactStore は生成物の保存先です。
type ArtifactStore interface {
	// Put はデータを保存し、参照用のURLを返します。
	Put(ctx context.Context, data []byte, key, contentType string) (string, error)
	// Get は保存済みのデータを返します。存在しない場合は ErrNotFound を返します。
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete はオブジェクトを削除します。存在しないキーは何もしません。
	Delete(ctx context.Context, key string) error
	// SignedURL は期限付きの参照URLを返します。
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// 成果物のファイル名
const (
	PrimaryName   = "primary.mp4"
	ThumbnailName = "thumbnail.jpg"
	PreviewName   = "preview.jpg"
)

// ArtifactKey は試行ごとの成果物キーを返します。
// 例: videos/<jobID>/<attempt>/primary.mp4
func ArtifactKey(jobID string, attempt int, name string) string {
	return path.Join("videos", jobID, fmt.Sprintf("%d", attempt), name)
}

// sanitizeKey はキーを正規化し、保存先ルートの外を指すキーを拒否します。
func sanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("storage: key is required")
	}
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimLeft(key, "/")
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("storage: invalid key %q", key)
	}
	return cleaned, nil
}
