// Package audio は雰囲気（vibe）ごとのBGM素材をストレージから取り出します。
package audio

import (
	"context"
	"fmt"
	"regexp"

	"github.com/yourusername/motion-forge/internal/storage"
)

var vibePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// Library は audio/vibes/<id>.mp3 に置かれた素材を返します。
type Library struct {
	store storage.ArtifactStore
}

// NewLibrary は Library を作成します。
func NewLibrary(store storage.ArtifactStore) *Library {
	return &Library{store: store}
}

// Track は vibe に対応する音声データを返します。素材がない場合は storage.ErrNotFound を返します。
func (l *Library) Track(ctx context.Context, vibe string) ([]byte, error) {
	if !vibePattern.MatchString(vibe) {
		return nil, fmt.Errorf("audio: invalid vibe %q: %w", vibe, storage.ErrNotFound)
	}
	return l.store.Get(ctx, Key(vibe))
}

// Key は vibe の保存キーを返します。
func Key(vibe string) string {
	return "audio/vibes/" + vibe + ".mp3"
}
