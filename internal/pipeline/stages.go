package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/yourusername/motion-forge/internal/notify"
	"github.com/yourusername/motion-forge/internal/storage"
	"github.com/yourusername/motion-forge/internal/video"
)

// ステージ名
const (
	StageAcquire     = "acquire"
	StageModerate    = "moderate"
	StageSynthesize  = "synthesize"
	StagePostProcess = "postprocess"
	StageUpload      = "upload"
	StageFinalize    = "finalize"
	StageCompleted   = "completed"
)

type checkpoint struct {
	percent int
	message string
}

// 各ステージ開始時に通知する進捗。100 は完了時だけに使う。
var checkpoints = map[string]checkpoint{
	StageAcquire:     {5, "元画像を取得しています"},
	StageModerate:    {15, "画像を確認しています"},
	StageSynthesize:  {25, "動画を生成しています"},
	StagePostProcess: {70, "音声と字幕を仕上げています"},
	StageUpload:      {85, "動画を保存しています"},
	StageFinalize:    {95, "まもなく完了します"},
	StageCompleted:   {100, "完了しました"},
}

// Checkpoint はステージ開始時の進捗と表示メッセージを返します。
func Checkpoint(stage string) (int, string) {
	c := checkpoints[stage]
	return c.percent, c.message
}

func (r *run) acquire(ctx context.Context) error {
	src := r.rec.Source
	if src.IsInline() {
		r.image = src.Inline
	} else {
		data, err := r.p.deps.Store.Get(ctx, src.ArtifactKey)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return video.Permanent(video.ReasonSourceUnavailable, fmt.Errorf("source %s: %w", src.ArtifactKey, err))
		case err != nil:
			return video.Transient(video.ReasonSourceUnavailable, fmt.Errorf("fetch source %s: %w", src.ArtifactKey, err))
		}
		r.image = data
	}

	mtype := mimetype.Detect(r.image)
	if !strings.HasPrefix(mtype.String(), "image/") {
		return video.Permanent(video.ReasonSourceUnavailable, fmt.Errorf("source is %s, not an image", mtype.String()))
	}
	return nil
}

func (r *run) moderate(ctx context.Context) error {
	verdict, err := r.p.deps.Moderator.Check(ctx, r.image)
	if err != nil {
		return video.Transient(video.ReasonInternal, fmt.Errorf("moderation: %w", err))
	}
	if !verdict.Allowed {
		return video.Permanent(video.ReasonModerationRejected, fmt.Errorf("moderation rejected: %s", verdict.Reason))
	}
	return nil
}

type temporary interface {
	Temporary() bool
}

func (r *run) synthesize(ctx context.Context) error {
	media, err := r.p.deps.Synth.Synthesize(ctx, r.image, r.rec.Variant, r.rec.Params)
	if err != nil {
		if timedOut(ctx, err) {
			return video.Transient(video.ReasonSynthesisTransient, fmt.Errorf("synthesis timed out: %w", err))
		}
		var t temporary
		if errors.As(err, &t) && !t.Temporary() {
			return video.Permanent(video.ReasonSynthesisRejected, err)
		}
		return video.Transient(video.ReasonSynthesisTransient, err)
	}
	if media == nil || len(media.Primary) == 0 || len(media.Thumbnail) == 0 || len(media.Preview) == 0 {
		return video.Transient(video.ReasonSynthesisTransient, errors.New("synthesizer returned incomplete media"))
	}
	r.media = media
	return nil
}

// postProcess は音声合成・字幕・透かしを順に適用します。
// 途中で失敗した場合は作業ディレクトリ内のファイルごと破棄されます。
func (r *run) postProcess(ctx context.Context) error {
	dir := r.ws.Dir()
	videoPath, err := r.ws.WriteFile("synth.mp4", r.media.Primary)
	if err != nil {
		return video.Transient(video.ReasonPostProcessFailed, err)
	}

	params := r.rec.Params
	if params.AudioVibe != "" {
		if r.p.deps.Audio == nil {
			return video.Permanent(video.ReasonPostProcessFailed, errors.New("audio library is not configured"))
		}
		track, err := r.p.deps.Audio.Track(ctx, params.AudioVibe)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return video.Permanent(video.ReasonPostProcessFailed, fmt.Errorf("audio vibe %q: %w", params.AudioVibe, err))
		case err != nil:
			return video.Transient(video.ReasonPostProcessFailed, fmt.Errorf("load audio: %w", err))
		}
		audioPath, err := r.ws.WriteFile("track.mp3", track)
		if err != nil {
			return video.Transient(video.ReasonPostProcessFailed, err)
		}
		if videoPath, err = r.p.deps.Editor.MuxAudio(ctx, dir, videoPath, audioPath); err != nil {
			return video.Transient(video.ReasonPostProcessFailed, err)
		}
	}
	if params.Caption != "" {
		if videoPath, err = r.p.deps.Editor.BurnCaption(ctx, dir, videoPath, params.Caption); err != nil {
			return video.Transient(video.ReasonPostProcessFailed, err)
		}
	}
	if text := r.p.cfg.WatermarkText; text != "" {
		if videoPath, err = r.p.deps.Editor.Watermark(ctx, dir, videoPath, text); err != nil {
			return video.Transient(video.ReasonPostProcessFailed, err)
		}
	}

	data, err := os.ReadFile(videoPath)
	if err != nil {
		return video.Transient(video.ReasonPostProcessFailed, err)
	}
	r.media.Primary = data
	return nil
}

// upload は3つの成果物をすべて保存します。1つでも失敗した場合はこの試行の分を削除します。
func (r *run) upload(ctx context.Context) error {
	names := [3]string{storage.PrimaryName, storage.ThumbnailName, storage.PreviewName}
	blobs := [3][]byte{r.media.Primary, r.media.Thumbnail, r.media.Preview}
	var urls, keys [3]string

	for i, name := range names {
		key := storage.ArtifactKey(r.rec.ID, r.a.Number, name)
		// 作成に失敗したキーも削除対象に含める
		r.uploaded = append(r.uploaded, key)
		url, err := r.p.deps.Store.Put(ctx, blobs[i], key, contentType(name, blobs[i]))
		if err != nil {
			return video.Transient(video.ReasonUploadIncomplete, fmt.Errorf("put %s: %w", name, err))
		}
		urls[i], keys[i] = url, key
	}

	r.artifacts = &video.Artifacts{
		PrimaryURL:   urls[0],
		ThumbnailURL: urls[1],
		PreviewURL:   urls[2],
		PrimaryKey:   keys[0],
		ThumbnailKey: keys[1],
		PreviewKey:   keys[2],
	}
	return nil
}

func contentType(name string, data []byte) string {
	if name == storage.PrimaryName {
		return "video/mp4"
	}
	return mimetype.Detect(data).String()
}

func (r *run) finalize(ctx context.Context) error {
	if r.rec.Cost > 0 && r.p.deps.Accounts != nil {
		err := r.p.deps.Accounts.Debit(ctx, r.rec.OwnerID, r.rec.Cost, r.rec.ID)
		switch {
		case errors.Is(err, video.ErrInsufficientBalance):
			return video.Permanent(video.ReasonInsufficientBalance, err)
		case err != nil:
			return video.Transient(video.ReasonInternal, fmt.Errorf("debit: %w", err))
		}
		r.debited = true
	}

	if err := r.p.deps.Recorder.Complete(ctx, r.rec.ID, r.artifacts); err != nil {
		if errors.Is(err, video.ErrAlreadyTerminal) {
			return video.Permanent(video.ReasonInternal, fmt.Errorf("complete: %w", err))
		}
		return video.Transient(video.ReasonInternal, fmt.Errorf("complete: %w", err))
	}
	r.uploaded = nil
	r.debited = false
	return nil
}

// afterCompletion は完了後の付随処理です。失敗してもジョブの結果は変えません。
func (r *run) afterCompletion(ctx context.Context) {
	r.emit(ctx, StageCompleted, video.StatusCompleted)

	if r.p.deps.Accounts != nil {
		if err := r.p.deps.Accounts.IncrementVideoCount(ctx, r.rec.OwnerID); err != nil {
			r.logger.Warn().Err(err).Msg("failed to increment video count")
		}
	}
	if r.p.deps.Notifier != nil {
		err := r.p.deps.Notifier.PublishReady(ctx, notify.Ready{
			JobID:        r.rec.ID,
			UserID:       r.rec.OwnerID,
			Variant:      r.rec.Variant,
			PrimaryURL:   r.artifacts.PrimaryURL,
			ThumbnailURL: r.artifacts.ThumbnailURL,
			PreviewURL:   r.artifacts.PreviewURL,
			CompletedAt:  r.p.now().UTC(),
		})
		if err != nil {
			r.logger.Warn().Err(err).Msg("failed to publish ready notification")
		}
	}
	r.logger.Info().Msg("job completed")
}
