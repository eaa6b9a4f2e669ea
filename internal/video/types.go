// Package video は動画生成ジョブのドメインモデルを定義します。
package video

import "time"

// Variant は生成する動画の種類です。
type Variant string

const (
	VariantLoop     Variant = "loop"     // 音声なしの短いループ
	VariantClip     Variant = "clip"     // 音声・字幕・透かし付きのクリップ
	VariantFullbody Variant = "fullbody" // モーションプリセットで動かす全身アニメーション
)

// Variants は既知のバリアント一覧です。
var Variants = []Variant{VariantLoop, VariantClip, VariantFullbody}

// Valid は既知のバリアントかどうかを返します。
func (v Variant) Valid() bool {
	switch v {
	case VariantLoop, VariantClip, VariantFullbody:
		return true
	}
	return false
}

// NeedsPostProcess は後処理ステージ（音声・字幕・透かし）を実行するかどうかを返します。
func (v Variant) NeedsPostProcess() bool {
	return v == VariantClip || v == VariantFullbody
}

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal は終端状態かどうかを返します。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition は from から to への遷移が許されるかを返します。
// processing→processing はリトライ時の再取得を表します。
func CanTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		return to == StatusProcessing || to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// Params は生成パラメータです。
type Params struct {
	Style        string  `json:"style" validate:"required,max=64"`
	Intensity    float64 `json:"intensity" validate:"gte=0,lte=1"`
	AudioVibe    string  `json:"audioVibe,omitempty" validate:"omitempty,max=64"`
	Caption      string  `json:"caption,omitempty" validate:"omitempty,max=140"`
	MotionPreset string  `json:"motionPreset,omitempty" validate:"omitempty,max=64"`
	DurationSec  int     `json:"durationSec,omitempty" validate:"omitempty,min=1,max=60"`
}

// SourceRef は元画像の参照です。ArtifactKey と Inline のどちらか一方だけが設定されます。
type SourceRef struct {
	ArtifactKey string `json:"artifactKey,omitempty"`
	Inline      []byte `json:"inline,omitempty"`
}

// IsInline はインライン画像かどうかを返します。
func (s SourceRef) IsInline() bool {
	return len(s.Inline) > 0
}

// Artifacts は完了ジョブの成果物です。
type Artifacts struct {
	PrimaryURL   string `json:"primaryUrl"`
	ThumbnailURL string `json:"thumbnailUrl"`
	PreviewURL   string `json:"previewUrl"`

	PrimaryKey   string `json:"primaryKey"`
	ThumbnailKey string `json:"thumbnailKey"`
	PreviewKey   string `json:"previewKey"`
}

// Complete は3種類のURLがすべて揃っているかを返します。
func (a *Artifacts) Complete() bool {
	return a != nil && a.PrimaryURL != "" && a.ThumbnailURL != "" && a.PreviewURL != ""
}

// Record はジョブの現在状態を表します。
type Record struct {
	ID               string     `json:"id"`
	OwnerID          string     `json:"ownerId"`
	Source           SourceRef  `json:"source"`
	Variant          Variant    `json:"variant"`
	Params           Params     `json:"params"`
	Status           Status     `json:"status"`
	ProgressPercent  int        `json:"progressPercent"`
	Stage            string     `json:"stage,omitempty"`
	StageMessage     string     `json:"stageMessage,omitempty"`
	Artifacts        *Artifacts `json:"resultArtifacts,omitempty"`
	FailureReason    Reason     `json:"failureReason,omitempty"`
	FailureDetail    string     `json:"failureDetail,omitempty"`
	Attempts         int        `json:"attempts"`
	Priority         string     `json:"priority"`
	Cost             int64      `json:"cost,omitempty"`
	IdempotencyToken string     `json:"idempotencyToken,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	StartedAt        *time.Time `json:"startedAt,omitempty"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	DeletedAt        *time.Time `json:"deletedAt,omitempty"`
}

// ArtifactURLs は利用者に公開する成果物URLです。
type ArtifactURLs struct {
	Primary   string `json:"primary"`
	Thumbnail string `json:"thumbnail"`
	Preview   string `json:"preview"`
}

// Projection は状態照会APIが返す読み取り専用ビューです。
type Projection struct {
	ID              string        `json:"jobId"`
	Variant         Variant       `json:"variant"`
	Status          Status        `json:"status"`
	ProgressPercent int           `json:"progressPercent"`
	StageMessage    string        `json:"stageMessage,omitempty"`
	ResultArtifacts *ArtifactURLs `json:"resultArtifacts,omitempty"`
	FailureReason   Reason        `json:"failureReason,omitempty"`
	FailureMessage  string        `json:"failureMessage,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	CompletedAt     *time.Time    `json:"completedAt,omitempty"`
}

// Project は Record から公開用のビューを作ります。内部の詳細エラーは含めません。
func (r *Record) Project() Projection {
	p := Projection{
		ID:              r.ID,
		Variant:         r.Variant,
		Status:          r.Status,
		ProgressPercent: r.ProgressPercent,
		StageMessage:    r.StageMessage,
		CreatedAt:       r.CreatedAt,
		CompletedAt:     r.CompletedAt,
	}
	switch r.Status {
	case StatusCompleted:
		if r.Artifacts != nil {
			p.ResultArtifacts = &ArtifactURLs{
				Primary:   r.Artifacts.PrimaryURL,
				Thumbnail: r.Artifacts.ThumbnailURL,
				Preview:   r.Artifacts.PreviewURL,
			}
		}
	case StatusFailed:
		p.FailureReason = r.FailureReason
		p.FailureMessage = r.FailureReason.Message()
	}
	return p
}
