package video

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
)

var (
	// ErrInvalidRequest は入力値が不正な場合のエラーです。
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNotFound はジョブが存在しない場合のエラーです。
	ErrNotFound = errors.New("job not found")
	// ErrAlreadyTerminal はジョブが既に終端状態の場合のエラーです。
	ErrAlreadyTerminal = errors.New("job already terminal")
	// ErrServiceUnavailable はキューやストアが受け付けられない場合のエラーです。
	ErrServiceUnavailable = errors.New("service unavailable")
)

// ValidationError は入力検証エラーの詳細を保持します。
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidRequest
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func paramsValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate はバリアントごとの必須項目と元画像の指定を検証します。
func Validate(variant Variant, source SourceRef, params Params, maxInlineBytes int64) error {
	if !variant.Valid() {
		return &ValidationError{Field: "variant", Message: fmt.Sprintf("unknown variant %q", variant)}
	}

	hasKey := strings.TrimSpace(source.ArtifactKey) != ""
	switch {
	case hasKey && source.IsInline():
		return &ValidationError{Field: "source", Message: "artifactKey and inline image are mutually exclusive"}
	case !hasKey && !source.IsInline():
		return &ValidationError{Field: "source", Message: "artifactKey or inline image is required"}
	}

	if err := paramsValidator().Struct(params); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ValidationError{Field: lowerFirst(fe.Field()), Message: fmt.Sprintf("failed on %s", fe.Tag())}
		}
		return &ValidationError{Field: "params", Message: err.Error()}
	}

	switch variant {
	case VariantLoop:
		if params.AudioVibe != "" || params.Caption != "" {
			return &ValidationError{Field: "params", Message: "loop does not accept audio or caption"}
		}
		if params.MotionPreset != "" {
			return &ValidationError{Field: "motionPreset", Message: "only fullbody accepts a motion preset"}
		}
	case VariantClip:
		if params.MotionPreset != "" {
			return &ValidationError{Field: "motionPreset", Message: "only fullbody accepts a motion preset"}
		}
	case VariantFullbody:
		if params.MotionPreset == "" {
			return &ValidationError{Field: "motionPreset", Message: "fullbody requires a motion preset"}
		}
		if !hasKey {
			return &ValidationError{Field: "source", Message: "fullbody requires an existing artifact, not an inline upload"}
		}
	}

	if source.IsInline() {
		if _, err := DetectImage(source.Inline, maxInlineBytes); err != nil {
			return err
		}
	}
	return nil
}

// DetectImage は画像データの形式を判定し、Content-Type を返します。
func DetectImage(data []byte, maxBytes int64) (string, error) {
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return "", &ValidationError{Field: "image", Message: fmt.Sprintf("image exceeds %d bytes", maxBytes)}
	}
	mtype := mimetype.Detect(data)
	if !strings.HasPrefix(mtype.String(), "image/") {
		return "", &ValidationError{Field: "image", Message: fmt.Sprintf("unsupported content type %s", mtype.String())}
	}
	return mtype.String(), nil
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
