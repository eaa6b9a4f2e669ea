// Package ffmpeg は ffmpeg コマンドで動画の後処理（音声合成・字幕・透かし）を行います。
package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Error は ffmpeg の実行失敗です。
type Error struct {
	Step   string
	Output string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("ffmpeg %s failed: %v: %s", e.Step, e.Err, e.Output)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Editor は ffmpeg を呼び出す編集器です。出力はすべて作業ディレクトリ内に作ります。
type Editor struct {
	path string
}

// New は Editor を作成します。path が空の場合は PATH 上の ffmpeg を使います。
func New(path string) *Editor {
	if path == "" {
		path = "ffmpeg"
	}
	return &Editor{path: path}
}

// MuxAudio は動画に音声トラックを合成します。音声は動画の長さで切り詰めます。
func (e *Editor) MuxAudio(ctx context.Context, workDir, videoPath, audioPath string) (string, error) {
	out := filepath.Join(workDir, "audio.mp4")
	return out, e.run(ctx, "audio", out, muxArgs(videoPath, audioPath, out))
}

// BurnCaption は字幕を動画下部に焼き込みます。
func (e *Editor) BurnCaption(ctx context.Context, workDir, videoPath, caption string) (string, error) {
	// 字幕はエスケープ事故を避けるためファイル経由で渡す
	textPath := filepath.Join(workDir, "caption.txt")
	if err := os.WriteFile(textPath, []byte(caption), 0o600); err != nil {
		return "", fmt.Errorf("write caption file: %w", err)
	}
	out := filepath.Join(workDir, "caption.mp4")
	filter := fmt.Sprintf("drawtext=textfile='%s':fontcolor=white:fontsize=36:box=1:boxcolor=black@0.5:boxborderw=12:x=(w-text_w)/2:y=h-text_h-48", escapeFilterValue(textPath))
	return out, e.run(ctx, "caption", out, filterArgs(videoPath, filter, out))
}

// Watermark は右下に透かし文字を重ねます。
func (e *Editor) Watermark(ctx context.Context, workDir, videoPath, text string) (string, error) {
	out := filepath.Join(workDir, "watermark.mp4")
	filter := fmt.Sprintf("drawtext=text='%s':fontcolor=white@0.6:fontsize=24:x=w-text_w-24:y=h-text_h-24", escapeFilterValue(text))
	return out, e.run(ctx, "watermark", out, filterArgs(videoPath, filter, out))
}

func (e *Editor) run(ctx context.Context, step, outputPath string, args []string) error {
	cmd := exec.CommandContext(ctx, e.path, args...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Run(); err != nil {
		return &Error{Step: step, Output: tail(output.String(), 2048), Err: err}
	}
	info, err := os.Stat(outputPath)
	if err != nil {
		return &Error{Step: step, Output: tail(output.String(), 2048), Err: err}
	}
	if info.Size() == 0 {
		return &Error{Step: step, Err: fmt.Errorf("empty output %s", filepath.Base(outputPath))}
	}
	return nil
}

func muxArgs(videoPath, audioPath, outputPath string) []string {
	return []string{
		"-y",
		"-hide_banner",
		"-loglevel", "error",
		"-i", videoPath,
		"-i", audioPath,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c:v", "copy",
		"-c:a", "aac",
		"-shortest",
		outputPath,
	}
}

func filterArgs(videoPath, filter, outputPath string) []string {
	return []string{
		"-y",
		"-hide_banner",
		"-loglevel", "error",
		"-i", videoPath,
		"-vf", filter,
		"-c:a", "copy",
		outputPath,
	}
}

// escapeFilterValue は drawtext の値として安全に埋め込めるようにエスケープします。
func escapeFilterValue(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, `:`, `\:`, `%`, `\%`)
	return r.Replace(s)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
