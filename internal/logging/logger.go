// Package logging は zerolog ベースのロガーを提供します。
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New はサービス共通のロガーを生成します。
// debug モードでは人間が読みやすいコンソール出力に切り替えます。
func New(mode string) zerolog.Logger {
	return newWithWriter(mode, os.Stdout)
}

func newWithWriter(mode string, out io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	if mode == "debug" {
		level = zerolog.DebugLevel
	}

	logger := zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Logger()

	if mode == "debug" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
	}
	return logger
}

// Nop は出力しないロガーを返します（テスト用）。
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// AsynqAdapter は zerolog.Logger を asynq.Logger インターフェースに適合させます。
type AsynqAdapter struct {
	Logger zerolog.Logger
}

func (a AsynqAdapter) Debug(args ...interface{}) {
	a.Logger.Debug().Str("component", "asynq").Msg(fmt.Sprint(args...))
}

func (a AsynqAdapter) Info(args ...interface{}) {
	a.Logger.Info().Str("component", "asynq").Msg(fmt.Sprint(args...))
}

func (a AsynqAdapter) Warn(args ...interface{}) {
	a.Logger.Warn().Str("component", "asynq").Msg(fmt.Sprint(args...))
}

func (a AsynqAdapter) Error(args ...interface{}) {
	a.Logger.Error().Str("component", "asynq").Msg(fmt.Sprint(args...))
}

// Fatal は asynq の致命的エラーを記録してプロセスを終了します。
func (a AsynqAdapter) Fatal(args ...interface{}) {
	a.Logger.Fatal().Str("component", "asynq").Msg(fmt.Sprint(args...))
}
