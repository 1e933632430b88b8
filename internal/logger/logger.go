// Package logger はJSON構造化ログの初期化を提供する。
package logger

import (
	"io"
	"log/slog"
	"os"
)

// level はSetupDefaultで設定したグローバルロガーの出力レベル。
// 設定読み込み前にロガーを使い始めるため、後からSetLevelで変更できるようにする。
var level = new(slog.LevelVar)

// Setup はJSON構造化ログ出力のslog.Loggerを生成して返す。
// lvがnilの場合はInfoレベルで出力する。
func Setup(w io.Writer, lv slog.Leveler) *slog.Logger {
	if lv == nil {
		lv = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: lv,
	})
	return slog.New(handler)
}

// SetupDefault はJSON構造化ログ出力をグローバルロガーとして設定する。
// 本番ではos.Stdoutを渡すことを想定している。
func SetupDefault(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	slog.SetDefault(Setup(w, level))
}

// SetLevel はグローバルロガーの出力レベルを変更する。
func SetLevel(l slog.Level) {
	level.Set(l)
}
