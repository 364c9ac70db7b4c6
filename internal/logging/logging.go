// Package logging は slog ベースの構造化ログを提供します。
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Options はロガーの生成設定です。
type Options struct {
	Level   string    // debug, info, warn, error
	Format  string    // json, text
	Output  io.Writer // 未指定時は os.Stdout
	Service string    // service 属性として付与
}

// New は設定に従って *slog.Logger を生成します。
func New(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	handlerOpts := &slog.HandlerOptions{
		Level: ParseLevel(opts.Level),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.UTC().Format(time.RFC3339Nano))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if strings.EqualFold(opts.Format, "text") {
		handler = slog.NewTextHandler(out, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(out, handlerOpts)
	}

	logger := slog.New(handler)
	if opts.Service != "" {
		logger = logger.With(slog.String("service", opts.Service))
	}
	return logger
}

// Discard は何も出力しないロガーを返します（テスト用）。
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// WithJob はジョブIDを付与したロガーを返します。
func WithJob(l *slog.Logger, jobID string) *slog.Logger {
	return orDefault(l).With(slog.String("job_id", jobID))
}

// WithComponent はコンポーネント名を付与したロガーを返します。
func WithComponent(l *slog.Logger, component string) *slog.Logger {
	return orDefault(l).With(slog.String("component", component))
}

// ParseLevel は文字列のログレベルを slog.Level に変換します。
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// AsynqLogger は asynq.Logger を満たすアダプターです。
type AsynqLogger struct {
	L *slog.Logger
}

func (a AsynqLogger) Debug(args ...interface{}) { orDefault(a.L).Debug(fmt.Sprint(args...)) }
func (a AsynqLogger) Info(args ...interface{})  { orDefault(a.L).Info(fmt.Sprint(args...)) }
func (a AsynqLogger) Warn(args ...interface{})  { orDefault(a.L).Warn(fmt.Sprint(args...)) }
func (a AsynqLogger) Error(args ...interface{}) { orDefault(a.L).Error(fmt.Sprint(args...)) }

// Fatal はエラーを出力してプロセスを終了します。
func (a AsynqLogger) Fatal(args ...interface{}) {
	orDefault(a.L).Error(fmt.Sprint(args...))
	os.Exit(1)
}

func orDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
