// Package wtlog provides the context-scoped structured logger used
// throughout the watchtower: callers retrieve a *logrus.Entry for the
// current context via L(ctx) and attach request-scoped fields with
// WithField/WithChain/WithTxHash.
package wtlog

import (
	"context"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
	"gopkg.in/natefinch/lumberjack.v2"
)

type ctxKeyLogger struct{}

var root = logrus.New()

func init() {
	root.SetFormatter(&prefixed.TextFormatter{
		FullTimestamp:   true,
		ForceFormatting: true,
	})
	root.SetLevel(logrus.InfoLevel)
}

// Config controls the root logger. A zero-value Config is a safe default
// (info level, stderr only).
type Config struct {
	Level   string
	Pretty  bool
	File    string
	MaxSize int // megabytes
}

// Configure applies Config to the process-wide root logger. Call once at
// startup before any goroutines are spawned.
func Configure(cfg Config) error {
	if cfg.Level != "" {
		lvl, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return err
		}
		root.SetLevel(lvl)
	}
	var out io.Writer = os.Stderr
	if cfg.File != "" {
		maxSize := cfg.MaxSize
		if maxSize <= 0 {
			maxSize = 100
		}
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename: cfg.File,
			MaxSize:  maxSize,
			Compress: true,
		})
	}
	root.SetOutput(out)
	if !cfg.Pretty {
		root.SetFormatter(&logrus.JSONFormatter{})
	}
	return nil
}

// WithField returns a new context carrying a logger with field added.
func WithField(ctx context.Context, key string, value interface{}) context.Context {
	return context.WithValue(ctx, ctxKeyLogger{}, L(ctx).WithField(key, value))
}

// WithChain scopes the logger to a chain_id.
func WithChain(ctx context.Context, chainID uint64) context.Context {
	return WithField(ctx, "chain_id", chainID)
}

// WithTxHash scopes the logger to a tx_hash (hex, 0x-prefixed).
func WithTxHash(ctx context.Context, hash string) context.Context {
	return WithField(ctx, "tx_hash", hash)
}

// L returns the logger scoped to ctx, falling back to the root logger.
func L(ctx context.Context) *logrus.Entry {
	if ctx != nil {
		if entry, ok := ctx.Value(ctxKeyLogger{}).(*logrus.Entry); ok {
			return entry
		}
	}
	return logrus.NewEntry(root)
}
