package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/PrecisionNutrition/postgres-to-redshift/cmd"
)

const (
	// exitFail is the exit code if the program
	// fails.
	exitFail = 1
	// exitSuccess is the exit code if the program succeeds.
	exitSuccess = 0
)

const serviceName = "postgres-to-redshift"

// https://pace.dev/blog/2020/02/12/why-you-shouldnt-use-func-main-in-golang-by-mat-ryer
func main() {
	// a .env file is optional
	_ = godotenv.Load()

	gitCommit, err := cmd.GitBuildVersion()
	if err != nil {
		gitCommit = "devel"
	}

	l, err := newLogger(gitCommit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Unable to build logger:", err)
		os.Exit(exitFail)
	}
	// set GOMAXPROCS based on container limits
	undo, err := maxprocs.Set(maxprocs.Logger(l.Sugar().Debugf))
	defer undo()
	if err != nil {
		l.Fatal("failed to set GOMAXPROCS:", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = cmd.Execute(ctx, l)
	stop()
	if err != nil {
		l.Error(fmt.Sprintf("%+v\n", err), zap.Error(err))
		_ = l.Sync()
		os.Exit(exitFail)
	}
	l.Info("Successful completion")
	_ = l.Sync()
	os.Exit(exitSuccess)
}

// newLogger logs JSON for log collectors, or readable lines when run from a
// terminal. DEBUG enables debug logs.
func newLogger(gitCommit string) (*zap.Logger, error) {
	var level zap.AtomicLevel
	if os.Getenv("DEBUG") != "" {
		level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "eventTime",
		LevelKey:       "severity",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	encoding := "json"
	fd := os.Stdout.Fd()
	if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
		encoding = "console"
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	config := &zap.Config{
		Level:            level,
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	return config.Build(zap.Fields(
		zap.String("service", serviceName),
		zap.String("version", gitCommit),
	))
}
