// Main package for the mmcore bridge daemon.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pymmcore-plus/pymmcore-remote/pkg/server"
)

func main() {
	//
	// Flags
	host := flag.String("host", server.DefaultHost, "Interface to listen on")
	port := flag.Int("port", server.DefaultPort, "Port to listen on")
	inlineArrays := flag.Bool("inline-arrays", false, "Send frame payloads inline instead of through shared memory")
	useWebsocket := flag.Bool("websocket", false, "Serve the WebSocket framing instead of raw TCP")
	logFile := flag.String("log-file", "", "Also write logs to this rotating file")
	flag.Parse()

	logger := zap.Must(zap.NewProduction())
	if os.Getenv("APP_ENV") != "production" {
		logger = zap.Must(zap.NewDevelopment())
	}
	if *logFile != "" {
		sink := zapcore.AddSync(&lumberjack.Logger{
			Filename:   *logFile,
			MaxSize:    50, // megabytes
			MaxBackups: 3,
		})
		fileCore := zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			sink,
			zapcore.InfoLevel,
		)
		logger = logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, fileCore)
		}))
	}
	defer logger.Sync()

	shutdownCtx, shutdownRelease := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer shutdownRelease()

	err := server.Serve(shutdownCtx, server.ServeParams{
		Host:            *host,
		Port:            *port,
		InlineArrays:    *inlineArrays,
		EnableWebSocket: *useWebsocket,
		Logger:          logger,
	})
	if err != nil {
		logger.Error("Daemon exited with error", zap.Error(err))
		os.Exit(1)
	}
}
