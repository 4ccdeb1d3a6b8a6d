package lmcp

import (
	"bytes"
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

// Opts selects the transport and log destinations of an MCP server.
// An empty HTTPAddr means stdio.
type Opts struct {
	HTTPAddr       string
	LogDir         string
	DisableLogFile bool
	Level          zerolog.Level
}

func (o Opts) httpMode() bool {
	return o.HTTPAddr != ""
}

type ServerSetupFunc func(ctx context.Context) (*server.MCPServer, error)

// LogFileDir is where MCP server logs go unless Opts.LogDir is set.
func LogFileDir() (string, error) {
	cachedir, err := os.UserCacheDir()
	if err != nil {
		return "", errors.Errorf("getting user cache directory: %w", err)
	}
	exe, err := os.Executable()
	if err != nil {
		return "", errors.Errorf("getting executable name: %w", err)
	}
	return filepath.Join(cachedir, "lmcp", filepath.Base(exe)), nil
}

// NewLogger builds the server logger. Stdout belongs to the protocol in
// stdio mode, so there the log goes to a file only.
func NewLogger(opts Opts) (zerolog.Logger, func() error, error) {
	writers := []io.Writer{}
	closer := func() error { return nil }

	mode := "stdio"
	if opts.httpMode() {
		mode = "http"
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	logPath := ""
	if !opts.DisableLogFile {
		dir := opts.LogDir
		if dir == "" {
			var err error
			if dir, err = LogFileDir(); err != nil {
				return zerolog.Logger{}, nil, err
			}
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return zerolog.Logger{}, nil, errors.Errorf("creating log directory: %w", err)
		}

		logPath = filepath.Join(dir, "lmcp."+time.Now().Format("2006-01-02_15-04-05")+".log")
		f, err := os.Create(logPath)
		if err != nil {
			return zerolog.Logger{}, nil, errors.Errorf("creating log file: %w", err)
		}
		writers = append(writers, f)
		closer = f.Close
	} else if !opts.httpMode() {
		return zerolog.Logger{}, nil, errors.New("log file cannot be disabled in stdio mode")
	}

	logctx := zerolog.New(zerolog.MultiLevelWriter(writers...)).With().
		Timestamp().
		Str("source", "application").
		Str("mode", mode)
	if logPath != "" {
		logctx = logctx.Str("log_file", logPath)
	}

	return logctx.Logger().Level(opts.Level), closer, nil
}

// Serve builds the server with setup and runs it on the selected transport
// until it fails or, for stdio, the client disconnects.
func Serve(ctx context.Context, opts Opts, setup ServerSetupFunc) error {
	logger, closeLog, err := NewLogger(opts)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx = logger.WithContext(ctx)
	logger.Info().Msg("Starting MCP server")

	srv, err := setup(ctx)
	if err != nil {
		return errors.Errorf("creating server: %w", err)
	}

	if !opts.httpMode() {
		stdLogger := log.New(&logWriter{logger: logger.With().Str("source", "mcp_stdio_error_logs").Logger()}, "", 0)
		logger.Info().Msg("Starting ServeStdio")
		return server.ServeStdio(srv, server.WithErrorLogger(stdLogger))
	}

	sse := server.NewSSEServer(srv, server.WithSSEContextFunc(func(rctx context.Context, r *http.Request) context.Context {
		return logger.With().Str("request", xid.New().String()).Logger().WithContext(rctx)
	}))

	httpServer := &http.Server{
		Addr:              opts.HTTPAddr,
		Handler:           loggerMiddleware(sse, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("address", opts.HTTPAddr).Msg("Server is ready to accept connections")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Errorf("serving http: %w", err)
	}
	return nil
}

// logWriter turns lines written through a std logger into zerolog events.
type logWriter struct {
	logger zerolog.Logger
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.logger.Error().Msg(strings.TrimSpace(string(p)))
	return len(p), nil
}

func loggerMiddleware(next http.Handler, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		if logger.Trace().Enabled() && r.Body != nil {
			body, err := io.ReadAll(r.Body)
			if err != nil {
				logger.Error().Err(err).Msg("Reading request body")
			} else if len(body) > 0 {
				logger.Trace().RawJSON("body", body).Msg("Request body")
			}
			r.Body = io.NopCloser(bytes.NewBuffer(body))
		}

		next.ServeHTTP(w, r)

		logger.Debug().
			Str("method", r.Method).
			Str("url", r.URL.String()).
			Dur("duration", time.Since(start)).
			Msg("Handled request")
	})
}
