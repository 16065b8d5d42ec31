// Package database dumps and restores the PostgreSQL store by driving the
// pg_dump and psql binaries. Output is streamed; nothing is held in memory
// beyond a short tail of diagnostics.
package database

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

const (
	DefaultDumpBinary    = "pg_dump"
	DefaultRestoreBinary = "psql"
	DefaultTimeout       = 30 * time.Minute
)

// Connection holds the pieces of the connection descriptor the external
// binaries need.
type Connection struct {
	Host     string
	Port     string
	User     string
	Password string
	Database string
}

// ParseConnection parses a PostgreSQL URL or keyword/value DSN.
func ParseConnection(descriptor string) (Connection, error) {
	if strings.TrimSpace(descriptor) == "" {
		return Connection{}, &ConfigurationError{Field: "database.url", Err: errors.New("connection descriptor is empty")}
	}
	cfg, err := pgconn.ParseConfig(descriptor)
	if err != nil {
		return Connection{}, &ConfigurationError{Field: "database.url", Err: err}
	}
	if cfg.Database == "" {
		return Connection{}, &ConfigurationError{Field: "database.url", Err: errors.New("database name is missing")}
	}
	return Connection{
		Host:     cfg.Host,
		Port:     strconv.Itoa(int(cfg.Port)),
		User:     cfg.User,
		Password: cfg.Password,
		Database: cfg.Database,
	}, nil
}

// Engine runs dump and restore against one database.
type Engine struct {
	conn          Connection
	dumpBinary    string
	restoreBinary string
	timeout       time.Duration
	logger        zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithDumpBinary overrides the pg_dump executable.
func WithDumpBinary(path string) Option {
	return func(e *Engine) {
		if path != "" {
			e.dumpBinary = path
		}
	}
}

// WithRestoreBinary overrides the psql executable.
func WithRestoreBinary(path string) Option {
	return func(e *Engine) {
		if path != "" {
			e.restoreBinary = path
		}
	}
}

// WithTimeout bounds each external process invocation.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithLogger sets the logger used for process diagnostics.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an Engine for conn.
func New(conn Connection, opts ...Option) *Engine {
	e := &Engine{
		conn:          conn,
		dumpBinary:    DefaultDumpBinary,
		restoreBinary: DefaultRestoreBinary,
		timeout:       DefaultTimeout,
		logger:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With().Str("component", "database").Str("database", conn.Database).Logger()
	return e
}

// Preflight verifies that the dump and restore binaries are available.
func (e *Engine) Preflight() error {
	var missing []string
	if _, err := exec.LookPath(e.dumpBinary); err != nil {
		missing = append(missing, e.dumpBinary+" (required for backup)")
	}
	if _, err := exec.LookPath(e.restoreBinary); err != nil {
		missing = append(missing, e.restoreBinary+" (required for restore)")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required tools:\n  - %s", strings.Join(missing, "\n  - "))
	}
	return nil
}

// baseArgs returns the connection flags shared by pg_dump and psql.
// The password travels via PGPASSWORD.
func (e *Engine) baseArgs() []string {
	return []string{
		"-h", e.conn.Host,
		"-p", e.conn.Port,
		"-U", e.conn.User,
		"-d", e.conn.Database,
		"--no-password",
	}
}

func (e *Engine) command(ctx context.Context, binary string, args []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Env = append(cmd.Environ(), "PGPASSWORD="+e.conn.Password)
	cmd.WaitDelay = 10 * time.Second
	return cmd
}

// Dump runs pg_dump and streams its output through gzip into outputPath.
// The dump drops objects before recreating them and carries no ownership or
// ACL statements, so restoring it twice yields the same state as once.
// It returns the number of compressed bytes written.
func (e *Engine) Dump(ctx context.Context, outputPath string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	out, err := os.Create(outputPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create dump file: %w", err)
	}
	counter := &countingWriter{w: out}
	gz, err := gzip.NewWriterLevel(counter, gzip.BestCompression)
	if err != nil {
		out.Close()
		return 0, fmt.Errorf("failed to create compressor: %w", err)
	}

	args := append(e.baseArgs(),
		"--format=plain",
		"--clean",
		"--if-exists",
		"--no-owner",
		"--no-acl",
	)
	cmd := e.command(ctx, e.dumpBinary, args)
	cmd.Stdout = gz
	diag := newDiagnostics(func(line string) {
		if !strings.Contains(line, "NOTICE") {
			e.logger.Warn().Str("binary", e.dumpBinary).Msg(line)
		}
	})
	cmd.Stderr = diag

	start := time.Now()
	runErr := cmd.Run()
	diag.Flush()
	closeErr := errors.Join(gz.Close(), out.Close())

	if runErr != nil {
		os.Remove(outputPath)
		return 0, processError(ctx, e.dumpBinary, runErr, diag.Tail())
	}
	if closeErr != nil {
		os.Remove(outputPath)
		return 0, fmt.Errorf("failed to finalize dump file: %w", closeErr)
	}

	e.logger.Info().
		Int64("bytes", counter.n).
		Dur("took", time.Since(start)).
		Msg("database dump complete")
	return counter.n, nil
}

// Restore decompresses the gzip dump at dumpPath and feeds it to psql.
func (e *Engine) Restore(ctx context.Context, dumpPath string) error {
	f, err := os.Open(dumpPath)
	if err != nil {
		return fmt.Errorf("failed to open dump: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(bufio.NewReader(f))
	if err != nil {
		return fmt.Errorf("failed to open compressed dump: %w", err)
	}
	defer gz.Close()

	return e.RestoreSQL(ctx, gz)
}

// RestoreSQL streams plain SQL from r into psql. "already exists"
// diagnostics are expected when the target still holds objects and are not
// treated as failures.
func (e *Engine) RestoreSQL(ctx context.Context, r io.Reader) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := e.command(ctx, e.restoreBinary, append(e.baseArgs(), "--quiet"))
	cmd.Stdin = newStatementFilter(r)
	cmd.Stdout = io.Discard
	diag := newDiagnostics(func(line string) {
		if strings.Contains(line, "already exists") {
			e.logger.Debug().Str("binary", e.restoreBinary).Msg(line)
			return
		}
		e.logger.Warn().Str("binary", e.restoreBinary).Msg(line)
	})
	cmd.Stderr = diag

	start := time.Now()
	err := cmd.Run()
	diag.Flush()
	if err != nil {
		return processError(ctx, e.restoreBinary, err, diag.Tail())
	}

	e.logger.Info().Dur("took", time.Since(start)).Msg("database restore complete")
	return nil
}

func processError(ctx context.Context, binary string, err error, stderr string) error {
	pe := &ProcessError{Binary: binary, ExitCode: -1, Stderr: stderr, Err: err}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		pe.ExitCode = exitErr.ExitCode()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		pe.Err = fmt.Errorf("%w: %w", ctxErr, err)
	}
	return pe
}

// incompatibleParams lists SET parameters that only exist on newer servers.
var incompatibleParams = []string{
	"transaction_timeout", // PostgreSQL 17+
}

// isIncompatibleStatement reports whether line is a SET statement for a
// parameter older servers reject.
func isIncompatibleStatement(line []byte) bool {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) < 4 || !strings.EqualFold(string(trimmed[:4]), "SET ") {
		return false
	}
	lower := strings.ToLower(string(trimmed))
	for _, param := range incompatibleParams {
		if strings.Contains(lower, param) {
			return true
		}
	}
	return false
}

// statementFilter is a reader that drops incompatible SET lines from a SQL
// stream one line at a time.
type statementFilter struct {
	br  *bufio.Reader
	buf []byte
	err error
}

func newStatementFilter(r io.Reader) *statementFilter {
	return &statementFilter{br: bufio.NewReaderSize(r, 64*1024)}
}

func (f *statementFilter) Read(p []byte) (int, error) {
	for len(f.buf) == 0 {
		if f.err != nil {
			return 0, f.err
		}
		line, err := f.br.ReadBytes('\n')
		f.err = err
		if len(line) > 0 && !isIncompatibleStatement(line) {
			f.buf = line
		}
	}
	n := copy(p, f.buf)
	f.buf = f.buf[n:]
	return n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
