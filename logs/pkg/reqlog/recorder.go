// Package reqlog writes one structured record per request phase to an
// append-only sink: arrival, each compiled statement, and completion.
package reqlog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	EventRequestArrived   = "request_arrived"
	EventSQLExecuted      = "sql_executed"
	EventRequestCompleted = "request_completed"
)

// Completion summarizes a finished request.
type Completion struct {
	RequestID     string
	Endpoint      string
	StatusCode    int
	Err           error
	Total         time.Duration
	SQL           time.Duration
	Transform     time.Duration
	Compression   time.Duration
	RowCount      int
	TotalCount    int64
	ResponseBytes int
	WireBytes     int
	Compressed    bool
}

type Config struct {
	Sink  io.Writer
	Clock clockwork.Clock

	// OnComplete, if set, receives every completion after it is written.
	OnComplete func(Completion)
}

func (cfg *Config) Validate() error {
	if cfg.Sink == nil {
		return errors.New("sink is required")
	}

	// Optional with default
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Recorder is safe for concurrent use; the JSON handler serializes writes.
type Recorder struct {
	log *slog.Logger
	cfg Config
}

func NewRecorder(cfg Config) (*Recorder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	handler := slog.NewJSONHandler(cfg.Sink, &slog.HandlerOptions{Level: slog.LevelDebug})
	return &Recorder{log: slog.New(handler), cfg: cfg}, nil
}

// OpenFile opens path for appending, creating it if needed.
func OpenFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open request log: %w", err)
	}
	return f, nil
}

// Begin writes the arrival record and returns the request's span.
func (r *Recorder) Begin(ctx context.Context, endpoint, remoteAddr string, request any) *Span {
	s := &Span{
		rec:        r,
		ctx:        context.WithoutCancel(ctx),
		id:         uuid.NewString(),
		endpoint:   endpoint,
		remoteAddr: remoteAddr,
		start:      r.cfg.Clock.Now(),
	}
	r.log.LogAttrs(s.ctx, slog.LevelInfo, EventRequestArrived,
		slog.String("request_id", s.id),
		slog.String("endpoint", endpoint),
		slog.String("remote_addr", remoteAddr),
		slog.Any("request", request),
	)
	return s
}

// Span accumulates one request's outcome. It is owned by the request's
// goroutine; only End is safe to call more than once.
type Span struct {
	rec        *Recorder
	ctx        context.Context
	id         string
	endpoint   string
	remoteAddr string
	start      time.Time

	status        int
	err           error
	sql           time.Duration
	transform     time.Duration
	compression   time.Duration
	rowCount      int
	totalCount    int64
	responseBytes int
	wireBytes     int
	compressed    bool

	once sync.Once
}

func (s *Span) ID() string {
	return s.id
}

// SQL records one compiled statement with its bound parameters.
func (s *Span) SQL(variant, sql string, params []any) {
	s.rec.log.LogAttrs(s.ctx, slog.LevelInfo, EventSQLExecuted,
		slog.String("request_id", s.id),
		slog.String("endpoint", s.endpoint),
		slog.String("variant", variant),
		slog.String("sql", sql),
		slog.Any("params", params),
	)
}

func (s *Span) SetStatus(code int) {
	s.status = code
}

func (s *Span) SetError(err error) {
	s.err = err
}

func (s *Span) SetSQLDuration(d time.Duration) {
	s.sql = d
}

// AddTransform accumulates time spent shaping the response.
func (s *Span) AddTransform(d time.Duration) {
	s.transform += d
}

func (s *Span) SetCounts(rowCount int, totalCount int64) {
	s.rowCount = rowCount
	s.totalCount = totalCount
}

// SetResponse records the encoded body size and, when compressed, the
// size on the wire and time spent compressing.
func (s *Span) SetResponse(responseBytes, wireBytes int, compressed bool, compression time.Duration) {
	s.responseBytes = responseBytes
	s.wireBytes = wireBytes
	s.compressed = compressed
	s.compression = compression
}

// End writes the completion record exactly once. A span that never had its
// status set is recorded as a 500.
func (s *Span) End() {
	s.once.Do(func() {
		c := Completion{
			RequestID:     s.id,
			Endpoint:      s.endpoint,
			StatusCode:    s.status,
			Err:           s.err,
			Total:         s.rec.cfg.Clock.Since(s.start),
			SQL:           s.sql,
			Transform:     s.transform,
			Compression:   s.compression,
			RowCount:      s.rowCount,
			TotalCount:    s.totalCount,
			ResponseBytes: s.responseBytes,
			WireBytes:     s.wireBytes,
			Compressed:    s.compressed,
		}
		if c.StatusCode == 0 {
			c.StatusCode = 500
			if c.Err == nil {
				c.Err = errors.New("request ended without a response")
			}
		}

		level := slog.LevelInfo
		if c.StatusCode >= 500 {
			level = slog.LevelError
		} else if c.StatusCode >= 400 {
			level = slog.LevelWarn
		}

		attrs := []slog.Attr{
			slog.String("request_id", c.RequestID),
			slog.String("endpoint", c.Endpoint),
			slog.String("remote_addr", s.remoteAddr),
			slog.Int("status", c.StatusCode),
			slog.Int64("total_ms", c.Total.Milliseconds()),
			slog.Int64("sql_ms", c.SQL.Milliseconds()),
			slog.Int64("transform_ms", c.Transform.Milliseconds()),
			slog.Int64("compression_ms", c.Compression.Milliseconds()),
			slog.Int("row_count", c.RowCount),
			slog.Int64("total_count", c.TotalCount),
			slog.Int("response_bytes", c.ResponseBytes),
			slog.Int("wire_bytes", c.WireBytes),
			slog.Bool("compressed", c.Compressed),
		}
		if c.Err != nil {
			attrs = append(attrs, slog.String("error", c.Err.Error()))
		}
		s.rec.log.LogAttrs(s.ctx, level, EventRequestCompleted, attrs...)

		if s.rec.cfg.OnComplete != nil {
			s.rec.cfg.OnComplete(c)
		}
	})
}
