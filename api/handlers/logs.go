package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/logquery/logs/pkg/reqlog"
	"github.com/malbeclabs/logquery/logs/pkg/service"
)

const (
	defaultMaxBodyBytes = 1 << 20

	// maxLoggedBody bounds how much of an undecodable body is recorded.
	maxLoggedBody = 4096
)

type LogsConfig struct {
	Logger      *slog.Logger
	Clock       clockwork.Clock
	Service     *service.Service
	Recorder    *reqlog.Recorder
	Compression bool

	// MaxBodyBytes caps the request body. Defaults to 1 MiB.
	MaxBodyBytes int64
}

func (cfg *LogsConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Service == nil {
		return errors.New("service is required")
	}
	if cfg.Recorder == nil {
		return errors.New("recorder is required")
	}

	// Optional with default
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	return nil
}

// Logs serves the log query endpoints.
type Logs struct {
	log *slog.Logger
	cfg LogsConfig
}

func NewLogs(cfg LogsConfig) (*Logs, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Logs{log: cfg.Logger, cfg: cfg}, nil
}

// PostQuery handles the simple query. The response body is a JSON array of
// rows.
func (h *Logs) PostQuery(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "query", h.cfg.Service.SimpleQuery)
}

// PostFacetedQuery handles the faceted query. The response body carries
// logs, totalCount, groupData and chartData.
func (h *Logs) PostFacetedQuery(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "faceted", h.cfg.Service.FacetedQuery)
}

// Mount registers the query routes at the root and under /api/logs.
func (h *Logs) Mount(r chi.Router) {
	for _, prefix := range []string{"", "/api/logs"} {
		r.Post(prefix+"/query", h.PostQuery)
		r.Post(prefix+"/query/faceted", h.PostFacetedQuery)
	}
}

type queryFunc func(ctx context.Context, span *reqlog.Span, body any) service.Response

func (h *Logs) serve(w http.ResponseWriter, r *http.Request, endpoint string, run queryFunc) {
	body, raw, decodeErr := h.decode(w, r)

	logged := body
	if decodeErr != nil {
		logged = truncate(raw, maxLoggedBody)
	}
	span := h.cfg.Recorder.Begin(r.Context(), endpoint, remoteAddr(r), logged)
	defer span.End()

	var resp service.Response
	if decodeErr != nil {
		resp = h.cfg.Service.Malformed(span, decodeErr)
	} else {
		resp = run(r.Context(), span, body)
	}

	if resp.StatusCode >= http.StatusInternalServerError && resp.Err != nil {
		if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
			hub.CaptureException(resp.Err)
		}
		resp.Body = service.ErrorBody{Error: SanitizeError(resp.Err)}
	}

	h.write(w, r, span, resp)
}

// decode reads a single JSON value from the body. Numbers are kept as
// json.Number so integers are not rounded through float64.
func (h *Logs) decode(w http.ResponseWriter, r *http.Request) (any, []byte, error) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		return nil, raw, fmt.Errorf("failed to read body: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var body any
	if err := dec.Decode(&body); err != nil {
		return nil, raw, fmt.Errorf("failed to decode body: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, raw, errors.New("failed to decode body: trailing data")
	}
	return body, raw, nil
}

func (h *Logs) write(w http.ResponseWriter, r *http.Request, span *reqlog.Span, resp service.Response) {
	t0 := h.cfg.Clock.Now()
	payload, err := json.Marshal(resp.Body)
	span.AddTransform(h.cfg.Clock.Since(t0))
	if err != nil {
		span.SetStatus(http.StatusInternalServerError)
		span.SetError(err)
		w.Header().Set(HeaderCompressionApplied, "false")
		http.Error(w, internalError(h.log, "failed to encode response", err), http.StatusInternalServerError)
		return
	}

	out := payload
	compressed := false
	var compressDur time.Duration
	if h.cfg.Compression && acceptsGzip(r) {
		t1 := h.cfg.Clock.Now()
		gz, err := gzipBytes(payload)
		compressDur = h.cfg.Clock.Since(t1)
		if err != nil {
			h.log.Warn("handlers: compression failed, sending identity", "request_id", span.ID(), "error", err)
		} else {
			out = gz
			compressed = true
		}
	}

	header := w.Header()
	header.Set("Content-Type", "application/json")
	header.Set("X-Request-ID", span.ID())
	header.Set(HeaderCompressionApplied, strconv.FormatBool(compressed))
	header.Add("Vary", "Accept-Encoding")
	if compressed {
		header.Set("Content-Encoding", "gzip")
	}
	header.Set("Content-Length", strconv.Itoa(len(out)))

	span.SetResponse(len(payload), len(out), compressed, compressDur)

	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(out); err != nil {
		h.log.Debug("handlers: failed to write response", "request_id", span.ID(), "error", err)
	}
}

func remoteAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}
