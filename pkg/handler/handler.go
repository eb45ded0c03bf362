package handler

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mapquest/rendermq/pkg/log"
	"github.com/mapquest/rendermq/pkg/metrics"
	"github.com/mapquest/rendermq/pkg/storage"
	"github.com/mapquest/rendermq/pkg/tile"
)

// Config configures a Handler.
type Config struct {
	Thresholds  Thresholds
	PoolSize    int
	RenderWait  time.Duration
	MaxAgeSecs  int
	ServerIdent string
}

func (c *Config) setDefaults() {
	if c.RenderWait <= 0 {
		c.RenderWait = 30 * time.Second
	}
	if c.MaxAgeSecs <= 0 {
		c.MaxAgeSecs = 3600
	}
	if c.ServerIdent == "" {
		c.ServerIdent = "Mapnik2/0.8.0"
	}
}

// Handler is the HTTP-facing tile request pipeline.
type Handler struct {
	cfg   Config
	log   zerolog.Logger
	rules *StyleRules
	store storage.Store
	expiry expiryChecker
	pool  *Pool
	disp  *Dispatcher
}

// New builds a Handler. expiry may be nil if no redundant expiry pair
// is configured, in which case every tile is always considered fresh.
// disp may be nil for a storage-only deployment (no broker dispatch).
func New(cfg Config, rules *StyleRules, store storage.Store, expiry expiryChecker, disp *Dispatcher) *Handler {
	cfg.setDefaults()
	return &Handler{
		cfg:    cfg,
		log:    log.WithComponent("handler"),
		rules:  rules,
		store:  store,
		expiry: expiry,
		pool:   NewPool(cfg.PoolSize),
		disp:   disp,
	}
}

// Close stops the handler's storage worker pool.
func (h *Handler) Close() {
	h.pool.Stop()
}

// ServeHTTP implements the full request lifecycle from spec §4.7: parse
// the URL, apply style rules, query storage, make an admission
// decision, and write the conditional reply.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := r.Header.Get("X-Request-Id")
	if reqID == "" {
		reqID = uuid.NewString()
	}

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	defer func() {
		metrics.HTTPResponsesTotal.WithLabelValues(strconv.Itoa(rec.status)).Inc()
		h.log.Debug().Str("request_id", reqID).Str("path", r.URL.Path).Int("status", rec.status).Msg("request served")
	}()

	rec.Header().Set("X-Request-Id", reqID)
	rec.Header().Set("Access-Control-Allow-Origin", "*")
	rec.Header().Set("Server", h.cfg.ServerIdent)

	req, err := ParseURL(r.URL.Path)
	if err != nil {
		http.Error(rec, "not found", http.StatusNotFound)
		return
	}
	if err := h.rules.Apply(&req); err != nil {
		http.Error(rec, "not found", http.StatusNotFound)
		return
	}

	ctx := r.Context()

	switch req.Command {
	case CommandDirty:
		h.serveDirty(ctx, rec, req)
	case CommandStatus:
		h.serveStatus(ctx, rec, req)
	default:
		h.serveRender(ctx, rec, r, req)
	}
}

// statusRecorder captures the status code a handler wrote, since
// http.ResponseWriter has no getter of its own and HTTPResponsesTotal
// needs it after the fact.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Handler) serveDirty(ctx context.Context, w http.ResponseWriter, req ParsedRequest) {
	styles := append([]string{req.Style}, h.rules.Dependents(req.Style)...)
	<-h.pool.Expire(ctx, h.store, h.expiry, styles, req.Format, req.Z, req.X, req.Y)

	if h.disp != nil {
		job := tile.Job{Style: req.Style, Z: req.Z, X: req.X, Y: req.Y, Format: req.Format, Status: tile.RenderBulk}
		if err := h.disp.r.Send(job); err != nil {
			h.log.Warn().Err(err).Msg("enqueue bulk render after dirty failed")
		}
	}

	w.WriteHeader(http.StatusAccepted)
	fmt.Fprint(w, "submitted")
}

func (h *Handler) serveStatus(ctx context.Context, w http.ResponseWriter, req ParsedRequest) {
	result := <-h.pool.Lookup(ctx, h.store, h.expiry, req.Style, req.Format, req.Z, req.X, req.Y)
	switch result.status {
	case tile.Done:
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, time.Unix(result.lastModified, 0).UTC().Format(http.TimeFormat))
	case tile.Ignore:
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "dirty")
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (h *Handler) serveRender(ctx context.Context, w http.ResponseWriter, r *http.Request, req ParsedRequest) {
	result := <-h.pool.Lookup(ctx, h.store, h.expiry, req.Style, req.Format, req.Z, req.X, req.Y)

	var queueLen uint64
	if h.disp != nil {
		queueLen = h.disp.r.QueueLength()
	}

	action := Decide(result.status, queueLen, h.cfg.Thresholds)
	metrics.AdmissionOutcomesTotal.WithLabelValues(action.String()).Inc()

	switch action {
	case ActionReplyData:
		h.writeData(w, r.Header.Get("If-Modified-Since"), req.Format, result)
	case ActionOverloaded:
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	case ActionAccepted:
		h.enqueueBulk(req)
		if result.status == tile.Ignore {
			h.writeData(w, r.Header.Get("If-Modified-Since"), req.Format, result)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprint(w, "accepted")
	case ActionEnqueueAndWait:
		h.renderAndWait(w, r, req)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (h *Handler) enqueueBulk(req ParsedRequest) {
	if h.disp == nil {
		return
	}
	job := tile.Job{Style: req.Style, Z: req.Z, X: req.X, Y: req.Y, Format: req.Format, Status: tile.RenderBulk}
	if err := h.disp.r.Send(job); err != nil {
		h.log.Warn().Err(err).Msg("enqueue bulk render failed")
	}
}

func (h *Handler) renderAndWait(w http.ResponseWriter, r *http.Request, req ParsedRequest) {
	if h.disp == nil {
		http.Error(w, "no broker available", http.StatusServiceUnavailable)
		return
	}
	job := tile.Job{Style: req.Style, Z: req.Z, X: req.X, Y: req.Y, Format: req.Format, Status: tile.Render}
	result, err := h.disp.Submit(job, h.cfg.RenderWait)
	if err != nil {
		h.log.Warn().Err(err).Msg("render request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if result.Status != tile.Done {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.writeData(w, r.Header.Get("If-Modified-Since"), req.Format, storageResult{status: tile.Done, data: result.Image, lastModified: result.LastModified})
}

// writeData writes a conditional HTTP reply for a request that asked
// for format: 304 if the client's If-Modified-Since is no older than
// the tile, 200 with the image and caching headers otherwise.
func (h *Handler) writeData(w http.ResponseWriter, ims string, format tile.Format, result storageResult) {
	lastModified := time.Unix(result.lastModified, 0).UTC()

	if ims != "" {
		if t, err := http.ParseTime(ims); err == nil && !lastModified.After(t) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}

	w.Header().Set("Content-Type", format.MimeType())
	w.Header().Set("Last-Modified", lastModified.Format(http.TimeFormat))
	w.Header().Set("Expires", time.Now().Add(time.Duration(h.cfg.MaxAgeSecs)*time.Second).UTC().Format(http.TimeFormat))
	w.Header().Set("Cache-Control", fmt.Sprintf("max-age=%d", h.cfg.MaxAgeSecs))
	w.Header().Set("Edge-Control", fmt.Sprintf("cache-maxage=%ds", h.cfg.MaxAgeSecs))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.data)
}
