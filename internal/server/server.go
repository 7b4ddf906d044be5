// Package server serves populate expressions over HTTP.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"google.golang.org/grpc/metadata"

	"github.com/hanpama/populate/internal/eventbus"
	"github.com/hanpama/populate/internal/events"
	"github.com/hanpama/populate/internal/finder"
	"github.com/hanpama/populate/internal/language"
	"github.com/hanpama/populate/internal/logging"
	"github.com/hanpama/populate/internal/reqid"
)

// Handler is an http.Handler that compiles populate expressions against
// the store's registry and runs them.
type Handler struct {
	store *finder.Store
	opt   Options
}

type Options struct {
	// Timeout sets a default timeout if the incoming request context has none.
	// 0 means no default timeout.
	Timeout time.Duration

	// Pretty enables indented JSON responses (useful for dev).
	Pretty bool

	// MaxBodyBytes limits the size of the request body. 0 means unlimited.
	MaxBodyBytes int64

	// CORS configuration. If AllowedOrigins is empty, CORS is disabled.
	CORS CORSOptions

	// MetadataHeaders lists HTTP headers to forward into gRPC metadata of
	// remote adapter calls. Header names are case-insensitive. Default is
	// none.
	MetadataHeaders []string
}

type Option func(*Options)

func WithTimeout(d time.Duration) Option { return func(o *Options) { o.Timeout = d } }
func WithPretty() Option                 { return func(o *Options) { o.Pretty = true } }
func WithMaxBodyBytes(n int64) Option    { return func(o *Options) { o.MaxBodyBytes = n } }
func WithCORS(origins ...string) Option {
	return func(o *Options) { o.CORS.AllowedOrigins = origins }
}
func WithMetadataHeaders(headers ...string) Option {
	return func(o *Options) { o.MetadataHeaders = headers }
}

// CORSOptions holds simple CORS settings.
type CORSOptions struct {
	AllowedOrigins []string
}

func New(store *finder.Store, opts ...Option) *Handler {
	op := Options{Timeout: 10 * time.Second}
	for _, f := range opts {
		f(&op)
	}
	return &Handler{store: store, opt: op}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := ctx.Deadline(); !ok && h.opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opt.Timeout)
		defer cancel()
	}

	if id := r.Header.Get(reqid.Header); id != "" {
		ctx = reqid.WithID(ctx, id)
	}
	ctx, rid := reqid.NewContext(ctx)
	logger := logging.With().Str("request_id", rid).Logger()
	ctx = logger.WithContext(ctx)
	w.Header().Set(reqid.Header, rid)

	status := http.StatusOK
	rows := 0
	start := time.Now()
	eventbus.Publish(ctx, events.HTTPStart{Request: r})
	defer func() {
		eventbus.Publish(ctx, events.HTTPFinish{Request: r, Status: status, Rows: rows, Duration: time.Since(start)})
	}()

	if r.Method == http.MethodOptions {
		if len(h.opt.CORS.AllowedOrigins) > 0 {
			setCORSHeaders(w, r, h.opt.CORS)
		}
		status = http.StatusNoContent
		w.WriteHeader(status)
		return
	}

	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, errorResponse(&language.Error{Message: "method not allowed"}), h.opt.Pretty)
		return
	}

	// Map configured headers into metadata
	md := metadata.MD{}
	if len(h.opt.MetadataHeaders) > 0 {
		allowed := make(map[string]struct{}, len(h.opt.MetadataHeaders))
		for _, hdr := range h.opt.MetadataHeaders {
			allowed[strings.ToLower(hdr)] = struct{}{}
		}
		for k, v := range r.Header {
			if _, ok := allowed[strings.ToLower(k)]; ok {
				md[strings.ToLower(k)] = v
			}
		}
	}
	md[reqid.Header] = []string{rid}
	ctx = metadata.NewOutgoingContext(ctx, md)

	req, batch, berr := parseRequest(r, h.opt.MaxBodyBytes)
	if berr != nil {
		status = http.StatusBadRequest
		if berr.Message == errBodyTooLargeMessage {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, errorResponse(berr), h.opt.Pretty)
		return
	}

	if len(h.opt.CORS.AllowedOrigins) > 0 {
		setCORSHeaders(w, r, h.opt.CORS)
	}

	if batch != nil {
		out := make([]result, len(batch))
		for i := range batch {
			out[i] = h.executeOne(ctx, batch[i])
			rows += out[i].rows
		}
		writeJSON(w, status, out, h.opt.Pretty)
		return
	}

	res := h.executeOne(ctx, req)
	rows = res.rows
	writeJSON(w, status, res, h.opt.Pretty)
}

func (h *Handler) executeOne(ctx context.Context, req Request) result {
	compiled, err := language.Compile(h.store.Registry, req.Query, req.Variables)
	if err != nil {
		return errorResponse(err)
	}
	data := make(map[string]any, len(compiled))
	out := result{Data: data}
	for _, c := range compiled {
		if req.Explain {
			steps, err := h.store.Explain(c.Collection.Identity, c.Criteria, c.Populates...)
			if err != nil {
				return errorResponse(err)
			}
			data[c.Alias] = steps
			continue
		}
		found, err := h.store.Find(ctx, c.Collection.Identity, c.Criteria, c.Populates...)
		if err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("alias", c.Alias).Msg("populate failed")
			data[c.Alias] = nil
			out.Errors = append(out.Errors, responseError{Message: err.Error(), Path: []string{c.Alias}})
			continue
		}
		data[c.Alias] = found
		out.rows += len(found)
	}
	return out
}

// ------------------ Request parsing ------------------

// Request is the body of a query call.
type Request struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
	// Explain returns the planned operations instead of running them.
	Explain bool `json:"explain,omitempty"`
}

func parseRequest(r *http.Request, maxBody int64) (Request, []Request, *language.Error) {
	if r.Method == http.MethodGet {
		q := r.URL.Query().Get("query")
		if q == "" {
			return Request{}, nil, &language.Error{Message: "missing 'query'"}
		}
		vars := map[string]any{}
		if v := r.URL.Query().Get("variables"); v != "" {
			if err := json.Unmarshal([]byte(v), &vars); err != nil {
				return Request{}, nil, &language.Error{Message: "invalid 'variables' JSON"}
			}
		}
		return Request{Query: q, Variables: vars, Explain: r.URL.Query().Has("explain")}, nil, nil
	}

	ct := r.Header.Get("Content-Type")
	if ct == "" || ct == "application/json" || strings.HasPrefix(ct, "application/json;") {
		reader := io.Reader(r.Body)
		if maxBody > 0 {
			reader = io.LimitReader(r.Body, maxBody+1)
		}
		body, err := io.ReadAll(reader)
		if err != nil {
			return Request{}, nil, &language.Error{Message: "failed to read body"}
		}
		defer r.Body.Close()
		if maxBody > 0 && int64(len(body)) > maxBody {
			return Request{}, nil, &language.Error{Message: errBodyTooLargeMessage}
		}

		if len(body) > 0 && body[0] == '[' {
			var arr []Request
			if err := decode(body, &arr); err != nil {
				return Request{}, nil, &language.Error{Message: "invalid JSON"}
			}
			if len(arr) == 0 {
				return Request{}, nil, &language.Error{Message: "empty batch"}
			}
			return Request{}, arr, nil
		}
		var req Request
		if err := decode(body, &req); err != nil {
			return Request{}, nil, &language.Error{Message: "invalid JSON"}
		}
		if req.Query == "" {
			return Request{}, nil, &language.Error{Message: "missing 'query'"}
		}
		return req, nil, nil
	}

	return Request{}, nil, &language.Error{Message: "unsupported Content-Type"}
}

// decode keeps integral variables integral, as the expression language
// expects.
func decode(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	switch x := v.(type) {
	case *Request:
		x.Variables = numbers(x.Variables).(map[string]any)
	case *[]Request:
		for i := range *x {
			(*x)[i].Variables = numbers((*x)[i].Variables).(map[string]any)
		}
	}
	return nil
}

func numbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		f, _ := x.Float64()
		return f
	case map[string]any:
		if x == nil {
			return map[string]any{}
		}
		for k, e := range x {
			x[k] = numbers(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = numbers(e)
		}
		return x
	}
	return v
}

// ------------------ Response formatting ------------------

type responseLocation struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

type responseError struct {
	Message   string             `json:"message"`
	Locations []responseLocation `json:"locations,omitempty"`
	Path      []string           `json:"path,omitempty"`
}

type result struct {
	Data   map[string]any  `json:"data"`
	Errors []responseError `json:"errors,omitempty"`

	rows int
}

func errorResponse(err error) result {
	re := responseError{Message: err.Error()}
	var le *language.Error
	if errors.As(err, &le) {
		re.Message = le.Message
		if le.Position != nil {
			re.Locations = []responseLocation{{Line: le.Position.Line, Column: le.Position.Column}}
		}
	}
	return result{Errors: []responseError{re}}
}

func writeJSON(w http.ResponseWriter, status int, v any, pretty bool) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	_ = enc.Encode(v)
}

const errBodyTooLargeMessage = "body too large"

func setCORSHeaders(w http.ResponseWriter, r *http.Request, opts CORSOptions) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	allowed := false
	for _, o := range opts.AllowedOrigins {
		if o == "*" || o == origin {
			allowed = true
			break
		}
	}
	if !allowed {
		return
	}
	if contains(opts.AllowedOrigins, "*") {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	}
	if r.Method == http.MethodOptions {
		if hdr := r.Header.Get("Access-Control-Request-Headers"); hdr != "" {
			w.Header().Set("Access-Control-Allow-Headers", hdr)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
