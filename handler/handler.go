// Package handler implements the consultation HTTP endpoints independently of
// the transport. Lambda events are adapted in Handle; the standalone server in
// internal/server adapts echo requests through Dispatch.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"council-agent/internal/auth"
	"council-agent/internal/domain"
	"council-agent/internal/usecase"
)

const (
	headerCorrelationID = "X-Correlation-Id"
	headerAuthorization = "Authorization"
	headerRetryAfter    = "Retry-After"
)

type Service interface {
	Deliberate(ctx context.Context, in usecase.DeliberateInput) (domain.Consultation, error)
	History(ctx context.Context, in usecase.HistoryInput) ([]domain.Consultation, error)
	Get(ctx context.Context, caller usecase.Caller, id string) (domain.Consultation, error)
	Save(ctx context.Context, in usecase.SaveInput) error
	Delete(ctx context.Context, caller usecase.Caller, id string) error
}

type IdentityResolver interface {
	Resolve(authorizationHeader string) auth.Identity
}

// Request is a transport-neutral HTTP request.
type Request struct {
	Headers map[string]string
	Query   map[string]string
	Params  map[string]string
	Body    []byte
}

func (r Request) header(name string) string {
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// Result is a transport-neutral response. Body is encoded as JSON.
type Result struct {
	Status  int
	Headers map[string]string
	Body    any
}

type errorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	ResetAt string            `json:"resetAt,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type deliberateRequest struct {
	Consultation string `json:"consultation"`
	UserID       string `json:"userId"`
	Plan         string `json:"plan"`
}

type deliberateResponse struct {
	ConsultationID string            `json:"consultationId"`
	Rounds         []domain.Round    `json:"rounds"`
	Resolution     domain.Resolution `json:"resolution"`
	CreatedAt      time.Time         `json:"createdAt"`
}

type historyResponse struct {
	Items []domain.Consultation `json:"items"`
}

type saveRequest struct {
	UserID       string               `json:"userId"`
	SourceUserID string               `json:"sourceUserId"`
	Consultation *domain.Consultation `json:"consultation"`
}

type Handler struct {
	svc        Service
	identities IdentityResolver
	logger     *zap.Logger
	corsOrigin string
}

type Option func(*Handler)

func WithIdentityResolver(r IdentityResolver) Option {
	return func(h *Handler) {
		if r != nil {
			h.identities = r
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithCORSOrigin sets Access-Control-Allow-Origin on Lambda responses.
func WithCORSOrigin(origin string) Option {
	return func(h *Handler) {
		h.corsOrigin = strings.TrimSpace(origin)
	}
}

func NewHandler(svc Service, opts ...Option) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("handler: service must not be nil")
	}
	h := &Handler{
		svc:        svc,
		identities: auth.NewVerifier("", ""),
		logger:     zap.NewNop(),
		corsOrigin: "*",
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Dispatch runs the endpoint for route and stamps the correlation id on the result.
func (h *Handler) Dispatch(ctx context.Context, route Route, req Request) Result {
	started := time.Now()
	correlationID := strings.TrimSpace(req.header(headerCorrelationID))
	if correlationID == "" {
		correlationID = newCorrelationID()
	}
	log := h.logger.With(zap.String("correlation_id", correlationID), zap.Stringer("route", route))

	var res Result
	switch route {
	case RouteHealth:
		res = jsonOK(map[string]string{"status": "ok"})
	case RouteDeliberate:
		res = h.deliberate(ctx, log, req)
	case RouteHistory:
		res = h.history(ctx, log, req)
	case RouteSave:
		res = h.save(ctx, log, req)
	case RouteGet:
		res = h.get(ctx, log, req)
	case RouteDelete:
		res = h.delete(ctx, log, req)
	case RouteMethodNotAllowed:
		res = errorResult(http.StatusMethodNotAllowed, errorBody{Code: string(usecase.ErrorInvalidInput), Message: "Method not allowed."})
	default:
		res = errorResult(http.StatusNotFound, errorBody{Code: string(usecase.ErrorNotFound), Message: "Not found."})
	}

	if res.Headers == nil {
		res.Headers = map[string]string{}
	}
	res.Headers[headerCorrelationID] = correlationID
	log.Info("request", zap.Int("status", res.Status), zap.Duration("duration", time.Since(started)))
	return res
}

func (h *Handler) caller(req Request, supplied string) usecase.Caller {
	return usecase.Caller{
		Identity: h.identities.Resolve(req.header(headerAuthorization)),
		UserID:   supplied,
	}
}

func (h *Handler) deliberate(ctx context.Context, log *zap.Logger, req Request) Result {
	var body deliberateRequest
	if res, failed := decodeBody(req.Body, &body); failed {
		return res
	}
	caller := h.caller(req, body.UserID)
	if caller.Identity.Status == auth.Invalid {
		log.Debug("credential_ignored", zap.Error(caller.Identity.Err))
	}
	rec, err := h.svc.Deliberate(ctx, usecase.DeliberateInput{
		Caller:       caller,
		Consultation: body.Consultation,
		Plan:         body.Plan,
	})
	if err != nil {
		return h.failure(log, RouteDeliberate, err)
	}
	return jsonOK(deliberateResponse{
		ConsultationID: rec.ID,
		Rounds:         rec.Rounds,
		Resolution:     rec.Resolution,
		CreatedAt:      rec.CreatedAt,
	})
}

func (h *Handler) history(ctx context.Context, log *zap.Logger, req Request) Result {
	items, err := h.svc.History(ctx, usecase.HistoryInput{
		Caller: h.caller(req, req.Query["userId"]),
		Limit:  queryInt(req.Query, "limit", usecase.DefaultHistoryLimit),
		Offset: queryInt(req.Query, "offset", 0),
	})
	if err != nil {
		return h.failure(log, RouteHistory, err)
	}
	return jsonOK(historyResponse{Items: items})
}

func (h *Handler) save(ctx context.Context, log *zap.Logger, req Request) Result {
	var body saveRequest
	if res, failed := decodeBody(req.Body, &body); failed {
		return res
	}
	err := h.svc.Save(ctx, usecase.SaveInput{
		Caller:         h.caller(req, body.UserID),
		ConsultationID: req.Params["id"],
		SourceUserID:   body.SourceUserID,
		Consultation:   body.Consultation,
	})
	if err != nil {
		return h.failure(log, RouteSave, err)
	}
	return jsonOK(map[string]bool{"saved": true})
}

func (h *Handler) get(ctx context.Context, log *zap.Logger, req Request) Result {
	rec, err := h.svc.Get(ctx, h.caller(req, req.Query["userId"]), req.Params["id"])
	if err != nil {
		return h.failure(log, RouteGet, err)
	}
	return jsonOK(rec)
}

func (h *Handler) delete(ctx context.Context, log *zap.Logger, req Request) Result {
	if err := h.svc.Delete(ctx, h.caller(req, req.Query["userId"]), req.Params["id"]); err != nil {
		return h.failure(log, RouteDelete, err)
	}
	return jsonOK(map[string]bool{"deleted": true})
}

// failure maps err to the error envelope. Internal detail goes to the log only.
func (h *Handler) failure(log *zap.Logger, route Route, err error) Result {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		log.Error(route.String()+"_failed", zap.Error(err))
		return errorResult(http.StatusInternalServerError, errorBody{Code: string(usecase.ErrorInternal), Message: internalMessage})
	}

	status := statusFor(ue.Code)
	fields := []zap.Field{zap.String("code", string(ue.Code)), zap.String("reason", ue.Reason), zap.Error(err)}
	if status >= http.StatusInternalServerError {
		log.Error(route.String()+"_failed", fields...)
	} else {
		log.Info(route.String()+"_rejected", fields...)
	}

	res := errorResult(status, errorBody{
		Code:    string(ue.Code),
		Message: messageFor(ue),
		ResetAt: ue.ResetAt,
		Fields:  ue.Fields,
	})
	if ue.Code == usecase.ErrorDailyLimit && ue.RetryAfter > 0 {
		res.Headers = map[string]string{headerRetryAfter: strconv.Itoa(int(math.Ceil(ue.RetryAfter.Seconds())))}
	}
	return res
}

const internalMessage = "Internal server error."

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput, usecase.ErrorMissingUser:
		return http.StatusBadRequest
	case usecase.ErrorDailyLimit:
		return http.StatusTooManyRequests
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func messageFor(ue *usecase.Error) string {
	switch ue.Code {
	case usecase.ErrorInvalidInput:
		if ue.Reason == "missing_consultation_data" {
			return "Missing consultation data."
		}
		return "Request is invalid."
	case usecase.ErrorMissingUser:
		return "Missing userId."
	case usecase.ErrorDailyLimit:
		return fmt.Sprintf("You have used all %d free consultations for today.", ue.Limit)
	case usecase.ErrorNotFound:
		return "Not found."
	default:
		return internalMessage
	}
}

// decodeBody decodes a JSON object body into v. An empty body decodes as {}.
func decodeBody(raw []byte, v any) (Result, bool) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return Result{}, false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		fields := map[string]string{"body": "must be a JSON object"}
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			fields = map[string]string{typeErr.Field: "has the wrong type"}
		}
		return errorResult(http.StatusBadRequest, errorBody{
			Code:    string(usecase.ErrorInvalidInput),
			Message: "Request is invalid.",
			Fields:  fields,
		}), true
	}
	return Result{}, false
}

// queryInt reads an integer query value. Missing or non-numeric values yield def.
func queryInt(q map[string]string, key string, def int) int {
	v, found := q[key]
	if !found {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

func jsonOK(body any) Result {
	return Result{Status: http.StatusOK, Body: body}
}

func errorResult(status int, body errorBody) Result {
	return Result{Status: status, Body: errorResponse{Error: body}}
}

var newCorrelationID = func() string {
	return uuid.NewString()
}
