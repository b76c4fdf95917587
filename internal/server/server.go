// Package server exposes the consultation endpoints over a standalone echo
// HTTP server for local and container deployments.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"council-agent/handler"
)

const (
	bodyLimit       = "2M"
	shutdownTimeout = 10 * time.Second
)

type Dispatcher interface {
	Dispatch(ctx context.Context, route handler.Route, req handler.Request) handler.Result
}

type config struct {
	corsOrigins []string
	logger      *zap.Logger
}

type Option func(*config)

// WithCORSOrigin restricts CORS to origin. The default allows any origin.
func WithCORSOrigin(origin string) Option {
	return func(c *config) {
		if origin = strings.TrimSpace(origin); origin != "" {
			c.corsOrigins = strings.Split(origin, ",")
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// New builds the echo server and registers every route in handler.Routes.
func New(d Dispatcher, opts ...Option) *echo.Echo {
	cfg := config{corsOrigins: []string{"*"}, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:  cfg.corsOrigins,
		AllowHeaders:  []string{echo.HeaderContentType, echo.HeaderAuthorization, "X-Correlation-Id"},
		ExposeHeaders: []string{"X-Correlation-Id", "Retry-After"},
	}))
	e.Use(middleware.BodyLimit(bodyLimit))

	for _, rs := range handler.Routes {
		e.Add(rs.Method, rs.Pattern, adapt(d, rs.Route))
	}
	e.HTTPErrorHandler = errorHandler(d, cfg.logger)
	return e
}

func adapt(d Dispatcher, route handler.Route) echo.HandlerFunc {
	return func(c echo.Context) error {
		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return err
		}
		req := requestFrom(c)
		req.Body = body
		return write(c, d.Dispatch(c.Request().Context(), route, req))
	}
}

func requestFrom(c echo.Context) handler.Request {
	r := c.Request()
	req := handler.Request{
		Headers: make(map[string]string, len(r.Header)),
		Query:   map[string]string{},
		Params:  map[string]string{},
	}
	for k := range r.Header {
		req.Headers[k] = r.Header.Get(k)
	}
	for k, v := range c.QueryParams() {
		if len(v) > 0 {
			req.Query[k] = v[0]
		}
	}
	names, values := c.ParamNames(), c.ParamValues()
	for i, name := range names {
		if i < len(values) {
			req.Params[name] = values[i]
		}
	}
	return req
}

func write(c echo.Context, res handler.Result) error {
	for k, v := range res.Headers {
		c.Response().Header().Set(k, v)
	}
	return c.JSON(res.Status, res.Body)
}

// errorHandler renders router and middleware errors with the same envelope
// as the endpoints.
func errorHandler(d Dispatcher, logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		var he *echo.HTTPError
		if !errors.As(err, &he) {
			logger.Error("unhandled_error", zap.Error(err))
			he = echo.NewHTTPError(http.StatusInternalServerError)
		}

		req := requestFrom(c)
		var res handler.Result
		switch he.Code {
		case http.StatusNotFound:
			res = d.Dispatch(c.Request().Context(), handler.RouteNotFound, req)
		case http.StatusMethodNotAllowed:
			res = d.Dispatch(c.Request().Context(), handler.RouteMethodNotAllowed, req)
		case http.StatusRequestEntityTooLarge:
			res = envelope(he.Code, "INVALID_INPUT", "Request body is too large.")
		default:
			if he.Code >= http.StatusInternalServerError {
				logger.Error("request_failed", zap.Int("status", he.Code), zap.Error(err))
				res = envelope(http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error.")
			} else {
				res = envelope(he.Code, "INVALID_INPUT", http.StatusText(he.Code))
			}
		}
		if werr := write(c, res); werr != nil {
			logger.Error("error_response_failed", zap.Error(werr))
		}
	}
}

func envelope(status int, code, message string) handler.Result {
	return handler.Result{
		Status: status,
		Body:   map[string]any{"error": map[string]string{"code": code, "message": message}},
	}
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, e *echo.Echo, addr string, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server_started", zap.String("addr", addr))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("server_stopped")
	return nil
}
