// Package httpapi exposes the watch service over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/aaronromeo/paywatch/internal/config"
	"github.com/aaronromeo/paywatch/internal/services"
	"github.com/gofiber/contrib/otelfiber/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	pkgerrors "github.com/pkg/errors"
)

const shutdownTimeout = 10 * time.Second

// ActionResponse is returned by the start and stop endpoints.
type ActionResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// New builds the fiber app serving svc.
func New(svc services.WatchService, logger *slog.Logger) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "paywatch",
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var fiberErr *fiber.Error
			if errors.As(err, &fiberErr) {
				code = fiberErr.Code
			}
			logger.Error("request failed", "path", c.Path(), "status", code, "error", err)
			return c.Status(code).JSON(ActionResponse{Error: err.Error()})
		},
	})
	app.Use(recover.New())
	app.Use(otelfiber.Middleware())

	h := &handlers{svc: svc, logger: logger}
	api := app.Group("/api")
	api.Get("/status", h.status)
	api.Post("/start", h.start)
	api.Post("/stop", h.stop)
	api.Post("/test", h.test)
	return app
}

// Serve runs app on addr until ctx is done, then shuts it down.
func Serve(ctx context.Context, app *fiber.App, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(addr)
	}()

	select {
	case err := <-errCh:
		return pkgerrors.Wrapf(err, "listen on %s", addr)
	case <-ctx.Done():
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			return pkgerrors.Wrap(err, "shutdown http server")
		}
		return <-errCh
	}
}

type handlers struct {
	svc    services.WatchService
	logger *slog.Logger
}

func (h *handlers) status(c *fiber.Ctx) error {
	return c.JSON(h.svc.Status())
}

func (h *handlers) start(c *fiber.Ctx) error {
	override, err := parseOverride(c.Body())
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ActionResponse{Error: err.Error()})
	}
	if err := h.svc.Start(c.UserContext(), override); err != nil {
		h.logger.Warn("start failed", "error", err)
		return c.Status(statusFor(err)).JSON(ActionResponse{Error: err.Error()})
	}
	return c.JSON(ActionResponse{Success: true})
}

func (h *handlers) stop(c *fiber.Ctx) error {
	if err := h.svc.Stop(); err != nil {
		h.logger.Warn("stop failed", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(ActionResponse{Error: err.Error()})
	}
	return c.JSON(ActionResponse{Success: true})
}

func (h *handlers) test(c *fiber.Ctx) error {
	override, err := parseOverride(c.Body())
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ActionResponse{Error: err.Error()})
	}
	return c.JSON(h.svc.TestConnection(c.UserContext(), override))
}

// parseOverride decodes an optional credentials body. An empty body means
// no override.
func parseOverride(body []byte) (*config.IMAPEnv, error) {
	if len(body) == 0 {
		return nil, nil
	}
	var override config.IMAPEnv
	if err := json.Unmarshal(body, &override); err != nil {
		return nil, pkgerrors.Wrap(err, "invalid request body")
	}
	return &override, nil
}

func statusFor(err error) int {
	var cfgErr *config.ConfigurationError
	if errors.As(err, &cfgErr) {
		return fiber.StatusBadRequest
	}
	return fiber.StatusInternalServerError
}
