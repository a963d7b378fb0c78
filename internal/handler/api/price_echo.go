package api

import (
	"context"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"SaleOracle/internal/domain/models"
	xhttp "SaleOracle/pkg/http"
	xlogger "SaleOracle/pkg/logger"
	"SaleOracle/pkg/util"
)

// PriceService is the oracle surface used by the HTTP layer.
type PriceService interface {
	GetPrice(ctx context.Context, asset string) (models.Price, error)
	ClearCache(ctx context.Context)
	Providers() []string
	RateLimits() []models.RateLimitState
}

// TokenPricer is the stage pricing surface used by the HTTP layer.
type TokenPricer interface {
	ProjectTokenPrice(ctx context.Context) (*models.ComposedQuote, error)
	CurrentStage(now time.Time) (models.SaleStage, error)
	Stages() []models.SaleStage
}

// PriceEchoHandler serves oracle prices and project token quotes.
type PriceEchoHandler struct {
	logger  *xlogger.Logger
	oracle  PriceService
	engine  TokenPricer
	service string
	now     func() time.Time
}

func NewPriceEchoHandler(logger *xlogger.Logger, oracle PriceService, engine TokenPricer) *PriceEchoHandler {
	return &PriceEchoHandler{
		logger:  logger,
		oracle:  oracle,
		engine:  engine,
		service: "sale-oracle",
		now:     time.Now,
	}
}

func (h *PriceEchoHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Health)

	g := e.Group("/api/v1")
	g.GET("/prices/:asset", h.Price)
	g.DELETE("/prices/cache", h.ClearCache)
	g.GET("/token/price", h.TokenPrice)
	g.GET("/token/stages", h.Stages)
}

func (h *PriceEchoHandler) Price(c echo.Context) error {
	req := &models.PriceRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	p, err := h.oracle.GetPrice(c.Request().Context(), strings.ToUpper(req.Asset))
	if err != nil {
		h.logger.Warn("get price failed", xlogger.String("asset", req.Asset), xlogger.Error(err))
		return xhttp.AppErrorResponse(c, toAppError(err, h.now()))
	}
	return xhttp.SuccessResponse(c, p)
}

func (h *PriceEchoHandler) ClearCache(c echo.Context) error {
	h.oracle.ClearCache(c.Request().Context())
	h.logger.Info("price cache cleared", xlogger.String("remote", c.RealIP()))
	return xhttp.NoContentResponse(c)
}

func (h *PriceEchoHandler) TokenPrice(c echo.Context) error {
	q, err := h.engine.ProjectTokenPrice(c.Request().Context())
	if err != nil {
		h.logger.Warn("project token price failed", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, toAppError(err, h.now()))
	}
	return xhttp.SuccessResponse(c, q)
}

func (h *PriceEchoHandler) Stages(c echo.Context) error {
	req := &models.StagesRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	at := h.now().UTC()
	if req.At != "" {
		t, ok := util.ParseTime(req.At)
		if !ok {
			return xhttp.AppErrorResponse(c, xhttp.BadRequestError("at", "at must be RFC3339, a date or unix seconds"))
		}
		at = t
	}

	cur, err := h.engine.CurrentStage(at)
	if err != nil {
		return xhttp.AppErrorResponse(c, toAppError(err, h.now()))
	}
	return xhttp.SuccessResponse(c, models.StageSchedule{
		At:      at,
		Current: cur,
		Stages:  h.engine.Stages(),
	})
}

func (h *PriceEchoHandler) Health(c echo.Context) error {
	now := h.now()
	blocked := make(map[string]time.Time)
	for _, s := range h.oracle.RateLimits() {
		if s.Blocked(now) {
			blocked[s.Provider] = s.BlockedUntil
		}
	}

	res := xhttp.HealthResponse{Status: "ok", Service: h.service}
	for _, name := range h.oracle.Providers() {
		ph := xhttp.ProviderHealth{Name: name}
		if until, ok := blocked[name]; ok {
			ph.Blocked = true
			ph.BlockedUntil = until.UTC().Format(time.RFC3339)
		}
		res.Providers = append(res.Providers, ph)
	}
	if len(blocked) > 0 && len(blocked) == len(res.Providers) {
		res.Status = "degraded"
	}
	return xhttp.SuccessResponse(c, res)
}
