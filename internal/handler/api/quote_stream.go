package api

import (
	"context"
	"math"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"SaleOracle/internal/domain/models"
	xhttp "SaleOracle/pkg/http"
	xlogger "SaleOracle/pkg/logger"
)

const (
	writeWait             = 10 * time.Second
	defaultStreamInterval = 30 * time.Second
)

// QuoteStreamHandler pushes a token quote to websocket clients on a fixed
// interval. Ticks read through the oracle cache.
type QuoteStreamHandler struct {
	logger   *xlogger.Logger
	engine   TokenPricer
	interval time.Duration
	upgrader websocket.Upgrader
	now      func() time.Time
}

func NewQuoteStreamHandler(logger *xlogger.Logger, engine TokenPricer, interval time.Duration) *QuoteStreamHandler {
	if interval <= 0 {
		interval = defaultStreamInterval
	}
	return &QuoteStreamHandler{
		logger:   logger,
		engine:   engine,
		interval: interval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		now: time.Now,
	}
}

func (h *QuoteStreamHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws/token/price", h.Stream)
}

func (h *QuoteStreamHandler) Stream(c echo.Context) error {
	req := &models.QuoteStreamRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	interval := h.interval
	if req.Interval > 0 {
		interval = time.Duration(req.Interval) * time.Second
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already replied
		h.logger.Warn("quote stream upgrade failed", xlogger.Error(err))
		return nil
	}
	defer conn.Close()
	// the server read timeout still applies to the hijacked connection
	_ = conn.SetReadDeadline(time.Time{})

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	// drain control frames; any read error means the client is gone
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.logger.Debug("quote stream opened", xlogger.Duration("interval", interval), xlogger.String("remote", c.RealIP()))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := h.push(ctx, conn); err != nil {
			h.logger.Debug("quote stream closed", xlogger.Error(err))
			return nil
		}
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
			return nil
		case <-ticker.C:
		}
	}
}

func (h *QuoteStreamHandler) push(ctx context.Context, conn *websocket.Conn) error {
	now := h.now()
	frame := models.QuoteFrame{Type: models.FrameTypeQuote, At: now}

	q, err := h.engine.ProjectTokenPrice(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ae := toAppError(err, now)
		frame.Type = models.FrameTypeError
		frame.Error = &models.FrameError{
			Code:              ae.Code,
			Message:           ae.Message,
			RetryAfterSeconds: int64(math.Ceil(ae.RetryAfter.Seconds())),
		}
	} else {
		frame.Quote = q
	}

	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(frame)
}
