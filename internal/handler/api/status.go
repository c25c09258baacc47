package api

import (
	models "FinGate/internal/domain/models"
	xhttp "FinGate/pkg/http"
	xlogger "FinGate/pkg/logger"

	"github.com/labstack/echo/v4"
)

// CycleSource is the read side of the orchestrator.
type CycleSource interface {
	History(limit int) []models.ScanCycleSummary
	Status() []models.AgentStatus
}

// RiskSource is the read side of the risk gateway.
type RiskSource interface {
	Snapshot() models.GlobalRiskState
	Stats(symbol string) (models.SymbolRiskStats, bool)
}

// StatusEchoHandler serves read-only views of the control loop.
type StatusEchoHandler struct {
	logger *xlogger.Logger
	cycles CycleSource
	risk   RiskSource
}

func NewStatusEchoHandler(logger *xlogger.Logger, cycles CycleSource, risk RiskSource) *StatusEchoHandler {
	if logger == nil {
		logger = xlogger.Nop()
	}
	return &StatusEchoHandler{logger: logger, cycles: cycles, risk: risk}
}

func (h *StatusEchoHandler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api")
	g.GET("/risk", h.Risk)
	g.GET("/cycles", h.Cycles)
	g.GET("/symbols", h.Symbols)
	g.GET("/symbols/:symbol", h.Symbol)
}

// Risk returns the global risk state for the current trading day.
func (h *StatusEchoHandler) Risk(c echo.Context) error {
	c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
	return xhttp.SuccessResponse(c, h.risk.Snapshot())
}

// Cycles returns the most recent cycle summaries, newest first.
func (h *StatusEchoHandler) Cycles(c echo.Context) error {
	req := &models.CyclesRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	rows := h.cycles.History(req.Limit)
	return xhttp.ListResponse(c, rows, len(rows))
}

func (h *StatusEchoHandler) Symbols(c echo.Context) error {
	st := h.cycles.Status()
	return xhttp.ListResponse(c, st, len(st))
}

func (h *StatusEchoHandler) Symbol(c echo.Context) error {
	req := &models.SymbolRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	for _, st := range h.cycles.Status() {
		if st.State.Symbol != req.Symbol {
			continue
		}
		rep := models.SymbolReport{AgentStatus: st}
		if stats, ok := h.risk.Stats(req.Symbol); ok {
			rep.Stats = &stats
		}
		return xhttp.SuccessResponse(c, rep)
	}
	h.logger.Debug("unknown symbol requested", xlogger.String("symbol", req.Symbol))
	return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("symbol %s is not traded", req.Symbol).WithParam("symbol", req.Symbol))
}
