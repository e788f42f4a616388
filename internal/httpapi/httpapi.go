// Package httpapi wires the gin router for both the inbound signal webhook
// and the read-only/control operator surface described in spec §6.
package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"deltabridge/internal/apperr"
	"deltabridge/internal/config"
	"deltabridge/internal/dispatcher"
	"deltabridge/internal/models"
	"deltabridge/internal/polling"
	"deltabridge/internal/query"
)

// Server bundles the dependencies the router's handlers close over.
type Server struct {
	cfg     *config.Config
	dsp     *dispatcher.Dispatcher
	qs      *query.Service
	polling *polling.Manager
	log     *logrus.Entry
	version string

	engine *gin.Engine
}

func New(cfg *config.Config, dsp *dispatcher.Dispatcher, qs *query.Service, pollingMgr *polling.Manager, version string, log *logrus.Entry) *Server {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{cfg: cfg, dsp: dsp, qs: qs, polling: pollingMgr, log: log, version: version}
	r := gin.New()
	r.Use(gin.Recovery(), s.correlationMiddleware())
	s.engine = r
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

// correlationMiddleware assigns a request-scoped id (reused from the
// X-Request-ID header when present, otherwise a fresh UUID) and logs
// every request with it, matching the teacher's structured-logging style.
func (s *Server) correlationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Set("request_id", reqID)
		start := time.Now()

		c.Next()

		s.log.WithFields(logrus.Fields{
			"request_id": reqID,
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		}).Info("http request")
	}
}

func (s *Server) registerRoutes() {
	s.engine.POST("/webhook", s.handleWebhook)

	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/status", s.handleStatus)
	s.engine.GET("/positions/:account", s.handlePositions)
	s.engine.GET("/delta/records", s.handleDeltaRecords)
	s.engine.GET("/delta/summary", s.handleDeltaSummary)
	s.engine.GET("/chain", s.handleChain)

	s.engine.POST("/polling/positions/start", s.handlePollingControl(true, false))
	s.engine.POST("/polling/positions/stop", s.handlePollingControl(false, false))
	s.engine.POST("/polling/orders/start", s.handlePollingControl(true, true))
	s.engine.POST("/polling/orders/stop", s.handlePollingControl(false, true))
	s.engine.POST("/polling/positions/tick", s.handlePollingManualTick(false))
	s.engine.POST("/polling/orders/tick", s.handlePollingManualTick(true))

	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// webhookPayload mirrors the inbound webhook body defined in spec §6.
type webhookPayload struct {
	AccountName        string `json:"account_name" binding:"required"`
	Side               string `json:"side" binding:"required"`
	Size               string `json:"size" binding:"required"`
	MarketPosition     string `json:"market_position"`
	PrevMarketPosition string `json:"prev_market_position"`
	Underlying         string `json:"underlying" binding:"required"`
	TVID               string `json:"tv_id"`
	Comment            string `json:"comment"`
	Timestamp          string `json:"timestamp"`
}

func (s *Server) handleWebhook(c *gin.Context) {
	var payload webhookPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeError(c, apperr.New(apperr.KindValidation, "malformed webhook body: "+err.Error()))
		return
	}

	size, err := strconv.ParseFloat(payload.Size, 64)
	if err != nil || size <= 0 {
		writeError(c, apperr.New(apperr.KindValidation, "size must be a positive number"))
		return
	}

	side := models.SideBuy
	if strings.EqualFold(payload.Side, "sell") {
		side = models.SideSell
	}

	transition := transitionFor(payload.PrevMarketPosition, payload.MarketPosition)

	correlationID := payload.TVID
	if correlationID == "" {
		correlationID = dispatcher.NewCorrelationID()
	}

	sig := models.Signal{
		AccountID:          payload.AccountName,
		Side:               side,
		PositionTransition: transition,
		Size:               size,
		Underlying:         payload.Underlying,
		CorrelationID:      correlationID,
		Comment:            payload.Comment,
		ReceivedAt:         time.Now(),
	}

	ctx := c.Request.Context()
	cancel := func() {}
	if s.cfg.SignalTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.cfg.SignalTimeout)
	}
	defer cancel()

	ack, err := s.dsp.Dispatch(ctx, sig)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"accepted":      true,
		"correlation_id": ack.CorrelationID,
		"instrument_id": ack.InstrumentID,
	})
}

func transitionFor(prev, next string) models.PositionTransition {
	key := strings.ToLower(prev) + "->" + strings.ToLower(next)
	switch key {
	case "flat->long":
		return models.TransitionFlatToLong
	case "long->flat":
		return models.TransitionLongToFlat
	case "flat->short":
		return models.TransitionFlatToShort
	case "short->flat":
		return models.TransitionShortToFlat
	case "long->short":
		return models.TransitionLongToShort
	case "short->long":
		return models.TransitionShortToLong
	case "long->long":
		return models.TransitionLongToLong
	case "short->short":
		return models.TransitionShortToShort
	default:
		return models.TransitionFlatToLong
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	posStatus, ordStatus := s.qs.PollingStatus()

	checkCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	health := s.qs.Health(checkCtx)

	status := "ok"
	if !health.Healthy() {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status": status,
		"checks": gin.H{
			"database":         health.DatabaseOK,
			"broker":           health.BrokerOK,
			"position_polling": posStatus,
			"order_polling":    ordStatus,
		},
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	posStatus, ordStatus := s.qs.PollingStatus()
	accounts := make([]string, 0, len(s.cfg.Accounts))
	for _, a := range s.cfg.Accounts {
		accounts = append(accounts, a.Name)
	}
	c.JSON(http.StatusOK, gin.H{
		"version":           s.version,
		"mock_mode":         s.cfg.MockMode,
		"accounts":          accounts,
		"position_polling":  posStatus,
		"order_polling":     ordStatus,
	})
}

func (s *Server) handlePositions(c *gin.Context) {
	account := c.Param("account")
	positions, err := s.qs.Positions(c.Request.Context(), account)
	if err != nil {
		writeError(c, err)
		return
	}

	var totalDelta, totalGamma, totalTheta, totalVega float64
	for _, p := range positions {
		totalDelta += p.Delta
		totalGamma += p.Gamma
		totalTheta += p.Theta
		totalVega += p.Vega
	}

	c.JSON(http.StatusOK, gin.H{
		"positions": positions,
		"greek_totals": gin.H{
			"delta": totalDelta,
			"gamma": totalGamma,
			"theta": totalTheta,
			"vega":  totalVega,
		},
	})
}

func (s *Server) handleDeltaRecords(c *gin.Context) {
	q := query.DeltaRecordsQuery{AccountID: c.Query("account")}
	if from := c.Query("from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			q.From = t
		}
	}
	if to := c.Query("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			q.To = t
		}
	}
	if action := c.Query("action"); action != "" {
		q.Actions = []models.DeltaAction{models.DeltaAction(action)}
	}
	if limit, err := strconv.Atoi(c.Query("limit")); err == nil {
		q.Limit = limit
	}
	if offset, err := strconv.Atoi(c.Query("offset")); err == nil {
		q.Offset = offset
	}

	records, err := s.qs.DeltaRecords(q)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

func (s *Server) handleDeltaSummary(c *gin.Context) {
	account := c.Query("account")
	var from, to time.Time
	if period := c.Query("period"); period != "" {
		if d, err := time.ParseDuration(period); err == nil {
			from = time.Now().Add(-d)
		}
	}
	summary, err := s.qs.DeltaSummary(account, from, to)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleChain(c *gin.Context) {
	underlying := c.Query("underlying")
	account := c.Query("account")
	if account == "" {
		account = firstAccountName(s.cfg)
	}

	var expiryFilter *time.Time
	if expiry := c.Query("expiry"); expiry != "" {
		if t, err := time.Parse("2006-01-02", expiry); err == nil {
			expiryFilter = &t
		}
	}

	chain, err := s.qs.Chain(c.Request.Context(), account, underlying, expiryFilter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, chain)
}

func firstAccountName(cfg *config.Config) string {
	if len(cfg.Accounts) == 0 {
		return ""
	}
	return cfg.Accounts[0].Name
}

func (s *Server) handlePollingControl(enable bool, orderLoop bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		switch {
		case orderLoop && enable:
			s.polling.EnableOrderLoop()
		case orderLoop && !enable:
			s.polling.DisableOrderLoop()
		case !orderLoop && enable:
			s.polling.EnablePositionLoop()
		default:
			s.polling.DisablePositionLoop()
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

func (s *Server) handlePollingManualTick(orderLoop bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var err error
		if orderLoop {
			err = s.polling.TriggerOrderTick(c.Request.Context())
		} else {
			err = s.polling.TriggerPositionTick(c.Request.Context())
		}
		if err != nil {
			writeError(c, apperr.Wrap(apperr.KindTransport, "manual poll tick failed", err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

func writeError(c *gin.Context, err error) {
	var ae *apperr.Error
	if wrapped, ok := err.(*apperr.Error); ok {
		ae = wrapped
	} else {
		ae = apperr.Wrap(apperr.KindTransport, "unclassified error", err)
	}

	status := statusForKind(ae.Kind)
	body := gin.H{"error_kind": string(ae.Kind), "message": ae.Message}
	if status >= 500 {
		body["retryable"] = apperr.Retryable(ae.Kind)
	}
	c.JSON(status, body)
}

func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation, apperr.KindMalformed:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConfig:
		return http.StatusInternalServerError
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests
	case apperr.KindNoSuitableContract, apperr.KindUnreasonableSpread, apperr.KindUnreasonableSpreadPersisted:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
