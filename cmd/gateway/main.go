package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/DisCard-Technologies/discard-sub001/pkg/admission"
	"github.com/DisCard-Technologies/discard-sub001/pkg/approval"
	"github.com/DisCard-Technologies/discard-sub001/pkg/auditlog"
	"github.com/DisCard-Technologies/discard-sub001/pkg/breaker"
	"github.com/DisCard-Technologies/discard-sub001/pkg/compliance"
	"github.com/DisCard-Technologies/discard-sub001/pkg/httpx"
	"github.com/DisCard-Technologies/discard-sub001/pkg/issuer"
	"github.com/DisCard-Technologies/discard-sub001/pkg/metrics"
	"github.com/DisCard-Technologies/discard-sub001/pkg/models"
	"github.com/DisCard-Technologies/discard-sub001/pkg/plan"
	"github.com/DisCard-Technologies/discard-sub001/pkg/policy"
	"github.com/DisCard-Technologies/discard-sub001/pkg/settlement"
	"github.com/DisCard-Technologies/discard-sub001/pkg/spendbus"
	"github.com/DisCard-Technologies/discard-sub001/pkg/store"
	"github.com/DisCard-Technologies/discard-sub001/pkg/stream"
	"github.com/DisCard-Technologies/discard-sub001/pkg/telemetry"
)

var (
	openDBFn    = store.NewPostgresPool
	openRedisFn = store.NewRedis
	listenFn    = func(server *http.Server) error { return server.ListenAndServe() }
	logFatalf   = log.Fatalf
)

// approvalReader is the slice of the approval store the handlers read from.
type approvalReader interface {
	GetApproval(ctx context.Context, approvalID string) (models.ApprovalRecord, error)
	GetPlan(ctx context.Context, planID string) (models.StructuredPlan, error)
}

// spendLedger charges and reverses the pending-delta overlay.
type spendLedger interface {
	Add(ctx context.Context, userID string, cents int64) error
}

// settler is the reconciler surface the gateway drives.
type settler interface {
	ApplyOptimistic(ctx context.Context, userID, entityType, entityID string, previous, optimistic json.RawMessage, deltaCents int64) (models.SettlementRecord, error)
	Get(ctx context.Context, txID string) (models.SettlementRecord, error)
	Rollback(ctx context.Context, txID, reason string) error
	Run(ctx context.Context, interval time.Duration)
}

type Server struct {
	Store      approvalReader
	Spend      spendLedger
	Audit      *auditlog.Log
	Pipeline   *approval.Pipeline
	Reconciler settler
	Limiter    admission.Limiter
	Limits     admission.Limits
	Queue      *admission.Queue
	Metrics    *metrics.Registry
	Events     *stream.Hub

	MaxRequestBodyBytes int64
	PlanTokenCost       int64
}

func main() {
	if err := runGateway(context.Background()); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(ctx context.Context) error {
	shutdown, err := telemetry.Init(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDBFn(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedisFn(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	var limiter admission.Limiter
	if redisClient != nil {
		limiter = admission.NewRedis(redisClient)
	} else {
		limiter = admission.NewInMemory()
	}

	br := breaker.New("issuer",
		envInt("BREAKER_FAILURE_THRESHOLD", 5),
		envDurationSec("BREAKER_RESET_TIMEOUT_SEC", 10))
	var breakerClient *breaker.Client
	if breakerURL := env("BREAKER_URL", ""); breakerURL != "" {
		breakerClient = breaker.NewClient(breakerURL)
		breakerClient.HTTP = telemetry.InstrumentClient(breakerClient.HTTP)
	}
	gate := breaker.NewGate(br, breakerClient)
	issuerClient := issuer.New(env("ISSUER_URL", "http://localhost:9090"), br)
	issuerClient.HTTP = telemetry.InstrumentClient(issuerClient.HTTP)
	screener := compliance.New(env("COMPLIANCE_URL", ""))
	screener.Client = telemetry.InstrumentClient(screener.Client)

	approvalStore := store.NewApprovalStore(pool, cache)
	spendStore := store.NewSpendStore(pool)
	auditLog := auditlog.New(pool)

	thresholds := policy.DefaultThresholds()
	thresholds.SystemPerTxCeilingCents = envInt64("SYSTEM_PER_TX_CEILING_CENTS", thresholds.SystemPerTxCeilingCents)
	thresholds.SystemDailyCeilingCents = envInt64("SYSTEM_DAILY_CEILING_CENTS", thresholds.SystemDailyCeilingCents)
	thresholds.DailyLimitCents = envInt64("DAILY_LIMIT_CENTS", thresholds.DailyLimitCents)
	thresholds.WeeklyLimitCents = envInt64("WEEKLY_LIMIT_CENTS", thresholds.WeeklyLimitCents)
	thresholds.MonthlyLimitCents = envInt64("MONTHLY_LIMIT_CENTS", thresholds.MonthlyLimitCents)
	thresholds.AutoApproveMaxCents = envInt64("AUTO_APPROVE_MAX_CENTS", thresholds.AutoApproveMaxCents)
	thresholds.ManualApproveMaxCents = envInt64("MANUAL_APPROVE_MAX_CENTS", thresholds.ManualApproveMaxCents)

	generator := plan.New(plan.Config{
		HighValueCutoffCents:     envInt64("HIGH_VALUE_CUTOFF_CENTS", 0),
		SimulationThresholdCents: envInt64("SIMULATION_THRESHOLD_CENTS", 0),
		PlanTTL:                  envDurationSec("PLAN_TTL_SEC", 1800),
	})

	pipeline := approval.NewPipeline(approval.Config{
		Thresholds: thresholds,
		ManualTTL:  envDurationSec("MANUAL_APPROVAL_TTL_SEC", 86400),
	}, approvalStore, auditLog, gate, screener, spendStore, generator)

	reconciler := settlement.NewReconciler(settlement.Config{
		ConfirmTimeout: envDurationSec("SETTLEMENT_CONFIRM_TIMEOUT_SEC", 30),
		FinalizeGrace:  envDurationSec("SETTLEMENT_FINALIZE_GRACE_SEC", 5),
		MaxRetries:     envInt("SETTLEMENT_MAX_RETRIES", 3),
	}, pool, issuerClient, auditLog)

	s := &Server{
		Store:      approvalStore,
		Spend:      spendStore,
		Audit:      auditLog,
		Pipeline:   pipeline,
		Reconciler: reconciler,
		Limiter:    limiter,
		Limits: admission.Limits{
			PerMinute:        envInt("RATE_LIMIT_PER_MINUTE", 60),
			PerHour:          envInt("RATE_LIMIT_PER_HOUR", 600),
			DailyTokenBudget: envInt64("DAILY_TOKEN_BUDGET", 1_000_000),
		},
		Queue: admission.NewQueue(admission.QueueConfig{
			MaxDepthPerUser: envInt("QUEUE_MAX_DEPTH_PER_USER", 10),
			EntryTTL:        envDurationSec("QUEUE_ENTRY_TTL_SEC", 300),
			StuckTimeout:    envDurationSec("QUEUE_STUCK_TIMEOUT_SEC", 120),
			AvgProcessingMs: envInt64("QUEUE_AVG_PROCESSING_MS", 1500),
		}),
		Metrics:             metrics.NewRegistry(),
		Events:              stream.NewHub(),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		PlanTokenCost:       envInt64("PLAN_TOKEN_COST", 500),
	}

	// Pipeline events fan out to the stream hub and the counters.
	pipeline.OnEvent = func(event string, payload any) {
		s.Events.Publish(stream.NewEvent(event, payload))
		s.Metrics.IncApprovalState(event)
	}
	reconciler.OnEvent = func(event string, payload any) {
		s.Events.Publish(stream.NewEvent(event, payload))
		s.Metrics.IncSettlementState(event)
	}
	pipeline.OnApproved = s.settleApproved
	reconciler.OnRollback = func(ctx context.Context, rec models.SettlementRecord) {
		// Reverse the optimistic spend charge.
		if err := s.Spend.Add(ctx, rec.UserID, -rec.DeltaCents); err != nil {
			log.Printf("spend reversal for %s failed: %v", rec.UserID, err)
		}
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gateway"})
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	r.Post("/v1/intents", s.submitIntent)
	r.Get("/v1/approvals/{approval_id}", s.getApproval)
	r.Post("/v1/approvals/{approval_id}/decide", s.decideApproval)
	r.Post("/v1/approvals/{approval_id}/cancel", s.cancelApproval)
	r.Get("/v1/plans/{plan_id}", s.getPlan)
	r.Get("/v1/audit/{user_id}", s.getAudit)
	r.Get("/v1/audit/{user_id}/verify", s.verifyAudit)
	r.Get("/v1/settlements/{tx_id}", s.getSettlement)
	r.Post("/v1/settlements/{tx_id}/rollback", s.rollbackSettlement)
	r.Get("/v1/queue/{user_id}", s.getQueue)
	r.Get("/v1/stream", s.streamEvents)

	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()
	s.startLoops(loopCtx)

	if brokers := env("KAFKA_BROKERS", ""); brokers != "" {
		consumer, err := spendbus.NewKafkaConsumer(spendbus.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_SPEND_TOPIC", "ledger.spend"),
			GroupID: env("KAFKA_GROUP_ID", "discard-approvals"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer consumer.Close()
		go spendbus.Run(loopCtx, consumer, spendStore)
	}

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listenFn(server)
}

func (s *Server) startLoops(ctx context.Context) {
	go s.tick(ctx, envDurationSec("COUNTDOWN_POLL_SEC", 1), func() {
		s.Pipeline.FinalizeCountdowns(ctx, 100)
	})
	go s.tick(ctx, envDurationSec("APPROVAL_EXPIRY_POLL_SEC", 60), func() {
		s.Pipeline.ExpireStale(ctx, 100)
	})
	go s.Reconciler.Run(ctx, envDurationSec("SETTLEMENT_POLL_SEC", 5))
	go s.tick(ctx, envDurationSec("QUEUE_SWEEP_SEC", 30), func() {
		s.Metrics.AddQueueExpired(s.Queue.Sweep())
	})
	go s.tick(ctx, envDurationSec("QUEUE_DRAIN_SEC", 2), func() {
		s.drainQueue(ctx)
	})
	if anchorURL := env("ANCHOR_URL", ""); anchorURL != "" {
		anchorer := auditlog.NewAnchorer(s.Audit, auditlog.NewHTTPPublisher(anchorURL))
		go s.tick(ctx, envDurationSec("ANCHOR_INTERVAL_SEC", 60), func() {
			n, err := anchorer.AnchorOnce(ctx)
			if err != nil {
				log.Printf("audit anchoring failed: %v", err)
				return
			}
			s.Metrics.AddAnchoredEntries(n)
		})
	}
}

func (s *Server) tick(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// drainQueue resubmits queued requests in FIFO order once the limiter has
// headroom again. Entries that fail admission stay queued for the next pass.
func (s *Server) drainQueue(ctx context.Context) {
	for _, userID := range s.Queue.Users() {
		for {
			decision := s.Limiter.Allow(userID, s.Limits)
			if !decision.Allowed {
				break
			}
			req, ok := s.Queue.DequeueNext(userID)
			if !ok {
				break
			}
			var intent models.Intent
			if err := json.Unmarshal(req.Payload, &intent); err != nil {
				log.Printf("queued request %s undecodable: %v", req.RequestID, err)
				s.Queue.Complete(userID, req.RequestID)
				continue
			}
			if _, err := s.Pipeline.Submit(ctx, intent); err != nil {
				log.Printf("queued submit %s failed: %v", req.RequestID, err)
			}
			s.Limiter.RecordTokens(userID, int64(len(req.Payload))+s.PlanTokenCost)
			s.Queue.Complete(userID, req.RequestID)
		}
	}
}

// settleApproved bridges an approved record into optimistic settlement.
func (s *Server) settleApproved(ctx context.Context, rec models.ApprovalRecord) {
	p, err := s.Store.GetPlan(ctx, rec.PlanID)
	if err != nil {
		log.Printf("settle %s: load plan: %v", rec.ApprovalID, err)
		return
	}
	previous, _ := json.Marshal(map[string]any{"settled": false, "pending_delta_cents": int64(0)})
	optimistic, _ := json.Marshal(map[string]any{"settled": false, "pending_delta_cents": -p.TotalMaxSpendCents})
	if err := s.Spend.Add(ctx, rec.UserID, p.TotalMaxSpendCents); err != nil {
		log.Printf("settle %s: charge spend: %v", rec.ApprovalID, err)
	}
	entityType := "plan"
	if len(p.Steps) > 0 {
		entityType = string(p.Steps[0].Action)
	}
	settled, err := s.Reconciler.ApplyOptimistic(ctx, rec.UserID, entityType, rec.PlanID, previous, optimistic, p.TotalMaxSpendCents)
	if err != nil {
		log.Printf("settle %s: %v", rec.ApprovalID, err)
		// A failed submission reverses through OnRollback; a record that was
		// never persisted cannot, so the charge is undone here.
		if settled.OptimisticTxID == "" {
			if rbErr := s.Spend.Add(ctx, rec.UserID, -p.TotalMaxSpendCents); rbErr != nil {
				log.Printf("settle %s: reverse charge: %v", rec.ApprovalID, rbErr)
			}
		}
	}
}

func (s *Server) submitIntent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.MaxRequestBodyBytes))
	if err != nil {
		httpx.ErrorCode(w, 400, models.ReasonValidation, "unreadable body")
		return
	}
	var intent models.Intent
	if err := json.Unmarshal(body, &intent); err != nil {
		httpx.ErrorCode(w, 400, models.ReasonValidation, "invalid json")
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" && intent.IdempotencyKey == "" {
		intent.IdempotencyKey = key
	}
	if err := plan.Validate(intent); err != nil {
		httpx.ErrorCode(w, 400, models.ReasonValidation, err.Error())
		return
	}

	decision := s.Limiter.Allow(intent.UserID, s.Limits)
	if !decision.Allowed {
		s.Metrics.IncReason(models.ReasonRateLimited)
		// Queue the normalized intent, not the raw body, so a header-carried
		// idempotency key still guards the drained resubmission.
		payload, _ := json.Marshal(intent)
		queued, qErr := s.Queue.Enqueue(intent.UserID, payload)
		if qErr != nil {
			httpx.WriteJSON(w, http.StatusTooManyRequests, models.SubmitResult{
				Blocked:      true,
				BlockReason:  models.ReasonRateLimited,
				RetryAfterMs: decision.RetryAfter.Milliseconds(),
			})
			return
		}
		s.Metrics.IncDecision("queued")
		httpx.WriteJSON(w, http.StatusAccepted, models.SubmitResult{
			Queued:        true,
			QueuePosition: queued.Position,
			RetryAfterMs:  queued.EstimatedWaitMs,
		})
		return
	}

	res, err := s.Pipeline.Submit(r.Context(), intent)
	s.Limiter.RecordTokens(intent.UserID, int64(len(body))+s.PlanTokenCost)
	if err != nil {
		switch {
		case errors.Is(err, approval.ErrCircuitOpen):
			s.Metrics.IncReason(models.ReasonCircuitOpen)
			httpx.ErrorCode(w, http.StatusServiceUnavailable, models.ReasonCircuitOpen, "upstream processor unavailable")
		case errors.Is(err, approval.ErrReplay):
			s.Metrics.IncReason(models.ReasonReplayDetected)
			httpx.ErrorCode(w, http.StatusConflict, models.ReasonReplayDetected, "duplicate request")
		case errors.Is(err, plan.ErrUnknownAction), errors.Is(err, plan.ErrMissingUser),
			errors.Is(err, plan.ErrMissingAmount), errors.Is(err, plan.ErrMissingSource),
			errors.Is(err, plan.ErrNegativeAmount):
			httpx.ErrorCode(w, http.StatusBadRequest, models.ReasonValidation, err.Error())
		default:
			s.Metrics.IncReason(models.ReasonUpstreamFail)
			httpx.ErrorCode(w, http.StatusInternalServerError, models.ReasonUpstreamFail, "submission failed")
		}
		return
	}
	if res.Blocked {
		code := models.ReasonPolicyBlocked
		if res.BlockReason == models.ReasonComplianceFail {
			code = models.ReasonComplianceFail
		}
		s.Metrics.IncDecision(string(models.ModeBlocked))
		s.Metrics.IncReason(code)
		httpx.WriteJSON(w, http.StatusForbidden, res)
		return
	}
	s.Metrics.IncDecision(string(res.ApprovalMode))
	s.Metrics.IncReason(models.ReasonOK)
	httpx.WriteJSON(w, http.StatusCreated, res)
}

func (s *Server) getApproval(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Store.GetApproval(r.Context(), chi.URLParam(r, "approval_id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpx.Error(w, 404, "approval not found")
			return
		}
		httpx.Error(w, 500, "lookup failed")
		return
	}
	httpx.WriteJSON(w, 200, rec)
}

type decideRequest struct {
	Approve   bool   `json:"approve"`
	DecidedBy string `json:"decided_by"`
}

func (s *Server) decideApproval(w http.ResponseWriter, r *http.Request) {
	var req decideRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, s.MaxRequestBodyBytes)).Decode(&req); err != nil {
		httpx.ErrorCode(w, 400, models.ReasonValidation, "invalid json")
		return
	}
	if req.DecidedBy == "" {
		httpx.ErrorCode(w, 400, models.ReasonValidation, "decided_by required")
		return
	}
	rec, err := s.Pipeline.Decide(r.Context(), chi.URLParam(r, "approval_id"), req.DecidedBy, req.Approve)
	if err != nil {
		writeDecisionError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, rec)
}

type cancelRequest struct {
	CancelledBy string `json:"cancelled_by"`
}

func (s *Server) cancelApproval(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, s.MaxRequestBodyBytes)).Decode(&req); err != nil {
		httpx.ErrorCode(w, 400, models.ReasonValidation, "invalid json")
		return
	}
	if req.CancelledBy == "" {
		httpx.ErrorCode(w, 400, models.ReasonValidation, "cancelled_by required")
		return
	}
	rec, err := s.Pipeline.Cancel(r.Context(), chi.URLParam(r, "approval_id"), req.CancelledBy)
	if err != nil {
		writeDecisionError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, rec)
}

func writeDecisionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		httpx.Error(w, 404, "approval not found")
	case errors.Is(err, approval.ErrInvalidTransition):
		httpx.Error(w, 409, err.Error())
	default:
		httpx.Error(w, 500, "decision failed")
	}
}

func (s *Server) getPlan(w http.ResponseWriter, r *http.Request) {
	p, err := s.Store.GetPlan(r.Context(), chi.URLParam(r, "plan_id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpx.Error(w, 404, "plan not found")
			return
		}
		httpx.Error(w, 500, "lookup failed")
		return
	}
	httpx.WriteJSON(w, 200, p)
}

func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	entries, err := s.Audit.Entries(r.Context(), chi.URLParam(r, "user_id"), limit)
	if err != nil {
		httpx.Error(w, 500, "audit lookup failed")
		return
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	httpx.WriteJSON(w, 200, map[string]any{"entries": entries})
}

func (s *Server) verifyAudit(w http.ResponseWriter, r *http.Request) {
	res, err := s.Audit.Verify(r.Context(), chi.URLParam(r, "user_id"))
	if err != nil {
		httpx.Error(w, 500, "verification failed")
		return
	}
	httpx.WriteJSON(w, 200, res)
}

func (s *Server) getSettlement(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Reconciler.Get(r.Context(), chi.URLParam(r, "tx_id"))
	if err != nil {
		if errors.Is(err, settlement.ErrNotFound) {
			httpx.Error(w, 404, "settlement not found")
			return
		}
		httpx.Error(w, 500, "lookup failed")
		return
	}
	httpx.WriteJSON(w, 200, rec)
}

type rollbackRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) rollbackSettlement(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, s.MaxRequestBodyBytes)).Decode(&req); err != nil {
		httpx.ErrorCode(w, 400, models.ReasonValidation, "invalid json")
		return
	}
	if req.Reason == "" {
		req.Reason = "manual rollback"
	}
	txID := chi.URLParam(r, "tx_id")
	if err := s.Reconciler.Rollback(r.Context(), txID, req.Reason); err != nil {
		switch {
		case errors.Is(err, settlement.ErrNotFound):
			httpx.Error(w, 404, "settlement not found")
		case errors.Is(err, settlement.ErrFinalized):
			httpx.Error(w, 409, "settlement already finalized")
		default:
			httpx.Error(w, 500, "rollback failed")
		}
		return
	}
	rec, err := s.Reconciler.Get(r.Context(), txID)
	if err != nil {
		httpx.Error(w, 500, "lookup failed")
		return
	}
	httpx.WriteJSON(w, 200, rec)
}

func (s *Server) getQueue(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, map[string]any{
		"entries": s.Queue.Status(chi.URLParam(r, "user_id")),
	})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub.C:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.status = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		srv.Metrics.Observe(r.URL.Path, rec.status, elapsed)
		srv.Metrics.ObserveLatency(r.URL.Path, elapsed)
	})
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(key string, def int) time.Duration {
	return time.Second * time.Duration(envInt(key, def))
}
