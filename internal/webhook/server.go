// Package webhook receives signed GitHub events and starts reconciliation
// workflows for the pull requests they concern.
package webhook

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/covergate/internal/config"
	"github.com/fyrsmithlabs/covergate/internal/logging"
	"github.com/fyrsmithlabs/covergate/internal/reconcile"
)

var validNameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// Starter starts a reconciliation run for a pull request.
type Starter interface {
	Start(ctx context.Context, number int, previousText, deliveryID string) (runID string, err error)
}

// Config holds webhook server configuration.
type Config struct {
	Port   int
	Secret config.Secret
	// Owner and Repo restrict events to the gated repository.
	Owner string
	Repo  string
	// OverrideLabel is the only label whose changes start a pass. The gate's
	// own labels are ignored so its writes never retrigger it.
	OverrideLabel string
	RateLimit     float64 // requests per second per client IP
	RateBurst     int
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// EventResponse is the response body for POST /webhook.
type EventResponse struct {
	Status string `json:"status"`
	RunID  string `json:"run_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Server receives GitHub webhooks.
type Server struct {
	echo     *echo.Echo
	cfg      Config
	starter  Starter
	logger   *logging.Logger
	limiters *limiterSet
}

// NewServer creates a webhook server.
func NewServer(cfg Config, starter Starter, logger *logging.Logger) (*Server, error) {
	if !cfg.Secret.IsSet() {
		return nil, fmt.Errorf("webhook secret not set")
	}
	if starter == nil {
		return nil, fmt.Errorf("starter cannot be nil")
	}
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("repository owner and name are required")
	}
	if cfg.RateLimit <= 0 || cfg.RateBurst < 1 {
		return nil, fmt.Errorf("rate limit must be positive with a burst of at least 1")
	}
	if logger == nil {
		logger = logging.Nop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			logger.Debug(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return nil
		}
	})

	s := &Server{
		echo:     e,
		cfg:      cfg,
		starter:  starter,
		logger:   logger,
		limiters: newLimiterSet(cfg.RateLimit, cfg.RateBurst),
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	// Limit request body size to 1MB.
	s.echo.POST("/webhook", s.handleWebhook, middleware.BodyLimit("1M"), s.rateLimit)
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on the configured port until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.logger.Info(context.Background(), "HTTP server listening", zap.String("addr", addr))
	s.echo.Server.ReadTimeout = 10 * time.Second
	s.echo.Server.WriteTimeout = 10 * time.Second
	s.echo.Server.IdleTimeout = 120 * time.Second
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "healthy"})
}

func (s *Server) rateLimit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ip := c.RealIP()
		limiter := s.limiters.get(ip)
		limiterEntries.Set(float64(s.limiters.size()))
		if !limiter.Allow() {
			rateLimitedTotal.Inc()
			s.logger.Warn(c.Request().Context(), "rate limit exceeded", zap.String("ip", ip))
			return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
		}
		return next(c)
	}
}

func (s *Server) handleWebhook(c echo.Context) error {
	r := c.Request()
	ctx := r.Context()
	delivery := github.DeliveryID(r)
	eventType := github.WebHookType(r)
	if delivery != "" {
		ctx = logging.WithDeliveryID(ctx, delivery)
	}

	payload, err := github.ValidatePayload(r, []byte(s.cfg.Secret.Value()))
	if err != nil {
		s.logger.Warn(ctx, "invalid webhook signature", zap.Error(err))
		recordDelivery(eventType, outcomeRejected)
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
	}

	event, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		s.logger.Warn(ctx, "failed to parse webhook", zap.Error(err))
		recordDelivery(eventType, outcomeRejected)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}

	var tr trigger
	switch e := event.(type) {
	case *github.PullRequestEvent:
		tr, err = s.pullRequestTrigger(e)
	case *github.IssueCommentEvent:
		tr, err = s.commentTrigger(e)
	default:
		s.logger.Debug(ctx, "ignoring event type", zap.String("type", eventType))
		recordDelivery(eventType, outcomeIgnored)
		return c.JSON(http.StatusOK, EventResponse{Status: "ignored", Reason: "event type"})
	}
	if err != nil {
		s.logger.Warn(ctx, "invalid event data", zap.Error(err))
		recordDelivery(eventType, outcomeRejected)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid event")
	}
	if tr.ignore != "" {
		s.logger.Debug(ctx, "ignoring event", zap.String("reason", tr.ignore))
		recordDelivery(eventType, outcomeIgnored)
		return c.JSON(http.StatusOK, EventResponse{Status: "ignored", Reason: tr.ignore})
	}

	ctx = logging.WithPullRequest(ctx, tr.number)
	runID, err := s.starter.Start(ctx, tr.number, tr.previousText, delivery)
	if err != nil {
		s.logger.Error(ctx, "failed to start reconciliation", zap.Error(err))
		recordDelivery(eventType, outcomeFailed)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
	recordDelivery(eventType, outcomeStarted)
	s.logger.Info(ctx, "reconciliation started",
		zap.String("run_id", runID),
		zap.String("action", tr.action),
	)
	return c.JSON(http.StatusOK, EventResponse{Status: "started", RunID: runID})
}

// trigger is what an event asks for. A non-empty ignore means no pass.
type trigger struct {
	number       int
	action       string
	previousText string
	ignore       string
}

var pullRequestActions = map[string]bool{
	"opened":             true,
	"edited":             true,
	"synchronize":        true,
	"reopened":           true,
	"closed":             true,
	"labeled":            true,
	"unlabeled":          true,
	"ready_for_review":   true,
	"converted_to_draft": true,
}

func (s *Server) pullRequestTrigger(e *github.PullRequestEvent) (trigger, error) {
	if e.PullRequest == nil || e.PullRequest.GetNumber() <= 0 {
		return trigger{}, fmt.Errorf("invalid PR number")
	}
	if err := validateRepo(e.GetRepo()); err != nil {
		return trigger{}, err
	}
	action := e.GetAction()
	tr := trigger{number: e.PullRequest.GetNumber(), action: action}
	switch {
	case !s.sameRepo(e.GetRepo()):
		tr.ignore = "repository not gated"
	case !pullRequestActions[action]:
		tr.ignore = "action " + action
	case action == "labeled" || action == "unlabeled":
		if !strings.EqualFold(e.GetLabel().GetName(), s.cfg.OverrideLabel) {
			tr.ignore = "label not relevant"
		}
	case action == "edited":
		tr.previousText = previousText(e)
	}
	return tr, nil
}

// previousText rebuilds the title and body as they were before an edit.
// Empty when neither changed.
func previousText(e *github.PullRequestEvent) string {
	ch := e.GetChanges()
	if ch == nil || (ch.Title == nil && ch.Body == nil) {
		return ""
	}
	pr := e.GetPullRequest()
	title, body := pr.GetTitle(), pr.GetBody()
	if ch.Title != nil {
		title = ch.Title.GetFrom()
	}
	if ch.Body != nil {
		body = ch.Body.GetFrom()
	}
	return title + "\n" + body
}

func (s *Server) commentTrigger(e *github.IssueCommentEvent) (trigger, error) {
	if e.Issue == nil || e.Issue.GetNumber() <= 0 {
		return trigger{}, fmt.Errorf("invalid issue number")
	}
	if err := validateRepo(e.GetRepo()); err != nil {
		return trigger{}, err
	}
	action := e.GetAction()
	tr := trigger{number: e.Issue.GetNumber(), action: "comment_" + action}
	switch {
	case !s.sameRepo(e.GetRepo()):
		tr.ignore = "repository not gated"
	case !e.Issue.IsPullRequest():
		tr.ignore = "comment on an issue"
	case action != "created" && action != "edited":
		tr.ignore = "comment action " + action
	case isGateComment(e.GetComment().GetBody()):
		tr.ignore = "gate comment"
	}
	return tr, nil
}

func isGateComment(body string) bool {
	for _, m := range reconcile.Markers() {
		if strings.Contains(body, m) {
			return true
		}
	}
	return false
}

func (s *Server) sameRepo(repo *github.Repository) bool {
	return strings.EqualFold(repo.GetOwner().GetLogin(), s.cfg.Owner) &&
		strings.EqualFold(repo.GetName(), s.cfg.Repo)
}

// validateRepo rejects malformed repository coordinates.
func validateRepo(repo *github.Repository) error {
	if repo == nil || repo.Owner == nil || repo.Owner.Login == nil {
		return fmt.Errorf("invalid repository owner")
	}
	if !validNameRegex.MatchString(repo.Owner.GetLogin()) {
		return fmt.Errorf("invalid repository owner format")
	}
	if repo.Name == nil {
		return fmt.Errorf("invalid repository name")
	}
	if !validNameRegex.MatchString(repo.GetName()) {
		return fmt.Errorf("invalid repository name format")
	}
	return nil
}
