package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/schaermu/crsyncd/internal/config"
)

// DefaultDebounce is the delay between the last accepted push for a
// repository and the sync it triggers.
const DefaultDebounce = 2 * time.Second

// GitHubPushEvent represents the relevant fields from a GitHub push webhook
type GitHubPushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
		CloneURL string `json:"clone_url"`
		SSHURL   string `json:"ssh_url"`
		HTMLURL  string `json:"html_url"`
	} `json:"repository"`
}

// SyncFunc runs one sync cycle for the named repository.
type SyncFunc func(ctx context.Context, repo string) error

// Server implements the webhook HTTP server
type Server struct {
	cfg      *config.Config
	sync     SyncFunc
	metrics  http.Handler
	logger   *slog.Logger
	secret   []byte
	debounce time.Duration

	// ctx is the context triggered syncs run under; set by Serve.
	ctx context.Context

	mu      sync.Mutex
	runners map[string]*runner
}

// runner serializes triggered syncs for one repository.
type runner struct {
	syncMu      sync.Mutex // guards syncRunning and syncPending
	syncRunning bool       // whether a sync is currently in progress
	syncPending bool       // whether another sync is needed after the current one
	debounce    *debouncer
}

// debouncer implements debouncing for webhook events
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a new webhook server. metricsHandler is served on
// /metrics when non-nil.
func NewServer(cfg *config.Config, syncFn SyncFunc, metricsHandler http.Handler, logger *slog.Logger) (*Server, error) {
	// Load webhook secret from file
	secret, err := os.ReadFile(cfg.Serve.GitHubWebhookSecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook secret: %w", err)
	}

	// Trim any whitespace/newlines from secret
	secret = []byte(strings.TrimSpace(string(secret)))
	if len(secret) == 0 {
		return nil, fmt.Errorf("webhook secret file %s is empty", cfg.Serve.GitHubWebhookSecretFile)
	}

	return &Server{
		cfg:      cfg,
		sync:     syncFn,
		metrics:  metricsHandler,
		logger:   logger,
		secret:   secret,
		debounce: DefaultDebounce,
		ctx:      context.Background(),
		runners:  make(map[string]*runner),
	}, nil
}

// Handler returns the HTTP routes served by the webhook server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/webhook", s.handleWebhook)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "ok\n")
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	return r
}

// Serve serves HTTP on ln until ctx is cancelled. Triggered syncs inherit ctx.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server starting", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for context cancellation or error
	select {
	case <-ctx.Done():
		s.logger.Info("shutting down webhook server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handleWebhook handles incoming GitHub webhook requests
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	// Check content type
	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" {
		s.logger.Warn("rejecting request with invalid content type", "content_type", contentType)
		http.Error(w, "Invalid content type", http.StatusBadRequest)
		return
	}

	// Read body
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	// Verify signature
	signature := r.Header.Get("X-Hub-Signature-256")
	if !s.verifySignature(body, signature) {
		s.logger.Warn("rejecting request with invalid signature")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	s.logger.Info("received webhook", "event", eventType, "delivery", r.Header.Get("X-GitHub-Delivery"))

	if !s.isEventTypeAllowed(eventType) {
		s.logger.Info("ignoring disallowed event type", "event", eventType)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Event type not configured for sync\n")
		return
	}

	var event GitHubPushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error("failed to parse webhook payload", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	repos := s.matchRepos(event)
	if len(repos) == 0 {
		s.logger.Info("ignoring push for unconfigured repository or branch",
			"repo", event.Repository.FullName,
			"ref", event.Ref)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Repository or ref not configured for sync\n")
		return
	}

	s.logger.Info("webhook accepted",
		"event", eventType,
		"ref", event.Ref,
		"commit", event.After,
		"repo", event.Repository.FullName,
		"targets", repos)

	for _, name := range repos {
		s.trigger(name)
	}

	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "Sync triggered for %s\n", strings.Join(repos, ", "))
}

// verifySignature verifies the GitHub webhook signature
func (s *Server) verifySignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}

	// GitHub signature format: sha256=<hex>
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	// Constant-time comparison
	return hmac.Equal([]byte(signature), []byte(expected))
}

// isEventTypeAllowed checks if the event type is in the allowed list
func (s *Server) isEventTypeAllowed(eventType string) bool {
	if len(s.cfg.Serve.AllowedEventTypes) == 0 {
		return true // no filter configured
	}

	for _, allowed := range s.cfg.Serve.AllowedEventTypes {
		if eventType == allowed {
			return true
		}
	}
	return false
}

// matchRepos returns the configured repositories the push event refers to:
// same remote (by any of the payload's URLs) and same branch.
func (s *Server) matchRepos(event GitHubPushEvent) []string {
	urls := []string{event.Repository.CloneURL, event.Repository.SSHURL, event.Repository.HTMLURL}

	var names []string
	for _, r := range s.cfg.Repos {
		if event.Ref != "refs/heads/"+r.Branch {
			continue
		}
		want := normalizeURL(r.URL)
		for _, u := range urls {
			if u != "" && normalizeURL(u) == want {
				names = append(names, r.Name)
				break
			}
		}
	}
	return names
}

// normalizeURL reduces a remote URL to host/path so that https, ssh and
// scp-like forms of the same repository compare equal.
func normalizeURL(u string) string {
	u = strings.ToLower(strings.TrimSpace(u))
	for _, prefix := range []string{"https://", "http://", "ssh://", "git://"} {
		u = strings.TrimPrefix(u, prefix)
	}
	slash := strings.Index(u, "/")
	if slash < 0 {
		slash = len(u)
	}
	if at := strings.LastIndex(u[:slash], "@"); at >= 0 {
		u = u[at+1:]
	}
	// scp-like git@host:org/repo
	if i := strings.Index(u, ":"); i >= 0 && !strings.Contains(u[:i], "/") {
		rest := u[i+1:]
		if port := strings.Index(rest, "/"); port > 0 && isDigits(rest[:port]) {
			rest = rest[port+1:]
		}
		u = u[:i] + "/" + rest
	}
	u = strings.TrimSuffix(u, "/")
	return strings.TrimSuffix(u, ".git")
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return s != ""
}

func (s *Server) runnerFor(repo string) *runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runners[repo]
	if !ok {
		r = &runner{debounce: &debouncer{delay: s.debounce}}
		s.runners[repo] = r
	}
	return r
}

// trigger schedules a debounced sync of repo.
func (s *Server) trigger(repo string) {
	r := s.runnerFor(repo)
	r.debounce.trigger(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		s.performSync(ctx, repo, r)
	})
}

// performSync executes the sync operation with single-flight semantics.
// If a sync is already in progress, at most one additional run is queued;
// further concurrent requests are dropped to avoid unbounded goroutine pile-up.
func (s *Server) performSync(ctx context.Context, repo string, r *runner) {
	r.syncMu.Lock()
	if r.syncRunning {
		r.syncPending = true
		r.syncMu.Unlock()
		s.logger.Info("sync already in progress, queuing pending re-run", "repo", repo)
		return
	}
	r.syncRunning = true
	r.syncMu.Unlock()

	for {
		if ctx.Err() != nil {
			r.syncMu.Lock()
			r.syncRunning = false
			r.syncPending = false
			r.syncMu.Unlock()
			return
		}

		s.logger.Info("performing triggered sync", "repo", repo)
		if err := s.sync(ctx, repo); err != nil {
			s.logger.Error("sync failed", "repo", repo, "error", err)
		} else {
			s.logger.Info("sync completed successfully", "repo", repo)
		}

		// Atomically check whether another sync was requested while we were
		// running. If not, release the running slot and stop; if yes, clear
		// the flag and loop to service that one pending request.
		r.syncMu.Lock()
		if !r.syncPending {
			r.syncRunning = false
			r.syncMu.Unlock()
			break
		}
		r.syncPending = false
		r.syncMu.Unlock()

		s.logger.Info("re-running sync due to pending request", "repo", repo)
	}
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}
