//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/clearbridge/guardrail/internal/api/handlers"
	"github.com/clearbridge/guardrail/internal/breaker"
	"github.com/clearbridge/guardrail/internal/budget"
	"github.com/clearbridge/guardrail/internal/domain"
	"github.com/clearbridge/guardrail/internal/jobs"
	"github.com/clearbridge/guardrail/internal/ratelimit"
	"github.com/clearbridge/guardrail/internal/repository"
	"github.com/clearbridge/guardrail/internal/server"
	"github.com/clearbridge/guardrail/internal/service"
	"github.com/clearbridge/guardrail/internal/testutil"
	"github.com/clearbridge/guardrail/internal/vector"
	"github.com/jackc/pgx/v5/pgxpool"
)

// E2ETestEnv holds all resources needed for E2E tests
type E2ETestEnv struct {
	T            *testing.T
	Ctx          context.Context
	PostgresC    *testutil.PostgresContainer
	Pool         *pgxpool.Pool
	ServerURL    string
	ServerCloser func()
	HTTPClient   *http.Client

	OrgID      string
	OwnerToken string
	StaffToken string
}

// SetupE2EEnv creates a full E2E test environment with a container-backed
// Postgres and an in-process server wired like the serve command, with a
// deterministic embedding stub in place of the provider.
func SetupE2EEnv(t *testing.T) *E2ETestEnv {
	ctx := context.Background()

	pgC := testutil.NewPostgresContainer(ctx, t)
	pool := testutil.NewTestPool(ctx, t, pgC, "../../migrations")

	port, err := getFreePort()
	if err != nil {
		t.Fatalf("failed to get free port: %v", err)
	}

	serverURL, serverCloser := startServer(t, pool, port)

	return &E2ETestEnv{
		T:            t,
		Ctx:          ctx,
		PostgresC:    pgC,
		Pool:         pool,
		ServerURL:    serverURL,
		ServerCloser: serverCloser,
		HTTPClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Cleanup releases all resources
func (e *E2ETestEnv) Cleanup() {
	if e.ServerCloser != nil {
		e.ServerCloser()
	}
	if e.Pool != nil {
		e.Pool.Close()
	}
	if e.PostgresC != nil {
		e.PostgresC.Terminate(e.Ctx)
	}
}

// Bootstrap creates an organization with an owner key and a staff key.
// Org and key provisioning is operator-side (CLI), so it goes through the
// auth service directly rather than over HTTP.
func (e *E2ETestEnv) Bootstrap() {
	orgRepo := repository.NewOrgRepository(e.Pool)
	keyRepo := repository.NewAPIKeyRepository(e.Pool)
	authSvc := service.NewAuthService(orgRepo, keyRepo, &service.DefaultUUIDGenerator{})

	org, err := authSvc.CreateOrg(e.Ctx, "E2E Test Org")
	if err != nil {
		e.T.Fatalf("failed to create org: %v", err)
	}
	e.OrgID = org.ID

	e.OwnerToken, err = authSvc.CreateAPIKey(e.Ctx, org.ID, "e2e-owner", domain.RoleOwner)
	if err != nil {
		e.T.Fatalf("failed to create owner key: %v", err)
	}

	e.StaffToken, err = authSvc.CreateAPIKey(e.Ctx, org.ID, "e2e-staff", domain.RoleStaff)
	if err != nil {
		e.T.Fatalf("failed to create staff key: %v", err)
	}
}

// APIResponse represents a standard API response
type APIResponse struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error,omitempty"`
	Code  string          `json:"code,omitempty"`
}

// HTTPError reports a non-2xx response without losing the status code.
type HTTPError struct {
	StatusCode int
	Message    string
	Code       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Get performs a GET request
func (e *E2ETestEnv) Get(path, authToken string) (*APIResponse, error) {
	return e.doRequest("GET", path, nil, authToken)
}

// Post performs a POST request
func (e *E2ETestEnv) Post(path string, body interface{}, authToken string) (*APIResponse, error) {
	return e.doRequest("POST", path, body, authToken)
}

// Put performs a PUT request
func (e *E2ETestEnv) Put(path string, body interface{}, authToken string) (*APIResponse, error) {
	return e.doRequest("PUT", path, body, authToken)
}

// Delete performs a DELETE request
func (e *E2ETestEnv) Delete(path, authToken string) (*APIResponse, error) {
	return e.doRequest("DELETE", path, nil, authToken)
}

func (e *E2ETestEnv) doRequest(method, path string, body interface{}, authToken string) (*APIResponse, error) {
	url := e.ServerURL + path

	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		reqBody = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		return nil, err
	}

	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return &APIResponse{}, nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var apiResp APIResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		if resp.StatusCode >= 400 {
			return nil, &HTTPError{StatusCode: resp.StatusCode, Message: string(respBody)}
		}
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Message: apiResp.Error, Code: apiResp.Code}
	}

	return &apiResp, nil
}

// startServer wires repositories, services and handlers the same way the
// serve command does and runs the router on a local port.
func startServer(t *testing.T, pool *pgxpool.Pool, port int) (string, func()) {
	entryRepo := repository.NewEntryRepository(pool)
	snapshotRepo := repository.NewSnapshotRepository(pool)
	jobRepo := repository.NewEmbeddingJobRepository(pool)
	orgRepo := repository.NewOrgRepository(pool)
	apiKeyRepo := repository.NewAPIKeyRepository(pool)
	auditRepo := repository.NewAuditRepository(pool)
	cacheRepo := repository.NewResponseCacheRepository(pool)
	txRunner := repository.NewTxRunner(pool)

	breakers := breaker.NewRegistry(repository.NewCircuitStateRepository(pool), breaker.Config{
		FailureThreshold: 5,
		Window:           time.Minute,
		Cooldown:         30 * time.Second,
		CooldownMax:      10 * time.Minute,
	})

	budgetLedger := budget.New(repository.NewBudgetLedgerRepository(pool), budget.Config{
		HardCap:   10_000_000,
		SoftRatio: 0.8,
	})

	limiter := ratelimit.New(repository.NewRateLimitRepository(pool), map[string]ratelimit.Rule{
		ratelimit.ScopeWrite: {Limit: 1000, Window: time.Minute},
		ratelimit.ScopeEmbed: {Limit: 1000, Window: time.Minute},
		ratelimit.ScopeAdmin: {Limit: 1000, Window: time.Minute},
	})

	embedder := &wordHashEmbedder{}
	index := vector.NewPgIndex(pool)

	detector := service.NewDuplicateDetector(embedder, index, breakers, budgetLedger, limiter, service.DetectorConfig{
		Threshold:        0.85,
		TopK:             5,
		EmbeddingVersion: 1,
		EmbedCost:        1,
		ProviderTimeout:  10 * time.Second,
	})

	auditor := service.NewAuditEmitter(auditRepo)
	cacheSvc := service.NewCacheService(cacheRepo)

	lifecycleSvc := service.NewLifecycleService(service.LifecycleDeps{
		TxRunner:        txRunner,
		Entries:         entryRepo,
		Snapshots:       snapshotRepo,
		Jobs:            jobRepo,
		Detector:        detector,
		Cache:           cacheSvc,
		Auditor:         auditor,
		RestrictedTerms: []string{"guaranteed outcome"},
	})

	embedSvc := service.NewEmbeddingService(embedder, index, breakers, entryRepo, service.EmbedConfig{
		EmbeddingVersion: 1,
		ProviderTimeout:  10 * time.Second,
	})

	worker := jobs.NewEmbeddingWorker(jobRepo, entryRepo, embedSvc, breakers, budgetLedger, limiter, auditor, jobs.WorkerConfig{
		BatchSize:         10,
		MaxAttempts:       3,
		BackoffBase:       time.Second,
		BackoffMax:        time.Minute,
		ProcessingTimeout: 5 * time.Minute,
		EmbedCost:         1,
	})

	driftScanner := service.NewDriftScanner(entryRepo, auditor, service.DriftConfig{
		MaxAge:  7 * 24 * time.Hour,
		Horizon: 14 * 24 * time.Hour,
	})

	authSvc := service.NewAuthService(orgRepo, apiKeyRepo, &service.DefaultUUIDGenerator{})

	router := server.NewRouter(server.RouterConfig{
		ActorResolver:    authSvc,
		Limiter:          limiter,
		KnowledgeHandler: handlers.NewKnowledgeHandler(lifecycleSvc),
		AdminHandler:     handlers.NewAdminHandler(breakers, worker, driftScanner, cacheSvc, auditRepo, auditor),
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.Logf("server error: %v", err)
		}
	}()

	serverURL := fmt.Sprintf("http://localhost:%d", port)
	waitForServer(t, serverURL, 10*time.Second)

	return serverURL, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

func waitForServer(t *testing.T, url string, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("server did not start within %v", timeout)
}

func getFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// wordHashEmbedder is a deterministic embedding stub: each word hashes to
// an axis of a 1536-dim vector, which is then L2-normalized. Texts that
// share most of their words end up with high cosine similarity, so
// duplicate detection behaves like it would against a real provider.
type wordHashEmbedder struct{}

func (e *wordHashEmbedder) GenerateEmbedding(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, 1536)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(word))
		v[h.Sum32()%1536]++
	}

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		v[0] = 1
		return v, nil
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= scale
	}
	return v, nil
}
