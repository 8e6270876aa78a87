package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/PlanFactsLab/planfacts/backend/internal/auth"
	"github.com/PlanFactsLab/planfacts/backend/internal/database"
	"github.com/PlanFactsLab/planfacts/backend/internal/directory"
	"github.com/PlanFactsLab/planfacts/backend/internal/imports"
	"github.com/PlanFactsLab/planfacts/backend/internal/metrics"
	"github.com/PlanFactsLab/planfacts/backend/internal/server"
	"github.com/PlanFactsLab/planfacts/backend/internal/trust"
)

const (
	operatorSigningSecret = "integration-secret"
	jsonContentType       = "application/json"
)

func TestVerificationLifecycleFlow(testContext *testing.T) {
	gin.SetMode(gin.TestMode)

	databasePath := filepath.Join(testContext.TempDir(), "planfacts.db")
	db, err := database.OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	trustConfig := trust.DefaultConfig()
	registry := prometheus.NewRegistry()
	instruments := metrics.New(registry)

	lifecycle, err := trust.NewLifecycle(trust.LifecycleConfig{Database: db, Config: trustConfig})
	if err != nil {
		testContext.Fatalf("failed to construct lifecycle: %v", err)
	}
	scorer, err := trust.NewScorer(trustConfig)
	if err != nil {
		testContext.Fatalf("failed to construct scorer: %v", err)
	}
	directoryService, err := directory.NewService(directory.ServiceConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to construct directory service: %v", err)
	}
	trustService, err := trust.NewService(trust.ServiceConfig{
		Database:   db,
		Config:     trustConfig,
		IDProvider: trust.NewUUIDProvider(),
		Providers:  directoryService,
		Plans:      directoryService,
		Lifecycle:  lifecycle,
		Scorer:     scorer,
		Metrics:    instruments,
	})
	if err != nil {
		testContext.Fatalf("failed to construct trust service: %v", err)
	}
	resolver, err := imports.NewResolver(imports.ResolverConfig{
		Database:   db,
		IDProvider: trust.NewUUIDProvider(),
		Metrics:    instruments,
	})
	if err != nil {
		testContext.Fatalf("failed to construct resolver: %v", err)
	}
	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(operatorSigningSecret)})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TrustService:     trustService,
		Lifecycle:        lifecycle,
		DirectoryService: directoryService,
		Resolver:         resolver,
		TokenValidator:   issuer,
		Gatherer:         registry,
	})
	if err != nil {
		testContext.Fatalf("failed to construct handler: %v", err)
	}

	operatorToken, _, err := issuer.IssueOperatorToken(context.Background(), "ops-lee")
	if err != nil {
		testContext.Fatalf("failed to issue operator token: %v", err)
	}

	perform := func(method, path string, body any, token string) *httptest.ResponseRecorder {
		var payload []byte
		if body != nil {
			payload, err = json.Marshal(body)
			if err != nil {
				testContext.Fatalf("failed to encode body: %v", err)
			}
		}
		request := httptest.NewRequest(method, path, bytes.NewReader(payload))
		request.Header.Set("Content-Type", jsonContentType)
		if token != "" {
			request.Header.Set("Authorization", "Bearer "+token)
		}
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, request)
		return recorder
	}

	// Register the directory entries the submission depends on.
	response := perform(http.MethodPost, "/admin/providers", gin.H{
		"provider_id":  "1234567893",
		"display_name": "Dr. Amara Okafor",
		"specialty":    "behavioral_health",
	}, operatorToken)
	if response.Code != http.StatusCreated {
		testContext.Fatalf("provider registration failed: %d %s", response.Code, response.Body.String())
	}
	response = perform(http.MethodPost, "/admin/plans", gin.H{
		"plan_id":      "plan-ppo-gold",
		"carrier_name": "Cascadia Health",
		"plan_name":    "Cascadia PPO Gold",
		"plan_type":    "ppo",
	}, operatorToken)
	if response.Code != http.StatusCreated {
		testContext.Fatalf("plan registration failed: %d %s", response.Code, response.Body.String())
	}

	// Submit a verification and capture its id.
	response = perform(http.MethodPost, "/verifications", gin.H{
		"provider_id": "1234567893",
		"plan_id":     "plan-ppo-gold",
		"accepts":     true,
	}, "")
	if response.Code != http.StatusCreated {
		testContext.Fatalf("submission failed: %d %s", response.Code, response.Body.String())
	}
	var submitPayload struct {
		VerificationID string `json:"verification_id"`
		Acceptance     struct {
			AcceptanceID    string  `json:"acceptance_id"`
			ConfidenceScore int     `json:"confidence_score"`
			ExpiresAt       *string `json:"expires_at"`
		} `json:"acceptance"`
	}
	if err := json.Unmarshal(response.Body.Bytes(), &submitPayload); err != nil {
		testContext.Fatalf("failed to decode submission: %v", err)
	}
	if submitPayload.Acceptance.ExpiresAt == nil {
		testContext.Fatalf("expected a stamped expiration")
	}
	baselineScore := submitPayload.Acceptance.ConfidenceScore

	// An agreeing vote should lift the stored confidence.
	response = perform(http.MethodPost, "/verifications/"+submitPayload.VerificationID+"/votes", gin.H{
		"direction": "up",
	}, "")
	if response.Code != http.StatusOK {
		testContext.Fatalf("vote failed: %d %s", response.Code, response.Body.String())
	}

	response = perform(http.MethodGet, "/providers/1234567893/acceptances", nil, "")
	if response.Code != http.StatusOK {
		testContext.Fatalf("listing failed: %d", response.Code)
	}
	var listing struct {
		Acceptances []struct {
			ConfidenceScore int `json:"confidence_score"`
		} `json:"acceptances"`
	}
	if err := json.Unmarshal(response.Body.Bytes(), &listing); err != nil {
		testContext.Fatalf("failed to decode listing: %v", err)
	}
	if len(listing.Acceptances) != 1 {
		testContext.Fatalf("expected one acceptance, got %d", len(listing.Acceptances))
	}
	if listing.Acceptances[0].ConfidenceScore <= baselineScore {
		testContext.Fatalf("expected the vote to lift confidence: %d -> %d",
			baselineScore, listing.Acceptances[0].ConfidenceScore)
	}

	// Public stats see the new fact.
	response = perform(http.MethodGet, "/stats", nil, "")
	if response.Code != http.StatusOK {
		testContext.Fatalf("stats failed: %d", response.Code)
	}
	var stats struct {
		Total  int64            `json:"total"`
		ByType map[string]int64 `json:"by_type"`
	}
	if err := json.Unmarshal(response.Body.Bytes(), &stats); err != nil {
		testContext.Fatalf("failed to decode stats: %v", err)
	}
	if stats.Total != 1 || stats.ByType["crowdsource"] != 1 {
		testContext.Fatalf("unexpected stats: %+v", stats)
	}

	// Nothing has expired yet, so a live cleanup is a no-op.
	response = perform(http.MethodPost, "/admin/cleanup", nil, operatorToken)
	if response.Code != http.StatusOK {
		testContext.Fatalf("cleanup failed: %d %s", response.Code, response.Body.String())
	}
	var cleanup struct {
		ExpiredVerifications int64 `json:"expired_verifications"`
		DeletedVerifications int64 `json:"deleted_verifications"`
	}
	if err := json.Unmarshal(response.Body.Bytes(), &cleanup); err != nil {
		testContext.Fatalf("failed to decode cleanup report: %v", err)
	}
	if cleanup.ExpiredVerifications != 0 || cleanup.DeletedVerifications != 0 {
		testContext.Fatalf("unexpected cleanup report: %+v", cleanup)
	}

	// Backfill preview finds no legacy rows since every write stamps a TTL.
	response = perform(http.MethodPost, "/admin/backfill", nil, operatorToken)
	if response.Code != http.StatusOK {
		testContext.Fatalf("backfill failed: %d %s", response.Code, response.Body.String())
	}
	var backfill struct {
		MissingVerifications int64 `json:"missing_verifications"`
		MissingAcceptances   int64 `json:"missing_acceptances"`
	}
	if err := json.Unmarshal(response.Body.Bytes(), &backfill); err != nil {
		testContext.Fatalf("failed to decode backfill report: %v", err)
	}
	if backfill.MissingVerifications != 0 || backfill.MissingAcceptances != 0 {
		testContext.Fatalf("unexpected backfill report: %+v", backfill)
	}
}
