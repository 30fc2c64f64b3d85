package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"dealroom.org/internal/obs"
)

// Defaults match the demo seed (migrate seed).
const (
	demoTenant  = "01HZX3K9Q4000000000000TNT1"
	demoListing = "01HZX3K9Q4000000000000DEA1"
)

type smoke struct {
	base   string
	tenant string
	client *http.Client
	log    *zap.Logger
}

func main() {
	var (
		baseURL  = flag.String("base-url", envOr("DEALROOM_SMOKE_URL", "http://localhost:8080"), "API base URL")
		grpcAddr = flag.String("grpc-addr", envOr("DEALROOM_SMOKE_GRPC_ADDR", "localhost:9090"), "gRPC health address")
		tenant   = flag.String("tenant", demoTenant, "Tenant id")
		listing  = flag.String("listing", demoListing, "Private listing id")
	)
	flag.Parse()

	log := obs.Configure("info")
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := checkGRPCHealth(ctx, *grpcAddr); err != nil {
		log.Fatal("grpc health", zap.Error(err))
	}

	s := &smoke{base: *baseURL, tenant: *tenant, client: &http.Client{Timeout: 5 * time.Second}, log: log}
	for _, path := range []string{"/healthz", "/readyz"} {
		if code, _ := s.do(ctx, http.MethodGet, path, nil, false); code != http.StatusOK {
			log.Fatal("smoke check failed", zap.String("path", path), zap.Int("status", code))
		}
	}

	// a fresh address each run so the first submission is always new
	email := fmt.Sprintf("smoke+%s@dealroom.test", uuid.NewString()[:8])
	body := map[string]any{"listing_id": *listing, "email": email, "full_name": "Smoke Test"}
	code, first := s.do(ctx, http.MethodPost, "/access-requests", body, true)
	if code != http.StatusCreated {
		log.Fatal("create access request", zap.Int("status", code), zap.Any("body", first))
	}
	code, second := s.do(ctx, http.MethodPost, "/access-requests", body, true)
	if code != http.StatusOK || second["id"] != first["id"] {
		log.Fatal("access request not idempotent", zap.Int("status", code), zap.Any("first", first["id"]), zap.Any("second", second["id"]))
	}

	code, denied := s.do(ctx, http.MethodGet, "/listings/"+*listing+"/files", nil, true)
	if code != http.StatusUnauthorized || denied["code"] != "AUTH_REQUIRED" {
		log.Fatal("gated files leaked to anonymous caller", zap.Int("status", code), zap.Any("body", denied))
	}

	fmt.Printf("✅ dealroom smoke test passed: access_request=%v\n", first["id"])
}

func checkGRPCHealth(ctx context.Context, addr string) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: "dealroom-api"})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("status %s", resp.GetStatus())
	}
	return nil
}

func (s *smoke) do(ctx context.Context, method, path string, body any, tenant bool) (int, map[string]any) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			s.log.Fatal("marshal body", zap.Error(err))
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, s.base+path, bytes.NewReader(payload))
	if err != nil {
		s.log.Fatal("new request", zap.Error(err))
	}
	req.Header.Set("Content-Type", "application/json")
	if tenant {
		req.Header.Set("X-Tenant-ID", s.tenant)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Fatal("request failed", zap.String("path", path), zap.Error(err))
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
