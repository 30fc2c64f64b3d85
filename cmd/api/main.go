package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"dealroom.org/internal/access"
	"dealroom.org/internal/audit"
	"dealroom.org/internal/auth"
	"dealroom.org/internal/config"
	"dealroom.org/internal/disclosure"
	"dealroom.org/internal/httpapi"
	"dealroom.org/internal/ledger"
	"dealroom.org/internal/listing"
	"dealroom.org/internal/notify"
	"dealroom.org/internal/obs"
	"dealroom.org/internal/storage"
	"dealroom.org/internal/store/pg"
	"dealroom.org/internal/stream"
	"dealroom.org/internal/token"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// stores groups the persistence backends; either all Postgres or all in-memory.
type stores struct {
	tenants  auth.TenantStore
	roles    auth.RoleStore
	listings listing.Store
	ledger   ledger.Service
	audit    audit.Store
	tx       access.TxRunner
	pinger   httpapi.Pinger
	close    func() error
}

type redisPinger struct{ c *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.c.Ping(ctx).Err() }

func main() {
	configPath := flag.String("config", os.Getenv("DEALROOM_CONFIG"), "Path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		obs.Logger().Fatal("load config", zap.Error(err))
	}
	log := obs.Configure(cfg.Log.Level)
	defer func() { _ = log.Sync() }()
	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}
	proxies, err := cfg.HTTP.ProxyPrefixes()
	if err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Инициализация observability: метрики, трейсинг
	obs.InitBuildInfo(version, commit)
	shutdownTracing, err := obs.InitTracing(ctx, obs.TracingConfig{
		ServiceName: "dealroom-api",
		Environment: cfg.Tracing.Environment,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		log.Fatal("init tracing", zap.Error(err))
	}

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		log.Fatal("open stores", zap.Error(err))
	}
	ready := httpapi.ReadyCheck{Deps: []httpapi.Pinger{st.pinger}}

	var limiter token.Limiter
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		limiter = token.NewRedisLimiter(rdb, cfg.Tokens.MagicPerHour)
		ready.Deps = append(ready.Deps, redisPinger{rdb})
	} else {
		limiter = token.NewMemoryLimiter(cfg.Tokens.MagicPerHour, time.Now)
	}

	var (
		blobs      storage.BlobStore
		signer     storage.URLSigner
		blobSigner *storage.HMACSigner
	)
	switch cfg.Storage.Driver {
	case "minio":
		m, err := storage.NewMinIO(storage.MinIOOptions{
			Endpoint:  cfg.Storage.MinIO.Endpoint,
			AccessKey: cfg.Storage.MinIO.AccessKey,
			SecretKey: cfg.Storage.MinIO.SecretKey,
			Bucket:    cfg.Storage.MinIO.Bucket,
			UseSSL:    cfg.Storage.MinIO.UseSSL,
		})
		if err != nil {
			log.Fatal("minio", zap.Error(err))
		}
		blobs, signer = m, m
		ready.Deps = append(ready.Deps, m)
	default:
		local, err := storage.NewLocalBlobStore(cfg.Storage.LocalDir)
		if err != nil {
			log.Fatal("local blob store", zap.Error(err))
		}
		blobSigner, err = storage.NewHMACSigner([]byte(cfg.Storage.SigningKey), cfg.Storage.BaseURL)
		if err != nil {
			log.Fatal("blob signer", zap.Error(err))
		}
		blobs, signer = local, blobSigner
	}

	var mailer notify.Sender = notify.NewLogSender()
	if cfg.Notify.Driver == "amqp" {
		sender, err := notify.DialAMQP(cfg.Notify.AMQPURL, cfg.Notify.Exchange)
		if err != nil {
			log.Fatal("dial amqp", zap.Error(err))
		}
		defer sender.Close()
		mailer = sender
	}

	issuer, err := token.NewIssuer(cfg.Tokens.Secret,
		token.WithMagicTTL(cfg.Tokens.MagicTTL),
		token.WithLimiter(limiter),
	)
	if err != nil {
		log.Fatal("token issuer", zap.Error(err))
	}
	verifier := token.NewVerifier(issuer, st.ledger)
	sessions, err := auth.NewSessionVerifier(cfg.Auth.SessionSecret,
		auth.WithSessionIssuer(cfg.Auth.SessionIssuer),
		auth.WithSessionAudience(cfg.Auth.SessionAudience),
	)
	if err != nil {
		log.Fatal("session verifier", zap.Error(err))
	}

	events := stream.New[audit.Event](64)
	recorder := audit.NewRecorder(st.audit, audit.WithPublisher(events))
	authority := auth.NewAuthority(st.tenants, st.roles)

	svc := access.NewService(access.Deps{
		Ledger:    st.ledger,
		Listings:  st.listings,
		Roles:     st.roles,
		Authority: authority,
		Issuer:    issuer,
		Verifier:  verifier,
		Audit:     recorder,
		Mailer:    mailer,
		Tx:        st.tx,
	}, access.WithNDATTL(cfg.Tokens.NDATTL), access.WithPublicBaseURL(cfg.Tokens.PublicBaseURL))
	broker := disclosure.NewBroker(st.listings, authority, verifier, st.ledger, recorder, signer,
		disclosure.WithDownloadTTL(cfg.Tokens.DownloadTTL),
	)

	api := httpapi.New(httpapi.Deps{
		Access:     svc,
		Broker:     broker,
		Sessions:   sessions,
		Events:     events,
		Blobs:      blobs,
		BlobSigner: blobSigner,
		Ready:      ready,
		Version:    version,
	}, httpapi.Options{
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
		RateBurst:      cfg.HTTP.RateBurst,
		RatePerSecond:  cfg.HTTP.RatePerSecond,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		TrustedProxies: proxies,
	})

	// no WriteTimeout: /audit/stream holds the connection open
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		IdleTimeout:       60 * time.Second,
	}

	// gRPC health для балансировщика
	grpcSrv := grpc.NewServer()
	health := httpapi.NewGRPCServer(ready, version)
	health.Register(grpcSrv)
	go health.Watch(ctx, 10*time.Second)

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		log.Fatal("grpc listen", zap.Error(err))
	}
	go func() {
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error("grpc serve", zap.Error(err))
		}
	}()

	go sweep(ctx, svc, cfg.Sweep.Interval, log)

	go func() {
		log.Info("starting dealroom-api",
			zap.String("version", version),
			zap.String("http_addr", srv.Addr),
			zap.String("grpc_addr", cfg.GRPC.Addr),
			zap.String("storage", cfg.Storage.Driver),
			zap.Bool("postgres", cfg.Postgres.DSN != ""),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	obs.SetReady(false)
	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn("tracing shutdown", zap.Error(err))
	}
	if err := st.close(); err != nil {
		log.Warn("close stores", zap.Error(err))
	}
	log.Info("stopped")
}

func openStores(ctx context.Context, cfg *config.Config, log *zap.Logger) (stores, error) {
	if cfg.Postgres.DSN != "" {
		db, err := pg.Open(cfg.Postgres.DSN)
		if err != nil {
			return stores{}, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.Ping(pingCtx); err != nil {
			log.Warn("postgres not reachable yet", zap.Error(err))
		}
		return stores{
			tenants: db, roles: db, listings: db, ledger: db, audit: db,
			tx: db, pinger: db, close: db.Close,
		}, nil
	}

	// без DSN: всё в памяти, данные теряются при рестарте
	roles := auth.NewInMemory()
	t, err := roles.CreateTenant(ctx, "demo", "Demo Advisors")
	if err != nil {
		return stores{}, err
	}
	log.Warn("running with in-memory stores", zap.String("demo_tenant_id", t.ID))
	return stores{
		tenants:  roles,
		roles:    roles,
		listings: listing.NewInMemory(),
		ledger:   ledger.NewInMemory(),
		audit:    audit.NewInMemory(),
		tx:       access.NoTx{},
		close:    func() error { return nil },
	}, nil
}

// sweep periodically marks lapsed approvals as expired.
func sweep(ctx context.Context, svc *access.Service, every time.Duration, log *zap.Logger) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := svc.SweepExpired(ctx); err != nil {
				log.Error("sweep expired access requests", zap.Error(err))
			}
		}
	}
}
