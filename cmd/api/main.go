package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud-login/internal/config"
	"cloud-login/internal/db"
	"cloud-login/internal/domain"
	"cloud-login/internal/email"
	"cloud-login/internal/events"
	apihttp "cloud-login/internal/http"
	"cloud-login/internal/metrics"
	"cloud-login/internal/oauth"
	"cloud-login/internal/repository"
	"cloud-login/internal/service"
	"cloud-login/internal/whatsapp"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		log.Printf("warning: loading .env: %v", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	var identities repository.IdentityStore = repository.NewMemoryIdentityStore()
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg)
		if err != nil {
			logger.Fatal("db connect", zap.Error(err))
		}
		defer pool.Close()
		if err := db.Migrate(ctx, pool); err != nil {
			logger.Fatal("db migrate", zap.Error(err))
		}
		identities = repository.NewPgIdentityStore(pool)
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory identity store")
	}

	var (
		loginRequests = repository.NewMemoryLoginRequestStore()
		flows         = repository.NewMemoryFlowStore()
		codeLimiter   = service.NewCodeRateLimiter(cfg.OTPRateWindow(), cfg.OTPRateMax)
		passLimiter   = service.NewCodeRateLimiter(cfg.PasswordRateWindow(), cfg.PasswordRateMax)
		redisClient   *redis.Client
	)
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer redisClient.Close()
		ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := redisClient.Ping(ctxPing).Err(); err != nil {
			logger.Warn("redis ping failed", zap.Error(err))
		}
		cancel()
		loginRequests = repository.NewRedisLoginRequestStore(redisClient)
		flows = repository.NewRedisFlowStore(redisClient)
		codeLimiter = service.NewRedisCodeRateLimiter(logger, redisClient, cfg.OTPRateWindow(), cfg.OTPRateMax)
		passLimiter = service.NewRedisCodeRateLimiter(logger, redisClient, cfg.PasswordRateWindow(), cfg.PasswordRateMax)
	} else {
		logger.Warn("REDIS_ADDR not set, handoff tokens and flows stay in process memory")
	}

	emailSender := email.NewDisabledSender("email sender not configured")
	if cfg.SMTPHost != "" {
		sender, err := email.NewSMTPSender(logger, email.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPass,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
			UseTLS:   cfg.SMTPUseTLS,
		})
		if err != nil {
			logger.Warn("smtp sender init failed", zap.Error(err))
		} else {
			emailSender = sender
		}
	}
	whatsappSender := whatsapp.NewDisabledSender("whatsapp sender not configured")
	if cfg.WhatsAppToken != "" {
		client, err := whatsapp.NewHTTPClient(logger, whatsapp.Config{
			BaseURL:       cfg.WhatsAppAPIURL,
			Token:         cfg.WhatsAppToken,
			PhoneNumberID: cfg.WhatsAppPhoneNumberID,
			Template:      cfg.WhatsAppTemplate,
			Language:      cfg.WhatsAppTemplateLang,
		})
		if err != nil {
			logger.Warn("whatsapp client init failed", zap.Error(err))
		} else {
			whatsappSender = client
		}
	}

	publisher := events.NewNoop()
	if cfg.RabbitMQURL != "" {
		rabbit, err := events.NewRabbit(cfg.RabbitMQURL, cfg.EventsExchange)
		if err != nil {
			logger.Warn("rabbitmq init failed, events disabled", zap.Error(err))
		} else {
			publisher = rabbit
		}
	}
	defer publisher.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.MustRegister(registry)

	oauthProviders := oauth.NewRegistry(
		oauth.NewGoogle(oauth.Credentials{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
		}, cfg.OAuthRedirectURL(domain.ProviderGoogle)),
		oauth.NewMicrosoft(oauth.Credentials{
			ClientID:     cfg.MicrosoftClientID,
			ClientSecret: cfg.MicrosoftClientSecret,
			Tenant:       cfg.MicrosoftTenant,
		}, cfg.OAuthRedirectURL(domain.ProviderMicrosoft)),
	)
	for _, code := range cfg.Providers.Filter(func(c domain.ProviderCode) bool { return c.Capabilities().ExternalChallenge }) {
		if _, err := oauthProviders.Get(code); err != nil {
			logger.Warn("external provider enabled without credentials", zap.String("provider", string(code)))
		}
	}
	stateSigner := oauth.NewStateSigner(cfg.OAuthStateSecret)

	classifier := service.NewContactClassifier(cfg.DefaultPhoneRegion)
	resolver := service.NewIdentityResolver(logger, identities, service.NewBcryptHasher(cfg.BcryptCost), publisher)
	codes := service.NewVerificationCodeService(logger, emailSender, whatsappSender, codeLimiter, cfg.CodeTTL(), cfg.CodeLength)
	broker := service.NewLoginRequestBroker(logger, loginRequests, identities, cfg.LoginRequestTTL())
	sessions := service.NewSessionService(logger, cfg.SessionSecret, cfg.PersistentSessionTTL(), cfg.TransientSessionTTL(), resolver, classifier)
	returnURLs := service.NewReturnURLPolicy(cfg.AllowedReturnHosts)
	process := service.NewSignInProcess(logger, flows, classifier, resolver, codes, passLimiter, cfg.Providers, returnURLs, cfg.FlowTTL())

	cookies := apihttp.CookieConfig{Domain: cfg.CookieDomain, Secure: cfg.CookieSecure}
	loginHandler := apihttp.NewLoginHandler(logger, process, broker, sessions, cookies, returnURLs, oauthProviders, stateSigner, cfg.LoginPageURL)
	flowHandler := apihttp.NewFlowHandler(logger, process, sessions, cookies, oauthProviders, stateSigner, cfg.LoginPageURL)
	router := apihttp.NewRouter(logger, sessions, loginHandler, flowHandler, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", zap.Error(err))
		}
	}()

	logger.Info("starting server", zap.String("port", cfg.HTTPPort))

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}
}
