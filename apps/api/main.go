package main

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/mynkBrthwl/web-fe/libs/mailer"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const (
	submitRateLimitRequests  = 5
	submitRateLimitWindow    = 10 * time.Minute
	stateCleanupInterval     = time.Minute
	formSessionTTL           = 30 * time.Minute
	formSessionTokenLifetime = 12 * time.Hour
	adminCookieName          = "mirai_admin_session"
	adminSessionDuration     = 8 * time.Hour
	defaultSubmitTimeout     = 20 * time.Second
	ledgerWriteTimeout       = 5 * time.Second
	defaultSubmissionLimit   = 50
	maxSubmissionLimit       = 500
	devCORSOriginLocalhost   = "http://localhost:5173"
	devCORSOriginLoopback    = "http://127.0.0.1:5173"
	trustedProxyLoopbackIPv4 = "127.0.0.1"
	trustedProxyLoopbackIPv6 = "::1"
)

var mailTransports = []string{"emailjs", "mailer"}

type Config struct {
	Addr                string
	Env                 string
	DatabaseURL         string
	PublicBaseURL       string
	AppSigningSecret    string
	MailTransport       string
	MailServiceID       string
	MailPublicKey       string
	MailTemplateIDs     map[FormKind]string
	EmailJSPrivateKey   string
	ResendAPIKey        string
	MailerFromAddresses map[string]string
	LeadsEmailTo        []string
	SubmitTimeout       time.Duration
	ContentFile         string
	AdminEmail          string
	AdminPasswordHash   string
}

type App struct {
	cfg *Config
	db  *sql.DB
	log *slog.Logger

	forms        FormRegistry
	transport    Transport
	transportCfg TransportConfig
	sessions     *FormSessionStore

	rateLimiterMu sync.Mutex
	rateBuckets   map[string]rateBucket

	// ledger hooks; nil when no database is configured
	recordSubmission func(ctx context.Context, rec SubmissionRecord) error
	listSubmissions  func(ctx context.Context, limit int) ([]SubmissionRecord, error)

	adminAuthenticate func(ctx context.Context, email, password string) error
}

type rateBucket struct {
	start time.Time
	count int
}

type apiError struct {
	Status  int
	Code    string
	Message string
	Fields  map[string]string
}

func (e *apiError) Error() string { return e.Message }

func main() {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		panic(err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	ctx := context.Background()

	app := &App{
		cfg:         cfg,
		log:         logger,
		forms:       defaultFormRegistry(),
		sessions:    newFormSessionStore(formSessionTTL),
		rateBuckets: make(map[string]rateBucket),
	}
	app.adminAuthenticate = app.authenticateAdminCredentials
	app.transportCfg = TransportConfig{
		ServiceID:   cfg.MailServiceID,
		PublicKey:   cfg.MailPublicKey,
		TemplateIDs: cfg.MailTemplateIDs,
	}
	app.transport = app.buildTransport()

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			panic(err)
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			panic(err)
		}
		app.db = db
		if err := app.runMigrations(ctx); err != nil {
			panic(err)
		}
		app.recordSubmission = app.storeRecordSubmission
		app.listSubmissions = app.storeListSubmissions
	} else {
		logger.Info("submission ledger disabled", "reason", "DATABASE_URL not set")
	}

	if err := InitContentCache(cfg.ContentFile); err != nil {
		panic(err)
	}

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()
	app.startStateCleanup(cleanupCtx, stateCleanupInterval)

	logger.Info(
		"runtime configuration",
		"env", cfg.Env,
		"addr", cfg.Addr,
		"transport", app.transport.Name(),
		"submit_timeout", cfg.SubmitTimeout.String(),
		"ledger", app.db != nil,
	)

	r := app.routes()
	if err := r.SetTrustedProxies([]string{trustedProxyLoopbackIPv4, trustedProxyLoopbackIPv6}); err != nil {
		panic(err)
	}

	app.log.Info("starting gin API", "addr", cfg.Addr)
	if err := r.Run(cfg.Addr); err != nil {
		panic(err)
	}
}

func (a *App) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(a.loggingMiddleware())
	r.Use(a.corsMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api/v1")
	{
		api.GET("/content", handleGetSiteContent)
		api.GET("/testimonials", handleGetTestimonials)
		api.GET("/offices", handleGetOffices)
		api.GET("/contacts", handleGetContacts)

		api.GET("/forms", a.listFormsHandler)
		api.GET("/forms/:form", a.getFormHandler)
		api.POST("/forms/:form/validate", a.validateFormHandler)
		api.POST("/forms/:form/submit", a.submitFormHandler)
		api.POST("/forms/:form/sessions", a.createFormSessionHandler)

		session := api.Group("/form-sessions")
		{
			session.GET("", a.getFormSessionHandler)
			session.PATCH("/fields", a.updateFormFieldHandler)
			session.POST("/submit", a.submitFormSessionHandler)
			session.DELETE("", a.deleteFormSessionHandler)
		}

		admin := api.Group("/admin")
		{
			admin.POST("/login", a.adminLoginHandler)
			admin.POST("/logout", a.adminLogoutHandler)
			admin.GET("/submissions", a.requireAdminSession(), a.adminSubmissionsHandler)
		}
	}
	return r
}

func (a *App) buildTransport() Transport {
	if a.cfg.MailTransport == "emailjs" {
		a.log.Info("transport initialized", "transport", "emailjs")
		return &EmailJSTransport{
			AccessToken: a.cfg.EmailJSPrivateKey,
			Client:      &http.Client{Timeout: 15 * time.Second},
		}
	}

	var mailProvider mailer.Provider
	if a.cfg.ResendAPIKey != "" {
		mailProvider = mailer.NewResendProvider(a.cfg.ResendAPIKey)
		a.log.Info("mailer initialized", "provider", "resend")
	} else {
		mailProvider = mailer.NewLogProvider(a.log)
		a.log.Info("mailer initialized", "provider", "log")
	}

	templateNames := make(map[string]string, len(a.cfg.MailTemplateIDs))
	for kind, id := range a.cfg.MailTemplateIDs {
		templateNames[id] = string(kind)
	}
	return &MailerTransport{
		Mailer:        mailer.New(mailProvider, a.cfg.MailerFromAddresses[mailProvider.Name()]),
		To:            a.cfg.LeadsEmailTo,
		Forms:         a.forms,
		Templates:     newEmailTemplateRenderer(a.cfg.Env),
		TemplateNames: templateNames,
	}
}

func loadConfig() (*Config, error) {
	secret := strings.TrimSpace(os.Getenv("APP_SIGNING_SECRET"))
	if len(secret) < 16 {
		return nil, fmt.Errorf("APP_SIGNING_SECRET must be at least 16 characters")
	}

	publicBase := valueOrDefault("PUBLIC_BASE_URL", "https://miraiedu.in")
	publicBase = strings.TrimRight(publicBase, "/")

	cfg := &Config{
		Addr:              valueOrDefault("GIN_ADDR", ":8080"),
		Env:               valueOrDefault("APP_ENV", "development"),
		DatabaseURL:       strings.TrimSpace(os.Getenv("DATABASE_URL")),
		PublicBaseURL:     publicBase,
		AppSigningSecret:  secret,
		MailServiceID:     strings.TrimSpace(os.Getenv("EMAILJS_SERVICE_ID")),
		MailPublicKey:     strings.TrimSpace(os.Getenv("EMAILJS_PUBLIC_KEY")),
		EmailJSPrivateKey: strings.TrimSpace(os.Getenv("EMAILJS_PRIVATE_KEY")),
		MailTemplateIDs: map[FormKind]string{
			FormApplication: strings.TrimSpace(os.Getenv("EMAILJS_APPLICATION_TEMPLATE_ID")),
			FormInquiry:     strings.TrimSpace(os.Getenv("EMAILJS_INQUIRY_TEMPLATE_ID")),
		},
		ResendAPIKey: strings.TrimSpace(os.Getenv("RESEND_API_KEY")),
		MailerFromAddresses: map[string]string{
			"resend": valueOrDefault("MAILER_FROM_ADDRESS_RESEND", "noreply@mail.miraiedu.in"),
			"log":    valueOrDefault("MAILER_FROM_ADDRESS_LOG", "noreply@miraiedu.local"),
		},
		SubmitTimeout:     defaultSubmitTimeout,
		ContentFile:       strings.TrimSpace(os.Getenv("CONTENT_FILE")),
		AdminEmail:        strings.TrimSpace(os.Getenv("ADMIN_EMAIL")),
		AdminPasswordHash: strings.TrimSpace(os.Getenv("ADMIN_PASSWORD_HASH")),
	}

	for _, addr := range strings.Split(os.Getenv("LEADS_EMAIL_TO"), ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			cfg.LeadsEmailTo = append(cfg.LeadsEmailTo, addr)
		}
	}

	cfg.MailTransport = strings.ToLower(strings.TrimSpace(os.Getenv("MAIL_TRANSPORT")))
	if cfg.MailTransport == "" {
		if cfg.MailPublicKey != "" {
			cfg.MailTransport = "emailjs"
		} else {
			cfg.MailTransport = "mailer"
		}
	}
	if !containsString(mailTransports, cfg.MailTransport) {
		return nil, fmt.Errorf("MAIL_TRANSPORT must be one of %s", strings.Join(mailTransports, ", "))
	}

	switch cfg.MailTransport {
	case "emailjs":
		if cfg.MailServiceID == "" || cfg.MailPublicKey == "" {
			return nil, fmt.Errorf("EMAILJS_SERVICE_ID and EMAILJS_PUBLIC_KEY are required for the emailjs transport")
		}
		if cfg.MailTemplateIDs[FormApplication] == "" || cfg.MailTemplateIDs[FormInquiry] == "" {
			return nil, fmt.Errorf("EMAILJS_APPLICATION_TEMPLATE_ID and EMAILJS_INQUIRY_TEMPLATE_ID are required for the emailjs transport")
		}
	case "mailer":
		if len(cfg.LeadsEmailTo) == 0 {
			return nil, fmt.Errorf("LEADS_EMAIL_TO is required for the mailer transport")
		}
		// mailer templates are named after the form kind
		for kind, id := range cfg.MailTemplateIDs {
			if id == "" {
				cfg.MailTemplateIDs[kind] = string(kind)
			}
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SUBMIT_TIMEOUT")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("SUBMIT_TIMEOUT must be a valid duration")
		}
		if parsed <= 0 {
			return nil, fmt.Errorf("SUBMIT_TIMEOUT must be > 0")
		}
		cfg.SubmitTimeout = parsed
	}

	return cfg, nil
}

func valueOrDefault(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func containsString(list []string, value string) bool {
	for _, entry := range list {
		if entry == value {
			return true
		}
	}
	return false
}

func (a *App) runMigrations(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return err
	}

	if _, err := a.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return err
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)

	for _, file := range files {
		var exists bool
		if err := a.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)`, file).Scan(&exists); err != nil {
			return err
		}
		if exists {
			continue
		}

		content, err := migrationFiles.ReadFile(filepath.Join("migrations", file))
		if err != nil {
			return err
		}

		tx, err := a.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s failed: %w", file, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, file); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}

		a.log.Info("applied migration", "file", file)
	}

	return nil
}

func (a *App) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.log.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"ip", c.ClientIP(),
		)
	}
}

func (a *App) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := strings.TrimSpace(c.GetHeader("Origin"))
		if a.isAllowedCORSOrigin(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
			c.Header("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		c.Next()
	}
}

func (a *App) isAllowedCORSOrigin(origin string) bool {
	if origin == "" || a.cfg == nil {
		return false
	}
	if a.cfg.PublicBaseURL != "" && origin == a.cfg.PublicBaseURL {
		return true
	}
	if !strings.EqualFold(a.cfg.Env, "development") {
		return false
	}
	return origin == devCORSOriginLocalhost || origin == devCORSOriginLoopback
}

func writeAPIError(c *gin.Context, err error) {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		body := gin.H{"error": apiErr.Code, "message": apiErr.Message}
		if len(apiErr.Fields) > 0 {
			body["errors"] = apiErr.Fields
		}
		c.JSON(apiErr.Status, body)
		return
	}

	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
}
