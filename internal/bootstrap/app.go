package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/gin-gonic/gin"

	"himan-converter/internal/conversions"
	"himan-converter/internal/documents"
	"himan-converter/internal/links"
	"himan-converter/internal/outbox"
	"himan-converter/internal/services/health"
	"himan-converter/internal/shared/config"
	"himan-converter/internal/shared/server"
	"himan-converter/internal/shared/server/middleware"
	"himan-converter/internal/shared/storage/db"
	"himan-converter/internal/shared/storage/object"
	localstore "himan-converter/internal/shared/storage/object/local"
	s3store "himan-converter/internal/shared/storage/object/s3"
)

// App holds shared dependencies and the router built from them.
type App struct {
	Config             config.Config
	Router             *gin.Engine
	DB                 *sql.DB
	Store              object.ObjectStore
	Outbox             outbox.Outbox
	Links              *links.Registry
	RateLimiter        *middleware.RateLimiter
	DocumentsRepo      documents.DocumentsRepo
	ConversionsRepo    conversions.Repo
	DocumentsService   *documents.Service
	ConversionsService *conversions.Service
	Health             *health.Service
	DocumentsHandler   *documents.Handler
	ConversionsHandler *conversions.Handler
}

// Build prepares shared dependencies and wires routes.
func Build(cfg config.Config) (*App, error) {
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "dev"
	}
	if strings.TrimSpace(cfg.ObjectStoreType) == "" {
		cfg.ObjectStoreType = "local"
	}
	ctx := context.Background()

	sqlDB, err := buildDB(ctx, cfg)
	if err != nil {
		return nil, err
	}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	ob, err := buildOutbox(ctx, cfg)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config:      cfg,
		DB:          sqlDB,
		Store:       store,
		Outbox:      ob,
		Links:       links.NewRegistry(cfg.ResultTTL, nil),
		RateLimiter: middleware.NewRateLimiter(nil),
		Health:      health.NewService(sqlDB),
	}

	if err := buildServices(app); err != nil {
		return nil, err
	}

	app.Router = server.NewRouter(server.RouterDeps{
		Config:            app.Config,
		Health:            app.Health,
		DocumentHandler:   app.DocumentsHandler,
		ConversionHandler: app.ConversionsHandler,
		RateLimiter:       app.RateLimiter,
	})

	return app, nil
}

// Close releases the database handle, if any.
func (a *App) Close() error {
	if a.DB == nil {
		return nil
	}
	return a.DB.Close()
}

func buildDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		if isDevLike(cfg.Env) {
			log.Printf("bootstrap: DATABASE_URL empty; using in-memory repositories")
			return nil, nil
		}
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	opts := db.OptionsFromEnv(db.DefaultServerOptions())
	sqlDB, err := db.Connect(ctx, cfg.DatabaseURL, opts)
	if err != nil {
		if isDevLike(cfg.Env) {
			log.Printf("bootstrap: database connect failed; using in-memory repositories: %v", err)
			return nil, nil
		}
		return nil, err
	}

	if err := db.RunMigrations(ctx, sqlDB); err != nil {
		_ = sqlDB.Close()
		if isDevLike(cfg.Env) {
			log.Printf("bootstrap: migrations failed; using in-memory repositories: %v", err)
			return nil, nil
		}
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return sqlDB, nil
}

func buildStore(ctx context.Context, cfg config.Config) (object.ObjectStore, error) {
	switch cfg.ObjectStoreType {
	case "s3":
		if strings.TrimSpace(cfg.S3Bucket) == "" {
			return nil, fmt.Errorf("OBJECT_STORE=s3 requires S3_BUCKET")
		}
		return s3store.New(ctx, cfg.AWSRegion, cfg.S3Bucket, cfg.S3Prefix, cfg.SSEKMSKeyID)
	default:
		return localstore.New(cfg.LocalStoreDir), nil
	}
}

func buildOutbox(ctx context.Context, cfg config.Config) (outbox.Outbox, error) {
	if strings.TrimSpace(cfg.OutboxSQSQueueURL) == "" {
		return outbox.LogOutbox{}, nil
	}
	return outbox.NewSQSOutbox(ctx, cfg.AWSRegion, cfg.OutboxSQSQueueURL)
}

func isDevLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "local":
		return true
	default:
		return false
	}
}

func buildServices(app *App) error {
	var docRepo documents.DocumentsRepo
	var convRepo conversions.Repo

	if app.DB != nil {
		docRepo = &documents.PGRepo{DB: app.DB}
		convRepo = &conversions.PGRepo{DB: app.DB}
	} else {
		docRepo = documents.NewMemoryRepo()
		convRepo = conversions.NewMemoryRepo()
	}

	docSvc := &documents.Service{
		Store:           app.Store,
		Repo:            docRepo,
		StorageProvider: app.Config.ObjectStoreType,
	}

	convSvc := &conversions.Service{
		Repo:         convRepo,
		Selections:   docSvc,
		Store:        app.Store,
		Links:        app.Links,
		Outbox:       app.Outbox,
		Recipient:    app.Config.ResultRecipient,
		Extension:    app.Config.TargetExtension,
		ConvertDelay: app.Config.ConvertDelay,
		SendDelay:    app.Config.SendDelay,
	}

	app.Links.OnExpire(convSvc.ExpireResult)

	app.DocumentsRepo = docRepo
	app.ConversionsRepo = convRepo
	app.DocumentsService = docSvc
	app.ConversionsService = convSvc
	app.DocumentsHandler = documents.NewHandler(docSvc, convSvc, app.Config.MaxUploadBytes)
	app.ConversionsHandler = conversions.NewHandler(convSvc, conversions.ShareInfo{URL: app.Config.PublicURL})

	if app.DocumentsHandler == nil || app.ConversionsHandler == nil {
		return errors.New("failed to initialize handlers")
	}

	return nil
}
