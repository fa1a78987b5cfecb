package health

import (
	"context"
	"database/sql"
	"time"

	"himan-converter/internal/shared/storage/db"
)

const defaultPingTimeout = 2 * time.Second

// Service encapsulates health-related checks.
type Service struct {
	DB          *sql.DB
	PingTimeout time.Duration
}

// Status is the health payload.
type Status struct {
	OK       bool   `json:"ok"`
	Database string `json:"database"`
	Error    string `json:"error,omitempty"`
}

// NewService constructs a new health service. A nil DB reports the
// in-memory mode.
func NewService(sqlDB *sql.DB) *Service {
	return &Service{DB: sqlDB, PingTimeout: defaultPingTimeout}
}

// Status pings the database when one is configured.
func (s *Service) Status(ctx context.Context) Status {
	if s.DB == nil {
		return Status{OK: true, Database: "memory"}
	}
	if err := db.Ping(ctx, s.DB, s.PingTimeout); err != nil {
		return Status{OK: false, Database: "down", Error: err.Error()}
	}
	return Status{OK: true, Database: "up"}
}
