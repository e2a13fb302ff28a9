package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/walletledger/pkg/db/pagination"
	"github.com/smallbiznis/walletledger/pkg/ledgererr"
	"gorm.io/gorm"
)

// Entry describes one audit record. Empty actor fields are resolved from the
// request context.
type Entry struct {
	CompanyID  snowflake.ID
	ActorType  string
	ActorID    string
	Action     string
	TargetType string
	TargetID   string
	Metadata   map[string]any
}

type ListAuditLogRequest struct {
	CompanyID  snowflake.ID
	Action     string
	TargetType string
	TargetID   string
	StartAt    *time.Time
	EndAt      *time.Time
	PageToken  string
	PageSize   int
}

type ListAuditLogResponse struct {
	pagination.PageInfo
	AuditLogs []AuditLog `json:"audit_logs"`
}

type Service interface {
	Record(ctx context.Context, entry Entry) error
	// RecordTx writes the entry inside the caller's transaction.
	RecordTx(ctx context.Context, tx *gorm.DB, entry Entry) error
	List(ctx context.Context, req ListAuditLogRequest) (ListAuditLogResponse, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditLog) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]AuditLog, error)
}

var (
	ErrInvalidCompany   = ledgererr.New(ledgererr.KindValidation, "invalid_company")
	ErrInvalidPageToken = ledgererr.New(ledgererr.KindValidation, "invalid_page_token")
	ErrInvalidTimeRange = ledgererr.New(ledgererr.KindValidation, "invalid_time_range")
	ErrInvalidAction    = ledgererr.New(ledgererr.KindValidation, "invalid_action")
)
