package database

import (
	"context"
	"time"

	"github.com/voicebridge/voicebridge/internal/database/models"
)

// SipUserRepository manages SIP accounts, including the digest-auth failure
// bookkeeping the lockout policy relies on.
type SipUserRepository interface {
	Create(ctx context.Context, user *models.SipUser) error
	GetByID(ctx context.Context, id int64) (*models.SipUser, error)
	GetByUsername(ctx context.Context, username string) (*models.SipUser, error)
	List(ctx context.Context) ([]models.SipUser, error)
	Update(ctx context.Context, user *models.SipUser) error
	Delete(ctx context.Context, id int64) error

	// RecordAuthFailure increments the failure counter and returns the new
	// count; RecordAuthSuccess clears it. Lock/Unlock set or clear
	// locked_until.
	RecordAuthFailure(ctx context.Context, id int64) (int, error)
	RecordAuthSuccess(ctx context.Context, id int64) error
	Lock(ctx context.Context, id int64, until time.Time) error
	Unlock(ctx context.Context, id int64) error
}

// TrunkRepository manages upstream SIP trunks.
type TrunkRepository interface {
	Create(ctx context.Context, trunk *models.Trunk) error
	GetByID(ctx context.Context, id int64) (*models.Trunk, error)
	List(ctx context.Context) ([]models.Trunk, error)
	ListEnabled(ctx context.Context) ([]models.Trunk, error)
	Update(ctx context.Context, trunk *models.Trunk) error
	Delete(ctx context.Context, id int64) error
}

// RegistrationRepository manages active SIP bindings.
type RegistrationRepository interface {
	Upsert(ctx context.Context, reg *models.Registration) error
	ListByAOR(ctx context.Context, aor string) ([]models.Registration, error)
	DeleteByAORAndContact(ctx context.Context, aor, contactURI string) error
	DeleteByAOR(ctx context.Context, aor string) (int64, error)
	DeleteExpired(ctx context.Context) (int64, error)
	DeleteAll(ctx context.Context) (int64, error)
	Count(ctx context.Context) (int64, error)
}

// CDRListFilter specifies filtering and pagination for CDR list queries.
type CDRListFilter struct {
	Limit     int
	Offset    int
	Search    string // matches from_uri or to_uri
	Direction string // "inbound", "outbound", or "" for all
	StartDate string // RFC3339 or YYYY-MM-DD
	EndDate   string
}

// CDRRepository manages call detail records.
type CDRRepository interface {
	Create(ctx context.Context, cdr *models.CDR) error
	GetByCallID(ctx context.Context, callID string) (*models.CDR, error)
	List(ctx context.Context, filter CDRListFilter) ([]models.CDR, int, error)
	ListRecent(ctx context.Context, limit int) ([]models.CDR, error)
	CountByDirection(ctx context.Context) (map[string]int64, error)
}

// BlockedNumberRepository manages the routing blocklist.
type BlockedNumberRepository interface {
	Create(ctx context.Context, num *models.BlockedNumber) error
	GetByNumber(ctx context.Context, number string) (*models.BlockedNumber, error)
	List(ctx context.Context) ([]models.BlockedNumber, error)
	Delete(ctx context.Context, id int64) error
}

// SMSRepository persists SIP MESSAGE traffic in both directions.
type SMSRepository interface {
	Create(ctx context.Context, msg *models.SMSMessage) error
	GetByID(ctx context.Context, id int64) (*models.SMSMessage, error)
	List(ctx context.Context, limit, offset int) ([]models.SMSMessage, error)
	MarkSent(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, lastError string) error
	// RecordAttempt bumps the attempt counter without changing status;
	// the message stays pending for the next delivery round.
	RecordAttempt(ctx context.Context, id int64, lastError string) error
	ListPending(ctx context.Context, limit int) ([]models.SMSMessage, error)
}

// AdminUserRepository manages admin API accounts.
type AdminUserRepository interface {
	Create(ctx context.Context, user *models.AdminUser) error
	GetByUsername(ctx context.Context, username string) (*models.AdminUser, error)
	List(ctx context.Context) ([]models.AdminUser, error)
	Count(ctx context.Context) (int64, error)
	Delete(ctx context.Context, id int64) error
}

// Repositories bundles every repository over one database handle.
type Repositories struct {
	SipUsers       SipUserRepository
	Trunks         TrunkRepository
	Registrations  RegistrationRepository
	CDRs           CDRRepository
	BlockedNumbers BlockedNumberRepository
	SMS            SMSRepository
	AdminUsers     AdminUserRepository
}

// NewRepositories wires all repositories over db.
func NewRepositories(db *DB) *Repositories {
	return &Repositories{
		SipUsers:       NewSipUserRepository(db),
		Trunks:         NewTrunkRepository(db),
		Registrations:  NewRegistrationRepository(db),
		CDRs:           NewCDRRepository(db),
		BlockedNumbers: NewBlockedNumberRepository(db),
		SMS:            NewSMSRepository(db),
		AdminUsers:     NewAdminUserRepository(db),
	}
}
