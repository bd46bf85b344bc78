package audit

import (
	"encoding/json"
	"time"

	"github.com/quantfold/marketmaker/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Logger writes append-only protocol decision records. Audit writes never
// fail a protocol operation; a store error is logged and swallowed.
type Logger struct {
	db *gorm.DB
}

// NewLogger creates an audit logger over the shared ledger store.
func NewLogger(db *gorm.DB) *Logger {
	return &Logger{db: db}
}

// Record appends one audit entry for a proposal. Details is marshalled to
// JSON; a nil details map writes an empty object.
func (l *Logger) Record(proposalID uint, tag string, details map[string]interface{}) {
	if details == nil {
		details = map[string]interface{}{}
	}

	payload, err := json.Marshal(details)
	if err != nil {
		log.Error().Err(err).Uint("proposal_id", proposalID).Str("tag", tag).
			Msg("failed to marshal audit details")
		payload = []byte("{}")
	}

	entry := types.AuditEntry{
		ProposalID: proposalID,
		Tag:        tag,
		Details:    string(payload),
		CreatedAt:  time.Now(),
	}

	if err := l.db.Create(&entry).Error; err != nil {
		log.Error().Err(err).Uint("proposal_id", proposalID).Str("tag", tag).
			Msg("failed to write audit entry")
	}
}
