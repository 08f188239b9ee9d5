package utils

import (
	"log"

	"github.com/shantivan/ashram-server/cmd/models"
	"gorm.io/gorm"
)

// RecordAudit appends an audit row. Failures are logged and swallowed
// so a full audit table can never block the action being audited.
func RecordAudit(db *gorm.DB, actorID uint, action, entity string, entityID uint, detail string) {
    entry := models.AuditLog{
        ActorID:  actorID,
        Action:   action,
        Entity:   entity,
        EntityID: entityID,
        Detail:   detail,
    }
    if err := db.Create(&entry).Error; err != nil {
        log.Printf("audit write failed for %s %s/%d: %v", action, entity, entityID, err)
    }
}
