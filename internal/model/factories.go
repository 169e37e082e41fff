package model

import (
	"encoding/json"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	"gitlab.com/timkado/api/daisi-wa-fleet-manager/pkg/utils"
)

// init ensures gofakeit is seeded.
func init() {
	gofakeit.Seed(time.Now().UnixNano())
}

// RandomJSONB generates random JSON data for testing.
func RandomJSONB() datatypes.JSON {
	jsonData := map[string]interface{}{
		"probe":  gofakeit.Word(),
		"cycles": gofakeit.Number(1, 100),
	}
	bytes, _ := json.Marshal(jsonData)
	return datatypes.JSON(bytes)
}

// NewConnection creates a Connection with plausible fake data. Pass an
// override to pin specific fields.
func NewConnection(overrideDefaults ...*Connection) *Connection {
	base := &Connection{
		ID:                 uuid.New().String(),
		TenantID:           "tenant_" + gofakeit.LetterN(10),
		ExternalInstanceID: "inst_" + gofakeit.LetterN(12),
		DisplayName:        gofakeit.Username(),
		State:              StateConnected,
		PhoneNumber:        gofakeit.Numerify("55###########"),
		RotationOrder:      gofakeit.Number(0, 9),
		RotationEligible:   true,
		QuotaMaxReceived:   1000,
		QuotaMaxSent:       300,
		WindowStartDate:    utils.UTCDate(utils.Now()),
		LastTransitionAt:   utils.Now().Add(-time.Duration(gofakeit.Number(1, 60)) * time.Minute),
		CreatedAt:          utils.Now().Add(-time.Duration(gofakeit.Number(1, 100)) * time.Hour),
		UpdatedAt:          utils.Now(),
	}

	if len(overrideDefaults) > 0 && overrideDefaults[0] != nil {
		ovr := overrideDefaults[0]
		if ovr.ID != "" {
			base.ID = ovr.ID
		}
		if ovr.TenantID != "" {
			base.TenantID = ovr.TenantID
		}
		if ovr.ExternalInstanceID != "" {
			base.ExternalInstanceID = ovr.ExternalInstanceID
		}
		if ovr.DisplayName != "" {
			base.DisplayName = ovr.DisplayName
		}
		if ovr.Queue != "" {
			base.Queue = ovr.Queue
		}
		if ovr.State != "" {
			base.State = ovr.State
			base.RotationEligible = ovr.State == StateConnected
		}
		if ovr.PhoneNumber != "" {
			base.PhoneNumber = ovr.PhoneNumber
		}
		if ovr.QuotaMaxReceived != 0 {
			base.QuotaMaxReceived = ovr.QuotaMaxReceived
		}
		if ovr.QuotaMaxSent != 0 {
			base.QuotaMaxSent = ovr.QuotaMaxSent
		}
		if ovr.RotationOrder != 0 {
			base.RotationOrder = ovr.RotationOrder
		}
		if !ovr.WindowStartDate.IsZero() {
			base.WindowStartDate = ovr.WindowStartDate
		}
		if !ovr.LastTransitionAt.IsZero() {
			base.LastTransitionAt = ovr.LastTransitionAt
		}
		base.ReceivedCount = ovr.ReceivedCount
		base.SentCount = ovr.SentCount
		base.NeedsOwnerAssignment = ovr.NeedsOwnerAssignment
	}

	return base
}

// NewInboundRecord creates an InboundMessageRecord with fake identifiers.
func NewInboundRecord(overrideDefaults ...*InboundMessageRecord) *InboundMessageRecord {
	base := &InboundMessageRecord{
		ConnectionID:      uuid.New().String(),
		ExternalMessageID: "wamid." + gofakeit.LetterN(20),
		ProcessedAt:       utils.Now(),
	}

	if len(overrideDefaults) > 0 && overrideDefaults[0] != nil {
		ovr := overrideDefaults[0]
		if ovr.ConnectionID != "" {
			base.ConnectionID = ovr.ConnectionID
		}
		if ovr.ExternalMessageID != "" {
			base.ExternalMessageID = ovr.ExternalMessageID
		}
		if !ovr.ProcessedAt.IsZero() {
			base.ProcessedAt = ovr.ProcessedAt
		}
	}

	return base
}
