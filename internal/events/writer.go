package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types recorded by the engine.
const (
	TypeProductCreated         = "product.created"
	TypeProductStatusChanged   = "product.status_changed"
	TypeProductCloned          = "product.cloned"
	TypeProductDeleted         = "product.deleted"
	TypeFunctionalityCreated   = "functionality.created"
	TypeFunctionalityUpdated   = "functionality.updated"
	TypeFunctionalityActivated = "functionality.activated"
	TypeDataTypeCreated        = "datatype.created"
	TypeEnumerationCreated     = "enumeration.created"
	TypeAbstractCreated        = "abstract_attribute.created"
	TypeAbstractLocked         = "abstract_attribute.locked"
	TypeAbstractUnlocked       = "abstract_attribute.unlocked"
	TypeAttributeCreated       = "attribute.created"
	TypeAttributeUpdated       = "attribute.updated"
	TypeRuleCreated            = "rule.created"
	TypeRuleUpdated            = "rule.updated"
	TypeRuleDeleted            = "rule.deleted"
	TypeEvaluationCompleted    = "evaluation.completed"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records one event inside the caller's transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, productID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,product_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(productID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
