package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Writer appends one immutable record per authorization decision: every
// routed transaction, every spend consume, approved or not. With Redact set,
// wallet addresses and request bodies are salted-hash'd before they touch
// the table.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

// Record is one authorization decision.
type Record struct {
	DecisionID    string          `json:"decision_id"`
	WalletAddress string          `json:"wallet_address,omitempty"`
	AgentID       string          `json:"agent_id,omitempty"`
	Action        string          `json:"action"`
	Path          string          `json:"path,omitempty"`
	Outcome       string          `json:"outcome"`
	Reason        string          `json:"reason,omitempty"`
	TxHash        string          `json:"tx_hash,omitempty"`
	RequestRaw    json.RawMessage `json:"request_raw,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Decision outcomes.
const (
	OutcomeApproved = "approved"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if w.Redact {
		rec = redactRecord(rec, w.HashSalt)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO audit_records
		(decision_id, wallet_address, agent_id, action, path, outcome, reason, tx_hash, request_raw, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, rec.DecisionID, rec.WalletAddress, rec.AgentID, rec.Action, rec.Path, rec.Outcome, rec.Reason, rec.TxHash, rec.RequestRaw, rec.CreatedAt)
	return err
}

const recordColumns = `decision_id, wallet_address, agent_id, action, path, outcome, reason, tx_hash, request_raw, created_at`

func (w *Writer) Get(ctx context.Context, decisionID string) (Record, error) {
	row := w.DB.QueryRow(ctx, `
		SELECT `+recordColumns+` FROM audit_records WHERE decision_id=$1
	`, decisionID)
	return scanRecord(row)
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	var requestRaw json.RawMessage
	if err := row.Scan(&rec.DecisionID, &rec.WalletAddress, &rec.AgentID, &rec.Action, &rec.Path,
		&rec.Outcome, &rec.Reason, &rec.TxHash, &requestRaw, &rec.CreatedAt); err != nil {
		return rec, err
	}
	rec.RequestRaw = requestRaw
	return rec, nil
}
