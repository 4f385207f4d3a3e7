package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

const (
	submissionStatusSent   = "sent"
	submissionStatusFailed = "failed"
)

type SubmissionRecord struct {
	ID         string            `json:"id"`
	Form       FormKind          `json:"form"`
	TemplateID string            `json:"templateId"`
	Transport  string            `json:"transport"`
	Status     string            `json:"status"`
	Error      *string           `json:"error,omitempty"`
	Fields     map[string]string `json:"fields"`
	ClientHash string            `json:"-"`
	CreatedAt  time.Time         `json:"createdAt"`
	ResolvedAt time.Time         `json:"resolvedAt"`
}

func submissionRecordFromOutcome(o Outcome, clientHash string) SubmissionRecord {
	rec := SubmissionRecord{
		ID:         o.SubmissionID,
		Form:       o.Form,
		TemplateID: o.TemplateID,
		Transport:  o.Transport,
		Status:     submissionStatusSent,
		Fields:     o.Fields,
		ClientHash: clientHash,
		CreatedAt:  o.StartedAt,
		ResolvedAt: o.ResolvedAt,
	}
	if o.Err != nil {
		msg := o.Err.Error()
		rec.Status = submissionStatusFailed
		rec.Error = &msg
	}
	return rec
}

func (a *App) storeRecordSubmission(ctx context.Context, rec SubmissionRecord) error {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return err
	}
	_, err = a.db.ExecContext(ctx, `
		INSERT INTO submissions (id, form, template_id, transport, status, error, fields, client_hash, created_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`, rec.ID, string(rec.Form), rec.TemplateID, rec.Transport, rec.Status, rec.Error, fields, rec.ClientHash, rec.CreatedAt, rec.ResolvedAt)
	return err
}

func (a *App) storeListSubmissions(ctx context.Context, limit int) ([]SubmissionRecord, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, form, template_id, transport, status, error, fields, client_hash, created_at, resolved_at
		FROM submissions
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []SubmissionRecord{}
	for rows.Next() {
		var rec SubmissionRecord
		var form string
		var errText sql.NullString
		var fields []byte
		if err := rows.Scan(&rec.ID, &form, &rec.TemplateID, &rec.Transport, &rec.Status, &errText, &fields, &rec.ClientHash, &rec.CreatedAt, &rec.ResolvedAt); err != nil {
			return nil, err
		}
		rec.Form = FormKind(form)
		if errText.Valid {
			rec.Error = &errText.String
		}
		rec.Fields = map[string]string{}
		if len(fields) > 0 {
			if err := json.Unmarshal(fields, &rec.Fields); err != nil {
				return nil, err
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// recordOutcome writes a resolved submission to the ledger when one is
// configured. Failures are logged only.
func (a *App) recordOutcome(o Outcome, clientHash string) {
	if a.recordSubmission == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ledgerWriteTimeout)
	defer cancel()
	if err := a.recordSubmission(ctx, submissionRecordFromOutcome(o, clientHash)); err != nil {
		a.log.Error("failed to record submission", "submission_id", o.SubmissionID, "err", err)
	}
}
