package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ── Documents ──

func (s *PostgresStore) InsertDocument(ctx context.Context, item Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, blob_key, page_count, created_by)
		VALUES ($1, $2, $3, $4, $5)
	`, item.ID, item.Title, item.BlobKey, item.PageCount, item.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	var item Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, blob_key, page_count, created_by, created_at, updated_at
		FROM documents
		WHERE id=$1
	`, documentID).Scan(&item.ID, &item.Title, &item.BlobKey, &item.PageCount, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Document{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, blob_key, page_count, created_by, created_at, updated_at
		FROM documents
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		var item Document
		if err := rows.Scan(&item.ID, &item.Title, &item.BlobKey, &item.PageCount, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

// ── Signing requests ──

func (s *PostgresStore) InsertSigningRequest(ctx context.Context, item SigningRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signing_requests
			(id, document_id, title, status, sequential, access_code_required, access_code_hash,
			 selfie_required, intent_video_required, fields, expires_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, item.ID, item.DocumentID, item.Title, item.Status, item.Sequential,
		item.AccessCodeRequired, item.AccessCodeHash, item.SelfieRequired,
		item.IntentVideoRequired, string(item.Fields), item.ExpiresAt, item.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert signing request: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSigningRequest(ctx context.Context, requestID string) (SigningRequest, error) {
	var item SigningRequest
	var fields string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, title, status, sequential, access_code_required, access_code_hash,
		       selfie_required, intent_video_required, fields, expires_at, certificate_key,
		       created_by, created_at, updated_at
		FROM signing_requests
		WHERE id=$1
	`, requestID).Scan(&item.ID, &item.DocumentID, &item.Title, &item.Status, &item.Sequential,
		&item.AccessCodeRequired, &item.AccessCodeHash, &item.SelfieRequired,
		&item.IntentVideoRequired, &fields, &item.ExpiresAt, &item.CertificateKey,
		&item.CreatedBy, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return SigningRequest{}, err
	}
	item.Fields = json.RawMessage(fields)
	return item, nil
}

func (s *PostgresStore) ListSigningRequests(ctx context.Context) ([]SigningRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, title, status, sequential, access_code_required, access_code_hash,
		       selfie_required, intent_video_required, fields, expires_at, certificate_key,
		       created_by, created_at, updated_at
		FROM signing_requests
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list signing requests: %w", err)
	}
	defer rows.Close()

	items := make([]SigningRequest, 0)
	for rows.Next() {
		var item SigningRequest
		var fields string
		if err := rows.Scan(&item.ID, &item.DocumentID, &item.Title, &item.Status, &item.Sequential,
			&item.AccessCodeRequired, &item.AccessCodeHash, &item.SelfieRequired,
			&item.IntentVideoRequired, &fields, &item.ExpiresAt, &item.CertificateKey,
			&item.CreatedBy, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan signing request: %w", err)
		}
		item.Fields = json.RawMessage(fields)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate signing requests: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateSigningRequestStatus(ctx context.Context, requestID, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE signing_requests SET status=$2, updated_at=NOW() WHERE id=$1
	`, requestID, status)
	if err != nil {
		return fmt.Errorf("update signing request status: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetCertificateKey(ctx context.Context, requestID, blobKey string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE signing_requests SET certificate_key=$2, updated_at=NOW() WHERE id=$1
	`, requestID, blobKey)
	if err != nil {
		return fmt.Errorf("set certificate key: %w", err)
	}
	return nil
}

// ── Recipient sessions ──

func (s *PostgresStore) InsertSession(ctx context.Context, item RecipientSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recipient_sessions (id, request_id, name, email, recipient_index, status)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, item.ID, item.RequestID, item.Name, item.Email, item.RecipientIndex, item.Status)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

const sessionColumns = `
	id, request_id, name, email, recipient_index, status,
	access_code_verified, selfie_verified, selfie_key,
	intent_video_captured, intent_video_key,
	decline_reason, submitted_values, client_ip, view_count,
	completed_at, declined_at, created_at
`

func scanSession(row interface{ Scan(...any) error }) (RecipientSession, error) {
	var item RecipientSession
	var submitted sql.NullString
	err := row.Scan(&item.ID, &item.RequestID, &item.Name, &item.Email, &item.RecipientIndex, &item.Status,
		&item.AccessCodeVerified, &item.SelfieVerified, &item.SelfieKey,
		&item.IntentVideoCaptured, &item.IntentVideoKey,
		&item.DeclineReason, &submitted, &item.ClientIP, &item.ViewCount,
		&item.CompletedAt, &item.DeclinedAt, &item.CreatedAt)
	if err != nil {
		return RecipientSession{}, err
	}
	if submitted.Valid {
		item.SubmittedValues = json.RawMessage(submitted.String)
	}
	return item, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (RecipientSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM recipient_sessions WHERE id=$1`, sessionID)
	return scanSession(row)
}

func (s *PostgresStore) ListSessionsByRequest(ctx context.Context, requestID string) ([]RecipientSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM recipient_sessions
		WHERE request_id=$1
		ORDER BY recipient_index ASC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	items := make([]RecipientSession, 0)
	for rows.Next() {
		item, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return items, nil
}

// IncompleteEarlierCount counts sessions ahead of the given recipient index
// that have not completed yet. Sequential requests use it for awaiting-turn.
func (s *PostgresStore) IncompleteEarlierCount(ctx context.Context, requestID string, recipientIndex int) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM recipient_sessions
		WHERE request_id=$1 AND recipient_index < $2 AND status <> 'completed'
	`, requestID, recipientIndex).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count earlier sessions: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) IncrementSessionViews(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE recipient_sessions SET view_count = view_count + 1 WHERE id=$1
	`, sessionID)
	if err != nil {
		return fmt.Errorf("increment views: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetAccessCodeVerified(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE recipient_sessions SET access_code_verified=TRUE WHERE id=$1
	`, sessionID)
	if err != nil {
		return fmt.Errorf("set access code verified: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetSelfieVerified(ctx context.Context, sessionID, blobKey string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE recipient_sessions SET selfie_verified=TRUE, selfie_key=$2 WHERE id=$1
	`, sessionID, blobKey)
	if err != nil {
		return fmt.Errorf("set selfie verified: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetIntentVideoCaptured(ctx context.Context, sessionID, blobKey string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE recipient_sessions SET intent_video_captured=TRUE, intent_video_key=$2 WHERE id=$1
	`, sessionID, blobKey)
	if err != nil {
		return fmt.Errorf("set intent video captured: %w", err)
	}
	return nil
}

// CompleteSession records the final payload. The WHERE clause refuses to
// overwrite a session that already reached a terminal status.
func (s *PostgresStore) CompleteSession(ctx context.Context, sessionID string, values json.RawMessage, clientIP string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE recipient_sessions
		SET status='completed', submitted_values=$2, client_ip=$3, completed_at=NOW()
		WHERE id=$1 AND status NOT IN ('completed', 'declined', 'cancelled')
	`, sessionID, string(values), clientIP)
	if err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete session rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) DeclineSession(ctx context.Context, sessionID, reason string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE recipient_sessions
		SET status='declined', decline_reason=$2, declined_at=NOW()
		WHERE id=$1 AND status NOT IN ('completed', 'declined', 'cancelled')
	`, sessionID, reason)
	if err != nil {
		return fmt.Errorf("decline session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("decline session rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) CancelRequestSessions(ctx context.Context, requestID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE recipient_sessions
		SET status='cancelled'
		WHERE request_id=$1 AND status NOT IN ('completed', 'declined')
	`, requestID)
	if err != nil {
		return fmt.Errorf("cancel request sessions: %w", err)
	}
	return nil
}

// ── Attachments ──

func (s *PostgresStore) InsertAttachment(ctx context.Context, item Attachment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attachments (id, session_id, field_id, filename, blob_key, size_bytes)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, item.ID, item.SessionID, item.FieldID, item.Filename, item.BlobKey, item.SizeBytes)
	if err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAttachments(ctx context.Context, sessionID, fieldID string) ([]Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, field_id, filename, blob_key, size_bytes, created_at
		FROM attachments
		WHERE session_id=$1 AND field_id=$2
		ORDER BY created_at ASC
	`, sessionID, fieldID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	items := make([]Attachment, 0)
	for rows.Next() {
		var item Attachment
		if err := rows.Scan(&item.ID, &item.SessionID, &item.FieldID, &item.Filename, &item.BlobKey, &item.SizeBytes, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return items, nil
}

// ── Signing events ──

func (s *PostgresStore) InsertSigningEvent(ctx context.Context, event SigningEvent) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO signing_events (request_id, session_id, event_type, actor, payload)
		VALUES ($1, $2, $3, $4, $5)
	`, event.RequestID, event.SessionID, event.EventType, event.Actor, string(payload))
	if err != nil {
		return fmt.Errorf("insert signing event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSigningEvents(ctx context.Context, requestID string, limit int) ([]SigningEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, session_id, event_type, actor, payload, created_at
		FROM signing_events
		WHERE request_id=$1
		ORDER BY created_at ASC
		LIMIT $2
	`, requestID, limit)
	if err != nil {
		return nil, fmt.Errorf("list signing events: %w", err)
	}
	defer rows.Close()

	items := make([]SigningEvent, 0)
	for rows.Next() {
		var item SigningEvent
		var payload string
		if err := rows.Scan(&item.ID, &item.RequestID, &item.SessionID, &item.EventType, &item.Actor, &payload, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan signing event: %w", err)
		}
		if payload != "" {
			if err := json.Unmarshal([]byte(payload), &item.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal event payload: %w", err)
			}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate signing events: %w", err)
	}
	return items, nil
}

// ── Idempotency ──

func (s *PostgresStore) GetIdempotencyRecord(ctx context.Context, sessionID, key, endpoint string) (int, json.RawMessage, bool, error) {
	var status int
	var body string
	err := s.db.QueryRowContext(ctx, `
		SELECT response_status, response_body
		FROM idempotency_records
		WHERE session_id=$1 AND idempotency_key=$2 AND endpoint=$3
	`, sessionID, key, endpoint).Scan(&status, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, fmt.Errorf("get idempotency record: %w", err)
	}
	return status, json.RawMessage(body), true, nil
}

func (s *PostgresStore) SaveIdempotencyRecord(ctx context.Context, sessionID, key, endpoint string, status int, body json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_records (session_id, idempotency_key, endpoint, response_status, response_body)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, idempotency_key, endpoint) DO NOTHING
	`, sessionID, key, endpoint, status, string(body))
	if err != nil {
		return fmt.Errorf("save idempotency record: %w", err)
	}
	return nil
}

// ── Analytics ──

// SummaryCounts returns documents, pending sessions, completed sessions.
func (s *PostgresStore) SummaryCounts(ctx context.Context) (int, int, int, error) {
	var documents, pending, completed int
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM documents),
			(SELECT COUNT(*) FROM recipient_sessions WHERE status IN ('pending', 'active', 'awaiting_turn')),
			(SELECT COUNT(*) FROM recipient_sessions WHERE status = 'completed')
	`).Scan(&documents, &pending, &completed)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("summary counts: %w", err)
	}
	return documents, pending, completed, nil
}
