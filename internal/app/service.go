package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"docmetrics/api/internal/auth"
	"docmetrics/api/internal/blob"
	"docmetrics/api/internal/clientmeta"
	"docmetrics/api/internal/config"
	"docmetrics/api/internal/draft"
	"docmetrics/api/internal/email"
	"docmetrics/api/internal/export"
	"docmetrics/api/internal/search"
	"docmetrics/api/internal/signing"
	"docmetrics/api/internal/store"
	"docmetrics/api/internal/util"
)

const minAccessCodeLength = 4

type RecipientInput struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type CreateRequestInput struct {
	DocumentID          string           `json:"documentId"`
	Title               string           `json:"title"`
	Sequential          bool             `json:"sequential"`
	AccessCode          string           `json:"accessCode"`
	AccessCodeRequired  bool             `json:"accessCodeRequired"`
	SelfieRequired      bool             `json:"selfieVerificationRequired"`
	IntentVideoRequired bool             `json:"intentVideoRequired"`
	ExpiresInHours      int              `json:"expiresInHours"`
	Fields              []signing.Field  `json:"fields"`
	Recipients          []RecipientInput `json:"recipients"`
	CreatedBy           string           `json:"createdBy"`
}

type dataStore interface {
	InsertDocument(context.Context, store.Document) error
	GetDocument(context.Context, string) (store.Document, error)
	ListDocuments(context.Context) ([]store.Document, error)
	InsertSigningRequest(context.Context, store.SigningRequest) error
	GetSigningRequest(context.Context, string) (store.SigningRequest, error)
	ListSigningRequests(context.Context) ([]store.SigningRequest, error)
	UpdateSigningRequestStatus(context.Context, string, string) error
	SetCertificateKey(context.Context, string, string) error
	InsertSession(context.Context, store.RecipientSession) error
	GetSession(context.Context, string) (store.RecipientSession, error)
	ListSessionsByRequest(context.Context, string) ([]store.RecipientSession, error)
	IncompleteEarlierCount(context.Context, string, int) (int, error)
	IncrementSessionViews(context.Context, string) error
	SetAccessCodeVerified(context.Context, string) error
	SetSelfieVerified(context.Context, string, string) error
	SetIntentVideoCaptured(context.Context, string, string) error
	CompleteSession(context.Context, string, json.RawMessage, string) error
	DeclineSession(context.Context, string, string) error
	CancelRequestSessions(context.Context, string) error
	InsertAttachment(context.Context, store.Attachment) error
	ListAttachments(context.Context, string, string) ([]store.Attachment, error)
	InsertSigningEvent(context.Context, store.SigningEvent) error
	ListSigningEvents(context.Context, string, int) ([]store.SigningEvent, error)
	GetIdempotencyRecord(context.Context, string, string, string) (int, json.RawMessage, bool, error)
	SaveIdempotencyRecord(context.Context, string, string, string, int, json.RawMessage) error
	SummaryCounts(context.Context) (int, int, int, error)
	Ping(ctx context.Context) error
}

type draftStore interface {
	Get(ctx context.Context, sessionID string) (signing.Draft, bool, error)
	Put(ctx context.Context, sessionID string, d signing.Draft) error
	Delete(ctx context.Context, sessionID string) error
	Ping(ctx context.Context) error
}

type blobStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	PresignedGetURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

type mailer interface {
	IsConfigured() bool
	SendInvitationEmail(to, recipientName, senderName, documentTitle, signingURL string) error
	SendCompletedEmail(to, senderName, documentTitle, recipientName, certificateURL string) error
	SendDeclinedEmail(to, senderName, documentTitle, recipientName, reason string) error
}

type searchIndex interface {
	Search(q search.Query) search.Response
	IndexDocument(doc search.DocumentRecord)
	IndexRequest(r search.RequestRecord)
	IndexRecipient(rec search.RecipientRecord)
}

type certificateMaker interface {
	CompletionCertificate(data export.CertificateData) (*export.Result, error)
}

type metaResolver interface {
	LookupIP(ctx context.Context) (string, bool)
}

type Service struct {
	cfg    config.Config
	store  dataStore
	drafts draftStore
	blobs  blobStore
	mail   mailer
	search searchIndex
	certs  certificateMaker
	meta   metaResolver
	now    func() time.Time
}

func New(cfg config.Config, dataStore *store.PostgresStore, drafts *draft.RedisStore, blobs *blob.Store, mail *email.Service, searchSvc *search.Service, certs *export.Service, meta *clientmeta.Resolver) *Service {
	return &Service{
		cfg:    cfg,
		store:  dataStore,
		drafts: drafts,
		blobs:  blobs,
		mail:   mail,
		search: searchSvc,
		certs:  certs,
		meta:   meta,
		now:    time.Now,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingDrafts(ctx context.Context) error {
	return s.drafts.Ping(ctx)
}

func (s *Service) APIToken() string {
	return s.cfg.APIToken
}

// ── Documents ──

func (s *Service) CreateDocument(ctx context.Context, title string, content io.Reader, size int64, contentType, createdBy string) (map[string]any, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}

	id := util.NewID("doc")
	key, err := s.blobs.Put(ctx, blob.DocumentKey(id), content, size, contentType)
	if err != nil {
		return nil, fmt.Errorf("store document blob: %w", err)
	}

	item := store.Document{
		ID:        id,
		Title:     title,
		BlobKey:   key,
		PageCount: 1,
		CreatedBy: createdBy,
	}
	if err := s.store.InsertDocument(ctx, item); err != nil {
		return nil, fmt.Errorf("insert document: %w", err)
	}

	s.search.IndexDocument(search.DocumentRecord{ID: id, Title: title})

	return map[string]any{
		"id":    id,
		"title": title,
	}, nil
}

func (s *Service) ListDocuments(ctx context.Context) (map[string]any, error) {
	items, err := s.store.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}
	docs := make([]map[string]any, 0, len(items))
	for _, d := range items {
		docs = append(docs, map[string]any{
			"id":        d.ID,
			"title":     d.Title,
			"pageCount": d.PageCount,
			"createdBy": d.CreatedBy,
			"createdAt": d.CreatedAt,
		})
	}
	return map[string]any{"documents": docs}, nil
}

func (s *Service) DocumentDownloadURL(ctx context.Context, documentID string) (map[string]any, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	url, err := s.blobs.PresignedGetURL(ctx, doc.BlobKey, 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("presign document: %w", err)
	}
	return map[string]any{"id": doc.ID, "title": doc.Title, "url": url}, nil
}

// ── Signing requests ──

func (s *Service) CreateSigningRequest(ctx context.Context, input CreateRequestInput) (map[string]any, error) {
	if err := validateRequestInput(input); err != nil {
		return nil, err
	}

	doc, err := s.store.GetDocument(ctx, input.DocumentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusNotFound, "DOCUMENT_NOT_FOUND", "Document not found", nil)
		}
		return nil, err
	}

	accessCodeHash := ""
	if input.AccessCodeRequired {
		hash, err := bcrypt.GenerateFromPassword([]byte(input.AccessCode), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash access code: %w", err)
		}
		accessCodeHash = string(hash)
	}

	fieldsJSON, err := json.Marshal(input.Fields)
	if err != nil {
		return nil, fmt.Errorf("marshal fields: %w", err)
	}

	requestID := util.NewID("req")
	title := strings.TrimSpace(input.Title)
	if title == "" {
		title = doc.Title
	}

	var expiresAt *time.Time
	if input.ExpiresInHours > 0 {
		t := s.now().Add(time.Duration(input.ExpiresInHours) * time.Hour)
		expiresAt = &t
	}

	item := store.SigningRequest{
		ID:                  requestID,
		DocumentID:          doc.ID,
		Title:               title,
		Status:              "pending",
		Sequential:          input.Sequential,
		AccessCodeRequired:  input.AccessCodeRequired,
		AccessCodeHash:      accessCodeHash,
		SelfieRequired:      input.SelfieRequired,
		IntentVideoRequired: input.IntentVideoRequired,
		Fields:              fieldsJSON,
		ExpiresAt:           expiresAt,
		CreatedBy:           strings.TrimSpace(input.CreatedBy),
	}
	if err := s.store.InsertSigningRequest(ctx, item); err != nil {
		return nil, fmt.Errorf("insert signing request: %w", err)
	}

	recipients := make([]map[string]any, 0, len(input.Recipients))
	for i, rec := range input.Recipients {
		index := i + 1
		sessionID := util.NewID("ses")
		status := string(signing.StatusActive)
		if input.Sequential && index > 1 {
			status = string(signing.StatusAwaitingTurn)
		}
		if err := s.store.InsertSession(ctx, store.RecipientSession{
			ID:             sessionID,
			RequestID:      requestID,
			Name:           strings.TrimSpace(rec.Name),
			Email:          strings.ToLower(strings.TrimSpace(rec.Email)),
			RecipientIndex: index,
			Status:         status,
		}); err != nil {
			return nil, fmt.Errorf("insert session for recipient %d: %w", index, err)
		}

		token, err := auth.IssueLinkToken([]byte(s.cfg.LinkSecret), auth.LinkClaims{
			SessionID:      sessionID,
			RecipientEmail: strings.ToLower(strings.TrimSpace(rec.Email)),
			RecipientIndex: index,
			Exp:            s.now().Add(s.cfg.LinkTTL).Unix(),
		})
		if err != nil {
			return nil, fmt.Errorf("issue link token: %w", err)
		}
		signingURL := s.cfg.PublicBaseURL + "/sign/" + token

		if s.mail.IsConfigured() {
			if err := s.mail.SendInvitationEmail(rec.Email, rec.Name, senderName(item.CreatedBy), title, signingURL); err != nil {
				log.Printf("app: invitation email to %s: %v", rec.Email, err)
			} else {
				s.event(ctx, requestID, sessionID, "invitation_sent", item.CreatedBy, nil)
			}
		}

		s.search.IndexRecipient(search.RecipientRecord{
			ID:        sessionID,
			Name:      rec.Name,
			Email:     rec.Email,
			RequestID: requestID,
			Status:    status,
		})

		recipients = append(recipients, map[string]any{
			"sessionId":  sessionID,
			"name":       rec.Name,
			"email":      rec.Email,
			"index":      index,
			"status":     status,
			"signingUrl": signingURL,
		})
	}

	s.event(ctx, requestID, "", "request_created", item.CreatedBy, map[string]any{
		"documentId": doc.ID,
		"recipients": len(input.Recipients),
		"sequential": input.Sequential,
	})
	s.search.IndexRequest(search.RequestRecord{ID: requestID, Title: title, DocumentID: doc.ID, Status: "pending"})

	return map[string]any{
		"id":         requestID,
		"documentId": doc.ID,
		"title":      title,
		"status":     "pending",
		"sequential": input.Sequential,
		"recipients": recipients,
	}, nil
}

func validateRequestInput(input CreateRequestInput) error {
	if strings.TrimSpace(input.DocumentID) == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "documentId is required", nil)
	}
	if len(input.Recipients) == 0 {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "at least one recipient is required", nil)
	}
	for i, rec := range input.Recipients {
		if strings.TrimSpace(rec.Email) == "" || !strings.Contains(rec.Email, "@") {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
				fmt.Sprintf("recipient %d has an invalid email", i+1), nil)
		}
	}
	if input.AccessCodeRequired && len(strings.TrimSpace(input.AccessCode)) < minAccessCodeLength {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			fmt.Sprintf("access code must be at least %d characters", minAccessCodeLength), nil)
	}

	ids := make(map[string]struct{}, len(input.Fields))
	for _, f := range input.Fields {
		if strings.TrimSpace(f.ID) == "" {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "field is missing an id", nil)
		}
		if _, dup := ids[f.ID]; dup {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
				fmt.Sprintf("duplicate field id %q", f.ID), nil)
		}
		ids[f.ID] = struct{}{}
		if f.RecipientIndex < 1 || f.RecipientIndex > len(input.Recipients) {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
				fmt.Sprintf("field %q assigned to unknown recipient %d", f.ID, f.RecipientIndex), nil)
		}
	}
	for _, f := range input.Fields {
		if f.Conditional != nil && f.Conditional.Enabled {
			if _, ok := ids[f.Conditional.DependsOnFieldID]; !ok {
				return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
					fmt.Sprintf("field %q depends on unknown field %q", f.ID, f.Conditional.DependsOnFieldID), nil)
			}
		}
	}
	return nil
}

// BulkSend creates many signing requests in one call. Items fail
// independently: a bad item never blocks the rest of the batch.
func (s *Service) BulkSend(ctx context.Context, items []CreateRequestInput) (map[string]any, error) {
	if len(items) == 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "at least one request is required", nil)
	}

	sent := 0
	failed := 0
	results := make([]map[string]any, 0, len(items))
	for i, item := range items {
		payload, err := s.CreateSigningRequest(ctx, item)
		if err != nil {
			failed++
			status, code, message, _ := mapError(err)
			results = append(results, map[string]any{
				"index":  i,
				"ok":     false,
				"status": status,
				"code":   code,
				"error":  message,
			})
			continue
		}
		sent++
		results = append(results, map[string]any{
			"index":     i,
			"ok":        true,
			"requestId": payload["id"],
		})
	}

	return map[string]any{
		"sent":    sent,
		"failed":  failed,
		"results": results,
	}, nil
}

func (s *Service) ListSigningRequests(ctx context.Context) (map[string]any, error) {
	items, err := s.store.ListSigningRequests(ctx)
	if err != nil {
		return nil, err
	}
	requests := make([]map[string]any, 0, len(items))
	for _, r := range items {
		requests = append(requests, map[string]any{
			"id":         r.ID,
			"documentId": r.DocumentID,
			"title":      r.Title,
			"status":     r.Status,
			"sequential": r.Sequential,
			"expiresAt":  r.ExpiresAt,
			"createdAt":  r.CreatedAt,
		})
	}
	return map[string]any{"requests": requests}, nil
}

func (s *Service) GetSigningRequest(ctx context.Context, requestID string) (map[string]any, error) {
	req, err := s.store.GetSigningRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	sessions, err := s.store.ListSessionsByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	recipients := make([]map[string]any, 0, len(sessions))
	for _, sess := range sessions {
		recipients = append(recipients, map[string]any{
			"sessionId":           sess.ID,
			"name":                sess.Name,
			"email":               sess.Email,
			"index":               sess.RecipientIndex,
			"status":              sess.Status,
			"viewCount":           sess.ViewCount,
			"accessCodeVerified":  sess.AccessCodeVerified,
			"selfieVerified":      sess.SelfieVerified,
			"intentVideoCaptured": sess.IntentVideoCaptured,
			"declineReason":       nilIfEmpty(sess.DeclineReason),
			"completedAt":         sess.CompletedAt,
			"declinedAt":          sess.DeclinedAt,
		})
	}

	payload := map[string]any{
		"id":         req.ID,
		"documentId": req.DocumentID,
		"title":      req.Title,
		"status":     req.Status,
		"sequential": req.Sequential,
		"verification": map[string]any{
			"accessCodeRequired":         req.AccessCodeRequired,
			"selfieVerificationRequired": req.SelfieRequired,
			"intentVideoRequired":        req.IntentVideoRequired,
		},
		"expiresAt":  req.ExpiresAt,
		"createdAt":  req.CreatedAt,
		"recipients": recipients,
	}
	if req.CertificateKey != "" {
		payload["certificateAvailable"] = true
	}
	return payload, nil
}

func (s *Service) CancelSigningRequest(ctx context.Context, requestID, actor string) (map[string]any, error) {
	req, err := s.store.GetSigningRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status == "completed" {
		return nil, domainError(http.StatusConflict, "REQUEST_COMPLETED", "A completed request cannot be cancelled", nil)
	}
	if err := s.store.UpdateSigningRequestStatus(ctx, requestID, "cancelled"); err != nil {
		return nil, err
	}
	if err := s.store.CancelRequestSessions(ctx, requestID); err != nil {
		return nil, err
	}
	s.event(ctx, requestID, "", "request_cancelled", actor, nil)
	s.search.IndexRequest(search.RequestRecord{ID: req.ID, Title: req.Title, DocumentID: req.DocumentID, Status: "cancelled"})
	return map[string]any{"id": requestID, "status": "cancelled"}, nil
}

func (s *Service) RequestEvents(ctx context.Context, requestID string, limit int) (map[string]any, error) {
	if _, err := s.store.GetSigningRequest(ctx, requestID); err != nil {
		return nil, err
	}
	events, err := s.store.ListSigningEvents(ctx, requestID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(events))
	for _, e := range events {
		out = append(out, map[string]any{
			"id":        e.ID,
			"sessionId": nilIfEmpty(e.SessionID),
			"type":      e.EventType,
			"actor":     nilIfEmpty(e.Actor),
			"payload":   e.Payload,
			"createdAt": e.CreatedAt,
		})
	}
	return map[string]any{"events": out}, nil
}

func (s *Service) CertificateDownloadURL(ctx context.Context, requestID string) (map[string]any, error) {
	req, err := s.store.GetSigningRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.CertificateKey == "" {
		return nil, domainError(http.StatusNotFound, "CERTIFICATE_NOT_READY", "Certificate has not been generated yet", nil)
	}
	url, err := s.blobs.PresignedGetURL(ctx, req.CertificateKey, 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("presign certificate: %w", err)
	}
	return map[string]any{"requestId": requestID, "url": url}, nil
}

func (s *Service) Summary(ctx context.Context) (map[string]any, error) {
	documents, pending, completed, err := s.store.SummaryCounts(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"documents":         documents,
		"requestsPending":   pending,
		"requestsCompleted": completed,
	}, nil
}

func (s *Service) Search(ctx context.Context, q, filterType, filterStatus string, limit, offset int) (map[string]any, error) {
	resp := s.search.Search(search.Query{
		Text:         q,
		FilterType:   search.ResultType(filterType),
		FilterStatus: filterStatus,
		Limit:        limit,
		Offset:       offset,
	})
	return map[string]any{
		"results": resp.Results,
		"total":   resp.Total,
		"query":   resp.Query,
	}, nil
}

// ── Recipient session resolution ──

// sessionAggregate bundles everything a recipient-facing operation needs.
type sessionAggregate struct {
	claims  auth.LinkClaims
	session store.RecipientSession
	request store.SigningRequest
}

func (s *Service) resolve(ctx context.Context, token string) (sessionAggregate, error) {
	claims, err := auth.ParseLinkToken([]byte(s.cfg.LinkSecret), token)
	if err != nil {
		return sessionAggregate{}, err
	}

	sess, err := s.store.GetSession(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sessionAggregate{}, auth.ErrInvalidToken
		}
		return sessionAggregate{}, err
	}
	if !strings.EqualFold(sess.Email, claims.RecipientEmail) || sess.RecipientIndex != claims.RecipientIndex {
		return sessionAggregate{}, auth.ErrInvalidToken
	}

	req, err := s.store.GetSigningRequest(ctx, sess.RequestID)
	if err != nil {
		return sessionAggregate{}, err
	}

	return sessionAggregate{claims: claims, session: sess, request: req}, nil
}

// resolveActive adds the blocking-state checks shared by every mutating
// recipient operation: cancelled and expired links never proceed, terminal
// sessions never mutate, and sequential signing holds early recipients back.
func (s *Service) resolveActive(ctx context.Context, token string) (sessionAggregate, error) {
	agg, err := s.resolve(ctx, token)
	if err != nil {
		return sessionAggregate{}, err
	}
	if agg.request.Status == "cancelled" {
		return sessionAggregate{}, domainError(http.StatusGone, "REQUEST_CANCELLED", "This signing request was cancelled by the sender", nil)
	}
	if agg.request.ExpiresAt != nil && s.now().After(*agg.request.ExpiresAt) {
		return sessionAggregate{}, domainError(http.StatusGone, "LINK_EXPIRED", "This signing request has expired", nil)
	}
	switch signing.Status(agg.session.Status) {
	case signing.StatusCompleted:
		return sessionAggregate{}, domainError(http.StatusConflict, "ALREADY_COMPLETED", "This session has already been submitted", nil)
	case signing.StatusDeclined:
		return sessionAggregate{}, domainError(http.StatusConflict, "ALREADY_DECLINED", "This session has already been declined", nil)
	case signing.StatusCancelled:
		return sessionAggregate{}, domainError(http.StatusGone, "REQUEST_CANCELLED", "This signing request was cancelled by the sender", nil)
	}
	if agg.request.Sequential {
		earlier, err := s.store.IncompleteEarlierCount(ctx, agg.request.ID, agg.session.RecipientIndex)
		if err != nil {
			return sessionAggregate{}, err
		}
		if earlier > 0 {
			return sessionAggregate{}, domainError(http.StatusConflict, "AWAITING_TURN", "Earlier recipients have not finished signing yet", nil)
		}
	}
	return agg, nil
}

func registryOf(req store.SigningRequest) (*signing.Registry, error) {
	var fields []signing.Field
	if len(req.Fields) > 0 {
		if err := json.Unmarshal(req.Fields, &fields); err != nil {
			return nil, fmt.Errorf("unmarshal field registry: %w", err)
		}
	}
	return signing.NewRegistry(fields), nil
}

func requirementsOf(req store.SigningRequest) signing.Requirements {
	return signing.Requirements{
		AccessCodeRequired:  req.AccessCodeRequired,
		SelfieRequired:      req.SelfieRequired,
		IntentVideoRequired: req.IntentVideoRequired,
	}
}

func verificationOf(sess store.RecipientSession) signing.Verification {
	return signing.Verification{
		AccessCodeVerified:  sess.AccessCodeVerified,
		SelfieVerified:      sess.SelfieVerified,
		IntentVideoCaptured: sess.IntentVideoCaptured,
	}
}

func gatesView(req signing.Requirements, verified signing.Verification) []map[string]any {
	gates := []signing.Gate{signing.GateAccessCode, signing.GateSelfie, signing.GateIntentVideo}
	out := make([]map[string]any, 0, len(gates))
	for _, g := range gates {
		out = append(out, map[string]any{
			"gate":  g,
			"state": signing.GateStateOf(g, req, verified),
		})
	}
	return out
}

// SessionState is the recipient's GET view: document metadata, the field
// registry with computed visibility, draft values, and gate states. Access
// to the field list is withheld until the access code gate is satisfied.
func (s *Service) SessionState(ctx context.Context, token string) (map[string]any, error) {
	agg, err := s.resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	sess, req := agg.session, agg.request

	if req.Status == "cancelled" || signing.Status(sess.Status) == signing.StatusCancelled {
		return nil, domainError(http.StatusGone, "REQUEST_CANCELLED", "This signing request was cancelled by the sender", nil)
	}
	if req.ExpiresAt != nil && s.now().After(*req.ExpiresAt) &&
		signing.Status(sess.Status) != signing.StatusCompleted && signing.Status(sess.Status) != signing.StatusDeclined {
		return nil, domainError(http.StatusGone, "LINK_EXPIRED", "This signing request has expired", nil)
	}

	doc, err := s.store.GetDocument(ctx, req.DocumentID)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"sessionId":     sess.ID,
		"requestId":     req.ID,
		"requestTitle":  req.Title,
		"documentTitle": doc.Title,
		"recipient": map[string]any{
			"name":  sess.Name,
			"email": sess.Email,
			"index": sess.RecipientIndex,
		},
		"status":    sess.Status,
		"expiresAt": req.ExpiresAt,
	}

	switch signing.Status(sess.Status) {
	case signing.StatusDeclined:
		payload["declineReason"] = sess.DeclineReason
		return payload, nil
	case signing.StatusCompleted:
		return payload, nil
	}

	if req.Sequential {
		earlier, err := s.store.IncompleteEarlierCount(ctx, req.ID, sess.RecipientIndex)
		if err != nil {
			return nil, err
		}
		if earlier > 0 {
			payload["status"] = string(signing.StatusAwaitingTurn)
			payload["waitingOn"] = earlier
			return payload, nil
		}
	}
	payload["status"] = string(signing.StatusActive)

	if err := s.store.IncrementSessionViews(ctx, sess.ID); err != nil {
		log.Printf("app: bump view count for %s: %v", sess.ID, err)
	}
	if sess.ViewCount == 0 {
		// Fingerprint ties the view to the issued link without storing the
		// raw token in the audit trail.
		s.event(ctx, req.ID, sess.ID, "viewed", sess.Email, map[string]any{
			"tokenHash": auth.HashToken(token),
		})
	}

	requirements := requirementsOf(req)
	verified := verificationOf(sess)
	payload["gates"] = gatesView(requirements, verified)

	// Access code gates document access itself, not just submission.
	if req.AccessCodeRequired && !sess.AccessCodeVerified {
		payload["locked"] = true
		return payload, nil
	}
	payload["locked"] = false

	registry, err := registryOf(req)
	if err != nil {
		return nil, err
	}

	d, found, err := s.drafts.Get(ctx, sess.ID)
	if err != nil {
		log.Printf("app: load draft for %s: %v", sess.ID, err)
	}
	values := signing.Values{}
	if found {
		values = d.Values
		payload["lastSavedAt"] = d.SavedAt
	}
	payload["values"] = values

	fields := registry.ForRecipient(sess.RecipientIndex)
	fieldViews := make([]map[string]any, 0, len(fields))
	for _, f := range fields {
		fieldViews = append(fieldViews, map[string]any{
			"field":   f,
			"visible": registry.IsVisible(f, values),
		})
	}
	payload["fields"] = fieldViews
	payload["complete"] = signing.IsComplete(registry, sess.RecipientIndex, values)
	payload["missingFields"] = signing.IncompleteFields(registry, sess.RecipientIndex, values)
	payload["documentUrl"], err = s.blobs.PresignedGetURL(ctx, doc.BlobKey, 15*time.Minute)
	if err != nil {
		log.Printf("app: presign document %s: %v", doc.ID, err)
		delete(payload, "documentUrl")
	}

	return payload, nil
}

// ── Drafts ──

func (s *Service) SaveDraft(ctx context.Context, token string, values signing.Values) (map[string]any, error) {
	agg, err := s.resolveActive(ctx, token)
	if err != nil {
		return nil, err
	}
	registry, err := registryOf(agg.request)
	if err != nil {
		return nil, err
	}
	if err := validateValues(registry, agg.session.RecipientIndex, values); err != nil {
		return nil, err
	}

	savedAt := s.now().UTC()
	d := signing.Draft{
		Values:  values,
		Status:  signing.StatusActive,
		SavedAt: savedAt,
	}
	if err := s.drafts.Put(ctx, agg.session.ID, d); err != nil {
		// Autosave failures are reported, never fatal. The client keeps its
		// in-memory values and retries on the next interval.
		return map[string]any{"saveState": string(signing.SaveError)}, nil
	}
	return map[string]any{
		"saveState":   string(signing.SaveSaved),
		"lastSavedAt": savedAt,
	}, nil
}

func (s *Service) GetDraft(ctx context.Context, token string) (map[string]any, error) {
	agg, err := s.resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	d, found, err := s.drafts.Get(ctx, agg.session.ID)
	if err != nil {
		return nil, err
	}
	if !found {
		return map[string]any{"values": signing.Values{}, "found": false}, nil
	}
	return map[string]any{
		"values":      d.Values,
		"found":       true,
		"lastSavedAt": d.SavedAt,
	}, nil
}

func validateValues(registry *signing.Registry, recipientIndex int, values signing.Values) error {
	for fieldID := range values {
		field, ok := registry.Lookup(fieldID)
		if !ok {
			return domainError(http.StatusUnprocessableEntity, "UNKNOWN_FIELD",
				fmt.Sprintf("field %q does not exist", fieldID), nil)
		}
		if field.RecipientIndex != recipientIndex {
			return domainError(http.StatusForbidden, "FIELD_NOT_YOURS",
				fmt.Sprintf("field %q belongs to another recipient", fieldID), nil)
		}
	}
	return nil
}

// ── Verification gates ──

func (s *Service) VerifyAccessCode(ctx context.Context, token, code string) (map[string]any, error) {
	agg, err := s.resolveActive(ctx, token)
	if err != nil {
		return nil, err
	}
	if !agg.request.AccessCodeRequired {
		return nil, domainError(http.StatusConflict, "GATE_NOT_APPLICABLE", "This request does not use an access code", nil)
	}
	if agg.session.AccessCodeVerified {
		return s.gatePayload(agg.request, agg.session, map[string]any{"verified": true}), nil
	}

	if err := bcrypt.CompareHashAndPassword([]byte(agg.request.AccessCodeHash), []byte(code)); err != nil {
		s.event(ctx, agg.request.ID, agg.session.ID, "access_code_failed", agg.session.Email, nil)
		// Unlimited retries: a wrong code is a 401, never a lockout.
		return nil, domainError(http.StatusUnauthorized, "INVALID_ACCESS_CODE", "Access code is incorrect", nil)
	}

	if err := s.store.SetAccessCodeVerified(ctx, agg.session.ID); err != nil {
		return nil, err
	}
	agg.session.AccessCodeVerified = true
	s.event(ctx, agg.request.ID, agg.session.ID, "access_code_verified", agg.session.Email, nil)
	return s.gatePayload(agg.request, agg.session, map[string]any{"verified": true}), nil
}

func (s *Service) UploadSelfie(ctx context.Context, token string, content io.Reader, size int64, contentType string) (map[string]any, error) {
	agg, err := s.resolveActive(ctx, token)
	if err != nil {
		return nil, err
	}
	if !agg.request.SelfieRequired {
		return nil, domainError(http.StatusConflict, "GATE_NOT_APPLICABLE", "This request does not use selfie verification", nil)
	}
	if agg.request.AccessCodeRequired && !agg.session.AccessCodeVerified {
		return nil, domainError(http.StatusConflict, "GATE_ORDER", "Verify the access code before the selfie check", nil)
	}

	key, err := s.blobs.Put(ctx, blob.SelfieKey(agg.session.ID), content, size, contentType)
	if err != nil {
		return nil, fmt.Errorf("store selfie: %w", err)
	}
	if err := s.store.SetSelfieVerified(ctx, agg.session.ID, key); err != nil {
		return nil, err
	}
	agg.session.SelfieVerified = true
	s.event(ctx, agg.request.ID, agg.session.ID, "selfie_uploaded", agg.session.Email, nil)
	return s.gatePayload(agg.request, agg.session, map[string]any{"verified": true}), nil
}

func (s *Service) UploadIntentVideo(ctx context.Context, token string, content io.Reader, size int64, contentType string) (map[string]any, error) {
	agg, err := s.resolveActive(ctx, token)
	if err != nil {
		return nil, err
	}
	if !agg.request.IntentVideoRequired {
		return nil, domainError(http.StatusConflict, "GATE_NOT_APPLICABLE", "This request does not use an intent video", nil)
	}
	if agg.request.AccessCodeRequired && !agg.session.AccessCodeVerified {
		return nil, domainError(http.StatusConflict, "GATE_ORDER", "Verify the access code before recording the intent video", nil)
	}
	if agg.request.SelfieRequired && !agg.session.SelfieVerified {
		return nil, domainError(http.StatusConflict, "GATE_ORDER", "Complete the selfie check before recording the intent video", nil)
	}
	if size > blob.MaxIntentVideoBytes {
		return nil, domainError(http.StatusRequestEntityTooLarge, "VIDEO_TOO_LARGE",
			fmt.Sprintf("intent video exceeds %d bytes", blob.MaxIntentVideoBytes), nil)
	}

	key, err := s.blobs.Put(ctx, blob.IntentVideoKey(agg.session.ID), content, size, contentType)
	if err != nil {
		return nil, fmt.Errorf("store intent video: %w", err)
	}
	if err := s.store.SetIntentVideoCaptured(ctx, agg.session.ID, key); err != nil {
		return nil, err
	}
	agg.session.IntentVideoCaptured = true
	s.event(ctx, agg.request.ID, agg.session.ID, "intent_video_uploaded", agg.session.Email, nil)
	return s.gatePayload(agg.request, agg.session, map[string]any{"captured": true}), nil
}

func (s *Service) gatePayload(req store.SigningRequest, sess store.RecipientSession, extra map[string]any) map[string]any {
	payload := map[string]any{
		"gates": gatesView(requirementsOf(req), verificationOf(sess)),
	}
	for k, v := range extra {
		payload[k] = v
	}
	return payload
}

// ── Attachments ──

func (s *Service) AddAttachment(ctx context.Context, token, fieldID, filename string, content io.Reader, size int64, contentType string) (map[string]any, error) {
	agg, err := s.resolveActive(ctx, token)
	if err != nil {
		return nil, err
	}
	registry, err := registryOf(agg.request)
	if err != nil {
		return nil, err
	}
	field, ok := registry.Lookup(fieldID)
	if !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "UNKNOWN_FIELD",
			fmt.Sprintf("field %q does not exist", fieldID), nil)
	}
	if field.RecipientIndex != agg.session.RecipientIndex {
		return nil, domainError(http.StatusForbidden, "FIELD_NOT_YOURS", "Field belongs to another recipient", nil)
	}
	if field.Type != signing.FieldAttachment {
		return nil, domainError(http.StatusUnprocessableEntity, "NOT_ATTACHMENT_FIELD",
			fmt.Sprintf("field %q does not accept attachments", fieldID), nil)
	}

	attachmentID := util.NewID("att")
	key, err := s.blobs.Put(ctx, blob.AttachmentKey(agg.session.ID, fieldID, attachmentID, filename), content, size, contentType)
	if err != nil {
		return nil, fmt.Errorf("store attachment: %w", err)
	}
	if err := s.store.InsertAttachment(ctx, store.Attachment{
		ID:        attachmentID,
		SessionID: agg.session.ID,
		FieldID:   fieldID,
		Filename:  filename,
		BlobKey:   key,
		SizeBytes: size,
	}); err != nil {
		return nil, err
	}
	s.event(ctx, agg.request.ID, agg.session.ID, "attachment_added", agg.session.Email, map[string]any{
		"fieldId":  fieldID,
		"filename": filename,
	})
	return map[string]any{
		"id":       attachmentID,
		"fieldId":  fieldID,
		"filename": filename,
	}, nil
}

func (s *Service) ListSessionAttachments(ctx context.Context, token, fieldID string) (map[string]any, error) {
	agg, err := s.resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	items, err := s.store.ListAttachments(ctx, agg.session.ID, fieldID)
	if err != nil {
		return nil, err
	}
	attachments := make([]map[string]any, 0, len(items))
	for _, a := range items {
		attachments = append(attachments, map[string]any{
			"id":        a.ID,
			"fieldId":   a.FieldID,
			"filename":  a.Filename,
			"sizeBytes": a.SizeBytes,
			"createdAt": a.CreatedAt,
		})
	}
	return map[string]any{"attachments": attachments}, nil
}

// ── Submit and decline ──

type storeSubmitter struct {
	store      dataStore
	fallbackIP string
}

func (ss *storeSubmitter) Submit(ctx context.Context, sessionID string, values signing.Values, meta signing.ClientMeta) error {
	payload, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("marshal submitted values: %w", err)
	}
	ip := meta.IP
	if ip == "" {
		ip = ss.fallbackIP
	}
	return ss.store.CompleteSession(ctx, sessionID, payload, ip)
}

type storeDecliner struct {
	store dataStore
}

func (sd *storeDecliner) Decline(ctx context.Context, sessionID, reason string) error {
	return sd.store.DeclineSession(ctx, sessionID, reason)
}

// SubmitSession drives a session through the full submission pipeline. The
// values argument may be nil, in which case the persisted draft is used.
// The Idempotency-Key header makes retries safe: a replayed key returns the
// recorded response without re-running the pipeline.
func (s *Service) SubmitSession(ctx context.Context, token string, values signing.Values, idempotencyKey, requestIP string) (map[string]any, error) {
	agg, err := s.resolve(ctx, token)
	if err != nil {
		return nil, err
	}

	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if idempotencyKey != "" {
		if _, body, found, err := s.store.GetIdempotencyRecord(ctx, agg.session.ID, idempotencyKey, "submit"); err == nil && found {
			var payload map[string]any
			if err := json.Unmarshal(body, &payload); err == nil {
				return payload, nil
			}
		}
	} else {
		idempotencyKey = uuid.NewString()
	}

	agg, err = s.resolveActive(ctx, token)
	if err != nil {
		return nil, err
	}

	registry, err := registryOf(agg.request)
	if err != nil {
		return nil, err
	}

	if values == nil {
		if d, found, err := s.drafts.Get(ctx, agg.session.ID); err == nil && found {
			values = d.Values
		} else {
			values = signing.Values{}
		}
	}
	if err := validateValues(registry, agg.session.RecipientIndex, values); err != nil {
		return nil, err
	}

	sess := signing.NewSession(agg.session.ID, signing.Recipient{
		Name:  agg.session.Name,
		Email: agg.session.Email,
		Index: agg.session.RecipientIndex,
	}, registry, requirementsOf(agg.request))
	sess.Verification = verificationOf(agg.session)
	sess.ExpiresAt = agg.request.ExpiresAt
	for id, v := range values {
		sess.SetValue(id, v)
	}

	submitter := &storeSubmitter{store: s.store, fallbackIP: requestIP}
	orch := signing.NewOrchestrator(sess, nil, submitter, &storeDecliner{store: s.store}, s.metaFunc(requestIP))

	result, err := orch.RequestSubmit(ctx)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{"phase": string(result.Phase)}
	if len(result.MissingFields) > 0 {
		payload["missingFields"] = result.MissingFields
	}
	if result.PendingGate != "" {
		payload["pendingGate"] = string(result.PendingGate)
		payload["gates"] = gatesView(requirementsOf(agg.request), verificationOf(agg.session))
	}

	if result.Phase == signing.PhaseCompleted {
		if err := s.drafts.Delete(ctx, agg.session.ID); err != nil {
			log.Printf("app: delete draft for %s: %v", agg.session.ID, err)
		}
		s.event(ctx, agg.request.ID, agg.session.ID, "submitted", agg.session.Email, nil)
		s.search.IndexRecipient(search.RecipientRecord{
			ID:        agg.session.ID,
			Name:      agg.session.Name,
			Email:     agg.session.Email,
			RequestID: agg.request.ID,
			Status:    string(signing.StatusCompleted),
		})
		s.finalizeIfComplete(ctx, agg.request)

		if recorded, err := json.Marshal(payload); err == nil {
			if err := s.store.SaveIdempotencyRecord(ctx, agg.session.ID, idempotencyKey, "submit", http.StatusOK, recorded); err != nil {
				log.Printf("app: save idempotency record for %s: %v", agg.session.ID, err)
			}
		}
	}

	return payload, nil
}

func (s *Service) metaFunc(requestIP string) signing.MetaFunc {
	return func(ctx context.Context) (string, bool) {
		if ip, ok := s.meta.LookupIP(ctx); ok {
			return ip, true
		}
		if requestIP != "" {
			return requestIP, true
		}
		return "", false
	}
}

// finalizeIfComplete closes out the request once every recipient has
// submitted: status flip, certificate generation, and the sender notice.
// Certificate and email failures are logged, never surfaced to the signer.
func (s *Service) finalizeIfComplete(ctx context.Context, req store.SigningRequest) {
	sessions, err := s.store.ListSessionsByRequest(ctx, req.ID)
	if err != nil {
		log.Printf("app: list sessions for %s: %v", req.ID, err)
		return
	}
	for _, sess := range sessions {
		if signing.Status(sess.Status) != signing.StatusCompleted {
			return
		}
	}

	if err := s.store.UpdateSigningRequestStatus(ctx, req.ID, "completed"); err != nil {
		log.Printf("app: mark request %s completed: %v", req.ID, err)
		return
	}
	s.event(ctx, req.ID, "", "request_completed", "", nil)
	s.search.IndexRequest(search.RequestRecord{ID: req.ID, Title: req.Title, DocumentID: req.DocumentID, Status: "completed"})

	certificateURL := ""
	if key, err := s.generateCertificate(ctx, req, sessions); err != nil {
		log.Printf("app: certificate for %s: %v", req.ID, err)
	} else {
		if url, err := s.blobs.PresignedGetURL(ctx, key, 24*time.Hour); err == nil {
			certificateURL = url
		}
	}

	if s.mail.IsConfigured() && isEmail(req.CreatedBy) {
		for _, sess := range sessions {
			if err := s.mail.SendCompletedEmail(req.CreatedBy, senderName(req.CreatedBy), req.Title, sess.Name, certificateURL); err != nil {
				log.Printf("app: completion email for %s: %v", req.ID, err)
			}
			break // one notice per request, not per signer
		}
	}
}

func (s *Service) generateCertificate(ctx context.Context, req store.SigningRequest, sessions []store.RecipientSession) (string, error) {
	doc, err := s.store.GetDocument(ctx, req.DocumentID)
	if err != nil {
		return "", err
	}

	signers := make([]export.SignerEntry, 0, len(sessions))
	for _, sess := range sessions {
		entry := export.SignerEntry{
			Name:            sess.Name,
			Email:           sess.Email,
			RecipientIndex:  sess.RecipientIndex,
			ClientIP:        sess.ClientIP,
			AccessCodeUsed:  sess.AccessCodeVerified,
			SelfieVerified:  sess.SelfieVerified,
			IntentVideoUsed: sess.IntentVideoCaptured,
		}
		if sess.CompletedAt != nil {
			entry.CompletedAt = *sess.CompletedAt
		}
		signers = append(signers, entry)
	}

	result, err := s.certs.CompletionCertificate(export.CertificateData{
		RequestID:     req.ID,
		RequestTitle:  req.Title,
		DocumentTitle: doc.Title,
		Signers:       signers,
	})
	if err != nil {
		return "", err
	}

	key, err := s.blobs.Put(ctx, blob.CertificateKey(req.ID), bytes.NewReader(result.Data), int64(len(result.Data)), result.MimeType)
	if err != nil {
		return "", fmt.Errorf("store certificate: %w", err)
	}
	if err := s.store.SetCertificateKey(ctx, req.ID, key); err != nil {
		return "", err
	}
	s.event(ctx, req.ID, "", "certificate_generated", "", nil)
	return key, nil
}

// DeclineSession records an irreversible decline. The reason requirement is
// enforced before anything is persisted.
func (s *Service) DeclineSession(ctx context.Context, token, reason string) (map[string]any, error) {
	agg, err := s.resolveActive(ctx, token)
	if err != nil {
		return nil, err
	}

	registry, err := registryOf(agg.request)
	if err != nil {
		return nil, err
	}
	sess := signing.NewSession(agg.session.ID, signing.Recipient{
		Name:  agg.session.Name,
		Email: agg.session.Email,
		Index: agg.session.RecipientIndex,
	}, registry, requirementsOf(agg.request))
	sess.Verification = verificationOf(agg.session)

	orch := signing.NewOrchestrator(sess, nil, &storeSubmitter{store: s.store}, &storeDecliner{store: s.store}, nil)
	if err := orch.Decline(ctx, reason); err != nil {
		return nil, err
	}

	if err := s.drafts.Delete(ctx, agg.session.ID); err != nil {
		log.Printf("app: delete draft for %s: %v", agg.session.ID, err)
	}
	s.event(ctx, agg.request.ID, agg.session.ID, "declined", agg.session.Email, map[string]any{
		"reason": strings.TrimSpace(reason),
	})
	if err := s.store.UpdateSigningRequestStatus(ctx, agg.request.ID, "declined"); err != nil {
		log.Printf("app: mark request %s declined: %v", agg.request.ID, err)
	}
	s.search.IndexRecipient(search.RecipientRecord{
		ID:        agg.session.ID,
		Name:      agg.session.Name,
		Email:     agg.session.Email,
		RequestID: agg.request.ID,
		Status:    string(signing.StatusDeclined),
	})
	s.search.IndexRequest(search.RequestRecord{ID: agg.request.ID, Title: agg.request.Title, DocumentID: agg.request.DocumentID, Status: "declined"})

	if s.mail.IsConfigured() && isEmail(agg.request.CreatedBy) {
		if err := s.mail.SendDeclinedEmail(agg.request.CreatedBy, senderName(agg.request.CreatedBy), agg.request.Title, agg.session.Name, strings.TrimSpace(reason)); err != nil {
			log.Printf("app: decline email for %s: %v", agg.request.ID, err)
		}
	}

	return map[string]any{
		"status": string(signing.StatusDeclined),
	}, nil
}

func (s *Service) event(ctx context.Context, requestID, sessionID, eventType, actor string, payload map[string]any) {
	if err := s.store.InsertSigningEvent(ctx, store.SigningEvent{
		RequestID: requestID,
		SessionID: sessionID,
		EventType: eventType,
		Actor:     actor,
		Payload:   payload,
	}); err != nil {
		log.Printf("app: record event %s for %s: %v", eventType, requestID, err)
	}
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isEmail(s string) bool {
	return strings.Contains(s, "@")
}

func senderName(createdBy string) string {
	createdBy = strings.TrimSpace(createdBy)
	if createdBy == "" {
		return "The sender"
	}
	if at := strings.Index(createdBy, "@"); at > 0 {
		return createdBy[:at]
	}
	return createdBy
}
