package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"docmetrics/api/internal/auth"
	"docmetrics/api/internal/config"
	"docmetrics/api/internal/export"
	"docmetrics/api/internal/search"
	"docmetrics/api/internal/signing"
	"docmetrics/api/internal/store"
)

// ── Fakes ──

type fakeStore struct {
	mu          sync.Mutex
	documents   map[string]store.Document
	requests    map[string]store.SigningRequest
	sessions    map[string]store.RecipientSession
	attachments []store.Attachment
	events      []store.SigningEvent
	idem        map[string]json.RawMessage

	completeErr   error
	completeCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		documents: make(map[string]store.Document),
		requests:  make(map[string]store.SigningRequest),
		sessions:  make(map[string]store.RecipientSession),
		idem:      make(map[string]json.RawMessage),
	}
}

func (f *fakeStore) InsertDocument(_ context.Context, item store.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.documents[item.ID] = item
	return nil
}

func (f *fakeStore) GetDocument(_ context.Context, id string) (store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.documents[id]
	if !ok {
		return store.Document{}, sql.ErrNoRows
	}
	return d, nil
}

func (f *fakeStore) ListDocuments(context.Context) ([]store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Document, 0, len(f.documents))
	for _, d := range f.documents {
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeStore) InsertSigningRequest(_ context.Context, item store.SigningRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests[item.ID] = item
	return nil
}

func (f *fakeStore) GetSigningRequest(_ context.Context, id string) (store.SigningRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.requests[id]
	if !ok {
		return store.SigningRequest{}, sql.ErrNoRows
	}
	return r, nil
}

func (f *fakeStore) ListSigningRequests(context.Context) ([]store.SigningRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.SigningRequest, 0, len(f.requests))
	for _, r := range f.requests {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeStore) UpdateSigningRequestStatus(_ context.Context, id, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.requests[id]
	if !ok {
		return sql.ErrNoRows
	}
	r.Status = status
	f.requests[id] = r
	return nil
}

func (f *fakeStore) SetCertificateKey(_ context.Context, id, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.requests[id]
	if !ok {
		return sql.ErrNoRows
	}
	r.CertificateKey = key
	f.requests[id] = r
	return nil
}

func (f *fakeStore) InsertSession(_ context.Context, item store.RecipientSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[item.ID] = item
	return nil
}

func (f *fakeStore) GetSession(_ context.Context, id string) (store.RecipientSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return store.RecipientSession{}, sql.ErrNoRows
	}
	return s, nil
}

func (f *fakeStore) ListSessionsByRequest(_ context.Context, requestID string) ([]store.RecipientSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.RecipientSession
	for _, s := range f.sessions {
		if s.RequestID == requestID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) IncompleteEarlierCount(_ context.Context, requestID string, recipientIndex int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, s := range f.sessions {
		if s.RequestID == requestID && s.RecipientIndex < recipientIndex && s.Status != string(signing.StatusCompleted) {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) IncrementSessionViews(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sessions[id]
	s.ViewCount++
	f.sessions[id] = s
	return nil
}

func (f *fakeStore) SetAccessCodeVerified(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sessions[id]
	s.AccessCodeVerified = true
	f.sessions[id] = s
	return nil
}

func (f *fakeStore) SetSelfieVerified(_ context.Context, id, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sessions[id]
	s.SelfieVerified = true
	s.SelfieKey = key
	f.sessions[id] = s
	return nil
}

func (f *fakeStore) SetIntentVideoCaptured(_ context.Context, id, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sessions[id]
	s.IntentVideoCaptured = true
	s.IntentVideoKey = key
	f.sessions[id] = s
	return nil
}

func (f *fakeStore) CompleteSession(_ context.Context, id string, values json.RawMessage, clientIP string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeCalls++
	if f.completeErr != nil {
		return f.completeErr
	}
	s, ok := f.sessions[id]
	if !ok {
		return sql.ErrNoRows
	}
	now := time.Now()
	s.Status = string(signing.StatusCompleted)
	s.SubmittedValues = values
	s.ClientIP = clientIP
	s.CompletedAt = &now
	f.sessions[id] = s
	return nil
}

func (f *fakeStore) DeclineSession(_ context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return sql.ErrNoRows
	}
	now := time.Now()
	s.Status = string(signing.StatusDeclined)
	s.DeclineReason = reason
	s.DeclinedAt = &now
	f.sessions[id] = s
	return nil
}

func (f *fakeStore) CancelRequestSessions(_ context.Context, requestID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, s := range f.sessions {
		if s.RequestID == requestID && s.Status != string(signing.StatusCompleted) && s.Status != string(signing.StatusDeclined) {
			s.Status = string(signing.StatusCancelled)
			f.sessions[id] = s
		}
	}
	return nil
}

func (f *fakeStore) InsertAttachment(_ context.Context, item store.Attachment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachments = append(f.attachments, item)
	return nil
}

func (f *fakeStore) ListAttachments(_ context.Context, sessionID, fieldID string) ([]store.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Attachment
	for _, a := range f.attachments {
		if a.SessionID == sessionID && (fieldID == "" || a.FieldID == fieldID) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertSigningEvent(_ context.Context, event store.SigningEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeStore) ListSigningEvents(_ context.Context, requestID string, limit int) ([]store.SigningEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.SigningEvent
	for _, e := range f.events {
		if e.RequestID == requestID {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) GetIdempotencyRecord(_ context.Context, sessionID, key, endpoint string) (int, json.RawMessage, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.idem[sessionID+"|"+key+"|"+endpoint]
	if !ok {
		return 0, nil, false, nil
	}
	return http.StatusOK, body, true, nil
}

func (f *fakeStore) SaveIdempotencyRecord(_ context.Context, sessionID, key, endpoint string, _ int, body json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idem[sessionID+"|"+key+"|"+endpoint] = body
	return nil
}

func (f *fakeStore) SummaryCounts(context.Context) (int, int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pending, completed := 0, 0
	for _, r := range f.requests {
		switch r.Status {
		case "completed":
			completed++
		default:
			pending++
		}
	}
	return len(f.documents), pending, completed, nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) eventTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.EventType)
	}
	return out
}

type fakeDrafts struct {
	mu      sync.Mutex
	m       map[string]signing.Draft
	deleted []string
	putErr  error
}

func newFakeDrafts() *fakeDrafts {
	return &fakeDrafts{m: make(map[string]signing.Draft)}
}

func (f *fakeDrafts) Get(_ context.Context, id string) (signing.Draft, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.m[id]
	return d, ok, nil
}

func (f *fakeDrafts) Put(_ context.Context, id string, d signing.Draft) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	f.m[id] = d
	return nil
}

func (f *fakeDrafts) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.m, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeDrafts) Ping(context.Context) error { return nil }

type fakeBlobs struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{data: make(map[string][]byte)}
}

func (f *fakeBlobs) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) (string, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = content
	return key, nil
}

func (f *fakeBlobs) Get(_ context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.data[key]
	if !ok {
		return nil, errors.New("blob not found")
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (f *fakeBlobs) PresignedGetURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://blob.test/" + key, nil
}

type fakeMailer struct {
	mu         sync.Mutex
	configured bool
	invited    []string
	completed  []string
	declined   []string
}

func (f *fakeMailer) IsConfigured() bool { return f.configured }

func (f *fakeMailer) SendInvitationEmail(to, _, _, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invited = append(f.invited, to)
	return nil
}

func (f *fakeMailer) SendCompletedEmail(to, _, _, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, to)
	return nil
}

func (f *fakeMailer) SendDeclinedEmail(to, _, _, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declined = append(f.declined, to)
	return nil
}

type fakeSearch struct{}

func (fakeSearch) Search(q search.Query) search.Response {
	return search.Response{Results: []search.Result{}, Query: q.Text}
}
func (fakeSearch) IndexDocument(search.DocumentRecord)   {}
func (fakeSearch) IndexRequest(search.RequestRecord)     {}
func (fakeSearch) IndexRecipient(search.RecipientRecord) {}

type fakeCerts struct {
	err   error
	calls int
}

func (f *fakeCerts) CompletionCertificate(export.CertificateData) (*export.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &export.Result{Data: []byte("%PDF-1.4 fake"), Filename: "certificate.pdf", MimeType: "application/pdf"}, nil
}

type fakeMeta struct {
	ip string
	ok bool
}

func (f *fakeMeta) LookupIP(context.Context) (string, bool) { return f.ip, f.ok }

// ── Scenario wiring ──

const testLinkSecret = "test-link-secret"

type scenario struct {
	svc    *Service
	fs     *fakeStore
	drafts *fakeDrafts
	blobs  *fakeBlobs
	mail   *fakeMailer
	certs  *fakeCerts
	meta   *fakeMeta
}

func newScenario() *scenario {
	fs := newFakeStore()
	drafts := newFakeDrafts()
	blobs := newFakeBlobs()
	mail := &fakeMailer{configured: true}
	certs := &fakeCerts{}
	meta := &fakeMeta{ip: "203.0.113.9", ok: true}

	svc := &Service{
		cfg: config.Config{
			LinkSecret:    testLinkSecret,
			APIToken:      "test-api-token",
			LinkTTL:       time.Hour,
			PublicBaseURL: "https://app.test",
		},
		store:  fs,
		drafts: drafts,
		blobs:  blobs,
		mail:   mail,
		search: fakeSearch{},
		certs:  certs,
		meta:   meta,
		now:    time.Now,
	}
	return &scenario{svc: svc, fs: fs, drafts: drafts, blobs: blobs, mail: mail, certs: certs, meta: meta}
}

type requestOpts struct {
	sequential  bool
	accessCode  string
	selfie      bool
	intentVideo bool
	expiresAt   *time.Time
	fields      []signing.Field
	recipients  []RecipientInput
}

// seedRequest inserts a document, request, and sessions directly into the
// fake store and returns the per-recipient link tokens.
func (sc *scenario) seedRequest(t *testing.T, opts requestOpts) (requestID string, tokens []string) {
	t.Helper()
	ctx := context.Background()

	if len(opts.recipients) == 0 {
		opts.recipients = []RecipientInput{{Name: "Dana Reyes", Email: "dana@example.com"}}
	}
	if opts.fields == nil {
		opts.fields = []signing.Field{
			{ID: "sig-1", Type: signing.FieldSignature, RecipientIndex: 1, Required: true},
		}
	}

	doc := store.Document{ID: "doc_1", Title: "Master Services Agreement", BlobKey: "documents/doc_1.pdf"}
	if err := sc.fs.InsertDocument(ctx, doc); err != nil {
		t.Fatalf("insert document: %v", err)
	}

	hash := ""
	if opts.accessCode != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(opts.accessCode), bcrypt.MinCost)
		if err != nil {
			t.Fatalf("hash access code: %v", err)
		}
		hash = string(h)
	}

	fieldsJSON, err := json.Marshal(opts.fields)
	if err != nil {
		t.Fatalf("marshal fields: %v", err)
	}

	requestID = "req_1"
	if err := sc.fs.InsertSigningRequest(ctx, store.SigningRequest{
		ID:                  requestID,
		DocumentID:          doc.ID,
		Title:               "MSA signature",
		Status:              "pending",
		Sequential:          opts.sequential,
		AccessCodeRequired:  opts.accessCode != "",
		AccessCodeHash:      hash,
		SelfieRequired:      opts.selfie,
		IntentVideoRequired: opts.intentVideo,
		Fields:              fieldsJSON,
		ExpiresAt:           opts.expiresAt,
		CreatedBy:           "sender@example.com",
	}); err != nil {
		t.Fatalf("insert request: %v", err)
	}

	for i, rec := range opts.recipients {
		index := i + 1
		sessionID := "ses_" + rec.Email
		status := string(signing.StatusActive)
		if opts.sequential && index > 1 {
			status = string(signing.StatusAwaitingTurn)
		}
		if err := sc.fs.InsertSession(ctx, store.RecipientSession{
			ID:             sessionID,
			RequestID:      requestID,
			Name:           rec.Name,
			Email:          rec.Email,
			RecipientIndex: index,
			Status:         status,
		}); err != nil {
			t.Fatalf("insert session: %v", err)
		}

		token, err := auth.IssueLinkToken([]byte(testLinkSecret), auth.LinkClaims{
			SessionID:      sessionID,
			RecipientEmail: rec.Email,
			RecipientIndex: index,
			Exp:            time.Now().Add(time.Hour).Unix(),
		})
		if err != nil {
			t.Fatalf("issue token: %v", err)
		}
		tokens = append(tokens, token)
	}
	return requestID, tokens
}

func domainCode(t *testing.T, err error) string {
	t.Helper()
	var de *DomainError
	if !errors.As(err, &de) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	return de.Code
}

// ── Request creation ──

func TestCreateSigningRequestValidation(t *testing.T) {
	sc := newScenario()
	ctx := context.Background()
	_ = sc.fs.InsertDocument(ctx, store.Document{ID: "doc_1", Title: "NDA"})

	base := CreateRequestInput{
		DocumentID: "doc_1",
		Recipients: []RecipientInput{{Name: "Dana", Email: "dana@example.com"}},
	}

	tests := []struct {
		name   string
		mutate func(*CreateRequestInput)
	}{
		{"missing document", func(in *CreateRequestInput) { in.DocumentID = "" }},
		{"no recipients", func(in *CreateRequestInput) { in.Recipients = nil }},
		{"invalid email", func(in *CreateRequestInput) { in.Recipients = []RecipientInput{{Email: "nope"}} }},
		{"short access code", func(in *CreateRequestInput) {
			in.AccessCodeRequired = true
			in.AccessCode = "12"
		}},
		{"duplicate field id", func(in *CreateRequestInput) {
			in.Fields = []signing.Field{
				{ID: "f1", Type: signing.FieldText, RecipientIndex: 1},
				{ID: "f1", Type: signing.FieldText, RecipientIndex: 1},
			}
		}},
		{"field for unknown recipient", func(in *CreateRequestInput) {
			in.Fields = []signing.Field{{ID: "f1", Type: signing.FieldText, RecipientIndex: 4}}
		}},
		{"conditional on unknown field", func(in *CreateRequestInput) {
			in.Fields = []signing.Field{{
				ID: "f1", Type: signing.FieldText, RecipientIndex: 1,
				Conditional: &signing.Conditional{Enabled: true, DependsOnFieldID: "ghost", Condition: signing.CondChecked},
			}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := base
			tt.mutate(&input)
			_, err := sc.svc.CreateSigningRequest(ctx, input)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if code := domainCode(t, err); code != "VALIDATION_ERROR" {
				t.Errorf("code = %s, want VALIDATION_ERROR", code)
			}
		})
	}
}

func TestCreateSigningRequestSequentialStatuses(t *testing.T) {
	sc := newScenario()
	ctx := context.Background()
	_ = sc.fs.InsertDocument(ctx, store.Document{ID: "doc_1", Title: "NDA"})

	payload, err := sc.svc.CreateSigningRequest(ctx, CreateRequestInput{
		DocumentID: "doc_1",
		Sequential: true,
		CreatedBy:  "sender@example.com",
		Recipients: []RecipientInput{
			{Name: "First", Email: "first@example.com"},
			{Name: "Second", Email: "second@example.com"},
		},
	})
	if err != nil {
		t.Fatalf("CreateSigningRequest: %v", err)
	}

	recipients := payload["recipients"].([]map[string]any)
	if len(recipients) != 2 {
		t.Fatalf("expected 2 recipients, got %d", len(recipients))
	}
	if recipients[0]["status"] != string(signing.StatusActive) {
		t.Errorf("first recipient status = %v, want active", recipients[0]["status"])
	}
	if recipients[1]["status"] != string(signing.StatusAwaitingTurn) {
		t.Errorf("second recipient status = %v, want awaiting_turn", recipients[1]["status"])
	}
	for _, rec := range recipients {
		url := rec["signingUrl"].(string)
		if !strings.HasPrefix(url, "https://app.test/sign/") {
			t.Errorf("signing url %q missing base", url)
		}
	}

	if len(sc.mail.invited) != 2 {
		t.Errorf("expected 2 invitation emails, got %d", len(sc.mail.invited))
	}
}

func TestBulkSendPartialFailure(t *testing.T) {
	sc := newScenario()
	ctx := context.Background()
	_ = sc.fs.InsertDocument(ctx, store.Document{ID: "doc_1", Title: "NDA"})

	payload, err := sc.svc.BulkSend(ctx, []CreateRequestInput{
		{DocumentID: "doc_1", Recipients: []RecipientInput{{Name: "A", Email: "a@example.com"}}},
		{DocumentID: "missing", Recipients: []RecipientInput{{Name: "B", Email: "b@example.com"}}},
		{DocumentID: "doc_1"}, // no recipients
	})
	if err != nil {
		t.Fatalf("BulkSend: %v", err)
	}

	if payload["sent"] != 1 {
		t.Errorf("sent = %v, want 1", payload["sent"])
	}
	if payload["failed"] != 2 {
		t.Errorf("failed = %v, want 2", payload["failed"])
	}
	results := payload["results"].([]map[string]any)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0]["ok"] != true {
		t.Error("first item should succeed")
	}
	if results[1]["code"] != "DOCUMENT_NOT_FOUND" {
		t.Errorf("second item code = %v, want DOCUMENT_NOT_FOUND", results[1]["code"])
	}
}

// ── Gates ──

func TestVerifyAccessCode(t *testing.T) {
	sc := newScenario()
	ctx := context.Background()
	_, tokens := sc.seedRequest(t, requestOpts{accessCode: "9123"})

	_, err := sc.svc.VerifyAccessCode(ctx, tokens[0], "wrong")
	if err == nil {
		t.Fatal("expected error for wrong code")
	}
	if code := domainCode(t, err); code != "INVALID_ACCESS_CODE" {
		t.Errorf("code = %s, want INVALID_ACCESS_CODE", code)
	}

	// Wrong codes never lock the session out.
	payload, err := sc.svc.VerifyAccessCode(ctx, tokens[0], "9123")
	if err != nil {
		t.Fatalf("VerifyAccessCode: %v", err)
	}
	if payload["verified"] != true {
		t.Errorf("verified = %v, want true", payload["verified"])
	}

	sess, _ := sc.fs.GetSession(ctx, "ses_dana@example.com")
	if !sess.AccessCodeVerified {
		t.Error("access code verification not persisted")
	}

	types := sc.fs.eventTypes()
	if !contains(types, "access_code_failed") || !contains(types, "access_code_verified") {
		t.Errorf("missing access code events, got %v", types)
	}
}

func TestVerifyAccessCodeNotApplicable(t *testing.T) {
	sc := newScenario()
	_, tokens := sc.seedRequest(t, requestOpts{})

	_, err := sc.svc.VerifyAccessCode(context.Background(), tokens[0], "1234")
	if code := domainCode(t, err); code != "GATE_NOT_APPLICABLE" {
		t.Errorf("code = %s, want GATE_NOT_APPLICABLE", code)
	}
}

func TestUploadSelfieRequiresAccessCodeFirst(t *testing.T) {
	sc := newScenario()
	ctx := context.Background()
	_, tokens := sc.seedRequest(t, requestOpts{accessCode: "9123", selfie: true})

	_, err := sc.svc.UploadSelfie(ctx, tokens[0], strings.NewReader("jpeg"), 4, "image/jpeg")
	if code := domainCode(t, err); code != "GATE_ORDER" {
		t.Errorf("code = %s, want GATE_ORDER", code)
	}

	if _, err := sc.svc.VerifyAccessCode(ctx, tokens[0], "9123"); err != nil {
		t.Fatalf("VerifyAccessCode: %v", err)
	}
	payload, err := sc.svc.UploadSelfie(ctx, tokens[0], strings.NewReader("jpeg"), 4, "image/jpeg")
	if err != nil {
		t.Fatalf("UploadSelfie: %v", err)
	}
	if payload["verified"] != true {
		t.Errorf("verified = %v, want true", payload["verified"])
	}

	sess, _ := sc.fs.GetSession(ctx, "ses_dana@example.com")
	if !sess.SelfieVerified || sess.SelfieKey == "" {
		t.Errorf("selfie not persisted: %+v", sess)
	}
}

func TestUploadIntentVideoGateOrderAndSize(t *testing.T) {
	sc := newScenario()
	ctx := context.Background()
	_, tokens := sc.seedRequest(t, requestOpts{selfie: true, intentVideo: true})

	_, err := sc.svc.UploadIntentVideo(ctx, tokens[0], strings.NewReader("webm"), 4, "video/webm")
	if code := domainCode(t, err); code != "GATE_ORDER" {
		t.Errorf("code = %s, want GATE_ORDER", code)
	}

	if _, err := sc.svc.UploadSelfie(ctx, tokens[0], strings.NewReader("jpeg"), 4, "image/jpeg"); err != nil {
		t.Fatalf("UploadSelfie: %v", err)
	}

	_, err = sc.svc.UploadIntentVideo(ctx, tokens[0], strings.NewReader("big"), 64<<20, "video/webm")
	if code := domainCode(t, err); code != "VIDEO_TOO_LARGE" {
		t.Errorf("code = %s, want VIDEO_TOO_LARGE", code)
	}

	payload, err := sc.svc.UploadIntentVideo(ctx, tokens[0], strings.NewReader("webm"), 4, "video/webm")
	if err != nil {
		t.Fatalf("UploadIntentVideo: %v", err)
	}
	if payload["captured"] != true {
		t.Errorf("captured = %v, want true", payload["captured"])
	}
}

// ── Drafts ──

func TestSaveDraftRejectsUnknownField(t *testing.T) {
	sc := newScenario()
	_, tokens := sc.seedRequest(t, requestOpts{})

	_, err := sc.svc.SaveDraft(context.Background(), tokens[0], signing.Values{
		"ghost": signing.TextValue("boo"),
	})
	if code := domainCode(t, err); code != "UNKNOWN_FIELD" {
		t.Errorf("code = %s, want UNKNOWN_FIELD", code)
	}
}

func TestSaveDraftRejectsOtherRecipientsField(t *testing.T) {
	sc := newScenario()
	_, tokens := sc.seedRequest(t, requestOpts{
		recipients: []RecipientInput{
			{Name: "A", Email: "a@example.com"},
			{Name: "B", Email: "b@example.com"},
		},
		fields: []signing.Field{
			{ID: "sig-1", Type: signing.FieldSignature, RecipientIndex: 1, Required: true},
			{ID: "sig-2", Type: signing.FieldSignature, RecipientIndex: 2, Required: true},
		},
	})

	_, err := sc.svc.SaveDraft(context.Background(), tokens[0], signing.Values{
		"sig-2": signing.TextValue("forged"),
	})
	if code := domainCode(t, err); code != "FIELD_NOT_YOURS" {
		t.Errorf("code = %s, want FIELD_NOT_YOURS", code)
	}
}

func TestSaveDraftErrorIsNonFatal(t *testing.T) {
	sc := newScenario()
	_, tokens := sc.seedRequest(t, requestOpts{})
	sc.drafts.putErr = errors.New("redis down")

	payload, err := sc.svc.SaveDraft(context.Background(), tokens[0], signing.Values{
		"sig-1": signing.TextValue("Dana Reyes"),
	})
	if err != nil {
		t.Fatalf("SaveDraft should not error on store failure: %v", err)
	}
	if payload["saveState"] != string(signing.SaveError) {
		t.Errorf("saveState = %v, want error", payload["saveState"])
	}
}

func TestDraftRoundtrip(t *testing.T) {
	sc := newScenario()
	ctx := context.Background()
	_, tokens := sc.seedRequest(t, requestOpts{})

	values := signing.Values{"sig-1": signing.TextValue("Dana Reyes")}
	payload, err := sc.svc.SaveDraft(ctx, tokens[0], values)
	if err != nil {
		t.Fatalf("SaveDraft: %v", err)
	}
	if payload["saveState"] != string(signing.SaveSaved) {
		t.Errorf("saveState = %v, want saved", payload["saveState"])
	}

	got, err := sc.svc.GetDraft(ctx, tokens[0])
	if err != nil {
		t.Fatalf("GetDraft: %v", err)
	}
	if got["found"] != true {
		t.Fatal("draft not found after save")
	}
	gotValues := got["values"].(signing.Values)
	if gotValues["sig-1"].Text != "Dana Reyes" {
		t.Errorf("draft value = %+v", gotValues["sig-1"])
	}
}

// ── Submission ──

func TestSubmitIncompleteStaysEditing(t *testing.T) {
	sc := newScenario()
	_, tokens := sc.seedRequest(t, requestOpts{})

	payload, err := sc.svc.SubmitSession(context.Background(), tokens[0], signing.Values{}, "", "")
	if err != nil {
		t.Fatalf("SubmitSession: %v", err)
	}
	if payload["phase"] != string(signing.PhaseEditing) {
		t.Errorf("phase = %v, want editing", payload["phase"])
	}
	missing := payload["missingFields"].([]string)
	if len(missing) != 1 || missing[0] != "sig-1" {
		t.Errorf("missingFields = %v, want [sig-1]", missing)
	}
	if sc.fs.completeCalls != 0 {
		t.Error("CompleteSession must not be called for incomplete values")
	}
}

func TestSubmitHaltsAtPendingGate(t *testing.T) {
	sc := newScenario()
	_, tokens := sc.seedRequest(t, requestOpts{accessCode: "9123"})

	// Complete values but unverified access code: the pipeline parks in
	// gate_check and reports the first unmet gate.
	payload, err := sc.svc.SubmitSession(context.Background(), tokens[0], signing.Values{
		"sig-1": signing.TextValue("Dana Reyes"),
	}, "", "")
	if err != nil {
		t.Fatalf("SubmitSession: %v", err)
	}
	if payload["phase"] != string(signing.PhaseGateCheck) {
		t.Errorf("phase = %v, want gate_check", payload["phase"])
	}
	if payload["pendingGate"] != string(signing.GateAccessCode) {
		t.Errorf("pendingGate = %v, want access_code", payload["pendingGate"])
	}
	if sc.fs.completeCalls != 0 {
		t.Error("CompleteSession must not be called while gates are pending")
	}
}

func TestSubmitCompletes(t *testing.T) {
	sc := newScenario()
	ctx := context.Background()
	_, tokens := sc.seedRequest(t, requestOpts{})

	// Stage a draft so the submit-without-body path is covered too.
	if _, err := sc.svc.SaveDraft(ctx, tokens[0], signing.Values{"sig-1": signing.TextValue("Dana Reyes")}); err != nil {
		t.Fatalf("SaveDraft: %v", err)
	}

	payload, err := sc.svc.SubmitSession(ctx, tokens[0], nil, "key-1", "198.51.100.7")
	if err != nil {
		t.Fatalf("SubmitSession: %v", err)
	}
	if payload["phase"] != string(signing.PhaseCompleted) {
		t.Fatalf("phase = %v, want completed", payload["phase"])
	}

	sess, _ := sc.fs.GetSession(ctx, "ses_dana@example.com")
	if sess.Status != string(signing.StatusCompleted) {
		t.Errorf("session status = %s, want completed", sess.Status)
	}
	if sess.ClientIP != "203.0.113.9" {
		t.Errorf("client ip = %q, want the resolver's ip", sess.ClientIP)
	}
	var submitted signing.Values
	if err := json.Unmarshal(sess.SubmittedValues, &submitted); err != nil {
		t.Fatalf("unmarshal submitted values: %v", err)
	}
	if submitted["sig-1"].Text != "Dana Reyes" {
		t.Errorf("submitted values = %+v", submitted)
	}

	if len(sc.drafts.deleted) != 1 {
		t.Error("draft should be deleted after completion")
	}

	// Sole recipient finished, so the request finalizes: status flip,
	// certificate, sender notice.
	req, _ := sc.fs.GetSigningRequest(ctx, "req_1")
	if req.Status != "completed" {
		t.Errorf("request status = %s, want completed", req.Status)
	}
	if req.CertificateKey == "" {
		t.Error("certificate key not recorded")
	}
	if sc.certs.calls != 1 {
		t.Errorf("certificate calls = %d, want 1", sc.certs.calls)
	}
	if len(sc.mail.completed) != 1 || sc.mail.completed[0] != "sender@example.com" {
		t.Errorf("completion emails = %v", sc.mail.completed)
	}

	types := sc.fs.eventTypes()
	for _, want := range []string{"submitted", "request_completed", "certificate_generated"} {
		if !contains(types, want) {
			t.Errorf("missing event %q in %v", want, types)
		}
	}
}

func TestSubmitFallsBackToRequestIP(t *testing.T) {
	sc := newScenario()
	ctx := context.Background()
	_, tokens := sc.seedRequest(t, requestOpts{})
	sc.meta.ok = false

	_, err := sc.svc.SubmitSession(ctx, tokens[0], signing.Values{"sig-1": signing.TextValue("Dana")}, "", "198.51.100.7")
	if err != nil {
		t.Fatalf("SubmitSession: %v", err)
	}
	sess, _ := sc.fs.GetSession(ctx, "ses_dana@example.com")
	if sess.ClientIP != "198.51.100.7" {
		t.Errorf("client ip = %q, want request fallback", sess.ClientIP)
	}
}

func TestSubmitIdempotentReplay(t *testing.T) {
	sc := newScenario()
	ctx := context.Background()
	_, tokens := sc.seedRequest(t, requestOpts{})

	first, err := sc.svc.SubmitSession(ctx, tokens[0], signing.Values{"sig-1": signing.TextValue("Dana")}, "retry-key", "")
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if first["phase"] != string(signing.PhaseCompleted) {
		t.Fatalf("first phase = %v", first["phase"])
	}
	if sc.fs.completeCalls != 1 {
		t.Fatalf("completeCalls = %d, want 1", sc.fs.completeCalls)
	}

	second, err := sc.svc.SubmitSession(ctx, tokens[0], signing.Values{"sig-1": signing.TextValue("Dana")}, "retry-key", "")
	if err != nil {
		t.Fatalf("replayed submit: %v", err)
	}
	if second["phase"] != string(signing.PhaseCompleted) {
		t.Errorf("replay phase = %v, want completed", second["phase"])
	}
	if sc.fs.completeCalls != 1 {
		t.Errorf("completeCalls after replay = %d, want 1", sc.fs.completeCalls)
	}
}

func TestSubmitAfterCompletionWithoutKeyConflicts(t *testing.T) {
	sc := newScenario()
	ctx := context.Background()
	_, tokens := sc.seedRequest(t, requestOpts{})

	if _, err := sc.svc.SubmitSession(ctx, tokens[0], signing.Values{"sig-1": signing.TextValue("Dana")}, "", ""); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	_, err := sc.svc.SubmitSession(ctx, tokens[0], signing.Values{"sig-1": signing.TextValue("Dana")}, "", "")
	if code := domainCode(t, err); code != "ALREADY_COMPLETED" {
		t.Errorf("code = %s, want ALREADY_COMPLETED", code)
	}
}

func TestSubmitSequentialBlocksEarlyRecipient(t *testing.T) {
	sc := newScenario()
	_, tokens := sc.seedRequest(t, requestOpts{
		sequential: true,
		recipients: []RecipientInput{
			{Name: "First", Email: "first@example.com"},
			{Name: "Second", Email: "second@example.com"},
		},
		fields: []signing.Field{
			{ID: "sig-1", Type: signing.FieldSignature, RecipientIndex: 1, Required: true},
			{ID: "sig-2", Type: signing.FieldSignature, RecipientIndex: 2, Required: true},
		},
	})

	_, err := sc.svc.SubmitSession(context.Background(), tokens[1], signing.Values{
		"sig-2": signing.TextValue("Second"),
	}, "", "")
	if code := domainCode(t, err); code != "AWAITING_TURN" {
		t.Errorf("code = %s, want AWAITING_TURN", code)
	}
}

func TestSubmitExpiredLink(t *testing.T) {
	sc := newScenario()
	past := time.Now().Add(-time.Hour)
	_, tokens := sc.seedRequest(t, requestOpts{expiresAt: &past})

	_, err := sc.svc.SubmitSession(context.Background(), tokens[0], signing.Values{
		"sig-1": signing.TextValue("Dana"),
	}, "", "")
	if code := domainCode(t, err); code != "LINK_EXPIRED" {
		t.Errorf("code = %s, want LINK_EXPIRED", code)
	}
}

// ── Decline ──

func TestDeclineReasonTooShort(t *testing.T) {
	sc := newScenario()
	_, tokens := sc.seedRequest(t, requestOpts{})

	_, err := sc.svc.DeclineSession(context.Background(), tokens[0], "nope")
	if !errors.Is(err, signing.ErrReasonTooShort) {
		t.Fatalf("expected ErrReasonTooShort, got %v", err)
	}
	sess, _ := sc.fs.GetSession(context.Background(), "ses_dana@example.com")
	if sess.Status == string(signing.StatusDeclined) {
		t.Error("short reason must not decline the session")
	}
}

func TestDeclineIgnoresPendingGates(t *testing.T) {
	sc := newScenario()
	ctx := context.Background()
	_, tokens := sc.seedRequest(t, requestOpts{accessCode: "9123", selfie: true})

	payload, err := sc.svc.DeclineSession(ctx, tokens[0], "The terms in section 4 are unacceptable.")
	if err != nil {
		t.Fatalf("DeclineSession: %v", err)
	}
	if payload["status"] != string(signing.StatusDeclined) {
		t.Errorf("status = %v, want declined", payload["status"])
	}

	sess, _ := sc.fs.GetSession(ctx, "ses_dana@example.com")
	if sess.Status != string(signing.StatusDeclined) {
		t.Errorf("session status = %s", sess.Status)
	}
	if sess.DeclineReason != "The terms in section 4 are unacceptable." {
		t.Errorf("reason = %q", sess.DeclineReason)
	}
	if len(sc.mail.declined) != 1 {
		t.Errorf("decline emails = %v", sc.mail.declined)
	}

	req, _ := sc.fs.GetSigningRequest(ctx, "req_1")
	if req.Status != "declined" {
		t.Errorf("request status = %s, want declined", req.Status)
	}
}

func TestDeclineIsIrreversible(t *testing.T) {
	sc := newScenario()
	ctx := context.Background()
	_, tokens := sc.seedRequest(t, requestOpts{})

	if _, err := sc.svc.DeclineSession(ctx, tokens[0], "I never agreed to these payment terms."); err != nil {
		t.Fatalf("DeclineSession: %v", err)
	}

	_, err := sc.svc.SubmitSession(ctx, tokens[0], signing.Values{"sig-1": signing.TextValue("Dana")}, "", "")
	if code := domainCode(t, err); code != "ALREADY_DECLINED" {
		t.Errorf("submit after decline code = %s, want ALREADY_DECLINED", code)
	}

	_, err = sc.svc.DeclineSession(ctx, tokens[0], "Changed my mind for a second time here.")
	if code := domainCode(t, err); code != "ALREADY_DECLINED" {
		t.Errorf("second decline code = %s, want ALREADY_DECLINED", code)
	}
}

// ── Session state ──

func TestSessionStateLockedUntilAccessCode(t *testing.T) {
	sc := newScenario()
	ctx := context.Background()
	_, tokens := sc.seedRequest(t, requestOpts{accessCode: "9123"})

	payload, err := sc.svc.SessionState(ctx, tokens[0])
	if err != nil {
		t.Fatalf("SessionState: %v", err)
	}
	if payload["locked"] != true {
		t.Error("state should be locked before access code verification")
	}
	if _, hasFields := payload["fields"]; hasFields {
		t.Error("fields must be withheld while locked")
	}

	if _, err := sc.svc.VerifyAccessCode(ctx, tokens[0], "9123"); err != nil {
		t.Fatalf("VerifyAccessCode: %v", err)
	}

	payload, err = sc.svc.SessionState(ctx, tokens[0])
	if err != nil {
		t.Fatalf("SessionState after verify: %v", err)
	}
	if payload["locked"] != false {
		t.Error("state should unlock after access code verification")
	}
	if _, hasFields := payload["fields"]; !hasFields {
		t.Error("fields missing after unlock")
	}
}

func TestSessionStateRecordsFirstView(t *testing.T) {
	sc := newScenario()
	ctx := context.Background()
	_, tokens := sc.seedRequest(t, requestOpts{})

	if _, err := sc.svc.SessionState(ctx, tokens[0]); err != nil {
		t.Fatalf("SessionState: %v", err)
	}
	if _, err := sc.svc.SessionState(ctx, tokens[0]); err != nil {
		t.Fatalf("second SessionState: %v", err)
	}

	sc.fs.mu.Lock()
	defer sc.fs.mu.Unlock()
	var viewed []store.SigningEvent
	for _, e := range sc.fs.events {
		if e.EventType == "viewed" {
			viewed = append(viewed, e)
		}
	}
	if len(viewed) != 1 {
		t.Fatalf("expected 1 viewed event, got %d", len(viewed))
	}
	if viewed[0].Payload["tokenHash"] != auth.HashToken(tokens[0]) {
		t.Errorf("viewed event fingerprint = %v", viewed[0].Payload["tokenHash"])
	}
}

func TestSessionStateAwaitingTurn(t *testing.T) {
	sc := newScenario()
	_, tokens := sc.seedRequest(t, requestOpts{
		sequential: true,
		recipients: []RecipientInput{
			{Name: "First", Email: "first@example.com"},
			{Name: "Second", Email: "second@example.com"},
		},
		fields: []signing.Field{
			{ID: "sig-1", Type: signing.FieldSignature, RecipientIndex: 1, Required: true},
			{ID: "sig-2", Type: signing.FieldSignature, RecipientIndex: 2, Required: true},
		},
	})

	payload, err := sc.svc.SessionState(context.Background(), tokens[1])
	if err != nil {
		t.Fatalf("SessionState: %v", err)
	}
	if payload["status"] != string(signing.StatusAwaitingTurn) {
		t.Errorf("status = %v, want awaiting_turn", payload["status"])
	}
	if _, hasFields := payload["fields"]; hasFields {
		t.Error("fields must be withheld while awaiting turn")
	}
}

func TestSessionStateConditionalVisibility(t *testing.T) {
	sc := newScenario()
	ctx := context.Background()
	_, tokens := sc.seedRequest(t, requestOpts{
		fields: []signing.Field{
			{ID: "has-guarantor", Type: signing.FieldCheckbox, RecipientIndex: 1},
			{ID: "guarantor-name", Type: signing.FieldText, RecipientIndex: 1, Required: true,
				Conditional: &signing.Conditional{Enabled: true, DependsOnFieldID: "has-guarantor", Condition: signing.CondChecked}},
		},
	})

	// Presence rule: the checkbox itself needs an explicit entry before the
	// session can complete, even though it is not marked required.
	payload, err := sc.svc.SessionState(ctx, tokens[0])
	if err != nil {
		t.Fatalf("SessionState: %v", err)
	}
	if payload["complete"] != false {
		t.Errorf("complete = %v, want false with no entries", payload["complete"])
	}
	missing := payload["missingFields"].([]string)
	if len(missing) != 1 || missing[0] != "has-guarantor" {
		t.Errorf("missingFields = %v, want [has-guarantor]", missing)
	}

	// Explicitly unchecked: the dependency is answered, the conditional field
	// stays hidden, and hidden fields never block completion.
	if _, err := sc.svc.SaveDraft(ctx, tokens[0], signing.Values{
		"has-guarantor": signing.CheckedValue(false),
	}); err != nil {
		t.Fatalf("SaveDraft: %v", err)
	}
	payload, err = sc.svc.SessionState(ctx, tokens[0])
	if err != nil {
		t.Fatalf("SessionState: %v", err)
	}
	if payload["complete"] != true {
		t.Errorf("complete = %v, want true with hidden conditional", payload["complete"])
	}

	if _, err := sc.svc.SaveDraft(ctx, tokens[0], signing.Values{
		"has-guarantor": signing.CheckedValue(true),
	}); err != nil {
		t.Fatalf("SaveDraft: %v", err)
	}
	payload, err = sc.svc.SessionState(ctx, tokens[0])
	if err != nil {
		t.Fatalf("SessionState: %v", err)
	}
	if payload["complete"] != false {
		t.Errorf("complete = %v, want false once conditional is visible", payload["complete"])
	}
	missing = payload["missingFields"].([]string)
	if len(missing) != 1 || missing[0] != "guarantor-name" {
		t.Errorf("missingFields = %v, want [guarantor-name]", missing)
	}

	if _, err := sc.svc.SaveDraft(ctx, tokens[0], signing.Values{
		"has-guarantor":  signing.CheckedValue(true),
		"guarantor-name": signing.TextValue("Avery Quinn"),
	}); err != nil {
		t.Fatalf("SaveDraft: %v", err)
	}
	payload, err = sc.svc.SessionState(ctx, tokens[0])
	if err != nil {
		t.Fatalf("SessionState: %v", err)
	}
	if payload["complete"] != true {
		t.Errorf("complete = %v, want true with conditional filled", payload["complete"])
	}
}

func TestSessionStateCancelledRequest(t *testing.T) {
	sc := newScenario()
	ctx := context.Background()
	requestID, tokens := sc.seedRequest(t, requestOpts{})

	if _, err := sc.svc.CancelSigningRequest(ctx, requestID, "sender@example.com"); err != nil {
		t.Fatalf("CancelSigningRequest: %v", err)
	}

	_, err := sc.svc.SessionState(ctx, tokens[0])
	if code := domainCode(t, err); code != "REQUEST_CANCELLED" {
		t.Errorf("code = %s, want REQUEST_CANCELLED", code)
	}
}

func TestSessionStateWrongToken(t *testing.T) {
	sc := newScenario()
	sc.seedRequest(t, requestOpts{})

	// Token signed with a different secret must be rejected.
	forged, err := auth.IssueLinkToken([]byte("other-secret"), auth.LinkClaims{
		SessionID:      "ses_dana@example.com",
		RecipientEmail: "dana@example.com",
		RecipientIndex: 1,
		Exp:            time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue forged token: %v", err)
	}

	_, err = sc.svc.SessionState(context.Background(), forged)
	if !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

// ── Attachments ──

func TestAddAttachment(t *testing.T) {
	sc := newScenario()
	ctx := context.Background()
	_, tokens := sc.seedRequest(t, requestOpts{
		fields: []signing.Field{
			{ID: "sig-1", Type: signing.FieldSignature, RecipientIndex: 1, Required: true},
			{ID: "proof", Type: signing.FieldAttachment, RecipientIndex: 1, Required: true},
		},
	})

	_, err := sc.svc.AddAttachment(ctx, tokens[0], "sig-1", "id.pdf", strings.NewReader("pdf"), 3, "application/pdf")
	if code := domainCode(t, err); code != "NOT_ATTACHMENT_FIELD" {
		t.Errorf("code = %s, want NOT_ATTACHMENT_FIELD", code)
	}

	payload, err := sc.svc.AddAttachment(ctx, tokens[0], "proof", "id.pdf", strings.NewReader("pdf"), 3, "application/pdf")
	if err != nil {
		t.Fatalf("AddAttachment: %v", err)
	}
	if payload["fieldId"] != "proof" {
		t.Errorf("fieldId = %v", payload["fieldId"])
	}

	list, err := sc.svc.ListSessionAttachments(ctx, tokens[0], "proof")
	if err != nil {
		t.Fatalf("ListSessionAttachments: %v", err)
	}
	attachments := list["attachments"].([]map[string]any)
	if len(attachments) != 1 {
		t.Fatalf("expected 1 attachment, got %d", len(attachments))
	}
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
