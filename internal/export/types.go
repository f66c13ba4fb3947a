// Package export generates completion certificates as PDF files.
package export

import (
	"errors"
	"time"
)

// SignerEntry describes one recipient on the certificate audit table.
type SignerEntry struct {
	Name            string
	Email           string
	RecipientIndex  int
	CompletedAt     time.Time
	ClientIP        string
	AccessCodeUsed  bool
	SelfieVerified  bool
	IntentVideoUsed bool
}

// CertificateData holds everything rendered onto a completion certificate.
type CertificateData struct {
	RequestID     string
	RequestTitle  string
	DocumentTitle string
	GeneratedAt   time.Time
	Signers       []SignerEntry
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)
