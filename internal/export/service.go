package export

import (
	"fmt"
	"time"
)

// Service generates completion certificates.
type Service struct {
	now func() time.Time
}

// NewService creates a new export service
func NewService() *Service {
	return &Service{now: time.Now}
}

// CompletionCertificate renders the certificate HTML for a fully signed
// request and converts it to PDF.
func (s *Service) CompletionCertificate(data CertificateData) (*Result, error) {
	if len(data.Signers) == 0 {
		return nil, fmt.Errorf("certificate requires at least one signer")
	}
	if data.GeneratedAt.IsZero() {
		data.GeneratedAt = s.now().UTC()
	}

	html, err := RenderCertificateHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render certificate: %w", err)
	}

	return exportPDF(html, data.RequestTitle+"-certificate")
}
