package export

import (
	"bytes"
	"html/template"
	"time"
)

var certificateTemplate = template.Must(template.New("certificate").Funcs(template.FuncMap{
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
	"verificationBadges": verificationBadges,
}).Parse(certificateHTML))

// RenderCertificateHTML renders the completion certificate template.
func RenderCertificateHTML(data CertificateData) (string, error) {
	var buf bytes.Buffer
	if err := certificateTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func verificationBadges(s SignerEntry) []string {
	var badges []string
	if s.AccessCodeUsed {
		badges = append(badges, "Access code")
	}
	if s.SelfieVerified {
		badges = append(badges, "Selfie check")
	}
	if s.IntentVideoUsed {
		badges = append(badges, "Intent video")
	}
	if len(badges) == 0 {
		badges = append(badges, "Email link")
	}
	return badges
}

const certificateHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>Completion Certificate</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; color: #222; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    table { width: 100%; border-collapse: collapse; margin-top: 1rem; }
    th, td { border: 1px solid #ccc; padding: 0.5rem; text-align: left; font-size: 0.9em; vertical-align: top; }
    th { background: #f5f5f5; }
    .badge { display: inline-block; background: #eef4ff; border: 1px solid #b4ccf5; border-radius: 3px; padding: 0 6px; margin-right: 4px; font-size: 0.8em; }
    .footer { margin-top: 2rem; color: #666; font-size: 0.8em; border-top: 1px solid #ccc; padding-top: 1rem; }
  </style>
</head>
<body>
  <h1>Certificate of Completion</h1>
  <div class="meta">
    <div><strong>Signing request:</strong> {{.RequestTitle}}</div>
    <div><strong>Document:</strong> {{.DocumentTitle}}</div>
    <div><strong>Reference:</strong> {{.RequestID}}</div>
    <div><strong>Generated:</strong> {{formatDate .GeneratedAt "Jan 2, 2006 15:04 MST"}}</div>
  </div>

  <h2>Signers</h2>
  <table>
    <tr>
      <th>#</th>
      <th>Name</th>
      <th>Email</th>
      <th>Completed</th>
      <th>IP address</th>
      <th>Identity verification</th>
    </tr>
    {{range .Signers}}
    <tr>
      <td>{{.RecipientIndex}}</td>
      <td>{{.Name}}</td>
      <td>{{.Email}}</td>
      <td>{{formatDate .CompletedAt "Jan 2, 2006 15:04 MST"}}</td>
      <td>{{if .ClientIP}}{{.ClientIP}}{{else}}unavailable{{end}}</td>
      <td>{{range verificationBadges .}}<span class="badge">{{.}}</span>{{end}}</td>
    </tr>
    {{end}}
  </table>

  <div class="footer">
    All recipients completed this signing request. Timestamps reflect the moment
    each submission was accepted by the server.
  </div>
</body>
</html>`
