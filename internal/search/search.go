package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultDocument  ResultType = "document"
	ResultRequest   ResultType = "request"
	ResultRecipient ResultType = "recipient"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type       ResultType `json:"type"`
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Snippet    string     `json:"snippet"`
	DocumentID string     `json:"documentId"`
	RequestID  string     `json:"requestId,omitempty"`
	Status     string     `json:"status,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text         string
	FilterType   ResultType // empty = all types
	FilterStatus string
	Limit        int
	Offset       int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexDocument(doc DocumentRecord) error
	IndexRequest(r RequestRecord) error
	IndexRecipient(rec RecipientRecord) error
	DeleteDocument(id string) error
	DeleteRequest(id string) error
}

// DocumentRecord is the data we index for an uploaded document.
type DocumentRecord struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// RequestRecord is the data we index for a signing request.
type RequestRecord struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	DocumentID string `json:"documentId"`
	Status     string `json:"status"`
}

// RecipientRecord is the data we index for a recipient session.
type RecipientRecord struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
}
