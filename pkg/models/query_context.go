package models

// ── Query Context (qc.v1.1) ──────────────────────────────────

// PrepareRequest is the body of POST /query/prepare and /query-context.
type PrepareRequest struct {
	Query struct {
		Raw string `json:"raw"`
	} `json:"query"`
	Client struct {
		Locale string `json:"locale,omitempty"`
	} `json:"client"`
}

type QCMeta struct {
	SchemaVersion string `json:"schemaVersion"`
	TimestampMs   int64  `json:"timestampMs"`
}

type QCQuery struct {
	Raw          string    `json:"raw"`
	NFKC         string    `json:"nfkc"`
	Norm         string    `json:"norm"`
	Tokens       []string  `json:"tokens"`
	Mode         QueryMode `json:"mode"`
	CanonicalKey string    `json:"canonicalKey"`
	Final        string    `json:"final"`
	FinalSource  string    `json:"finalSource"`
}

type QCDetected struct {
	Mode      QueryMode `json:"mode"`
	IsISBN    bool      `json:"isIsbn"`
	HasVolume bool      `json:"hasVolume"`
	Lang      string    `json:"lang"`
}

type QCUnderstanding struct {
	Entities        map[string][]string `json:"entities"`
	PreferredFields []string            `json:"preferredFields"`
	ResidualText    string              `json:"residualText"`
	Filters         map[string]string   `json:"filters"`
}

type RetrievalHints struct {
	Strategy     string             `json:"strategy"`
	TopK         int                `json:"topK"`
	TimeBudgetMs int                `json:"timeBudgetMs"`
	Boost        map[string]float64 `json:"boost"`
	Filters      map[string]string  `json:"filters"`
}

type QCSpell struct {
	Applied    bool    `json:"applied"`
	Corrected  string  `json:"corrected"`
	Method     string  `json:"method"`
	Confidence float64 `json:"confidence"`
}

type QCRewrite struct {
	Applied   bool   `json:"applied"`
	Rewritten string `json:"rewritten"`
	Method    string `json:"method"`
	Notes     string `json:"notes"`
}

// QueryContext is the response of /query/prepare.
type QueryContext struct {
	Meta           QCMeta          `json:"meta"`
	Query          QCQuery         `json:"query"`
	Detected       QCDetected      `json:"detected"`
	Understanding  QCUnderstanding `json:"understanding"`
	RetrievalHints RetrievalHints  `json:"retrievalHints"`
	Spell          QCSpell         `json:"spell"`
	Rewrite        QCRewrite       `json:"rewrite"`
}

// Final query sources.
const (
	FinalSourceNorm    = "norm"
	FinalSourceSpell   = "spell"
	FinalSourceRewrite = "rewrite"
)
