package models

// Mode selects how a corpus list is ranked
type Mode string

const (
	// ModeSemantic ranks by embedding similarity alone.
	ModeSemantic Mode = "semantic"
	// ModeHybrid fuses the semantic and keyword rankings with reciprocal rank fusion.
	ModeHybrid Mode = "hybrid"
)

// MaxTopN caps the number of results a query may ask for
const MaxTopN = 50

// Query is the inbound search contract of the orchestrator
type Query struct {
	Text          string
	TopN          int
	IncludeQuran  bool
	IncludeHadith bool
	// Collection restricts hadiths to one collection. nil, "" and "all" mean no filter.
	Collection *string
	// Topic restricts hadiths to one topic, matched case-insensitively.
	Topic *string
	Mode  Mode
}

// RankedResult is one passage in a ranked list
type RankedResult struct {
	Corpus    string            `json:"corpus"`
	ID        int64             `json:"id"`
	Text      string            `json:"text"`
	Score     float64           `json:"score"`
	Reference string            `json:"reference"`
	Metadata  map[string]string `json:"metadata"`
}

// SearchResult is a ranked list plus the reason it is empty or was clamped
type SearchResult struct {
	Results []RankedResult `json:"results"`
	Reason  string         `json:"reason,omitempty"`
}

// SeparateResult holds independent lists for both corpora
type SeparateResult struct {
	Quran  []RankedResult `json:"quran"`
	Hadith []RankedResult `json:"hadith"`
	Reason string         `json:"reason,omitempty"`
}

// CorpusStats summarizes one loaded corpus
type CorpusStats struct {
	Corpus      string `json:"corpus"`
	Count       int    `json:"count"`
	Dimension   int    `json:"dimension"`
	Accelerated bool   `json:"accelerated"`
	Retriever   string `json:"retriever"`
}

// UnifiedSearchRequest is the request for merged search over both corpora
type UnifiedSearchRequest struct {
	Query         string `json:"query"`
	TopN          *int   `json:"top_n"`
	IncludeQuran  *bool  `json:"include_quran"`
	IncludeHadith *bool  `json:"include_hadith"`
	Collection    string `json:"collection"`
	Topic         string `json:"topic"`
	Mode          string `json:"mode"`
}

// CorpusSearchRequest is the request for a single-corpus search
type CorpusSearchRequest struct {
	Query      string `json:"query"`
	TopN       *int   `json:"top_n"`
	Collection string `json:"collection"`
	Topic      string `json:"topic"`
	Mode       string `json:"mode"`
}

// SeparateSearchRequest is the request for per-corpus lists
type SeparateSearchRequest struct {
	Query         string `json:"query"`
	QuranResults  *int   `json:"quran_results"`
	HadithResults *int   `json:"hadith_results"`
	Collection    string `json:"collection"`
}

// SearchResponse wraps a ranked list for the API
type SearchResponse struct {
	Query   string         `json:"query"`
	Count   int            `json:"count"`
	Results []RankedResult `json:"results"`
	Reason  string         `json:"reason,omitempty"`
}

// SeparateSearchResponse wraps per-corpus lists for the API
type SeparateSearchResponse struct {
	Query  string         `json:"query"`
	Quran  []RankedResult `json:"quran"`
	Hadith []RankedResult `json:"hadith"`
	Reason string         `json:"reason,omitempty"`
}

// SimilarResponse lists hadiths similar to a source hadith
type SimilarResponse struct {
	HadithID int64          `json:"hadith_id"`
	Count    int            `json:"count"`
	Results  []RankedResult `json:"results"`
	Reason   string         `json:"reason,omitempty"`
}

// BrowseResponse lists the hadiths of one topic or collection
type BrowseResponse struct {
	Topic      string         `json:"topic,omitempty"`
	Collection string         `json:"collection,omitempty"`
	Count      int            `json:"count"`
	Results    []RankedResult `json:"results"`
	Reason     string         `json:"reason,omitempty"`
}

// StatsResponse is the response for GET /stats
type StatsResponse struct {
	EncoderVersion string        `json:"encoder_version"`
	Corpora        []CorpusStats `json:"corpora"`
}
