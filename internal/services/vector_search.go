package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/qh-search-api/internal/models"
	"github.com/qh-search-api/internal/repository"
	"github.com/qh-search-api/pkg/schema/corpus"
	"github.com/qh-search-api/pkg/schema/ranker"
)

// Reasons attached to empty or clamped results.
const (
	ReasonNoCorpus     = "no corpus selected"
	ReasonInvalidTopN  = "top_n must be positive"
	ReasonNoTopic      = "topic is required"
	ReasonNoCollection = "collection is required"
)

// overfetch is the per-corpus candidate multiplier of a unified search, so
// merge-time truncation still sees enough of each corpus.
const overfetch = 2

// Encoder turns query text into an embedding.
type Encoder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Version() string
}

// Corpus pairs a loaded store with the retriever that serves it.
type Corpus struct {
	Store     *corpus.Store
	Retriever repository.Retriever
}

// Options carries the optional collaborators of the search service.
type Options struct {
	Logger *zap.Logger
	// Requests is labeled (kind, status).
	Requests *prometheus.CounterVec
	// Duration is labeled (kind).
	Duration *prometheus.HistogramVec
	// Retrievals is labeled (corpus, retriever).
	Retrievals *prometheus.CounterVec
}

type corpusEntry struct {
	store     *corpus.Store
	retriever repository.Retriever
	keywords  func() *keywordIndex
}

// VectorSearchService ranks passages of both corpora against a query.
// It holds no mutable state and is safe for concurrent use.
type VectorSearchService struct {
	encoder     Encoder
	corpora     map[corpus.Kind]*corpusEntry
	collections map[string]bool
	opts        Options
	logger      *zap.Logger
}

// NewVectorSearchService creates the search service. Each corpus kind may be
// given at most once; a kind that is not given contributes no results.
func NewVectorSearchService(encoder Encoder, corpora []Corpus, opts Options) (*VectorSearchService, error) {
	if encoder == nil {
		return nil, errors.New("search service needs an encoder")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	s := &VectorSearchService{
		encoder:     encoder,
		corpora:     make(map[corpus.Kind]*corpusEntry, len(corpora)),
		collections: make(map[string]bool),
		opts:        opts,
		logger:      opts.Logger,
	}
	for _, c := range corpora {
		if c.Store == nil || c.Retriever == nil {
			return nil, errors.New("corpus needs a store and a retriever")
		}
		kind := c.Store.Kind()
		if _, dup := s.corpora[kind]; dup {
			return nil, fmt.Errorf("corpus %s given twice", kind)
		}
		store := c.Store
		s.corpora[kind] = &corpusEntry{
			store:     store,
			retriever: c.Retriever,
			keywords:  sync.OnceValue(func() *keywordIndex { return newKeywordIndex(store) }),
		}
		if kind == corpus.KindHadith {
			for _, g := range store.Collections() {
				s.collections[strings.ToLower(g.Name)] = true
			}
		}
	}
	return s, nil
}

// Search runs a unified query: each enabled corpus contributes 2×top_n
// candidates, which are merged by score, corpus priority and id, then
// truncated to top_n.
func (s *VectorSearchService) Search(ctx context.Context, q models.Query) (*models.SearchResult, error) {
	var kinds []corpus.Kind
	if q.IncludeQuran {
		kinds = append(kinds, corpus.KindQuran)
	}
	if q.IncludeHadith {
		kinds = append(kinds, corpus.KindHadith)
	}
	return s.observe("unified", func() (*models.SearchResult, error) {
		return s.search(ctx, kinds, q, overfetch)
	})
}

// SearchCorpus searches a single corpus. Collection and topic only apply to hadiths.
func (s *VectorSearchService) SearchCorpus(ctx context.Context, kind corpus.Kind, q models.Query) (*models.SearchResult, error) {
	return s.observe(kind.String(), func() (*models.SearchResult, error) {
		return s.search(ctx, []corpus.Kind{kind}, q, 1)
	})
}

// SearchSeparate encodes the query once and returns an independent list per
// corpus. A non-positive count skips that corpus.
func (s *VectorSearchService) SearchSeparate(ctx context.Context, text string, quranN, hadithN int, collection string) (*models.SeparateResult, error) {
	start := time.Now()
	res, err := s.searchSeparate(ctx, text, quranN, hadithN, collection)
	s.record("separate", start, res != nil && res.Reason != "" && len(res.Quran)+len(res.Hadith) == 0, err)
	return res, err
}

func (s *VectorSearchService) searchSeparate(ctx context.Context, text string, quranN, hadithN int, collection string) (*models.SeparateResult, error) {
	out := &models.SeparateResult{Quran: []models.RankedResult{}, Hadith: []models.RankedResult{}}

	filter, reason, ok := s.filterFor(&collection, nil)
	if !ok {
		out.Reason = reason
		return out, nil
	}

	var reasons []string
	counts := map[corpus.Kind]int{corpus.KindQuran: quranN, corpus.KindHadith: hadithN}
	var kinds []corpus.Kind
	for _, kind := range corpus.Kinds {
		n := counts[kind]
		if n <= 0 {
			continue
		}
		if n > models.MaxTopN {
			counts[kind] = models.MaxTopN
			reasons = append(reasons, fmt.Sprintf("%s results clamped to %d", kind, models.MaxTopN))
		}
		kinds = append(kinds, kind)
	}
	if len(kinds) == 0 {
		out.Reason = ReasonNoCorpus
		return out, nil
	}

	vec, err := s.encoder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}

	lists, err := s.retrieveAll(ctx, kinds, vec, text, counts, filter, models.ModeSemantic)
	if err != nil {
		return nil, err
	}
	for _, kind := range kinds {
		results := s.toResults(kind, lists[kind])
		switch kind {
		case corpus.KindQuran:
			out.Quran = results
		case corpus.KindHadith:
			out.Hadith = results
		}
	}
	out.Reason = strings.Join(reasons, "; ")
	return out, nil
}

// FindSimilar ranks the hadiths closest to hadithID using its stored
// embedding. The source hadith is excluded by id. The encoder is not used.
func (s *VectorSearchService) FindSimilar(ctx context.Context, hadithID int64, topN int) (*models.SearchResult, error) {
	return s.observe("similar", func() (*models.SearchResult, error) {
		return s.findSimilar(ctx, hadithID, topN)
	})
}

func (s *VectorSearchService) findSimilar(ctx context.Context, hadithID int64, topN int) (*models.SearchResult, error) {
	entry, ok := s.corpora[corpus.KindHadith]
	if !ok {
		return nil, fmt.Errorf("%w: hadith %d (hadith corpus not loaded)", corpus.ErrPassageNotFound, hadithID)
	}
	source, ok := entry.store.Get(hadithID)
	if !ok {
		return nil, fmt.Errorf("%w: hadith %d", corpus.ErrPassageNotFound, hadithID)
	}

	topN, reason := clampTopN(topN)
	if topN == 0 {
		return &models.SearchResult{Results: []models.RankedResult{}, Reason: reason}, nil
	}

	// One extra candidate makes room for the source itself.
	scored, err := entry.retriever.Retrieve(ctx, source.Embedding, topN+1, repository.Filter{})
	if err != nil {
		return nil, fmt.Errorf("retrieve similar to %d: %w", hadithID, err)
	}
	s.countRetrieval(entry)

	kept := make([]ranker.Scored, 0, topN)
	for _, sc := range scored {
		if sc.ID == hadithID {
			continue
		}
		kept = append(kept, sc)
		if len(kept) == topN {
			break
		}
	}
	return &models.SearchResult{Results: s.toResults(corpus.KindHadith, kept), Reason: reason}, nil
}

// Topics lists hadith topics with counts, most common first.
func (s *VectorSearchService) Topics() []corpus.GroupCount {
	if entry, ok := s.corpora[corpus.KindHadith]; ok {
		return entry.store.Topics()
	}
	return []corpus.GroupCount{}
}

// Collections lists hadith collections with counts, largest first.
func (s *VectorSearchService) Collections() []corpus.GroupCount {
	if entry, ok := s.corpora[corpus.KindHadith]; ok {
		return entry.store.Collections()
	}
	return []corpus.GroupCount{}
}

// HadithsByTopic lists up to limit hadiths of a topic in id order with zero
// scores. The topic matches case-insensitively.
func (s *VectorSearchService) HadithsByTopic(topic string, limit int) *models.SearchResult {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return &models.SearchResult{Results: []models.RankedResult{}, Reason: ReasonNoTopic}
	}
	return s.browse(repository.Filter{Topic: topic}, limit)
}

// HadithsByCollection lists up to limit hadiths of a collection in id order
// with zero scores.
func (s *VectorSearchService) HadithsByCollection(collection string, limit int) *models.SearchResult {
	f, reason, ok := s.filterFor(&collection, nil)
	if !ok {
		return &models.SearchResult{Results: []models.RankedResult{}, Reason: reason}
	}
	if f.Collection == "" {
		return &models.SearchResult{Results: []models.RankedResult{}, Reason: ReasonNoCollection}
	}
	return s.browse(f, limit)
}

func (s *VectorSearchService) browse(f repository.Filter, limit int) *models.SearchResult {
	res := &models.SearchResult{Results: []models.RankedResult{}}
	entry, ok := s.corpora[corpus.KindHadith]
	if !ok {
		res.Reason = ReasonNoCorpus
		return res
	}
	limit, res.Reason = clampTopN(limit)
	if limit == 0 {
		return res
	}
	passages := entry.store.Passages()
	for i := range passages {
		if !f.Match(&passages[i]) {
			continue
		}
		res.Results = append(res.Results, toResult(&passages[i], 0))
		if len(res.Results) == limit {
			break
		}
	}
	return res
}

// Passage returns one passage of a corpus with a zero score.
func (s *VectorSearchService) Passage(kind corpus.Kind, id int64) (*models.RankedResult, error) {
	entry, ok := s.corpora[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s %d", corpus.ErrPassageNotFound, kind, id)
	}
	p, ok := entry.store.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s %d", corpus.ErrPassageNotFound, kind, id)
	}
	r := toResult(p, 0)
	return &r, nil
}

// Stats summarizes the loaded corpora in priority order.
func (s *VectorSearchService) Stats() []models.CorpusStats {
	stats := make([]models.CorpusStats, 0, len(s.corpora))
	for _, kind := range corpus.Kinds {
		entry, ok := s.corpora[kind]
		if !ok {
			continue
		}
		accelerated := false
		if a, ok := entry.retriever.(interface{ Accelerated() bool }); ok {
			accelerated = a.Accelerated()
		}
		stats = append(stats, models.CorpusStats{
			Corpus:      kind.String(),
			Count:       entry.store.Len(),
			Dimension:   entry.store.Dimension(),
			Accelerated: accelerated,
			Retriever:   entry.retriever.Name(),
		})
	}
	return stats
}

// EncoderVersion identifies the encoder answering queries.
func (s *VectorSearchService) EncoderVersion() string {
	return s.encoder.Version()
}

func (s *VectorSearchService) search(ctx context.Context, kinds []corpus.Kind, q models.Query, factor int) (*models.SearchResult, error) {
	empty := func(reason string) *models.SearchResult {
		return &models.SearchResult{Results: []models.RankedResult{}, Reason: reason}
	}

	topN, reason := clampTopN(q.TopN)
	if topN == 0 {
		return empty(reason), nil
	}
	mode := q.Mode
	if mode == "" {
		mode = models.ModeSemantic
	}
	if mode != models.ModeSemantic && mode != models.ModeHybrid {
		return empty(fmt.Sprintf("unknown mode %q", q.Mode)), nil
	}
	if len(kinds) == 0 {
		return empty(ReasonNoCorpus), nil
	}
	filter, filterReason, ok := s.filterFor(q.Collection, q.Topic)
	if !ok {
		return empty(filterReason), nil
	}

	vec, err := s.encoder.EmbedQuery(ctx, q.Text)
	if err != nil {
		return nil, err
	}

	counts := make(map[corpus.Kind]int, len(kinds))
	for _, kind := range kinds {
		counts[kind] = topN * factor
	}
	lists, err := s.retrieveAll(ctx, kinds, vec, q.Text, counts, filter, mode)
	if err != nil {
		return nil, err
	}

	type tagged struct {
		kind corpus.Kind
		ranker.Scored
	}
	var merged []tagged
	for _, kind := range kinds {
		for _, sc := range lists[kind] {
			merged = append(merged, tagged{kind: kind, Scored: sc})
		}
	}
	sort.Slice(merged, func(i, j int) bool {
		a, b := merged[i], merged[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.kind.Priority() != b.kind.Priority() {
			return a.kind.Priority() < b.kind.Priority()
		}
		return a.ID < b.ID
	})
	if len(merged) > topN {
		merged = merged[:topN]
	}

	results := make([]models.RankedResult, 0, len(merged))
	for _, m := range merged {
		p, ok := s.corpora[m.kind].store.Get(m.ID)
		if !ok {
			continue
		}
		results = append(results, toResult(p, m.Score))
	}

	s.logger.Debug("search",
		zap.Int("top_n", topN),
		zap.String("mode", string(mode)),
		zap.Int("results", len(results)),
	)
	return &models.SearchResult{Results: results, Reason: reason}, nil
}

// retrieveAll queries every kind concurrently. The filter only applies to hadiths.
func (s *VectorSearchService) retrieveAll(ctx context.Context, kinds []corpus.Kind, vec []float32, text string, counts map[corpus.Kind]int, filter repository.Filter, mode models.Mode) (map[corpus.Kind][]ranker.Scored, error) {
	lists := make([][]ranker.Scored, len(kinds))
	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range kinds {
		entry, ok := s.corpora[kind]
		if !ok {
			continue
		}
		f := repository.Filter{}
		if kind == corpus.KindHadith {
			f = filter
		}
		k := counts[kind]
		g.Go(func() error {
			scored, err := entry.retriever.Retrieve(gctx, vec, k, f)
			if err != nil {
				return fmt.Errorf("retrieve %s: %w", kind, err)
			}
			s.countRetrieval(entry)
			if mode == models.ModeHybrid {
				scored = fuseRRF(scored, entry.keywords().Search(text, k, f.Keep(entry.store)), k)
			}
			lists[i] = scored
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[corpus.Kind][]ranker.Scored, len(kinds))
	for i, kind := range kinds {
		out[kind] = lists[i]
	}
	return out, nil
}

// filterFor builds the hadith filter. ok is false, with a reason, for an
// unknown collection.
func (s *VectorSearchService) filterFor(collection, topic *string) (repository.Filter, string, bool) {
	var f repository.Filter
	if collection != nil {
		c := strings.ToLower(strings.TrimSpace(*collection))
		if c != "" && c != "all" {
			if !s.collections[c] {
				return f, fmt.Sprintf("unknown collection %q", *collection), false
			}
			f.Collection = c
		}
	}
	if topic != nil {
		f.Topic = strings.TrimSpace(*topic)
	}
	return f, "", true
}

func (s *VectorSearchService) toResults(kind corpus.Kind, scored []ranker.Scored) []models.RankedResult {
	entry := s.corpora[kind]
	results := make([]models.RankedResult, 0, len(scored))
	for _, sc := range scored {
		if p, ok := entry.store.Get(sc.ID); ok {
			results = append(results, toResult(p, sc.Score))
		}
	}
	return results
}

func toResult(p *corpus.Passage, score float64) models.RankedResult {
	return models.RankedResult{
		Corpus:    p.Corpus.String(),
		ID:        p.ID,
		Text:      p.Text,
		Score:     score,
		Reference: p.Citation(),
		Metadata:  p.Fields(),
	}
}

// clampTopN returns 0 with a reason for a non-positive count and caps large
// counts at MaxTopN.
func clampTopN(n int) (int, string) {
	switch {
	case n <= 0:
		return 0, ReasonInvalidTopN
	case n > models.MaxTopN:
		return models.MaxTopN, fmt.Sprintf("top_n clamped to %d", models.MaxTopN)
	default:
		return n, ""
	}
}

func (s *VectorSearchService) observe(kind string, fn func() (*models.SearchResult, error)) (*models.SearchResult, error) {
	start := time.Now()
	res, err := fn()
	s.record(kind, start, res != nil && res.Reason != "" && len(res.Results) == 0, err)
	return res, err
}

func (s *VectorSearchService) record(kind string, start time.Time, rejected bool, err error) {
	status := "ok"
	switch {
	case err != nil:
		status = "error"
	case rejected:
		status = "rejected"
	}
	if s.opts.Requests != nil {
		s.opts.Requests.WithLabelValues(kind, status).Inc()
	}
	if s.opts.Duration != nil {
		s.opts.Duration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		s.logger.Warn("search failed", zap.String("kind", kind), zap.Error(err))
	}
}

func (s *VectorSearchService) countRetrieval(entry *corpusEntry) {
	if s.opts.Retrievals != nil {
		s.opts.Retrievals.WithLabelValues(entry.store.Kind().String(), entry.retriever.Name()).Inc()
	}
}
