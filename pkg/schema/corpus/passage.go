package corpus

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies one of the two corpora served by the API.
type Kind int

const (
	KindQuran Kind = iota
	KindHadith
)

// Kinds lists the corpora in merge priority order.
var Kinds = []Kind{KindQuran, KindHadith}

func (k Kind) String() string {
	switch k {
	case KindQuran:
		return "quran"
	case KindHadith:
		return "hadith"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Priority orders corpora when two results carry the same score.
// Lower wins: verses come before hadiths.
func (k Kind) Priority() int {
	return int(k)
}

// ParseKind converts a corpus name into a Kind.
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "quran":
		return KindQuran, nil
	case "hadith":
		return KindHadith, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownCorpus, name)
	}
}

// Metadata is the corpus-specific payload carried by a Passage.
// Implementations are VerseMeta and HadithMeta.
type Metadata interface {
	Kind() Kind
	// Fields flattens the metadata for the outbound result contract.
	Fields() map[string]string
	// Citation is a short human-readable reference, e.g. "Surah 2:255".
	Citation() string
}

// Passage is one retrievable unit of text with its embedding.
type Passage struct {
	ID        int64
	Corpus    Kind
	Text      string
	Embedding []float32
	Meta      Metadata
}

// Citation returns the metadata citation, or an empty string if there is none.
func (p *Passage) Citation() string {
	if p.Meta == nil {
		return ""
	}
	return p.Meta.Citation()
}

// Fields returns the flattened metadata, never nil.
func (p *Passage) Fields() map[string]string {
	if p.Meta == nil {
		return map[string]string{}
	}
	return p.Meta.Fields()
}

// VerseMeta describes a Quran verse in one translation.
type VerseMeta struct {
	Surah       int
	Ayat        int
	SurahName   string
	Translation string
	Language    string
}

func (VerseMeta) Kind() Kind { return KindQuran }

func (m VerseMeta) Citation() string {
	return fmt.Sprintf("Surah %d:%d", m.Surah, m.Ayat)
}

func (m VerseMeta) Fields() map[string]string {
	return map[string]string{
		"surah":       strconv.Itoa(m.Surah),
		"ayat":        strconv.Itoa(m.Ayat),
		"name":        m.SurahName,
		"translation": m.Translation,
		"language":    m.Language,
		"reference":   m.Citation(),
	}
}

// HadithMeta describes one hadith of a collection.
type HadithMeta struct {
	Collection   string
	Reference    string
	BookNumber   string
	HadithNumber string
	Grade        string
	QuestionID   string
	Question     string
	Topic        string
}

func (HadithMeta) Kind() Kind { return KindHadith }

func (m HadithMeta) Citation() string {
	if m.Reference != "" {
		return m.Reference
	}
	return fmt.Sprintf("%s %s:%s", m.Collection, m.BookNumber, m.HadithNumber)
}

func (m HadithMeta) Fields() map[string]string {
	return map[string]string{
		"collection":    m.Collection,
		"reference":     m.Citation(),
		"book_number":   m.BookNumber,
		"hadith_number": m.HadithNumber,
		"grade":         m.Grade,
		"question_id":   m.QuestionID,
		"question":      m.Question,
		"topic":         m.Topic,
	}
}
