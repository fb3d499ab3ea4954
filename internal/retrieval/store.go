package retrieval

import (
	"fmt"
	"slices"
	"sort"

	"text2tasks/internal/domain"
)

var _ TextLookup = (*Store)(nil)

// Store holds ingested documents keyed by id. Every vector has the dimension
// fixed at construction.
type Store struct {
	dim    int
	docs   map[string]domain.Document
	byHash map[string]string
}

func NewStore(dimension int) (*Store, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("vector dimension must be positive, got %d", dimension)
	}
	return &Store{
		dim:    dimension,
		docs:   make(map[string]domain.Document),
		byHash: make(map[string]string),
	}, nil
}

func (s *Store) Dimension() int { return s.dim }

func (s *Store) Len() int { return len(s.docs) }

// Validate checks a vector against the store dimension.
func (s *Store) Validate(vector []float32) error {
	if len(vector) != s.dim {
		return &domain.InvalidVectorDimensionError{Want: s.dim, Got: len(vector)}
	}
	return nil
}

// Put inserts a document. Documents are immutable, so re-putting an existing
// id is an error.
func (s *Store) Put(doc domain.Document) error {
	if doc.ID == "" {
		return fmt.Errorf("document id is required")
	}
	if err := s.Validate(doc.Vector); err != nil {
		return err
	}
	if _, ok := s.docs[doc.ID]; ok {
		return fmt.Errorf("document %s already exists", doc.ID)
	}
	doc.Vector = slices.Clone(doc.Vector)
	s.docs[doc.ID] = doc
	if doc.ContentHash != "" {
		s.byHash[doc.ContentHash] = doc.ID
	}
	return nil
}

func (s *Store) Get(id string) (domain.Document, error) {
	d, ok := s.docs[id]
	if !ok {
		return domain.Document{}, &domain.DocNotFoundError{ID: id}
	}
	d.Vector = slices.Clone(d.Vector)
	return d, nil
}

func (s *Store) Has(id string) bool {
	_, ok := s.docs[id]
	return ok
}

// FindByHash returns the document whose text hashes to contentHash.
func (s *Store) FindByHash(contentHash string) (domain.Document, bool) {
	id, ok := s.byHash[contentHash]
	if !ok {
		return domain.Document{}, false
	}
	d, err := s.Get(id)
	return d, err == nil
}

func (s *Store) Text(id string) (string, bool) {
	d, ok := s.docs[id]
	if !ok {
		return "", false
	}
	return d.Text, true
}

// Corpus returns the ranking view of every document, ordered by id.
func (s *Store) Corpus() []domain.DocumentVector {
	out := make([]domain.DocumentVector, 0, len(s.docs))
	for _, d := range s.docs {
		out = append(out, domain.DocumentVector{ID: d.ID, Vector: d.Vector, CreatedAt: d.CreatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// List returns documents newest first.
func (s *Store) List() []domain.Document {
	out := make([]domain.Document, 0, len(s.docs))
	for _, d := range s.docs {
		d.Vector = nil
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}
