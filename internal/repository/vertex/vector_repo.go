package vertex

import (
	"context"
	"fmt"
	"strconv"

	aiplatform "cloud.google.com/go/aiplatform/apiv1"
	aiplatformpb "cloud.google.com/go/aiplatform/apiv1/aiplatformpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"

	"github.com/qh-search-api/internal/repository"
	"github.com/qh-search-api/pkg/schema/corpus"
	"github.com/qh-search-api/pkg/schema/ranker"
)

// Ensure VectorSearchRepository implements repository.Retriever
var _ repository.Retriever = (*VectorSearchRepository)(nil)

// Config holds Vertex AI Vector Search configuration
type Config struct {
	ProjectID            string // GCP project ID
	Location             string // e.g., "us-central1"
	IndexEndpointID      string // Deployed index endpoint ID
	DeployedIndexID      string // The deployed index ID within the endpoint
	PublicEndpointDomain string // Public endpoint domain for queries (e.g., "123.us-central1-456.vdb.vertexai.goog")
}

// neighborFinder is the part of the match client the retriever uses.
type neighborFinder interface {
	FindNeighbors(ctx context.Context, req *aiplatformpb.FindNeighborsRequest, opts ...gax.CallOption) (*aiplatformpb.FindNeighborsResponse, error)
}

// VectorSearchRepository uses a deployed Vertex AI Vector Search index as the
// candidate generator for one corpus. Candidates are resolved and rescored
// against the in-memory store.
type VectorSearchRepository struct {
	config      Config
	client      neighborFinder
	matchClient *aiplatform.MatchClient
	store       *corpus.Store
}

// NewVectorSearchRepository creates a new Vertex AI vector search repository
func NewVectorSearchRepository(ctx context.Context, config Config, store *corpus.Store) (*VectorSearchRepository, error) {
	// For public endpoints, use the public domain; otherwise use regional endpoint
	var endpoint string
	if config.PublicEndpointDomain != "" {
		endpoint = fmt.Sprintf("%s:443", config.PublicEndpointDomain)
	} else {
		endpoint = fmt.Sprintf("%s-aiplatform.googleapis.com:443", config.Location)
	}

	matchClient, err := aiplatform.NewMatchClient(ctx, option.WithEndpoint(endpoint))
	if err != nil {
		return nil, fmt.Errorf("create match client: %w", err)
	}

	r := newRepository(config, matchClient, store)
	r.matchClient = matchClient
	return r, nil
}

func newRepository(config Config, client neighborFinder, store *corpus.Store) *VectorSearchRepository {
	return &VectorSearchRepository{config: config, client: client, store: store}
}

// Close closes the Vertex AI client
func (r *VectorSearchRepository) Close() error {
	if r.matchClient != nil {
		return r.matchClient.Close()
	}
	return nil
}

// Name identifies the retriever
func (r *VectorSearchRepository) Name() string { return "vertex" }

// Accelerated is always true: the deployed index is approximate.
func (r *VectorSearchRepository) Accelerated() bool { return true }

// Retrieve performs vector similarity search using Vertex AI Vector Search
func (r *VectorSearchRepository) Retrieve(ctx context.Context, query []float32, k int, filter repository.Filter) ([]ranker.Scored, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: got %d", ranker.ErrInvalidTopN, k)
	}
	if len(query) != r.store.Dimension() {
		return nil, fmt.Errorf("%w: query has %d dims, %s corpus has %d",
			ranker.ErrDimensionMismatch, len(query), r.store.Kind(), r.store.Dimension())
	}

	indexEndpoint := fmt.Sprintf(
		"projects/%s/locations/%s/indexEndpoints/%s",
		r.config.ProjectID,
		r.config.Location,
		r.config.IndexEndpointID,
	)

	req := &aiplatformpb.FindNeighborsRequest{
		IndexEndpoint:   indexEndpoint,
		DeployedIndexId: r.config.DeployedIndexID,
		Queries: []*aiplatformpb.FindNeighborsRequest_Query{
			{
				Datapoint: &aiplatformpb.IndexDatapoint{
					FeatureVector: query,
					Restricts:     restrictsFor(filter),
				},
				NeighborCount: int32(k),
			},
		},
	}

	resp, err := r.client.FindNeighbors(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("find neighbors: %w", err)
	}
	if len(resp.GetNearestNeighbors()) == 0 {
		return []ranker.Scored{}, nil
	}

	// Vertex distances depend on the index's distance measure; rescoring
	// locally keeps the cosine convention of the other retrievers.
	scorer := ranker.NewScorer(query)
	top := ranker.NewCollector(k)
	for _, neighbor := range resp.NearestNeighbors[0].GetNeighbors() {
		id, err := strconv.ParseInt(neighbor.GetDatapoint().GetDatapointId(), 10, 64)
		if err != nil {
			continue
		}
		p, ok := r.store.Get(id)
		if !ok || !filter.Match(p) {
			continue
		}
		top.Push(ranker.Scored{ID: id, Score: scorer.Score(p.Embedding)})
	}
	return top.Results(), nil
}

func restrictsFor(filter repository.Filter) []*aiplatformpb.IndexDatapoint_Restriction {
	var out []*aiplatformpb.IndexDatapoint_Restriction
	if filter.Collection != "" {
		out = append(out, &aiplatformpb.IndexDatapoint_Restriction{
			Namespace: namespaceCollection,
			AllowList: []string{restrictToken(filter.Collection)},
		})
	}
	if filter.Topic != "" {
		out = append(out, &aiplatformpb.IndexDatapoint_Restriction{
			Namespace: namespaceTopic,
			AllowList: []string{restrictToken(filter.Topic)},
		})
	}
	return out
}
