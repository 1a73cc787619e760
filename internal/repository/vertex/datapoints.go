package vertex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	aiplatform "cloud.google.com/go/aiplatform/apiv1"
	aiplatformpb "cloud.google.com/go/aiplatform/apiv1/aiplatformpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"

	"github.com/qh-search-api/pkg/schema/corpus"
)

const (
	namespaceCollection = "collection"
	namespaceTopic      = "topic"

	// UpsertBatchSize is the number of datapoints per upsert request
	UpsertBatchSize = 100
)

// DataPoint represents a single embedding in the Vertex AI batch import format
type DataPoint struct {
	ID        string     `json:"id"`
	Embedding []float32  `json:"embedding"`
	Restricts []Restrict `json:"restricts,omitempty"`
}

// Restrict defines a token-based filter
type Restrict struct {
	Namespace string   `json:"namespace"`
	Allow     []string `json:"allow"`
}

// restrictToken normalizes a filter value so upserted tokens and query tokens agree.
func restrictToken(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

// DataPoints converts a store into datapoints. Hadiths carry collection and
// topic restricts.
func DataPoints(store *corpus.Store) []DataPoint {
	out := make([]DataPoint, 0, store.Len())
	for _, p := range store.Passages() {
		dp := DataPoint{ID: strconv.FormatInt(p.ID, 10), Embedding: p.Embedding}
		if m, ok := p.Meta.(corpus.HadithMeta); ok {
			if m.Collection != "" {
				dp.Restricts = append(dp.Restricts, Restrict{Namespace: namespaceCollection, Allow: []string{restrictToken(m.Collection)}})
			}
			if m.Topic != "" {
				dp.Restricts = append(dp.Restricts, Restrict{Namespace: namespaceTopic, Allow: []string{restrictToken(m.Topic)}})
			}
		}
		out = append(out, dp)
	}
	return out
}

// ExportJSONL writes one datapoint per line for a batch index build.
func ExportJSONL(w io.Writer, store *corpus.Store) (int, error) {
	encoder := json.NewEncoder(w)
	count := 0
	for _, dp := range DataPoints(store) {
		if err := encoder.Encode(dp); err != nil {
			return count, fmt.Errorf("encode data point %s: %w", dp.ID, err)
		}
		count++
	}
	return count, nil
}

func (dp DataPoint) proto() *aiplatformpb.IndexDatapoint {
	out := &aiplatformpb.IndexDatapoint{
		DatapointId:   dp.ID,
		FeatureVector: dp.Embedding,
	}
	for _, r := range dp.Restricts {
		out.Restricts = append(out.Restricts, &aiplatformpb.IndexDatapoint_Restriction{
			Namespace: r.Namespace,
			AllowList: r.Allow,
		})
	}
	return out
}

// datapointUpserter is the part of the index client Upsert uses.
type datapointUpserter interface {
	UpsertDatapoints(ctx context.Context, req *aiplatformpb.UpsertDatapointsRequest, opts ...gax.CallOption) (*aiplatformpb.UpsertDatapointsResponse, error)
}

// Upsert streams every datapoint of store into the index in batches.
// progress, when non-nil, is called after each batch with the running total.
func Upsert(ctx context.Context, client datapointUpserter, indexName string, store *corpus.Store, progress func(done int)) (int, error) {
	points := DataPoints(store)
	batch := make([]*aiplatformpb.IndexDatapoint, 0, UpsertBatchSize)
	total := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		_, err := client.UpsertDatapoints(ctx, &aiplatformpb.UpsertDatapointsRequest{
			Index:      indexName,
			Datapoints: batch,
		})
		if err != nil {
			return fmt.Errorf("upsert batch ending at %d: %w", total, err)
		}
		if progress != nil {
			progress(total)
		}
		batch = batch[:0]
		return nil
	}

	for _, dp := range points {
		batch = append(batch, dp.proto())
		total++
		if len(batch) >= UpsertBatchSize {
			if err := flush(); err != nil {
				return total - len(batch), err
			}
		}
	}
	if err := flush(); err != nil {
		return total - len(batch), err
	}
	return total, nil
}

// NewIndexClient creates a regional index client for upserts
func NewIndexClient(ctx context.Context, location string) (*aiplatform.IndexClient, error) {
	endpoint := fmt.Sprintf("%s-aiplatform.googleapis.com:443", location)
	client, err := aiplatform.NewIndexClient(ctx, option.WithEndpoint(endpoint))
	if err != nil {
		return nil, fmt.Errorf("create index client: %w", err)
	}
	return client, nil
}

// IndexName builds the index resource name
func IndexName(projectID, location, indexID string) string {
	return fmt.Sprintf("projects/%s/locations/%s/indexes/%s", projectID, location, indexID)
}
