package vertex

import (
	"context"
	"fmt"

	aiplatformpb "cloud.google.com/go/aiplatform/apiv1/aiplatformpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/protobuf/types/known/structpb"
)

// IndexSpec describes a stream-update index over one corpus.
type IndexSpec struct {
	DisplayName string
	Description string
	Dimensions  int
	// ContentsDeltaURI is an optional gs:// prefix with exported JSONL.
	ContentsDeltaURI string
}

// Proto builds the create request body. Indexes use cosine distance with the
// tree-AH algorithm.
func (s IndexSpec) Proto() (*aiplatformpb.Index, error) {
	if s.Dimensions <= 0 {
		return nil, fmt.Errorf("index dimensions must be positive, got %d", s.Dimensions)
	}
	metadata := map[string]any{
		"config": map[string]any{
			"dimensions":                s.Dimensions,
			"approximateNeighborsCount": 150,
			"distanceMeasureType":       "COSINE_DISTANCE",
			"algorithmConfig": map[string]any{
				"treeAhConfig": map[string]any{
					"leafNodeEmbeddingCount":   1000,
					"leafNodesToSearchPercent": 5,
				},
			},
		},
	}
	if s.ContentsDeltaURI != "" {
		metadata["contentsDeltaUri"] = s.ContentsDeltaURI
	}
	st, err := structpb.NewStruct(metadata)
	if err != nil {
		return nil, fmt.Errorf("index metadata: %w", err)
	}
	return &aiplatformpb.Index{
		DisplayName:       s.DisplayName,
		Description:       s.Description,
		Metadata:          structpb.NewStructValue(st),
		IndexUpdateMethod: aiplatformpb.Index_STREAM_UPDATE,
	}, nil
}

// createIndexOperation is the long-running operation returned by CreateIndex.
type createIndexOperation interface {
	Name() string
	Wait(ctx context.Context, opts ...gax.CallOption) (*aiplatformpb.Index, error)
}

// indexCreator is the part of the index client CreateIndex uses.
type indexCreator[Op createIndexOperation] interface {
	CreateIndex(ctx context.Context, req *aiplatformpb.CreateIndexRequest, opts ...gax.CallOption) (Op, error)
}

// CreateIndex starts index creation under parent and waits for it. started,
// when non-nil, receives the operation name before the wait.
func CreateIndex[Op createIndexOperation](ctx context.Context, client indexCreator[Op], parent string, spec IndexSpec, started func(op string)) (*aiplatformpb.Index, error) {
	index, err := spec.Proto()
	if err != nil {
		return nil, err
	}
	op, err := client.CreateIndex(ctx, &aiplatformpb.CreateIndexRequest{Parent: parent, Index: index})
	if err != nil {
		return nil, fmt.Errorf("create index: %w", err)
	}
	if started != nil {
		started(op.Name())
	}
	created, err := op.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("wait for index %s: %w", op.Name(), err)
	}
	return created, nil
}

// LocationName builds the parent resource name of indexes in a region.
func LocationName(projectID, location string) string {
	return fmt.Sprintf("projects/%s/locations/%s", projectID, location)
}
