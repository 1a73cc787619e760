package vertex

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	aiplatformpb "cloud.google.com/go/aiplatform/apiv1/aiplatformpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qh-search-api/internal/repository"
	"github.com/qh-search-api/pkg/schema/corpus"
)

type fakeMatch struct {
	ids []string
	req *aiplatformpb.FindNeighborsRequest
	err error
}

func (f *fakeMatch) FindNeighbors(_ context.Context, req *aiplatformpb.FindNeighborsRequest, _ ...gax.CallOption) (*aiplatformpb.FindNeighborsResponse, error) {
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	nn := &aiplatformpb.FindNeighborsResponse_NearestNeighbors{}
	for _, id := range f.ids {
		nn.Neighbors = append(nn.Neighbors, &aiplatformpb.FindNeighborsResponse_Neighbor{
			Datapoint: &aiplatformpb.IndexDatapoint{DatapointId: id},
			Distance:  0.5,
		})
	}
	return &aiplatformpb.FindNeighborsResponse{NearestNeighbors: []*aiplatformpb.FindNeighborsResponse_NearestNeighbors{nn}}, nil
}

func testStore(t *testing.T) *corpus.Store {
	t.Helper()
	s, err := corpus.NewStore(corpus.KindHadith, []corpus.Passage{
		{ID: 1, Corpus: corpus.KindHadith, Embedding: []float32{1, 0}, Meta: corpus.HadithMeta{Collection: "bukhari", Topic: "Prayer"}},
		{ID: 2, Corpus: corpus.KindHadith, Embedding: []float32{0, 1}, Meta: corpus.HadithMeta{Collection: "muslim", Topic: "Fasting"}},
		{ID: 3, Corpus: corpus.KindHadith, Embedding: []float32{1, 1}, Meta: corpus.HadithMeta{Collection: "bukhari"}},
	})
	require.NoError(t, err)
	return s
}

func TestRetrieve(t *testing.T) {
	store := testStore(t)
	cfg := Config{ProjectID: "p", Location: "us-central1", IndexEndpointID: "e", DeployedIndexID: "hadith_v1"}

	t.Run("rescored locally with cosine", func(t *testing.T) {
		f := &fakeMatch{ids: []string{"2", "3", "1", "not-a-number", "99"}}
		r := newRepository(cfg, f, store)

		results, err := r.Retrieve(context.Background(), []float32{1, 0}, 2, repository.Filter{})
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, int64(1), results[0].ID)
		assert.InDelta(t, 1.0, results[0].Score, 1e-9)
		assert.Equal(t, int64(3), results[1].ID)

		assert.Equal(t, "projects/p/locations/us-central1/indexEndpoints/e", f.req.IndexEndpoint)
		assert.Equal(t, "hadith_v1", f.req.DeployedIndexId)
		assert.Equal(t, int32(2), f.req.Queries[0].NeighborCount)
		assert.Empty(t, f.req.Queries[0].Datapoint.Restricts)
	})

	t.Run("filter is pushed down and enforced", func(t *testing.T) {
		f := &fakeMatch{ids: []string{"1", "2"}}
		r := newRepository(cfg, f, store)

		results, err := r.Retrieve(context.Background(), []float32{1, 0}, 5, repository.Filter{Collection: "bukhari", Topic: "Prayer"})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, int64(1), results[0].ID)

		restricts := f.req.Queries[0].Datapoint.Restricts
		require.Len(t, restricts, 2)
		assert.Equal(t, "collection", restricts[0].Namespace)
		assert.Equal(t, []string{"bukhari"}, restricts[0].AllowList)
		assert.Equal(t, []string{"prayer"}, restricts[1].AllowList)
	})

	t.Run("errors", func(t *testing.T) {
		r := newRepository(cfg, &fakeMatch{err: errors.New("unavailable")}, store)
		_, err := r.Retrieve(context.Background(), []float32{1, 0}, 2, repository.Filter{})
		assert.ErrorContains(t, err, "find neighbors")

		_, err = r.Retrieve(context.Background(), []float32{1, 0, 0}, 2, repository.Filter{})
		assert.Error(t, err)
	})
}

type fakeUpserter struct {
	batches []int
	ids     []string
}

func (f *fakeUpserter) UpsertDatapoints(_ context.Context, req *aiplatformpb.UpsertDatapointsRequest, _ ...gax.CallOption) (*aiplatformpb.UpsertDatapointsResponse, error) {
	f.batches = append(f.batches, len(req.Datapoints))
	for _, dp := range req.Datapoints {
		f.ids = append(f.ids, dp.DatapointId)
	}
	return &aiplatformpb.UpsertDatapointsResponse{}, nil
}

func TestUpsert(t *testing.T) {
	passages := make([]corpus.Passage, 250)
	for i := range passages {
		passages[i] = corpus.Passage{ID: int64(i + 1), Corpus: corpus.KindQuran, Embedding: []float32{float32(i), 1}, Meta: corpus.VerseMeta{Surah: 1, Ayat: i + 1}}
	}
	store, err := corpus.NewStore(corpus.KindQuran, passages)
	require.NoError(t, err)

	f := &fakeUpserter{}
	var progress []int
	n, err := Upsert(context.Background(), f, IndexName("p", "us-central1", "idx"), store, func(done int) { progress = append(progress, done) })
	require.NoError(t, err)
	assert.Equal(t, 250, n)
	assert.Equal(t, []int{100, 100, 50}, f.batches)
	assert.Equal(t, []int{100, 200, 250}, progress)
	assert.Equal(t, "1", f.ids[0])
	assert.Equal(t, "250", f.ids[249])
}

func TestExportJSONL(t *testing.T) {
	var buf bytes.Buffer
	n, err := ExportJSONL(&buf, testStore(t))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	scanner := bufio.NewScanner(&buf)
	var points []DataPoint
	for scanner.Scan() {
		var dp DataPoint
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &dp))
		points = append(points, dp)
	}
	require.Len(t, points, 3)
	assert.Equal(t, "1", points[0].ID)
	assert.Equal(t, []Restrict{
		{Namespace: "collection", Allow: []string{"bukhari"}},
		{Namespace: "topic", Allow: []string{"prayer"}},
	}, points[0].Restricts)
	assert.Equal(t, []Restrict{{Namespace: "collection", Allow: []string{"bukhari"}}}, points[2].Restricts)
}
