package vertex

import (
	"context"
	"errors"
	"testing"

	aiplatformpb "cloud.google.com/go/aiplatform/apiv1/aiplatformpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOperation struct {
	index *aiplatformpb.Index
	err   error
}

func (o *fakeOperation) Name() string { return "operations/42" }

func (o *fakeOperation) Wait(context.Context, ...gax.CallOption) (*aiplatformpb.Index, error) {
	return o.index, o.err
}

type fakeCreator struct {
	req *aiplatformpb.CreateIndexRequest
	op  *fakeOperation
}

func (f *fakeCreator) CreateIndex(_ context.Context, req *aiplatformpb.CreateIndexRequest, _ ...gax.CallOption) (*fakeOperation, error) {
	f.req = req
	return f.op, nil
}

func TestIndexSpec(t *testing.T) {
	index, err := IndexSpec{DisplayName: "hadith", Dimensions: 384, ContentsDeltaURI: "gs://bucket/hadith"}.Proto()
	require.NoError(t, err)

	assert.Equal(t, aiplatformpb.Index_STREAM_UPDATE, index.IndexUpdateMethod)
	fields := index.Metadata.GetStructValue().GetFields()
	assert.Equal(t, "gs://bucket/hadith", fields["contentsDeltaUri"].GetStringValue())
	config := fields["config"].GetStructValue().GetFields()
	assert.Equal(t, 384.0, config["dimensions"].GetNumberValue())
	assert.Equal(t, "COSINE_DISTANCE", config["distanceMeasureType"].GetStringValue())

	index, err = IndexSpec{DisplayName: "quran", Dimensions: 8}.Proto()
	require.NoError(t, err)
	assert.NotContains(t, index.Metadata.GetStructValue().GetFields(), "contentsDeltaUri")

	_, err = IndexSpec{DisplayName: "bad"}.Proto()
	assert.Error(t, err)
}

func TestCreateIndex(t *testing.T) {
	parent := LocationName("p", "us-central1")
	assert.Equal(t, "projects/p/locations/us-central1", parent)

	f := &fakeCreator{op: &fakeOperation{index: &aiplatformpb.Index{Name: parent + "/indexes/7"}}}
	var started string
	created, err := CreateIndex[*fakeOperation](context.Background(), f, parent, IndexSpec{DisplayName: "hadith", Dimensions: 4}, func(op string) { started = op })
	require.NoError(t, err)
	assert.Equal(t, parent+"/indexes/7", created.Name)
	assert.Equal(t, "operations/42", started)
	assert.Equal(t, parent, f.req.Parent)
	assert.Equal(t, "hadith", f.req.Index.DisplayName)

	f.op.err = errors.New("quota exceeded")
	_, err = CreateIndex[*fakeOperation](context.Background(), f, parent, IndexSpec{DisplayName: "hadith", Dimensions: 4}, nil)
	assert.ErrorContains(t, err, "quota exceeded")
}
