package imaging

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/offerpipe/offerpipe/model"
	"github.com/offerpipe/offerpipe/persistence/memory"
)

type fakeGenerator struct {
	perPrompt map[string]error
	calls     int
}

func (g *fakeGenerator) Generate(ctx context.Context, prompt string, image []byte) ([]byte, error) {
	g.calls++
	if err, ok := g.perPrompt[prompt]; ok && err != nil {
		return nil, err
	}
	return []byte("image-for-" + prompt), nil
}

type passOptimizer struct{}

func (passOptimizer) Optimize(ctx context.Context, image []byte) ([]byte, error) {
	return image, nil
}

type failingOptimizer struct{ err error }

func (o failingOptimizer) Optimize(ctx context.Context, image []byte) ([]byte, error) {
	return nil, o.err
}

type fakeStore struct{}

func (fakeStore) Upload(ctx context.Context, data []byte, objectPath string) (string, error) {
	return "https://cdn.example.com/" + objectPath, nil
}

func seedItems(t *testing.T, storage *memory.Storage, prompts ...string) []string {
	t.Helper()
	ids := make([]string, 0, len(prompts))
	for i, prompt := range prompts {
		id := string(rune('a' + i))
		item := &model.FlyerItem{
			Id:          id,
			FlyerId:     "flyer-1",
			Name:        prompt,
			ImagePrompt: prompt,
			ImageStatus: model.IMAGE_PENDING,
		}
		require.NoError(t, storage.Items().Save(context.Background(), item))
		ids = append(ids, id)
	}
	return ids
}

func TestPipeline(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T){
		"test all items get images":        testAllItemsGetImages,
		"test safety rejection isolates":   testSafetyRejectionIsolates,
		"test completed items are skipped": testCompletedSkipped,
		"test optimizer outage degrades":   testOptimizerOutage,
		"test terminal optimizer error":    testOptimizerTerminal,
	} {
		t.Run(scenario, fn)
	}
}

func testAllItemsGetImages(t *testing.T) {
	storage := memory.NewStorage()
	gen := &fakeGenerator{}
	p := NewPipeline(storage.Items(), gen, passOptimizer{}, fakeStore{}, 2)
	ids := seedItems(t, storage, "milk", "bread", "cheese")

	summary := p.Process(context.Background(), "flyer-1", ids)
	require.Equal(t, 3, summary.Completed)
	require.Equal(t, 0, summary.Failed)

	for _, id := range ids {
		item, err := storage.Items().Get(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, model.IMAGE_COMPLETED, item.ImageStatus)
		require.Equal(t, "https://cdn.example.com/flyers/flyer-1/"+id+".png", item.ImageUrl)
	}
}

func testSafetyRejectionIsolates(t *testing.T) {
	storage := memory.NewStorage()
	gen := &fakeGenerator{perPrompt: map[string]error{
		"bread": model.SafetyRejection{Reason: "flagged content"},
	}}
	p := NewPipeline(storage.Items(), gen, passOptimizer{}, fakeStore{}, 2)
	ids := seedItems(t, storage, "milk", "bread")

	summary := p.Process(context.Background(), "flyer-1", ids)
	require.Equal(t, 1, summary.Completed)
	require.Equal(t, 1, summary.Failed)

	milk, err := storage.Items().Get(context.Background(), ids[0])
	require.NoError(t, err)
	require.Equal(t, model.IMAGE_COMPLETED, milk.ImageStatus)

	bread, err := storage.Items().Get(context.Background(), ids[1])
	require.NoError(t, err)
	require.Equal(t, model.IMAGE_FAILED, bread.ImageStatus)
	require.Empty(t, bread.ImageUrl)
}

func testCompletedSkipped(t *testing.T) {
	storage := memory.NewStorage()
	gen := &fakeGenerator{}
	p := NewPipeline(storage.Items(), gen, passOptimizer{}, fakeStore{}, 2)
	ids := seedItems(t, storage, "milk")

	item, err := storage.Items().Get(context.Background(), ids[0])
	require.NoError(t, err)
	item.ImageStatus = model.IMAGE_COMPLETED
	item.ImageUrl = "https://cdn.example.com/existing.png"
	require.NoError(t, storage.Items().Update(context.Background(), item))

	summary := p.Process(context.Background(), "flyer-1", ids)
	require.Equal(t, 1, summary.Skipped)
	require.Equal(t, 0, gen.calls)
}

func testOptimizerOutage(t *testing.T) {
	storage := memory.NewStorage()
	gen := &fakeGenerator{}
	opt := failingOptimizer{err: model.NewTransientError("optimize", errors.New("service down"))}
	p := NewPipeline(storage.Items(), gen, opt, fakeStore{}, 2)
	ids := seedItems(t, storage, "milk")

	// a transient optimizer failure degrades to uploading the original
	summary := p.Process(context.Background(), "flyer-1", ids)
	require.Equal(t, 1, summary.Completed)

	item, err := storage.Items().Get(context.Background(), ids[0])
	require.NoError(t, err)
	require.Equal(t, model.IMAGE_COMPLETED, item.ImageStatus)
	require.NotEmpty(t, item.ImageUrl)
}

func testOptimizerTerminal(t *testing.T) {
	storage := memory.NewStorage()
	gen := &fakeGenerator{}
	opt := failingOptimizer{err: model.NewValidationError("unsupported image format")}
	p := NewPipeline(storage.Items(), gen, opt, fakeStore{}, 2)
	ids := seedItems(t, storage, "milk")

	summary := p.Process(context.Background(), "flyer-1", ids)
	require.Equal(t, 1, summary.Failed)

	item, err := storage.Items().Get(context.Background(), ids[0])
	require.NoError(t, err)
	require.Equal(t, model.IMAGE_FAILED, item.ImageStatus)
}
