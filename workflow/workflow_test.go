package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/offerpipe/offerpipe/ai"
	"github.com/offerpipe/offerpipe/approval"
	"github.com/offerpipe/offerpipe/catalog"
	"github.com/offerpipe/offerpipe/config"
	"github.com/offerpipe/offerpipe/discount"
	"github.com/offerpipe/offerpipe/engine"
	"github.com/offerpipe/offerpipe/event"
	"github.com/offerpipe/offerpipe/imaging"
	"github.com/offerpipe/offerpipe/model"
	"github.com/offerpipe/offerpipe/persistence/memory"
)

type fakeDownloader struct {
	data []byte
	err  error
}

func (d *fakeDownloader) Download(ctx context.Context, url string) ([]byte, error) {
	return d.data, d.err
}

type fakeExtractor struct {
	offers []model.OfferRecord
	err    error
}

func (e *fakeExtractor) Extract(ctx context.Context, image []byte) ([]model.OfferRecord, error) {
	return e.offers, e.err
}

type fakeCatalog struct {
	candidates []model.CandidateProduct
	err        error
}

func (c *fakeCatalog) Search(ctx context.Context, query catalog.Query) ([]model.CandidateProduct, error) {
	return c.candidates, c.err
}

type fakeScorer struct {
	matches []model.ScoredMatch
	err     error
	calls   int
}

func (s *fakeScorer) Score(ctx context.Context, item *model.FlyerItem, candidates []model.CandidateProduct) ([]model.ScoredMatch, error) {
	s.calls++
	return s.matches, s.err
}

type fakeJudge struct {
	judgment ai.Judgment
	err      error
}

func (j *fakeJudge) Judge(ctx context.Context, item *model.FlyerItem, candidate model.MatchedCandidate, rule *model.ApprovalRule) (ai.Judgment, error) {
	return j.judgment, j.err
}

type fakeParser struct {
	newPrice float64
	err      error
	calls    int
}

func (p *fakeParser) ParseDiscount(ctx context.Context, phrase string, originalPrice float64) (float64, error) {
	p.calls++
	if p.err != nil {
		return 0, p.err
	}
	return p.newPrice, nil
}

type fakeGenerator struct {
	image []byte
	err   error
}

func (g *fakeGenerator) Generate(ctx context.Context, prompt string, image []byte) ([]byte, error) {
	return g.image, g.err
}

type passOptimizer struct{}

func (passOptimizer) Optimize(ctx context.Context, image []byte) ([]byte, error) {
	return image, nil
}

type fakeStore struct{}

func (fakeStore) Upload(ctx context.Context, data []byte, objectPath string) (string, error) {
	return "https://cdn.example.com/" + objectPath, nil
}

// flakyBus injects transient publish failures per event name; everything
// else is handed through to the wrapped bus.
type flakyBus struct {
	inner    event.Bus
	mu       sync.Mutex
	failures map[string]int
	attempts map[string]int
}

func newFlakyBus(inner event.Bus) *flakyBus {
	return &flakyBus{
		inner:    inner,
		failures: make(map[string]int),
		attempts: make(map[string]int),
	}
}

func (b *flakyBus) Subscribe(eventName string, handler event.Handler) {
	b.inner.Subscribe(eventName, handler)
}

func (b *flakyBus) Publish(ctx context.Context, evt model.Event) error {
	b.mu.Lock()
	b.attempts[evt.Name]++
	if b.failures[evt.Name] > 0 {
		b.failures[evt.Name]--
		b.mu.Unlock()
		return model.NewTransientError("publish", errors.New("bus unavailable"))
	}
	b.mu.Unlock()
	return b.inner.Publish(ctx, evt)
}

func (b *flakyBus) publishAttempts(eventName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts[eventName]
}

type fixture struct {
	storage    *memory.Storage
	bus        *event.MemoryBus
	flaky      *flakyBus
	engine     *engine.Engine
	downloader *fakeDownloader
	extractor  *fakeExtractor
	catalog    *fakeCatalog
	scorer     *fakeScorer
	parser     *fakeParser
	generator  *fakeGenerator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		storage:    memory.NewStorage(),
		bus:        event.NewMemoryBus(),
		downloader: &fakeDownloader{data: []byte("flyer-image")},
		extractor:  &fakeExtractor{},
		catalog:    &fakeCatalog{},
		scorer:     &fakeScorer{},
		parser:     &fakeParser{},
		generator:  &fakeGenerator{image: []byte("generated")},
	}
	f.flaky = newFlakyBus(f.bus)
	conf := config.Default()
	conf.Pipeline.RetryBaseDelay = 1 * time.Millisecond

	f.engine = engine.New(f.storage, f.bus, conf.Pipeline)
	evaluator := approval.NewEvaluator(conf.Approval, &fakeJudge{}, f.storage.Rules(), time.Second)
	discounts := discount.NewApplier(f.storage.Catalog(), f.storage.Items(), f.parser, time.Second)
	images := imaging.NewPipeline(f.storage.Items(), f.generator, passOptimizer{}, fakeStore{}, 2)

	RegisterAll(f.engine, Deps{
		Storage:    f.storage,
		Bus:        f.flaky,
		Downloader: f.downloader,
		Extractor:  f.extractor,
		Scorer:     f.scorer,
		Catalog:    f.catalog,
		Evaluator:  evaluator,
		Discounts:  discounts,
		Images:     images,
		Pipeline:   conf.Pipeline,
		Approval:   conf.Approval,
	})
	f.bus.Subscribe(model.EVENT_STATUS_UPDATE, StatusUpdates())
	return f
}

func (f *fixture) submitFlyer(t *testing.T) *model.Flyer {
	t.Helper()
	flyer := &model.Flyer{
		Id:        "flyer-1",
		SourceUrl: "https://retailer.example.com/weekly.png",
		Status:    model.FLYER_PENDING,
	}
	require.NoError(t, f.storage.Flyers().Save(context.Background(), flyer))
	evt, err := model.NewEvent("evt-parse-1", model.EVENT_PARSE, model.ParsePayload{
		FlyerId:   flyer.Id,
		SourceUrl: flyer.SourceUrl,
	})
	require.NoError(t, err)
	require.NoError(t, f.bus.Publish(context.Background(), evt))
	return flyer
}

func milkOffer() model.OfferRecord {
	return model.OfferRecord{
		Name:          "Milk 1L",
		OriginalPrice: 2.00,
		DiscountPrice: 1.50,
		Currency:      "EUR",
		Keywords:      []string{"milk", "dairy"},
		ImagePrompt:   "a carton of milk on a white background",
	}
}

func TestParseWorkflow(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T, f *fixture){
		"test flyer becomes items and fan-out": testParseHappyPath,
		"test no offers fails flyer":           testParseNoOffers,
		"test malformed offers are dropped":    testParseDropsMalformed,
		"test redelivery is idempotent":        testParseRedelivery,
		"test fan-out retries flaky publish":   testParseFanOutRetries,
		"test fan-out exhaustion fails items":  testParseFanOutExhaustion,
	} {
		t.Run(scenario, func(t *testing.T) {
			fn(t, newFixture(t))
		})
	}
}

func testParseHappyPath(t *testing.T, f *fixture) {
	f.extractor.offers = []model.OfferRecord{milkOffer()}
	f.catalog.candidates = []model.CandidateProduct{
		{Id: "cat-1", Name: "Milk 1L", Price: 2.00, Currency: "EUR"},
	}
	f.scorer.matches = []model.ScoredMatch{
		{CandidateId: "cat-1", RelevanceScore: 0.95, Reason: "same product"},
	}
	require.NoError(t, f.storage.Catalog().Save(context.Background(),
		&model.CatalogEntry{Id: "cat-1", Name: "Milk 1L", CurrentPrice: 2.00, Currency: "EUR"}))

	f.submitFlyer(t)

	flyer, err := f.storage.Flyers().Get(context.Background(), "flyer-1")
	require.NoError(t, err)
	require.Equal(t, model.FLYER_COMPLETED, flyer.Status)
	require.Equal(t, 1, flyer.ItemCount)

	items, err := f.storage.Items().ListByFlyer(context.Background(), "flyer-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	item := items[0]

	// the match workflow ran synchronously off the fan-out
	require.Equal(t, model.MATCHING_APPLIED_TO_PRODUCT, item.MatchingStatus)
	require.Equal(t, "cat-1", item.SelectedCandidateId)
	require.Equal(t, model.APPROVAL_SUCCESS, item.AutoApprovalStatus)
	require.True(t, item.DiscountApplied)

	entry, err := f.storage.Catalog().Get(context.Background(), "cat-1")
	require.NoError(t, err)
	require.Equal(t, 1.50, entry.CurrentPrice)
	require.Equal(t, 25.0, entry.DiscountPercentage)
	require.True(t, entry.HasActiveDiscount)

	// so did the image sub-pipeline
	require.Equal(t, model.IMAGE_COMPLETED, item.ImageStatus)
	require.Contains(t, item.ImageUrl, "flyers/flyer-1/")

	require.Len(t, f.bus.Published(model.EVENT_MATCH), 1)
	require.Len(t, f.bus.Published(model.EVENT_EXTRACT_IMAGES), 1)
}

func testParseNoOffers(t *testing.T, f *fixture) {
	f.extractor.err = model.NewValidationError("NO_PRODUCTS_FOUND")

	f.submitFlyer(t)

	flyer, err := f.storage.Flyers().Get(context.Background(), "flyer-1")
	require.NoError(t, err)
	require.Equal(t, model.FLYER_FAILED, flyer.Status)
	require.Contains(t, flyer.Error, "NO_PRODUCTS_FOUND")

	items, err := f.storage.Items().ListByFlyer(context.Background(), "flyer-1")
	require.NoError(t, err)
	require.Empty(t, items)
	require.Empty(t, f.bus.Published(model.EVENT_MATCH))
	require.Len(t, f.bus.Published(model.EVENT_STATUS_UPDATE), 1)
}

func testParseDropsMalformed(t *testing.T, f *fixture) {
	missingCurrency := milkOffer()
	missingCurrency.Name = "Mystery item"
	missingCurrency.Currency = ""
	f.extractor.offers = []model.OfferRecord{milkOffer(), missingCurrency}

	f.submitFlyer(t)

	flyer, err := f.storage.Flyers().Get(context.Background(), "flyer-1")
	require.NoError(t, err)
	require.Equal(t, model.FLYER_COMPLETED, flyer.Status)
	require.Equal(t, 1, flyer.ItemCount)

	items, err := f.storage.Items().ListByFlyer(context.Background(), "flyer-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "Milk 1L", items[0].Name)
}

func testParseRedelivery(t *testing.T, f *fixture) {
	f.extractor.offers = []model.OfferRecord{milkOffer()}

	f.submitFlyer(t)
	evt, err := model.NewEvent("evt-parse-1", model.EVENT_PARSE, model.ParsePayload{
		FlyerId:   "flyer-1",
		SourceUrl: "https://retailer.example.com/weekly.png",
	})
	require.NoError(t, err)
	require.NoError(t, f.bus.Publish(context.Background(), evt))

	items, err := f.storage.Items().ListByFlyer(context.Background(), "flyer-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Len(t, f.bus.Published(model.EVENT_MATCH), 1)
}

func testParseFanOutRetries(t *testing.T, f *fixture) {
	f.extractor.offers = []model.OfferRecord{milkOffer()}
	f.flaky.failures[model.EVENT_MATCH] = 1

	f.submitFlyer(t)

	flyer, err := f.storage.Flyers().Get(context.Background(), "flyer-1")
	require.NoError(t, err)
	require.Equal(t, model.FLYER_COMPLETED, flyer.Status)

	// one failed attempt plus the successful retry
	require.Equal(t, 2, f.flaky.publishAttempts(model.EVENT_MATCH))
	require.Len(t, f.bus.Published(model.EVENT_MATCH), 1)

	items, err := f.storage.Items().ListByFlyer(context.Background(), "flyer-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	// the match workflow ran off the retried publish
	require.Equal(t, model.MATCHING_COMPLETED, items[0].MatchingStatus)
}

func testParseFanOutExhaustion(t *testing.T, f *fixture) {
	f.extractor.offers = []model.OfferRecord{milkOffer()}
	f.flaky.failures[model.EVENT_MATCH] = 100

	f.submitFlyer(t)

	// the run still completes; the item is terminally failed, not stranded
	flyer, err := f.storage.Flyers().Get(context.Background(), "flyer-1")
	require.NoError(t, err)
	require.Equal(t, model.FLYER_COMPLETED, flyer.Status)

	items, err := f.storage.Items().ListByFlyer(context.Background(), "flyer-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, model.MATCHING_FAILED, items[0].MatchingStatus)
	require.NotEmpty(t, items[0].MatchingError)
	require.Empty(t, f.bus.Published(model.EVENT_MATCH))
}

func TestMatchWorkflow(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T, f *fixture){
		"test empty search completes item":     testMatchEmptySearch,
		"test scorer failure falls back":       testMatchScorerFallback,
		"test weak matches wait for review":    testMatchWaitsForReview,
		"test below relevance floor completes": testMatchBelowFloor,
		"test discount failure keeps approval": testMatchDiscountFailure,
		"test sibling isolation":               testMatchSiblingIsolation,
		"test redelivery does not reapply":     testMatchRedelivery,
	} {
		t.Run(scenario, func(t *testing.T) {
			fn(t, newFixture(t))
		})
	}
}

func seedItem(t *testing.T, f *fixture, id string) *model.FlyerItem {
	t.Helper()
	item := &model.FlyerItem{
		Id:             id,
		FlyerId:        "flyer-1",
		Name:           "Milk 1L",
		OriginalPrice:  2.00,
		DiscountPrice:  1.50,
		Currency:       "EUR",
		Keywords:       []string{"milk"},
		MatchingStatus: model.MATCHING_PENDING,
		ImageStatus:    model.IMAGE_PENDING,
	}
	require.NoError(t, f.storage.Items().Save(context.Background(), item))
	return item
}

func publishMatch(t *testing.T, f *fixture, itemId string) {
	t.Helper()
	evt, err := model.NewEvent("evt-match-"+itemId, model.EVENT_MATCH, model.MatchPayload{
		ItemId:  itemId,
		FlyerId: "flyer-1",
		Name:    "Milk 1L",
	})
	require.NoError(t, err)
	require.NoError(t, f.bus.Publish(context.Background(), evt))
}

func testMatchEmptySearch(t *testing.T, f *fixture) {
	f.catalog.candidates = nil
	seedItem(t, f, "item-1")

	publishMatch(t, f, "item-1")

	item, err := f.storage.Items().Get(context.Background(), "item-1")
	require.NoError(t, err)
	require.Equal(t, model.MATCHING_COMPLETED, item.MatchingStatus)
	require.Empty(t, item.MatchedCandidates)
}

func testMatchScorerFallback(t *testing.T, f *fixture) {
	f.catalog.candidates = []model.CandidateProduct{
		{Id: "cat-1", Name: "Milk 1L", Price: 2.00, Currency: "EUR"},
		{Id: "cat-2", Name: "Milk 1L organic", Price: 2.50, Currency: "EUR"},
	}
	f.scorer.err = model.NewTransientError("score", errors.New("model overloaded"))
	seedItem(t, f, "item-1")

	publishMatch(t, f, "item-1")

	item, err := f.storage.Items().Get(context.Background(), "item-1")
	require.NoError(t, err)
	// fallback scores never auto-approve
	require.Equal(t, model.MATCHING_WAITING_FOR_APPROVAL, item.MatchingStatus)
	require.Equal(t, model.APPROVAL_FAILED, item.AutoApprovalStatus)
	require.Len(t, item.MatchedCandidates, 2)
	for _, m := range item.MatchedCandidates {
		require.True(t, m.LowConfidence)
		require.Equal(t, 0.5, m.RelevanceScore)
	}
}

func testMatchWaitsForReview(t *testing.T, f *fixture) {
	f.catalog.candidates = []model.CandidateProduct{
		{Id: "cat-1", Name: "Milk 2L", Price: 3.00, Currency: "EUR"},
	}
	f.scorer.matches = []model.ScoredMatch{
		{CandidateId: "cat-1", RelevanceScore: 0.55, Reason: "different size"},
	}
	seedItem(t, f, "item-1")

	publishMatch(t, f, "item-1")

	item, err := f.storage.Items().Get(context.Background(), "item-1")
	require.NoError(t, err)
	require.Equal(t, model.MATCHING_WAITING_FOR_APPROVAL, item.MatchingStatus)
	require.Equal(t, model.APPROVAL_FAILED, item.AutoApprovalStatus)
	require.NotEmpty(t, item.ApprovalReasoning)
	require.Empty(t, item.SelectedCandidateId)
}

func testMatchBelowFloor(t *testing.T, f *fixture) {
	f.catalog.candidates = []model.CandidateProduct{
		{Id: "cat-1", Name: "Shampoo", Price: 5.00, Currency: "EUR"},
	}
	f.scorer.matches = []model.ScoredMatch{
		{CandidateId: "cat-1", RelevanceScore: 0.1, Reason: "unrelated"},
	}
	seedItem(t, f, "item-1")

	publishMatch(t, f, "item-1")

	item, err := f.storage.Items().Get(context.Background(), "item-1")
	require.NoError(t, err)
	require.Equal(t, model.MATCHING_COMPLETED, item.MatchingStatus)
	require.Empty(t, item.MatchedCandidates)
}

func testMatchDiscountFailure(t *testing.T, f *fixture) {
	f.catalog.candidates = []model.CandidateProduct{
		{Id: "cat-1", Name: "Milk 1L", Price: 2.00, Currency: "EUR"},
	}
	f.scorer.matches = []model.ScoredMatch{
		{CandidateId: "cat-1", RelevanceScore: 0.95, Reason: "same product"},
	}
	// no catalog entry saved: the discount transaction cannot find it
	item := seedItem(t, f, "item-1")
	item.DiscountPrice = 0
	require.NoError(t, f.storage.Items().Update(context.Background(), item))

	publishMatch(t, f, "item-1")

	item, err := f.storage.Items().Get(context.Background(), "item-1")
	require.NoError(t, err)
	require.Equal(t, model.MATCHING_APPLIED_TO_PRODUCT, item.MatchingStatus)
	require.Equal(t, "cat-1", item.SelectedCandidateId)
	require.False(t, item.DiscountApplied)
}

func testMatchRedelivery(t *testing.T, f *fixture) {
	f.catalog.candidates = []model.CandidateProduct{
		{Id: "cat-1", Name: "Milk 1L", Price: 2.00, Currency: "EUR"},
	}
	f.scorer.matches = []model.ScoredMatch{
		{CandidateId: "cat-1", RelevanceScore: 0.95, Reason: "same product"},
	}
	f.parser.newPrice = 1.00
	require.NoError(t, f.storage.Catalog().Save(context.Background(),
		&model.CatalogEntry{Id: "cat-1", Name: "Milk 1L", CurrentPrice: 2.00, Currency: "EUR"}))
	item := seedItem(t, f, "item-1")
	item.DiscountPhrase = "half price"
	require.NoError(t, f.storage.Items().Update(context.Background(), item))

	// same event id twice: the second delivery must hit the memoized run
	publishMatch(t, f, "item-1")
	publishMatch(t, f, "item-1")

	item, err := f.storage.Items().Get(context.Background(), "item-1")
	require.NoError(t, err)
	require.Equal(t, model.MATCHING_APPLIED_TO_PRODUCT, item.MatchingStatus)
	require.Len(t, item.MatchedCandidates, 1)
	require.True(t, item.DiscountApplied)

	// scored once, discount computed once
	require.Equal(t, 1, f.scorer.calls)
	require.Equal(t, 1, f.parser.calls)

	entry, err := f.storage.Catalog().Get(context.Background(), "cat-1")
	require.NoError(t, err)
	require.Equal(t, 1.00, entry.CurrentPrice)
	require.Equal(t, 50.0, entry.DiscountPercentage)
}

func testMatchSiblingIsolation(t *testing.T, f *fixture) {
	f.catalog.candidates = []model.CandidateProduct{
		{Id: "cat-1", Name: "Milk 1L", Price: 2.00, Currency: "EUR"},
	}
	f.scorer.matches = []model.ScoredMatch{
		{CandidateId: "cat-1", RelevanceScore: 0.95, Reason: "same product"},
	}
	require.NoError(t, f.storage.Catalog().Save(context.Background(),
		&model.CatalogEntry{Id: "cat-1", Name: "Milk 1L", CurrentPrice: 2.00, Currency: "EUR"}))

	seedItem(t, f, "item-1")
	publishMatch(t, f, "item-1")

	// sibling with a payload pointing at a missing item fails alone
	evt, err := model.NewEvent("evt-match-ghost", model.EVENT_MATCH, model.MatchPayload{
		ItemId:  "item-ghost",
		FlyerId: "flyer-1",
		Name:    "Ghost",
	})
	require.NoError(t, err)
	require.NoError(t, f.bus.Publish(context.Background(), evt))

	item, err := f.storage.Items().Get(context.Background(), "item-1")
	require.NoError(t, err)
	require.Equal(t, model.MATCHING_APPLIED_TO_PRODUCT, item.MatchingStatus)
}
