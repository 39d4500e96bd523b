package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/offerpipe/offerpipe/discount"
	"github.com/offerpipe/offerpipe/event"
	"github.com/offerpipe/offerpipe/model"
	"github.com/offerpipe/offerpipe/persistence/memory"
)

type noopParser struct{}

func (noopParser) ParseDiscount(ctx context.Context, phrase string, originalPrice float64) (float64, error) {
	return 0, model.NewValidationError("no parser in tests")
}

type serviceFixture struct {
	storage *memory.Storage
	bus     *event.MemoryBus
	svc     *FlyerService
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		storage: memory.NewStorage(),
		bus:     event.NewMemoryBus(),
	}
	discounts := discount.NewApplier(f.storage.Catalog(), f.storage.Items(), noopParser{}, time.Second)
	f.svc = NewFlyerService(f.storage, f.bus, discounts)
	return f
}

func TestFlyerService(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T, f *serviceFixture){
		"test submit publishes parse event":    testSubmitPublishes,
		"test submit requires source url":      testSubmitRequiresUrl,
		"test approve applies choice":          testApproveAppliesChoice,
		"test approve rejects unknown choice":  testApproveRejectsUnknown,
		"test approve requires waiting status": testApproveRequiresWaiting,
		"test approve survives discount error": testApproveSurvivesDiscountError,
	} {
		t.Run(scenario, func(t *testing.T) {
			fn(t, newServiceFixture(t))
		})
	}
}

func testSubmitPublishes(t *testing.T, f *serviceFixture) {
	flyer, err := f.svc.SubmitFlyer(context.Background(), "https://retailer.example.com/weekly.png")
	require.NoError(t, err)
	require.Equal(t, model.FLYER_PENDING, flyer.Status)

	stored, err := f.svc.GetFlyer(context.Background(), flyer.Id)
	require.NoError(t, err)
	require.Equal(t, flyer.Id, stored.Id)

	published := f.bus.Published(model.EVENT_PARSE)
	require.Len(t, published, 1)
	payload, err := model.DecodePayload[model.ParsePayload](published[0])
	require.NoError(t, err)
	require.Equal(t, flyer.Id, payload.FlyerId)
}

func testSubmitRequiresUrl(t *testing.T, f *serviceFixture) {
	_, err := f.svc.SubmitFlyer(context.Background(), "")
	require.Error(t, err)
	require.False(t, model.IsRetryable(err))
	require.Empty(t, f.bus.Published(model.EVENT_PARSE))
}

func waitingItem(t *testing.T, f *serviceFixture) *model.FlyerItem {
	t.Helper()
	item := &model.FlyerItem{
		Id:             "item-1",
		FlyerId:        "flyer-1",
		Name:           "Milk 1L",
		OriginalPrice:  2.00,
		DiscountPrice:  1.50,
		Currency:       "EUR",
		MatchingStatus: model.MATCHING_WAITING_FOR_APPROVAL,
		MatchedCandidates: []model.MatchedCandidate{
			{CandidateId: "cat-1", RelevanceScore: 0.6},
		},
	}
	require.NoError(t, f.storage.Items().Save(context.Background(), item))
	require.NoError(t, f.storage.Catalog().Save(context.Background(),
		&model.CatalogEntry{Id: "cat-1", Name: "Milk 1L", CurrentPrice: 2.00, Currency: "EUR"}))
	return item
}

func testApproveAppliesChoice(t *testing.T, f *serviceFixture) {
	waitingItem(t, f)

	item, err := f.svc.ApproveItem(context.Background(), "item-1", "cat-1")
	require.NoError(t, err)
	require.Equal(t, model.MATCHING_APPLIED_TO_PRODUCT, item.MatchingStatus)
	require.Equal(t, "cat-1", item.SelectedCandidateId)
	require.True(t, item.DiscountApplied)

	entry, err := f.storage.Catalog().Get(context.Background(), "cat-1")
	require.NoError(t, err)
	require.Equal(t, 1.50, entry.CurrentPrice)
	require.True(t, entry.HasActiveDiscount)
}

func testApproveRejectsUnknown(t *testing.T, f *serviceFixture) {
	waitingItem(t, f)

	_, err := f.svc.ApproveItem(context.Background(), "item-1", "cat-unknown")
	require.Error(t, err)
	require.False(t, model.IsRetryable(err))
}

func testApproveSurvivesDiscountError(t *testing.T, f *serviceFixture) {
	item := waitingItem(t, f)
	// no discount price and no phrase: the discount transaction has
	// nothing to compute and fails terminally
	item.DiscountPrice = 0
	require.NoError(t, f.storage.Items().Update(context.Background(), item))

	item, err := f.svc.ApproveItem(context.Background(), "item-1", "cat-1")
	require.NoError(t, err)

	// the operator's decision is persisted even though no discount landed
	require.Equal(t, model.MATCHING_APPLIED_TO_PRODUCT, item.MatchingStatus)
	require.Equal(t, "cat-1", item.SelectedCandidateId)
	require.False(t, item.DiscountApplied)

	stored, err := f.storage.Items().Get(context.Background(), "item-1")
	require.NoError(t, err)
	require.Equal(t, model.MATCHING_APPLIED_TO_PRODUCT, stored.MatchingStatus)
	require.Equal(t, "cat-1", stored.SelectedCandidateId)

	entry, err := f.storage.Catalog().Get(context.Background(), "cat-1")
	require.NoError(t, err)
	require.False(t, entry.HasActiveDiscount)
}

func testApproveRequiresWaiting(t *testing.T, f *serviceFixture) {
	item := waitingItem(t, f)
	item.MatchingStatus = model.MATCHING_COMPLETED
	require.NoError(t, f.storage.Items().Update(context.Background(), item))

	_, err := f.svc.ApproveItem(context.Background(), "item-1", "cat-1")
	require.Error(t, err)
}
