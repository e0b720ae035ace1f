package realtime

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/putto11262002/airchat/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransferBackend struct {
	mu        sync.Mutex
	offers    []core.AdminOffer
	details   *core.TransferDetails
	detailErr error
	made      []OfferRequest
	calls     map[string]int

	// when gate is set, every TransferDetails call announces itself on
	// started and waits for a value on gate
	gate    chan struct{}
	started chan struct{}
}

func newFakeTransferBackend() *fakeTransferBackend {
	return &fakeTransferBackend{calls: make(map[string]int)}
}

func (b *fakeTransferBackend) callCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[name]
}

func (b *fakeTransferBackend) update(f func(b *fakeTransferBackend)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f(b)
}

func (b *fakeTransferBackend) AdminOffers(context.Context) ([]core.AdminOffer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["AdminOffers"]++
	return slices.Clone(b.offers), nil
}

func (b *fakeTransferBackend) TransferDetails(ctx context.Context, transferID string) (*core.TransferDetails, error) {
	b.mu.Lock()
	b.calls["TransferDetails"]++
	gate, started := b.gate, b.started
	err := b.detailErr
	var details *core.TransferDetails
	if b.details != nil && b.details.ID == transferID {
		d := *b.details
		d.Offers = slices.Clone(b.details.Offers)
		details = &d
	}
	b.mu.Unlock()

	if gate != nil {
		started <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if details == nil {
		return nil, core.ErrInvalidTransfer
	}
	return details, nil
}

func (b *fakeTransferBackend) MakeOffer(_ context.Context, transferID string, offer OfferRequest) (*core.TransferOffer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.made = append(b.made, offer)
	return &core.TransferOffer{ID: "offer-admin", TransferID: transferID, DriverID: "admin", Price: offer.Price, Currency: offer.Currency, IsAdminOffer: true}, nil
}

func (b *fakeTransferBackend) block() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gate = make(chan struct{})
	b.started = make(chan struct{}, 16)
}

func transferChange(t core.ChangeType, transfer core.Transfer) core.Change {
	return mustChange(core.TransfersTable, t, transfer, nil)
}

func offerChange(transferID, driverID string) core.Change {
	return mustChange(core.TransferOffersTable, core.Insert,
		core.TransferOffer{ID: "offer-" + driverID, TransferID: transferID, DriverID: driverID}, nil)
}

func TestMountOffers(t *testing.T) {
	conn := newFakeConn()
	b := newFakeTransferBackend()
	b.offers = []core.AdminOffer{
		{OfferID: "o1", TransferID: "t1", TransferStatus: core.TransferPending},
		{OfferID: "o2", TransferID: "t2", TransferStatus: core.TransferAccepted, AcceptedDriverID: "admin"},
	}

	offers, err := MountOffers(context.Background(), conn, b, "admin", testPageOptions)
	require.NoError(t, err)
	require.Len(t, offers.List(), 2)
	accepted := offers.Accepted()
	require.Len(t, accepted, 1)
	assert.Equal(t, "o2", accepted[0].OfferID)
	require.NoError(t, offers.Err())

	ch := conn.channel(OffersChannel)
	require.NotNil(t, ch)

	b.update(func(b *fakeTransferBackend) {
		b.offers[0].TransferStatus = core.TransferAccepted
		b.offers[0].AcceptedDriverID = "driver-1"
	})
	ch.emitChange(transferChange(core.Update, core.Transfer{ID: "t1", Status: core.TransferAccepted}))
	require.Eventually(t, func() bool {
		list := offers.List()
		return len(list) == 2 && list[0].TransferStatus == core.TransferAccepted
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, offers.Accepted(), 1)

	t.Run("offers of other drivers are ignored", func(t *testing.T) {
		calls := b.callCount("AdminOffers")
		ch.emitChange(offerChange("t1", "driver-1"))
		assert.Never(t, func() bool {
			return b.callCount("AdminOffers") != calls
		}, 50*time.Millisecond, 5*time.Millisecond)
	})

	t.Run("own offer refetches", func(t *testing.T) {
		b.update(func(b *fakeTransferBackend) {
			b.offers = append(b.offers, core.AdminOffer{OfferID: "o3", TransferID: "t3"})
		})
		ch.emitChange(offerChange("t3", "admin"))
		require.Eventually(t, func() bool {
			return len(offers.List()) == 3
		}, time.Second, 5*time.Millisecond)
	})

	offers.Close()
	assert.True(t, ch.isUnsubscribed())
	calls := b.callCount("AdminOffers")
	ch.emitChange(transferChange(core.Insert, core.Transfer{ID: "t4"}))
	assert.Equal(t, calls, b.callCount("AdminOffers"))
}

func TestMountTransferDetail(t *testing.T) {
	conn := newFakeConn()
	b := newFakeTransferBackend()
	b.details = &core.TransferDetails{
		Transfer: core.Transfer{ID: "t1", Status: core.TransferPending},
		Offers:   []core.OfferDetail{{OfferID: "o1", DriverID: "driver-1"}},
	}

	detail, err := MountTransferDetail(context.Background(), conn, b, "t1", testPageOptions)
	require.NoError(t, err)
	defer detail.Close()
	require.Equal(t, core.TransferPending, detail.Details().Status)
	require.Len(t, detail.Details().Offers, 1)

	ch := conn.channel(TransferDetailChannel("t1"))
	require.NotNil(t, ch)
	fetches := b.callCount("TransferDetails")

	t.Run("status update is patched in place", func(t *testing.T) {
		ch.emitChange(transferChange(core.Update, core.Transfer{ID: "t2", Status: core.TransferCancelled}))
		assert.Equal(t, core.TransferPending, detail.Details().Status)

		ch.emitChange(transferChange(core.Update, core.Transfer{ID: "t1", Status: core.TransferAccepted}))
		assert.Equal(t, core.TransferAccepted, detail.Details().Status)
		assert.Equal(t, fetches, b.callCount("TransferDetails"))
	})

	t.Run("new offer refetches", func(t *testing.T) {
		b.update(func(b *fakeTransferBackend) {
			b.details.Status = core.TransferAccepted
			b.details.Offers = append(b.details.Offers, core.OfferDetail{OfferID: "o2", DriverID: "admin", IsAdminOffer: true})
		})
		ch.emitChange(offerChange("t2", "admin"))
		ch.emitChange(offerChange("t1", "admin"))
		require.Eventually(t, func() bool {
			return len(detail.Details().Offers) == 2
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, fetches+1, b.callCount("TransferDetails"))
	})

	t.Run("make offer", func(t *testing.T) {
		offer, err := detail.MakeOffer(context.Background(), OfferRequest{Price: 30, Currency: "EUR"})
		require.NoError(t, err)
		assert.Equal(t, "t1", offer.TransferID)
		b.mu.Lock()
		defer b.mu.Unlock()
		assert.Equal(t, []OfferRequest{{Price: 30, Currency: "EUR"}}, b.made)
	})
}

func TestTransferDetailPatchSurvivesInflightFetch(t *testing.T) {
	conn := newFakeConn()
	b := newFakeTransferBackend()
	b.details = &core.TransferDetails{Transfer: core.Transfer{ID: "t1", Status: core.TransferAccepted}}

	detail, err := MountTransferDetail(context.Background(), conn, b, "t1", testPageOptions)
	require.NoError(t, err)
	defer detail.Close()
	ch := conn.channel(TransferDetailChannel("t1"))

	b.block()
	b.update(func(b *fakeTransferBackend) {
		b.details.Offers = []core.OfferDetail{{OfferID: "o1"}}
	})
	// the fetch reads accepted, then the transfer completes before it answers
	ch.emitChange(offerChange("t1", "driver-1"))
	<-b.started
	ch.emitChange(transferChange(core.Update, core.Transfer{ID: "t1", Status: core.TransferCompleted}))
	b.gate <- struct{}{}

	require.Eventually(t, func() bool {
		return len(detail.Details().Offers) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, core.TransferCompleted, detail.Details().Status)

	// a fetch that starts after the patch is authoritative again
	b.update(func(b *fakeTransferBackend) {
		b.details.Status = core.TransferCancelled
	})
	refreshed := make(chan error, 1)
	go func() { refreshed <- detail.Refresh(context.Background()) }()
	<-b.started
	b.gate <- struct{}{}
	require.NoError(t, <-refreshed)
	assert.Equal(t, core.TransferCancelled, detail.Details().Status)
}

func TestMountTransferDetailUnknownTransfer(t *testing.T) {
	conn := newFakeConn()
	b := newFakeTransferBackend()

	_, err := MountTransferDetail(context.Background(), conn, b, "missing", testPageOptions)
	require.ErrorIs(t, err, core.ErrInvalidTransfer)
	assert.Nil(t, conn.channel(TransferDetailChannel("missing")))
}
