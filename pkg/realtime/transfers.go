package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/putto11262002/airchat/core"
)

const (
	OffersChannel               = "admin-offers-page"
	transferDetailChannelPrefix = "admin-transfer-detail-"
)

func TransferDetailChannel(transferID string) string {
	return transferDetailChannelPrefix + transferID
}

// OfferRequest is an offer the admin makes for a transfer.
type OfferRequest struct {
	Price         float64 `json:"price"`
	Currency      string  `json:"currency"`
	DriverComment string  `json:"driver_comment"`
	// AcceptImmediately assigns the transfer to the admin right away.
	AcceptImmediately bool `json:"accept_immediately"`
}

// TransferBackend answers the transfer queries of the signed in admin.
type TransferBackend interface {
	AdminOffers(ctx context.Context) ([]core.AdminOffer, error)
	TransferDetails(ctx context.Context, transferID string) (*core.TransferDetails, error)
	MakeOffer(ctx context.Context, transferID string, offer OfferRequest) (*core.TransferOffer, error)
}

// Offers is the page listing the offers of the admin. Any transfer change
// refetches the whole list.
type Offers struct {
	self     string
	logger   *slog.Logger
	onUpdate func()
	recount  *recount[[]core.AdminOffer]

	mu     sync.Mutex
	offers []core.AdminOffer
	err    error
	scope  *scope
}

func MountOffers(ctx context.Context, conn Connection, backend TransferBackend, self string, o *PageOptions) (_ *Offers, err error) {
	opts := o.defaults()
	s := &scope{logger: opts.Logger}
	defer func() {
		if err != nil {
			s.release()
		}
	}()

	lifetime, cancel := context.WithCancel(context.Background())
	p := &Offers{self: self, logger: opts.Logger, onUpdate: opts.OnUpdate, scope: s}
	p.recount = newRecount(lifetime, backend.AdminOffers, p.apply)
	s.onRelease(func() {
		cancel()
		p.recount.wait()
	})

	ch, err := s.channel(conn, OffersChannel)
	if err != nil {
		return nil, err
	}
	refetch := func(core.Change) { p.recount.Request() }
	ch.OnChanges(core.ChangeBinding{Table: core.TransfersTable, Events: []core.ChangeType{core.AnyChange}}, refetch)
	ch.OnChanges(core.ChangeBinding{
		Table:  core.TransferOffersTable,
		Events: []core.ChangeType{core.Insert},
		Filter: "driver_id=eq." + self,
	}, refetch)
	ch.Subscribe(ctx, warnOnError(opts.Logger, OffersChannel))

	if err := p.Refresh(ctx); err != nil {
		opts.Logger.Warn(fmt.Sprintf("offers: %v", err))
	}
	return p, nil
}

func (p *Offers) apply(offers []core.AdminOffer, err error, _ uint64) {
	p.mu.Lock()
	if err == nil {
		p.offers = offers
	}
	p.err = err
	p.mu.Unlock()
	p.onUpdate()
}

// Refresh refetches the list and waits for the result.
func (p *Offers) Refresh(ctx context.Context) error {
	select {
	case err := <-p.recount.Request():
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// List returns the offers of the last successful fetch.
func (p *Offers) List() []core.AdminOffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.offers)
}

// Accepted returns the offers whose transfer went to the admin.
func (p *Offers) Accepted() []core.AdminOffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	var accepted []core.AdminOffer
	for _, o := range p.offers {
		if o.AcceptedBy(p.self) {
			accepted = append(accepted, o)
		}
	}
	return accepted
}

// Err returns the error of the last fetch, nil if it succeeded.
func (p *Offers) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Offers) Close() {
	p.scope.release()
}

// TransferDetail is one transfer with its offers. Status updates of the
// transfer are patched in place, new offers refetch the details.
type TransferDetail struct {
	ID string

	backend  TransferBackend
	logger   *slog.Logger
	onUpdate func()
	recount  *recount[*core.TransferDetails]

	mu      sync.Mutex
	details *core.TransferDetails
	err     error
	// a fetch of a cycle up to patchCycle started before the last status
	// patch, so the patched status wins over the one it returns
	patchCycle  uint64
	patchStatus core.TransferStatus
	patched     bool
	scope       *scope
}

func MountTransferDetail(ctx context.Context, conn Connection, backend TransferBackend, transferID string, o *PageOptions) (_ *TransferDetail, err error) {
	opts := o.defaults()
	s := &scope{logger: opts.Logger}
	defer func() {
		if err != nil {
			s.release()
		}
	}()

	lifetime, cancel := context.WithCancel(context.Background())
	d := &TransferDetail{
		ID:       transferID,
		backend:  backend,
		logger:   opts.Logger,
		onUpdate: opts.OnUpdate,
		scope:    s,
	}
	d.recount = newRecount(lifetime, func(ctx context.Context) (*core.TransferDetails, error) {
		return backend.TransferDetails(ctx, transferID)
	}, d.apply)
	s.onRelease(func() {
		cancel()
		d.recount.wait()
	})

	ch, err := s.channel(conn, TransferDetailChannel(transferID))
	if err != nil {
		return nil, err
	}
	ch.OnChanges(core.ChangeBinding{
		Table:  core.TransfersTable,
		Events: []core.ChangeType{core.Update},
		Filter: "id=eq." + transferID,
	}, d.onTransferUpdate)
	refetch := func(core.Change) { d.recount.Request() }
	ch.OnChanges(core.ChangeBinding{
		Table:  core.TransferOffersTable,
		Events: []core.ChangeType{core.Insert, core.Update},
		Filter: "transfer_id=eq." + transferID,
	}, refetch)
	ch.Subscribe(ctx, warnOnError(opts.Logger, ch.Name()))

	if err := d.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("TransferDetails: %w", err)
	}
	return d, nil
}

func (d *TransferDetail) apply(details *core.TransferDetails, err error, cycle uint64) {
	d.mu.Lock()
	if err == nil {
		if d.patched {
			if cycle <= d.patchCycle {
				details.Status = d.patchStatus
			} else {
				d.patched = false
			}
		}
		d.details = details
	}
	d.err = err
	d.mu.Unlock()
	d.onUpdate()
}

func (d *TransferDetail) onTransferUpdate(c core.Change) {
	var t core.Transfer
	if err := c.Decode(&t); err != nil {
		d.logger.Warn(fmt.Sprintf("decode transfer: %v", err))
		return
	}

	d.mu.Lock()
	d.patched = true
	d.patchStatus = t.Status
	d.patchCycle = d.recount.Cycles()
	if d.details != nil {
		patched := *d.details
		patched.Status = t.Status
		d.details = &patched
	}
	d.mu.Unlock()
	d.onUpdate()
}

// Refresh refetches the details and waits for the result.
func (d *TransferDetail) Refresh(ctx context.Context) error {
	select {
	case err := <-d.recount.Request():
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Details returns a copy of the current details, nil before the first fetch.
func (d *TransferDetail) Details() *core.TransferDetails {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.details == nil {
		return nil
	}
	details := *d.details
	details.Offers = slices.Clone(d.details.Offers)
	return &details
}

func (d *TransferDetail) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// MakeOffer offers the transfer as the admin. The offer shows up in Details
// once its insert comes back on the change feed.
func (d *TransferDetail) MakeOffer(ctx context.Context, offer OfferRequest) (*core.TransferOffer, error) {
	return d.backend.MakeOffer(ctx, d.ID, offer)
}

func (d *TransferDetail) Close() {
	d.scope.release()
}
