package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// SQLiteTransferStore implements TransferStore on top of SQLite.
// Like the console store it publishes one change per committed row.
type SQLiteTransferStore struct {
	db        *sql.DB
	userStore UserStore
	bus       ChangeBus
	logger    *slog.Logger
}

func NewSQLiteTransferStore(db *sql.DB, userStore UserStore, bus ChangeBus, logger *slog.Logger) *SQLiteTransferStore {
	return &SQLiteTransferStore{
		db:        db,
		userStore: userStore,
		bus:       bus,
		logger:    logger,
	}
}

type rowQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const transferColumns = `t.id, t.passenger_id, t.status, t.direction, t.transfer_type,
	t.from_location, t.to_location, t.transfer_datetime, t.flight_number,
	t.adults_count, t.children_count, t.infants_count, t.luggage_info,
	t.with_pet, t.meet_with_sign, t.passenger_comment, t.accepted_offer_id,
	t.is_admin_assigned, t.created_at`

// scanTransfer scans transferColumns followed by extra.
func scanTransfer(row interface{ Scan(...any) error }, extra ...any) (Transfer, error) {
	var (
		t             Transfer
		at, createdAt int64
	)
	dest := append([]any{&t.ID, &t.PassengerID, &t.Status, &t.Direction, &t.TransferType,
		&t.FromLocation, &t.ToLocation, &at, &t.FlightNumber,
		&t.AdultsCount, &t.ChildrenCount, &t.InfantsCount, &t.LuggageInfo,
		&t.WithPet, &t.MeetWithSign, &t.PassengerComment, &t.AcceptedOfferID,
		&t.IsAdminAssigned, &createdAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return t, err
	}
	t.TransferDatetime = time.UnixMilli(at)
	t.CreatedAt = time.UnixMilli(createdAt)
	return t, nil
}

const offerColumns = `o.id, o.transfer_id, o.driver_id, o.price, o.currency,
	o.driver_comment, o.is_admin_offer, o.status, o.created_at`

func scanOffer(row interface{ Scan(...any) error }) (TransferOffer, error) {
	var (
		o         TransferOffer
		createdAt int64
	)
	if err := row.Scan(&o.ID, &o.TransferID, &o.DriverID, &o.Price, &o.Currency,
		&o.DriverComment, &o.IsAdminOffer, &o.Status, &createdAt); err != nil {
		return o, err
	}
	o.CreatedAt = time.UnixMilli(createdAt)
	return o, nil
}

// unixMilli maps the zero time to 0, which the queries read as unbounded.
func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func (s *SQLiteTransferStore) getTransfer(ctx context.Context, q rowQueryer, transferID string) (*Transfer, error) {
	t, err := scanTransfer(q.QueryRowContext(ctx,
		"SELECT "+transferColumns+" FROM transfers AS t WHERE t.id = @id", sql.Named("id", transferID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("row.Scan: %w", err)
	}
	return &t, nil
}

func (s *SQLiteTransferStore) getOffer(ctx context.Context, q rowQueryer, offerID string) (*TransferOffer, error) {
	o, err := scanOffer(q.QueryRowContext(ctx,
		"SELECT "+offerColumns+" FROM transfer_offers AS o WHERE o.id = @id", sql.Named("id", offerID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("row.Scan: %w", err)
	}
	return &o, nil
}

func (s *SQLiteTransferStore) CreateTransfer(ctx context.Context, input TransferCreateInput) (*Transfer, error) {
	if err := input.Validate(); err != nil {
		return nil, ErrInvalidTransfer
	}
	p, err := s.userStore.GetUserByID(ctx, input.PassengerID)
	if err != nil {
		return nil, fmt.Errorf("GetUserByID: %w", err)
	}
	if p == nil {
		return nil, ErrInvalidUser
	}

	now := time.Now()
	transfer := &Transfer{
		ID:               uuid.New().String(),
		PassengerID:      input.PassengerID,
		Status:           TransferPending,
		Direction:        input.Direction,
		TransferType:     input.TransferType,
		FromLocation:     input.FromLocation,
		ToLocation:       input.ToLocation,
		TransferDatetime: time.UnixMilli(input.TransferDatetime.UnixMilli()),
		FlightNumber:     input.FlightNumber,
		AdultsCount:      input.AdultsCount,
		ChildrenCount:    input.ChildrenCount,
		InfantsCount:     input.InfantsCount,
		LuggageInfo:      input.LuggageInfo,
		WithPet:          input.WithPet,
		MeetWithSign:     input.MeetWithSign,
		PassengerComment: input.PassengerComment,
		CreatedAt:        time.UnixMilli(now.UnixMilli()),
	}
	query := `
	INSERT INTO transfers (id, passenger_id, status, direction, transfer_type,
	    from_location, to_location, transfer_datetime, flight_number,
	    adults_count, children_count, infants_count, luggage_info,
	    with_pet, meet_with_sign, passenger_comment, created_at)
	VALUES (@id, @passenger_id, @status, @direction, @transfer_type,
	    @from_location, @to_location, @transfer_datetime, @flight_number,
	    @adults_count, @children_count, @infants_count, @luggage_info,
	    @with_pet, @meet_with_sign, @passenger_comment, @created_at)`
	_, err = s.db.ExecContext(ctx, query,
		sql.Named("id", transfer.ID), sql.Named("passenger_id", transfer.PassengerID),
		sql.Named("status", string(transfer.Status)), sql.Named("direction", string(transfer.Direction)),
		sql.Named("transfer_type", transfer.TransferType),
		sql.Named("from_location", transfer.FromLocation), sql.Named("to_location", transfer.ToLocation),
		sql.Named("transfer_datetime", transfer.TransferDatetime.UnixMilli()),
		sql.Named("flight_number", transfer.FlightNumber),
		sql.Named("adults_count", transfer.AdultsCount), sql.Named("children_count", transfer.ChildrenCount),
		sql.Named("infants_count", transfer.InfantsCount), sql.Named("luggage_info", transfer.LuggageInfo),
		sql.Named("with_pet", transfer.WithPet), sql.Named("meet_with_sign", transfer.MeetWithSign),
		sql.Named("passenger_comment", transfer.PassengerComment),
		sql.Named("created_at", transfer.CreatedAt.UnixMilli()))
	if err != nil {
		return nil, fmt.Errorf("ExecContext(insert transfers): %w", err)
	}

	publishChanges(ctx, s.bus, s.logger, TransfersTable, Insert, [2]any{transfer, nil})
	return transfer, nil
}

func (s *SQLiteTransferStore) ListTransfers(ctx context.Context, filter TransferFilter) ([]TransferSummary, error) {
	query := `
	SELECT ` + transferColumns + `, p.full_name, p.avatar_url,
	(SELECT count(*) FROM transfer_offers AS o WHERE o.transfer_id = t.id)
	FROM transfers AS t
	INNER JOIN profiles AS p ON p.id = t.passenger_id
	WHERE (@status = '' OR t.status = @status)
	AND (@from = 0 OR t.transfer_datetime >= @from)
	AND (@to = 0 OR t.transfer_datetime <= @to)
	ORDER BY t.transfer_datetime ASC, t.id ASC`

	rows, err := s.db.QueryContext(ctx, query,
		sql.Named("status", string(filter.Status)),
		sql.Named("from", unixMilli(filter.From)), sql.Named("to", unixMilli(filter.To)))
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	summaries := []TransferSummary{}
	for rows.Next() {
		var ts TransferSummary
		t, err := scanTransfer(rows, &ts.PassengerName, &ts.PassengerAvatarURL, &ts.OfferCount)
		if err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		ts.Transfer = t
		summaries = append(summaries, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	return summaries, nil
}

func (s *SQLiteTransferStore) GetTransferDetails(ctx context.Context, transferID string) (*TransferDetails, error) {
	query := `
	SELECT ` + transferColumns + `, p.full_name, p.avatar_url, p.created_at
	FROM transfers AS t
	INNER JOIN profiles AS p ON p.id = t.passenger_id
	WHERE t.id = @id`
	var (
		details            TransferDetails
		passengerCreatedAt int64
	)
	t, err := scanTransfer(s.db.QueryRowContext(ctx, query, sql.Named("id", transferID)),
		&details.PassengerName, &details.PassengerAvatarURL, &passengerCreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("row.Scan: %w", err)
	}
	details.Transfer = t
	details.PassengerCreatedAt = time.UnixMilli(passengerCreatedAt)

	query = `
	SELECT o.id, o.driver_id, p.full_name, p.avatar_url, o.price, o.currency,
	o.is_admin_offer, o.status, o.created_at
	FROM transfer_offers AS o
	INNER JOIN profiles AS p ON p.id = o.driver_id
	WHERE o.transfer_id = @id
	ORDER BY o.created_at ASC, o.id ASC`
	rows, err := s.db.QueryContext(ctx, query, sql.Named("id", transferID))
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	details.Offers = []OfferDetail{}
	for rows.Next() {
		var (
			o         OfferDetail
			createdAt int64
		)
		if err := rows.Scan(&o.OfferID, &o.DriverID, &o.DriverName, &o.DriverAvatarURL,
			&o.Price, &o.Currency, &o.IsAdminOffer, &o.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		o.CreatedAt = time.UnixMilli(createdAt)
		details.Offers = append(details.Offers, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	return &details, nil
}

// accept gives transfer to offer and declines the other open offers.
// It returns the accepted transfer and the {new, old} pairs of the offers that changed.
func (s *SQLiteTransferStore) accept(ctx context.Context, tx *sql.Tx, transfer Transfer, offer TransferOffer) (*Transfer, [][2]any, error) {
	query := `
	SELECT ` + offerColumns + `
	FROM transfer_offers AS o
	WHERE o.transfer_id = @transfer_id AND o.id != @offer_id AND o.status = @offered
	ORDER BY o.id ASC`
	rows, err := tx.QueryContext(ctx, query, sql.Named("transfer_id", transfer.ID),
		sql.Named("offer_id", offer.ID), sql.Named("offered", string(OfferOffered)))
	if err != nil {
		return nil, nil, fmt.Errorf("QueryContext: %w", err)
	}
	var declined []TransferOffer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("rows.Scan: %w", err)
		}
		declined = append(declined, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("rows.Err: %w", err)
	}

	query = `
	UPDATE transfer_offers SET status = @declined
	WHERE transfer_id = @transfer_id AND id != @offer_id AND status = @offered`
	if _, err := tx.ExecContext(ctx, query, sql.Named("declined", string(OfferDeclined)),
		sql.Named("transfer_id", transfer.ID), sql.Named("offer_id", offer.ID),
		sql.Named("offered", string(OfferOffered))); err != nil {
		return nil, nil, fmt.Errorf("ExecContext(decline transfer_offers): %w", err)
	}

	var pairs [][2]any
	if offer.Status != OfferAccepted {
		if _, err := tx.ExecContext(ctx, `UPDATE transfer_offers SET status = @accepted WHERE id = @id`,
			sql.Named("accepted", string(OfferAccepted)), sql.Named("id", offer.ID)); err != nil {
			return nil, nil, fmt.Errorf("ExecContext(accept transfer_offers): %w", err)
		}
		accepted := offer
		accepted.Status = OfferAccepted
		pairs = append(pairs, [2]any{accepted, offer})
	}
	for _, old := range declined {
		o := old
		o.Status = OfferDeclined
		pairs = append(pairs, [2]any{o, old})
	}

	query = `
	UPDATE transfers SET status = @status, accepted_offer_id = @offer_id, is_admin_assigned = @admin
	WHERE id = @id`
	if _, err := tx.ExecContext(ctx, query, sql.Named("status", string(TransferAccepted)),
		sql.Named("offer_id", offer.ID), sql.Named("admin", offer.IsAdminOffer),
		sql.Named("id", transfer.ID)); err != nil {
		return nil, nil, fmt.Errorf("ExecContext(update transfers): %w", err)
	}
	updated := transfer
	updated.Status = TransferAccepted
	updated.AcceptedOfferID = offer.ID
	updated.IsAdminAssigned = offer.IsAdminOffer
	return &updated, pairs, nil
}

func (s *SQLiteTransferStore) CreateOffer(ctx context.Context, input OfferCreateInput) (*TransferOffer, error) {
	if err := input.Validate(); err != nil {
		return nil, ErrInvalidOffer
	}
	driver, err := s.userStore.GetUserByID(ctx, input.DriverID)
	if err != nil {
		return nil, fmt.Errorf("GetUserByID: %w", err)
	}
	if driver == nil {
		return nil, ErrInvalidUser
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback()

	transfer, err := s.getTransfer(ctx, tx, input.TransferID)
	if err != nil {
		return nil, fmt.Errorf("getTransfer: %w", err)
	}
	if transfer == nil {
		return nil, ErrInvalidTransfer
	}
	if transfer.Status != TransferPending {
		return nil, ErrTransferClosed
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT count(*) FROM transfer_offers WHERE transfer_id = @transfer_id AND driver_id = @driver_id`,
		sql.Named("transfer_id", input.TransferID), sql.Named("driver_id", input.DriverID)).Scan(&count); err != nil {
		return nil, fmt.Errorf("scanning count: %w", err)
	}
	if count > 0 {
		return nil, ErrConflictedOffer
	}

	offer := &TransferOffer{
		ID:            uuid.New().String(),
		TransferID:    input.TransferID,
		DriverID:      input.DriverID,
		Price:         input.Price,
		Currency:      input.Currency,
		DriverComment: input.DriverComment,
		IsAdminOffer:  input.IsAdminOffer,
		Status:        OfferOffered,
		CreatedAt:     time.UnixMilli(time.Now().UnixMilli()),
	}
	if input.AcceptImmediately {
		offer.Status = OfferAccepted
	}
	query := `
	INSERT INTO transfer_offers (id, transfer_id, driver_id, price, currency,
	    driver_comment, is_admin_offer, status, created_at)
	VALUES (@id, @transfer_id, @driver_id, @price, @currency,
	    @driver_comment, @is_admin_offer, @status, @created_at)`
	if _, err := tx.ExecContext(ctx, query,
		sql.Named("id", offer.ID), sql.Named("transfer_id", offer.TransferID),
		sql.Named("driver_id", offer.DriverID), sql.Named("price", offer.Price),
		sql.Named("currency", offer.Currency), sql.Named("driver_comment", offer.DriverComment),
		sql.Named("is_admin_offer", offer.IsAdminOffer), sql.Named("status", string(offer.Status)),
		sql.Named("created_at", offer.CreatedAt.UnixMilli())); err != nil {
		return nil, fmt.Errorf("ExecContext(insert transfer_offers): %w", err)
	}

	var (
		accepted *Transfer
		pairs    [][2]any
	)
	if input.AcceptImmediately {
		if accepted, pairs, err = s.accept(ctx, tx, *transfer, *offer); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("Commit: %w", err)
	}

	publishChanges(ctx, s.bus, s.logger, TransferOffersTable, Insert, [2]any{offer, nil})
	if accepted != nil {
		publishChanges(ctx, s.bus, s.logger, TransferOffersTable, Update, pairs...)
		publishChanges(ctx, s.bus, s.logger, TransfersTable, Update, [2]any{accepted, transfer})
	}
	return offer, nil
}

func (s *SQLiteTransferStore) AcceptOffer(ctx context.Context, transferID, offerID, passenger string) (*Transfer, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback()

	transfer, err := s.getTransfer(ctx, tx, transferID)
	if err != nil {
		return nil, fmt.Errorf("getTransfer: %w", err)
	}
	if transfer == nil || transfer.PassengerID != passenger {
		return nil, ErrInvalidTransfer
	}
	if transfer.Status != TransferPending {
		return nil, ErrTransferClosed
	}
	offer, err := s.getOffer(ctx, tx, offerID)
	if err != nil {
		return nil, fmt.Errorf("getOffer: %w", err)
	}
	if offer == nil || offer.TransferID != transferID {
		return nil, ErrInvalidOffer
	}

	accepted, pairs, err := s.accept(ctx, tx, *transfer, *offer)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("Commit: %w", err)
	}

	publishChanges(ctx, s.bus, s.logger, TransferOffersTable, Update, pairs...)
	publishChanges(ctx, s.bus, s.logger, TransfersTable, Update, [2]any{accepted, transfer})
	return accepted, nil
}

func (s *SQLiteTransferStore) SetTransferStatus(ctx context.Context, transferID string, status TransferStatus) (*Transfer, error) {
	if status != TransferCompleted && status != TransferCancelled {
		return nil, ErrInvalidTransfer
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback()

	transfer, err := s.getTransfer(ctx, tx, transferID)
	if err != nil {
		return nil, fmt.Errorf("getTransfer: %w", err)
	}
	if transfer == nil {
		return nil, ErrInvalidTransfer
	}
	switch {
	case status == TransferCompleted && transfer.Status != TransferAccepted:
		return nil, ErrTransferClosed
	case status == TransferCancelled && transfer.Status != TransferPending && transfer.Status != TransferAccepted:
		return nil, ErrTransferClosed
	}

	if _, err := tx.ExecContext(ctx, `UPDATE transfers SET status = @status WHERE id = @id`,
		sql.Named("status", string(status)), sql.Named("id", transferID)); err != nil {
		return nil, fmt.Errorf("ExecContext(update transfers): %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("Commit: %w", err)
	}

	updated := *transfer
	updated.Status = status
	publishChanges(ctx, s.bus, s.logger, TransfersTable, Update, [2]any{&updated, transfer})
	return &updated, nil
}

func (s *SQLiteTransferStore) GetDriverOffers(ctx context.Context, driver string) ([]AdminOffer, error) {
	query := `
	SELECT o.id, t.id, p.full_name, p.avatar_url, t.from_location, t.to_location,
	t.transfer_datetime, o.price, o.currency, t.status, COALESCE(ao.driver_id, '')
	FROM transfer_offers AS o
	INNER JOIN transfers AS t ON t.id = o.transfer_id
	INNER JOIN profiles AS p ON p.id = t.passenger_id
	LEFT JOIN transfer_offers AS ao ON ao.id = t.accepted_offer_id
	WHERE o.driver_id = @driver
	ORDER BY o.created_at DESC, o.id ASC`
	rows, err := s.db.QueryContext(ctx, query, sql.Named("driver", driver))
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	offers := []AdminOffer{}
	for rows.Next() {
		var (
			o  AdminOffer
			at int64
		)
		if err := rows.Scan(&o.OfferID, &o.TransferID, &o.PassengerName, &o.PassengerAvatarURL,
			&o.FromLocation, &o.ToLocation, &at, &o.Price, &o.Currency,
			&o.TransferStatus, &o.AcceptedDriverID); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		o.TransferDatetime = time.UnixMilli(at)
		offers = append(offers, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	return offers, nil
}
