package core

import (
	"context"
	"errors"
	"time"
)

const (
	TransfersTable      = "transfers"
	TransferOffersTable = "transfer_offers"
)

type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferAccepted  TransferStatus = "accepted"
	TransferCompleted TransferStatus = "completed"
	TransferCancelled TransferStatus = "cancelled"
)

type Direction string

const (
	FromAirport Direction = "from_airport"
	ToAirport   Direction = "to_airport"
)

type OfferStatus string

const (
	OfferOffered  OfferStatus = "offered"
	OfferAccepted OfferStatus = "accepted"
	OfferDeclined OfferStatus = "declined"
)

// Transfer is a ride requested by a passenger.
// Drivers, the admin included, answer it with offers until one is accepted.
type Transfer struct {
	ID               string         `json:"id"`
	PassengerID      string         `json:"passenger_id"`
	Status           TransferStatus `json:"status"`
	Direction        Direction      `json:"direction"`
	TransferType     string         `json:"transfer_type"`
	FromLocation     string         `json:"from_location"`
	ToLocation       string         `json:"to_location"`
	TransferDatetime time.Time      `json:"transfer_datetime"`
	FlightNumber     string         `json:"flight_number"`
	AdultsCount      int            `json:"adults_count"`
	ChildrenCount    int            `json:"children_count"`
	InfantsCount     int            `json:"infants_count"`
	LuggageInfo      string         `json:"luggage_info"`
	WithPet          bool           `json:"with_pet"`
	MeetWithSign     bool           `json:"meet_with_sign"`
	PassengerComment string         `json:"passenger_comment"`
	AcceptedOfferID  string         `json:"accepted_offer_id,omitempty"`
	IsAdminAssigned  bool           `json:"is_admin_assigned"`
	CreatedAt        time.Time      `json:"created_at"`
}

// TransferOffer is the price a driver asks for a transfer.
type TransferOffer struct {
	ID            string      `json:"id"`
	TransferID    string      `json:"transfer_id"`
	DriverID      string      `json:"driver_id"`
	Price         float64     `json:"price"`
	Currency      string      `json:"currency"`
	DriverComment string      `json:"driver_comment"`
	IsAdminOffer  bool        `json:"is_admin_offer"`
	Status        OfferStatus `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
}

// TransferSummary is one row of the admin's transfer list.
type TransferSummary struct {
	Transfer
	PassengerName      string `json:"passenger_name"`
	PassengerAvatarURL string `json:"passenger_avatar_url"`
	OfferCount         int    `json:"offer_count"`
}

// OfferDetail is an offer as shown on the transfer detail page.
type OfferDetail struct {
	OfferID         string      `json:"offer_id"`
	DriverID        string      `json:"driver_id"`
	DriverName      string      `json:"driver_name"`
	DriverAvatarURL string      `json:"driver_avatar_url"`
	Price           float64     `json:"price"`
	Currency        string      `json:"currency"`
	IsAdminOffer    bool        `json:"is_admin_offer"`
	Status          OfferStatus `json:"status"`
	CreatedAt       time.Time   `json:"created_at"`
}

// TransferDetails is a transfer with its passenger and every offer made for it,
// oldest offer first.
type TransferDetails struct {
	Transfer
	PassengerName      string        `json:"passenger_name"`
	PassengerAvatarURL string        `json:"passenger_avatar_url"`
	PassengerCreatedAt time.Time     `json:"passenger_created_at"`
	Offers             []OfferDetail `json:"all_offers"`
}

// AdminOffer is an offer made by the admin together with the state of its transfer.
type AdminOffer struct {
	OfferID            string         `json:"offer_id"`
	TransferID         string         `json:"transfer_id"`
	PassengerName      string         `json:"passenger_name"`
	PassengerAvatarURL string         `json:"passenger_avatar_url"`
	FromLocation       string         `json:"from_location"`
	ToLocation         string         `json:"to_location"`
	TransferDatetime   time.Time      `json:"transfer_datetime"`
	Price              float64        `json:"price"`
	Currency           string         `json:"currency"`
	TransferStatus     TransferStatus `json:"transfer_status"`
	AcceptedDriverID   string         `json:"accepted_driver_id,omitempty"`
}

// AcceptedBy reports whether the transfer went to driver.
func (o AdminOffer) AcceptedBy(driver string) bool {
	return o.AcceptedDriverID != "" && o.AcceptedDriverID == driver
}

var (
	// ErrInvalidTransfer is returned when a transfer is not found or is invalid.
	ErrInvalidTransfer = errors.New("invalid transfer")
	// ErrInvalidOffer is returned when an offer is not found or is invalid.
	ErrInvalidOffer = errors.New("invalid offer")
	// ErrConflictedOffer is returned when a driver already made an offer for a transfer.
	ErrConflictedOffer = errors.New("offer already exists")
	// ErrTransferClosed is returned when a transfer no longer takes offers
	// or cannot move to the requested status.
	ErrTransferClosed = errors.New("transfer is closed")
)

type TransferCreateInput struct {
	PassengerID      string    `json:"passenger_id" validate:"required"`
	Direction        Direction `json:"direction" validate:"required,oneof=from_airport to_airport"`
	TransferType     string    `json:"transfer_type"`
	FromLocation     string    `json:"from_location" validate:"required"`
	ToLocation       string    `json:"to_location" validate:"required"`
	TransferDatetime time.Time `json:"transfer_datetime" validate:"required"`
	FlightNumber     string    `json:"flight_number"`
	AdultsCount      int       `json:"adults_count" validate:"min=1"`
	ChildrenCount    int       `json:"children_count" validate:"min=0"`
	InfantsCount     int       `json:"infants_count" validate:"min=0"`
	LuggageInfo      string    `json:"luggage_info"`
	WithPet          bool      `json:"with_pet"`
	MeetWithSign     bool      `json:"meet_with_sign"`
	PassengerComment string    `json:"passenger_comment"`
}

func (t *TransferCreateInput) Validate() error {
	return validate.Struct(t)
}

type OfferCreateInput struct {
	TransferID    string  `json:"transfer_id" validate:"required"`
	DriverID      string  `json:"driver_id" validate:"required"`
	Price         float64 `json:"price" validate:"gt=0"`
	Currency      string  `json:"currency" validate:"oneof=UAH USD EUR"`
	DriverComment string  `json:"driver_comment"`
	IsAdminOffer  bool    `json:"is_admin_offer"`
	// AcceptImmediately assigns the transfer to the driver in the same transaction.
	AcceptImmediately bool `json:"accept_immediately"`
}

func (o *OfferCreateInput) Validate() error {
	return validate.Struct(o)
}

// TransferFilter narrows the transfer list. Zero values match everything.
type TransferFilter struct {
	Status TransferStatus
	// From and To bound the transfer time, both ends included.
	From time.Time
	To   time.Time
}

type TransferStore interface {
	// CreateTransfer stores a pending transfer and publishes an INSERT change for it.
	// If the passenger does not exist, it returns ErrInvalidUser.
	CreateTransfer(ctx context.Context, input TransferCreateInput) (*Transfer, error)

	// ListTransfers returns the transfers matching filter with their offer counts,
	// soonest transfer first.
	ListTransfers(ctx context.Context, filter TransferFilter) ([]TransferSummary, error)

	// GetTransferDetails returns nil if the transfer does not exist.
	GetTransferDetails(ctx context.Context, transferID string) (*TransferDetails, error)

	// CreateOffer stores an offer for a pending transfer and publishes an INSERT change for it.
	// With AcceptImmediately the transfer is accepted for the driver in the same
	// transaction, and an UPDATE change is published for it.
	// It returns ErrInvalidTransfer, ErrTransferClosed or ErrConflictedOffer.
	CreateOffer(ctx context.Context, input OfferCreateInput) (*TransferOffer, error)

	// AcceptOffer lets the passenger of a pending transfer pick an offer.
	// The other offers are declined. UPDATE changes are published for every row that changed.
	AcceptOffer(ctx context.Context, transferID, offerID, passenger string) (*Transfer, error)

	// SetTransferStatus completes or cancels a transfer and publishes an UPDATE change.
	// Only pending or accepted transfers can be cancelled, only accepted ones completed.
	SetTransferStatus(ctx context.Context, transferID string, status TransferStatus) (*Transfer, error)

	// GetDriverOffers returns the offers of driver, most recent first.
	GetDriverOffers(ctx context.Context, driver string) ([]AdminOffer, error)
}
