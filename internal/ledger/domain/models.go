package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// PaymentStatus is the locally stored lifecycle of a gateway payment.
type PaymentStatus string

const (
	PaymentStatusCreated    PaymentStatus = "created"
	PaymentStatusAuthorized PaymentStatus = "authorized"
	PaymentStatusCaptured   PaymentStatus = "captured"
	PaymentStatusFailed     PaymentStatus = "failed"
)

// BookingStatus is the soft lifecycle of a booking; rows are never deleted.
type BookingStatus string

const (
	BookingStatusPendingPayment BookingStatus = "pending_payment"
	BookingStatusConfirmed      BookingStatus = "confirmed"
	BookingStatusFailed         BookingStatus = "failed"
	BookingStatusCancelled      BookingStatus = "cancelled"
)

const DefaultCurrency = "INR"

// Payment is one row per gateway payment id.
type Payment struct {
	PaymentID        string         `json:"payment_id" gorm:"column:payment_id;primaryKey"`
	OrderID          string         `json:"order_id" gorm:"column:order_id;not null;index"`
	Amount           int64          `json:"amount" gorm:"not null"`
	Currency         string         `json:"currency" gorm:"type:text;not null"`
	Status           PaymentStatus  `json:"status" gorm:"type:text;not null"`
	Method           *string        `json:"method,omitempty"`
	PayerEmail       *string        `json:"payer_email,omitempty"`
	RawNotes         datatypes.JSON `json:"raw_notes" gorm:"type:jsonb;not null"`
	GatewayCreatedAt *time.Time     `json:"gateway_created_at,omitempty"`
	LastUpdatedAt    time.Time      `json:"last_updated_at" gorm:"not null"`
}

func (Payment) TableName() string { return "payments" }

// Booking is this system's record of the purchased service.
type Booking struct {
	ID                snowflake.ID   `json:"id" gorm:"primaryKey"`
	ReferenceID       string         `json:"reference_id" gorm:"type:text;not null;uniqueIndex"`
	OrderID           string         `json:"order_id" gorm:"type:text;not null;uniqueIndex"`
	PaymentID         *string        `json:"payment_id,omitempty" gorm:"type:text;index"`
	Status            BookingStatus  `json:"status" gorm:"type:text;not null"`
	ClientName        string         `json:"client_name" gorm:"type:text;not null"`
	Email             string         `json:"email" gorm:"type:text;not null"`
	Phone             string         `json:"phone" gorm:"type:text;not null"`
	Services          datatypes.JSON `json:"services" gorm:"type:jsonb;not null"`
	PackageName       *string        `json:"package_name,omitempty"`
	ScheduledDate     *string        `json:"scheduled_date,omitempty"`
	TimeSlot          *string        `json:"time_slot,omitempty"`
	Timeframe         *string        `json:"timeframe,omitempty"`
	Amount            int64          `json:"amount" gorm:"not null"`
	Currency          string         `json:"currency" gorm:"type:text;not null"`
	EmailSent         bool           `json:"email_sent" gorm:"not null"`
	EmailSentAt       *time.Time     `json:"email_sent_at,omitempty"`
	EmailClaimedUntil *time.Time     `json:"-"`
	CreatedAt         time.Time      `json:"created_at" gorm:"not null"`
	UpdatedAt         time.Time      `json:"updated_at" gorm:"not null"`
}

func (Booking) TableName() string { return "bookings" }

// ServiceList decodes the stored service identifiers. Malformed JSON yields nil.
func (b Booking) ServiceList() []string {
	if len(b.Services) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(b.Services, &out); err != nil {
		return nil
	}
	return out
}

// HasTimeframe reports whether the booking is scheduled by timeframe rather
// than a date and slot.
func (b Booking) HasTimeframe() bool {
	return b.Timeframe != nil && strings.TrimSpace(*b.Timeframe) != ""
}

// BookingPatch carries a partial booking update. Nil fields are preserved.
type BookingPatch struct {
	ReferenceID   string
	OrderID       string
	PaymentID     *string
	Status        *BookingStatus
	ClientName    *string
	Email         *string
	Phone         *string
	Services      []string
	PackageName   *string
	ScheduledDate *string
	TimeSlot      *string
	Timeframe     *string
	Amount        *int64
	Currency      *string
}

// WebhookEvent records an inbound gateway notification.
type WebhookEvent struct {
	ID          snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider    string         `json:"provider" gorm:"type:text;not null"`
	EventID     string         `json:"event_id" gorm:"type:text;not null"`
	EventType   string         `json:"event_type" gorm:"type:text;not null"`
	OrderID     *string        `json:"order_id,omitempty"`
	Payload     datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	ReceivedAt  time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt *time.Time     `json:"processed_at,omitempty"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }

// StringPtr returns nil for blank values.
func StringPtr(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

// StringValue dereferences a nullable column.
func StringValue(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
