package service

import (
	"fmt"
	"strings"
	"time"

	ledgerdomain "github.com/smallbiznis/bookingpay/internal/ledger/domain"
)

// TemplateData builds the confirmation template input. Date and slot are
// omitted when the booking is scheduled by timeframe.
func TemplateData(b ledgerdomain.Booking) map[string]interface{} {
	data := map[string]interface{}{
		"reference_id": b.ReferenceID,
		"client_name":  strings.TrimSpace(b.ClientName),
		"amount":       FormatAmount(b.Amount, b.Currency),
		"payment_id":   ledgerdomain.StringValue(b.PaymentID),
	}
	if pkg := ledgerdomain.StringValue(b.PackageName); pkg != "" {
		data["package_name"] = pkg
	} else if services := b.ServiceList(); len(services) > 0 {
		data["services"] = services
	}
	if b.HasTimeframe() {
		data["timeframe"] = strings.TrimSpace(*b.Timeframe)
		return data
	}
	if date := ledgerdomain.StringValue(b.ScheduledDate); date != "" {
		data["scheduled_date"] = FormatDate(date)
	}
	if slot := ledgerdomain.StringValue(b.TimeSlot); slot != "" {
		data["time_slot"] = slot
	}
	return data
}

// FormatDate renders an ISO date as "Friday, 20 March 2026". Other inputs are
// returned unchanged.
func FormatDate(raw string) string {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format("Monday, 2 January 2006")
		}
	}
	return raw
}

// FormatAmount renders minor units with two decimals.
func FormatAmount(minor int64, currency string) string {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = ledgerdomain.DefaultCurrency
	}
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s %s%d.%02d", currency, sign, minor/100, minor%100)
}
