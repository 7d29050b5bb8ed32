package http

import (
	"time"

	"github.com/example/labreserve/internal/activity"
	"github.com/example/labreserve/internal/application"
	"github.com/example/labreserve/internal/persistence"
	"github.com/example/labreserve/internal/scheduler"
)

// The views embed the stored records and shadow their date fields so the API
// speaks YYYY-MM-DD and HH:MM instead of timestamps and minute offsets.

type bookingView struct {
	persistence.Booking
	Date  string `json:"date"`
	Start string `json:"start"`
	End   string `json:"end"`
}

func newBookingView(b persistence.Booking) bookingView {
	return bookingView{
		Booking: b,
		Date:    formatDate(b.Date),
		Start:   scheduler.FormatClock(b.StartMinute),
		End:     scheduler.FormatClock(b.EndMinute),
	}
}

func newBookingViews(in []persistence.Booking) []bookingView {
	out := make([]bookingView, 0, len(in))
	for _, b := range in {
		out = append(out, newBookingView(b))
	}
	return out
}

type componentRequestView struct {
	persistence.ComponentRequest
	ReturnDate string `json:"return_date"`
}

func newComponentRequestView(r persistence.ComponentRequest) componentRequestView {
	return componentRequestView{ComponentRequest: r, ReturnDate: formatDate(r.ReturnDate)}
}

func newComponentRequestViews(in []persistence.ComponentRequest) []componentRequestView {
	out := make([]componentRequestView, 0, len(in))
	for _, r := range in {
		out = append(out, newComponentRequestView(r))
	}
	return out
}

type loanView struct {
	persistence.Loan
	DueDate       string  `json:"due_date"`
	ExtensionDate *string `json:"extension_date,omitempty"`
}

func newLoanView(l persistence.Loan) loanView {
	v := loanView{Loan: l, DueDate: formatDate(l.DueDate)}
	if l.ExtensionDate != nil {
		d := formatDate(*l.ExtensionDate)
		v.ExtensionDate = &d
	}
	return v
}

func newLoanViews(in []persistence.Loan) []loanView {
	out := make([]loanView, 0, len(in))
	for _, l := range in {
		out = append(out, newLoanView(l))
	}
	return out
}

type overdueView struct {
	Loan      loanView `json:"loan"`
	DelayDays int      `json:"delay_days"`
}

type busyView struct {
	Type  string `json:"type"`
	Label string `json:"label,omitempty"`
	Start string `json:"start"`
	End   string `json:"end"`
}

type availabilityView struct {
	LabID string     `json:"lab_id"`
	Date  string     `json:"date"`
	Busy  []busyView `json:"busy"`
}

func newAvailabilityView(a application.Availability) availabilityView {
	out := availabilityView{LabID: a.LabID, Date: formatDate(a.Date), Busy: make([]busyView, 0, len(a.Busy))}
	for _, b := range a.Busy {
		out.Busy = append(out.Busy, busyView{
			Type:  string(b.Type),
			Label: b.Label,
			Start: scheduler.FormatClock(b.Start),
			End:   scheduler.FormatClock(b.End),
		})
	}
	return out
}

type stageView struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type inboxView struct {
	Bookings          []bookingView          `json:"bookings"`
	ComponentRequests []componentRequestView `json:"component_requests"`
	Loans             []loanView             `json:"loans"`
}

type activityPageView struct {
	Entries    []activity.Entry `json:"entries"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(scheduler.DateLayout)
}
