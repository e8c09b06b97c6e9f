package nats

import (
	"fmt"
	"time"
)

// NotificationKind is what a participant is being told.
type NotificationKind string

const (
	KindEligible            NotificationKind = "eligible"
	KindIneligible          NotificationKind = "ineligible"
	KindEligibilityUnknown  NotificationKind = "eligibility_unknown"
	KindPaymentConfirmed    NotificationKind = "payment_confirmed"
	KindPaymentNotConfirmed NotificationKind = "payment_not_confirmed"
)

const (
	// SubjectNotifyPrefix prefixes per-participant notification subjects.
	SubjectNotifyPrefix = "raffle.notify."

	// SubjectRoundResolved carries RoundResolvedEvent.
	SubjectRoundResolved = "raffle.rounds.resolved"
)

// NotifySubject returns the subject notifications for participant are published on.
func NotifySubject(participant string) string {
	return SubjectNotifyPrefix + participant
}

// Notification is a message for one participant.
// It is published to the subject "raffle.notify.{participant}".
type Notification struct {
	Kind        NotificationKind `json:"kind"`
	Participant string           `json:"participant"`

	// Set for ineligible notifications.
	Balance *uint64 `json:"balance,omitempty"`

	// Set for payment notifications.
	WatchID   string `json:"watch_id,omitempty"`
	Amount    uint64 `json:"amount,omitempty"`
	Signature string `json:"signature,omitempty"`

	PublishedAt time.Time `json:"published_at"`
}

// Text renders the notification for a human reader.
func (n *Notification) Text() string {
	switch n.Kind {
	case KindEligible:
		return "You are eligible to enter the raffle."
	case KindIneligible:
		var balance uint64
		if n.Balance != nil {
			balance = *n.Balance
		}
		return fmt.Sprintf("You are not eligible to enter the raffle (balance %d).", balance)
	case KindEligibilityUnknown:
		return "Eligibility could not be determined right now. Try again later."
	case KindPaymentConfirmed:
		return fmt.Sprintf("Payment of %d lamports confirmed.", n.Amount)
	case KindPaymentNotConfirmed:
		return fmt.Sprintf("Payment of %d lamports was not seen before the watch expired.", n.Amount)
	default:
		return string(n.Kind)
	}
}

// RoundResolvedEvent announces a drawn winner.
// It is published to the subject "raffle.rounds.resolved".
type RoundResolvedEvent struct {
	Round      string    `json:"round"`
	Winner     string    `json:"winner"`
	Payout     uint64    `json:"payout"`
	Tickets    int       `json:"tickets"`
	ResolvedAt time.Time `json:"resolved_at"`

	// Window of the round that opens after the cooldown.
	NextStartTime int64 `json:"next_start_time"`
	NextEndTime   int64 `json:"next_end_time"`

	PublishedAt time.Time `json:"published_at"`
}
