package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"optionpilot/feeds"
)

// EventKind tags the engine event union.
type EventKind int

const (
	EventConn EventKind = iota
	EventEntryPending
	EventEntryConfirmed
	EventEntryCancelled
	EventExit
	EventAuthExpired
	EventBlocked
)

func (k EventKind) String() string {
	switch k {
	case EventConn:
		return "CONN"
	case EventEntryPending:
		return "ENTRY_PENDING"
	case EventEntryConfirmed:
		return "ENTRY_CONFIRMED"
	case EventEntryCancelled:
		return "ENTRY_CANCELLED"
	case EventExit:
		return "EXIT"
	case EventAuthExpired:
		return "AUTH_EXPIRED"
	case EventBlocked:
		return "BLOCKED"
	default:
		return "UNKNOWN"
	}
}

// Event is the tagged union delivered on the engine's outbound channel.
// Only the fields relevant to the kind are populated.
type Event struct {
	Kind EventKind
	At   time.Time

	ConnState feeds.ConnState

	Symbol string
	Side   string
	Qty    int
	Price  float64

	ExitPrice float64
	NetPnL    decimal.Decimal

	Reason string
}
