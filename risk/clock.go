package risk

import "time"

// NSE session times, IST.
var IST = time.FixedZone("IST", 5*3600+30*60)

const (
	sessionOpenMin  = 9*60 + 15  // 09:15
	sessionCloseMin = 15*60 + 30 // 15:30
	sidewayStartMin = 12 * 60    // 12:00
	sidewayEndMin   = 14 * 60    // 14:00

	closeBuffer = 5 * time.Minute
)

func minuteOfDay(t time.Time) int {
	t = t.In(IST)
	return t.Hour()*60 + t.Minute()
}

// IsMarketOpen reports whether t falls inside the NSE cash session.
func IsMarketOpen(t time.Time) bool {
	t = t.In(IST)
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return false
	}
	m := minuteOfDay(t)
	return m >= sessionOpenMin && m < sessionCloseMin
}

// IsSidewayWindow reports whether t is in the low-conviction midday
// chop window where new entries are blocked unless explicitly enabled.
func IsSidewayWindow(t time.Time) bool {
	m := minuteOfDay(t)
	return m >= sidewayStartMin && m < sidewayEndMin
}

// IsNearClose reports whether t is within the final minutes of the
// session, when new entries are blocked and open trades get squared off.
func IsNearClose(t time.Time) bool {
	t = t.In(IST)
	closeAt := time.Date(t.Year(), t.Month(), t.Day(), sessionCloseMin/60, sessionCloseMin%60, 0, 0, IST)
	return t.After(closeAt.Add(-closeBuffer)) && t.Before(closeAt)
}
