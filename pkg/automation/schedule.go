package automation

import "time"

// ScheduleKind selects how a schedule's next firing is computed.
type ScheduleKind string

const (
	// KindDaily fires at a local time of day, every day.
	KindDaily ScheduleKind = "daily"
	// KindSunrise fires at sunrise plus OffsetMinutes.
	KindSunrise ScheduleKind = "sunrise"
	// KindSunset fires at sunset plus OffsetMinutes.
	KindSunset ScheduleKind = "sunset"
	// KindEvery fires at a fixed interval.
	KindEvery ScheduleKind = "every"
)

// ScheduleDecl is one time-based trigger declared by an automation.
// When it fires, Message is delivered to the automation's
// HandleMessage callback.
type ScheduleDecl struct {
	Kind ScheduleKind

	// At is the local time of day for KindDaily, "15:04" or "15:04:05".
	At string

	// OffsetMinutes shifts KindSunrise/KindSunset, negative for before.
	OffsetMinutes int

	// Every is the interval for KindEvery; must be positive.
	Every time.Duration

	// Message names the firing; required for all kinds.
	Message string
}

// Daily declares a daily schedule at the given local time of day.
func Daily(at, message string) ScheduleDecl {
	return ScheduleDecl{Kind: KindDaily, At: at, Message: message}
}

// Sunrise declares a sunrise schedule with an offset in minutes.
func Sunrise(offsetMinutes int, message string) ScheduleDecl {
	return ScheduleDecl{Kind: KindSunrise, OffsetMinutes: offsetMinutes, Message: message}
}

// Sunset declares a sunset schedule with an offset in minutes.
func Sunset(offsetMinutes int, message string) ScheduleDecl {
	return ScheduleDecl{Kind: KindSunset, OffsetMinutes: offsetMinutes, Message: message}
}

// Every declares a fixed-interval schedule.
func Every(interval time.Duration, message string) ScheduleDecl {
	return ScheduleDecl{Kind: KindEvery, Every: interval, Message: message}
}
