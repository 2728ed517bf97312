// Package schedule defines the persistent Schedule record and the pure
// next-occurrence calculator.
//
// # Occurrence semantics
//
// "Next occurrence" always means strictly after the reference instant; an
// occurrence exactly equal to the reference is never selected, which avoids
// double-fire races at boundary instants. Interval schedules catch up (a
// long-dormant process jumps to the next future slot instead of replaying a
// backlog), cron schedules delegate to the robfig/cron parser, and
// recurring schedules advance by calendar period with invalid
// day-of-month handling documented in calc.go.
package schedule
