// Package engine turns stored schedules into running tasks. It arms one
// in-process timer per active schedule, arbitrates with the task runner when
// an occurrence fires while a task is in flight (wait, interrupt or skip),
// and exposes the lifecycle operations the rest of the program uses to
// create, edit and trigger schedules.
package engine
