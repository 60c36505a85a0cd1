// Package scheduler runs named periodic jobs on robfig/cron.
//
// cardrelay registers two: the flush announcer and the registry reconcile
// sweep. Schedules are either cron expressions ("*/5 * * * *", "@hourly") or
// plain intervals ("55m", "interval:02:30"). Overlapping runs of the same job
// are skipped, and a panicking job is recovered and logged.
package scheduler
