package runtime

import (
	"fmt"

	loggingpkg "github.com/drblury/taskflow/internal/runtime/logging"
)

// LifecycleHooks observe a Microservice. Every hook is optional and runs on
// the goroutine that triggered it; a panicking hook is recovered and logged.
type LifecycleHooks struct {
	OnStartRequested func()
	// OnStarted receives the originator id minted for this run.
	OnStarted       func(originator string)
	OnStopRequested func()
	OnStopped       func(err error)
	OnStatistics    func(stats MicroserviceStatistics)
}

// Merge combines two hook sets; hooks from other run after those from h.
func (h LifecycleHooks) Merge(other LifecycleHooks) LifecycleHooks {
	return LifecycleHooks{
		OnStartRequested: chain0(h.OnStartRequested, other.OnStartRequested),
		OnStarted:        chain1(h.OnStarted, other.OnStarted),
		OnStopRequested:  chain0(h.OnStopRequested, other.OnStopRequested),
		OnStopped:        chain1(h.OnStopped, other.OnStopped),
		OnStatistics:     chain1(h.OnStatistics, other.OnStatistics),
	}
}

func chain0(a, b func()) func() {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func() {
		a()
		b()
	}
}

func chain1[T any](a, b func(T)) func(T) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(v T) {
		a(v)
		b(v)
	}
}

// LoggingHooks logs every lifecycle transition.
func LoggingHooks(log loggingpkg.ServiceLogger) LifecycleHooks {
	log = loggingpkg.OrNop(log)
	return LifecycleHooks{
		OnStartRequested: func() { log.Info("Microservice start requested", nil) },
		OnStarted: func(originator string) {
			log.Info("Microservice started", loggingpkg.LogFields{"originator": originator})
		},
		OnStopRequested: func() { log.Info("Microservice stop requested", nil) },
		OnStopped: func(err error) {
			if err != nil {
				log.Error("Microservice stopped with errors", err, nil)
				return
			}
			log.Info("Microservice stopped", nil)
		},
		OnStatistics: func(stats MicroserviceStatistics) {
			log.Debug("Microservice statistics", loggingpkg.LogFields{
				"outstanding": stats.Scheduler.Outstanding,
				"completed":   stats.Scheduler.Completed,
				"goroutines":  stats.Resources.Goroutines,
			})
		},
	}
}

func (m *Microservice) fire(name string, fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("Lifecycle hook panicked", fmt.Errorf("%v", r), loggingpkg.LogFields{"hook": name})
		}
	}()
	fn()
}
