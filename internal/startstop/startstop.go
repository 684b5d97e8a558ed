// Package startstop defines the uniform lifecycle interface every barge
// service (producer, stager, leader, lifeline, pruner, cron scheduler)
// implements, grounded on the teacher's own rivershared/startstop package.
package startstop

import "context"

// Service is anything with a cancellable run loop that the client can
// start and stop as a unit. Start should return once the service's loop
// has been launched (it must not block for the service's lifetime); Stop
// should block until the loop has fully exited.
type Service interface {
	Start(ctx context.Context) error
	Stop()
}

// StartAll starts every service, stopping any already-started service and
// returning the first error if one fails to start.
func StartAll(ctx context.Context, services ...Service) error {
	started := make([]Service, 0, len(services))

	for _, svc := range services {
		if err := svc.Start(ctx); err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				started[i].Stop()
			}
			return err
		}
		started = append(started, svc)
	}

	return nil
}

// StopAll stops every service in reverse order of the slice given.
func StopAll(services ...Service) {
	for i := len(services) - 1; i >= 0; i-- {
		services[i].Stop()
	}
}
