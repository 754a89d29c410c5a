package scheduler

import "errors"

// ErrNoAvailableProvider is returned when no provider satisfies the
// selection query, or every provider has been excluded during a retry.
var ErrNoAvailableProvider = errors.New("scheduler: no available provider")
