// Copyright (C) 2026 UrbanKey Technologies (engineering@urbankey.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package coordinator

import "time"

// Clock abstracts time for the coordinator so debounce windows and
// pending ceilings can be driven deterministically in tests.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that delivers once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// systemClock is the production clock over the time package.
type systemClock struct{}

// NewSystemClock returns the real-time clock used in production.
func NewSystemClock() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
