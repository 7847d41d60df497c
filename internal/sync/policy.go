package sync

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/zangezia/fieldsync/internal/api"
)

// Class tells the engine what to do with a failed send
type Class int

const (
	// Transient failures are retried after a backoff delay
	Transient Class = iota
	// Permanent failures will not succeed on retry
	Permanent
	// AuthExpired pauses the engine until a new token is stored
	AuthExpired
	// Duplicate means the backend already has the rows
	Duplicate
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case AuthExpired:
		return "auth_expired"
	case Duplicate:
		return "duplicate"
	}
	return "unknown"
}

// Classify maps a send error to a Class. Errors it does not recognize are
// permanent, so an unexpected response never loops forever.
func Classify(err error) Class {
	if errors.Is(err, api.ErrAuthExpired) {
		return AuthExpired
	}

	var serr *api.StatusError
	if errors.As(err, &serr) {
		switch {
		case serr.AlreadyExists():
			return Duplicate
		case serr.Temporary():
			return Transient
		default:
			return Permanent
		}
	}

	var terr *api.TransportError
	if errors.As(err, &terr) {
		return Transient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return Transient
	}
	return Permanent
}

// Backoff returns the delay before retry number attempts+1:
// min(base*2^attempts, max) with equal jitter, never below base. rnd returns
// a value in [0,1); a nil rnd disables jitter.
func Backoff(attempts int, base, max time.Duration, rnd func() float64) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max < base {
		max = base
	}

	d := base
	for i := 0; i < attempts && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	if rnd == nil {
		return d
	}

	half := d / 2
	d = half + time.Duration(rnd()*float64(d-half))
	if d < base {
		d = base
	}
	return d
}
