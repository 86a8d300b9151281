// Package errdefs holds the error kinds shared by the rebalance pipeline.
// Components wrap one of the sentinels with context; callers branch with
// errors.Is or the Is* helpers.
package errdefs

import "errors"

var (
	// ErrLookup marks a symbol or coin missing from venue metadata.
	ErrLookup = errors.New("lookup failed")
	// ErrInvalidParameter marks a caller contract violation or a non-positive input.
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrConsistency marks a plan whose swap directions break the sign invariant.
	ErrConsistency = errors.New("consistency check failed")
	// ErrRequestFailed marks a request the venue rejected as a whole.
	ErrRequestFailed = errors.New("request failed")
	// ErrOrder marks a suborder without fill confirmation.
	ErrOrder = errors.New("order error")
	// ErrUnconfirmed marks an action that may have reached the venue but got
	// no response, so its effect is unknown.
	ErrUnconfirmed = errors.New("outcome unknown")
)

func IsLookup(err error) bool {
	return errors.Is(err, ErrLookup)
}

func IsInvalidParameter(err error) bool {
	return errors.Is(err, ErrInvalidParameter)
}

func IsConsistency(err error) bool {
	return errors.Is(err, ErrConsistency)
}

func IsRequestFailed(err error) bool {
	return errors.Is(err, ErrRequestFailed)
}

func IsOrder(err error) bool {
	return errors.Is(err, ErrOrder)
}

func IsUnconfirmed(err error) bool {
	return errors.Is(err, ErrUnconfirmed)
}

// Kind names the taxonomy entry of err, or "" when err is not classified.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsLookup(err):
		return "lookup"
	case IsInvalidParameter(err):
		return "invalid_parameter"
	case IsConsistency(err):
		return "consistency"
	case IsUnconfirmed(err):
		return "unconfirmed"
	case IsRequestFailed(err):
		return "request_failed"
	case IsOrder(err):
		return "order"
	default:
		return "unclassified"
	}
}
