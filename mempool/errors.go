package mempool

import "github.com/pkg/errors"

// NetworkError wraps a transient failure reaching the REST endpoint:
// connection refused, timeout, or a 5xx response (§7).
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return "mempool: network error during " + e.Op + ": " + e.Err.Error() }
func (e *NetworkError) Unwrap() error { return e.Err }

// ProtocolError wraps an unexpected response shape: a non-2xx status
// below 500 (the body is kept as the error text), or a 2xx response this
// client could not decode (§7).
type ProtocolError struct {
	Op     string
	Status int
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return errors.Wrapf(e.Err, "mempool: protocol error during %s (status %d)", e.Op, e.Status).Error()
	}
	return errors.Errorf("mempool: protocol error during %s (status %d)", e.Op, e.Status).Error()
}
func (e *ProtocolError) Unwrap() error { return e.Err }
