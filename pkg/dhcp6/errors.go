package dhcp6

import "fmt"

// ErrorKind classifies the failures the engine can report. Callers that
// need to branch on failure mode should compare against these with
// errors.Is, not by inspecting Error strings.
type ErrorKind int

const (
	// ErrNoInterface means the configured ifindex does not resolve to a
	// live kernel interface.
	ErrNoInterface ErrorKind = iota
	// ErrLinkDown means the interface exists but carries no link.
	ErrLinkDown
	// ErrNoLinklocal means the device has no usable IPv6 link-local
	// address yet (see "find_lladdr" in the FSM's WaitReady state).
	ErrNoLinklocal
	// ErrDuplicateLinklocal means find_lladdr saw a link-local address
	// flagged duplicate (failed DAD) rather than merely tentative — a
	// fatal condition during acquisition, distinct from ErrNoLinklocal.
	ErrDuplicateLinklocal
	// ErrNoIdentity means a DUID could not be loaded, derived or
	// generated for the device.
	ErrNoIdentity
	// ErrNoIAID means IAID derivation failed: no hardware address and
	// no interface name to fall back on.
	ErrNoIAID
	// ErrSendFailed means the Transport could not write a message.
	ErrSendFailed
	// ErrRecvFailed means the Transport failed while waiting for a
	// reply (as distinct from a clean timeout, which is not an error).
	ErrRecvFailed
	// ErrDecodeFailed means a received datagram did not parse as a
	// well-formed DHCPv6 message.
	ErrDecodeFailed
	// ErrMRCExceeded means the retransmission controller hit its
	// maximum retransmission count without a usable reply.
	ErrMRCExceeded
	// ErrMRDExpired means the retransmission controller's duration
	// bound elapsed before the exchange completed.
	ErrMRDExpired
	// ErrServerRejected means a server replied with a non-Success
	// status code for the whole message or for an IA.
	ErrServerRejected
	// ErrCanceled means the operation was abandoned because the
	// Device was stopped or the request superseded.
	ErrCanceled
)

func (k ErrorKind) String() string {
	switch k {
	case ErrNoInterface:
		return "no_interface"
	case ErrLinkDown:
		return "link_down"
	case ErrNoLinklocal:
		return "no_linklocal"
	case ErrDuplicateLinklocal:
		return "duplicate_linklocal"
	case ErrNoIdentity:
		return "no_identity"
	case ErrNoIAID:
		return "no_iaid"
	case ErrSendFailed:
		return "send_failed"
	case ErrRecvFailed:
		return "recv_failed"
	case ErrDecodeFailed:
		return "decode_failed"
	case ErrMRCExceeded:
		return "mrc_exceeded"
	case ErrMRDExpired:
		return "mrd_expired"
	case ErrServerRejected:
		return "server_rejected"
	case ErrCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by this package. Op names the
// operation that failed (e.g. "find_lladdr", "retransmit"), and Err, if
// non-nil, is the underlying cause.
type Error struct {
	Kind   ErrorKind
	Op     string
	Status StatusCode // populated only when Kind == ErrServerRejected
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dhcp6: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("dhcp6: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is implements the errors.Is matcher for ErrorKind-typed targets: any
// *Error with the same Kind compares equal, regardless of Op or Err.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func rejectedError(op string, status StatusCode) *Error {
	return &Error{Kind: ErrServerRejected, Op: op, Status: status}
}
