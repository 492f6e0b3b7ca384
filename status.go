package veilrpc

// Status classifies the outcome of an RPC operation. The numeric values are
// part of the wire contract shared with the daemon and must not be
// renumbered.
type Status uint32

const (
	StatusSuccess           Status = 0
	StatusInvalidRequest    Status = 1
	StatusNotSupported      Status = 2
	StatusTransport         Status = 3
	StatusNotAuthorized     Status = 4
	StatusProtocolViolation Status = 5
	StatusShuttingDown      Status = 6
	StatusInternal          Status = 7
	StatusRequestFailed     Status = 8
	StatusRequestCancelled  Status = 9
	StatusInvalidMethod     Status = 10
)

var statusNames = map[Status]string{
	StatusSuccess:           "success",
	StatusInvalidRequest:    "invalid-request",
	StatusNotSupported:      "not-supported",
	StatusTransport:         "transport",
	StatusNotAuthorized:     "not-authorized",
	StatusProtocolViolation: "protocol-violation",
	StatusShuttingDown:      "shutting-down",
	StatusInternal:          "internal-error",
	StatusRequestFailed:     "request-failed",
	StatusRequestCancelled:  "request-cancelled",
	StatusInvalidMethod:     "invalid-method",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unrecognized-status"
}

// ParseStatus maps a status name back to its Status value.
func ParseStatus(value string) (Status, bool) {
	for status, name := range statusNames {
		if name == value {
			return status, true
		}
	}
	return 0, false
}
