package core

import (
	"fmt"
	"net/http"
)

// Kind classifies an error surfaced by a component so that the HTTP/WS
// boundary layer (outside this module's scope) can pick a status code
// without inspecting error strings.
type Kind int

const (
	// KindInternal is the zero value: an unclassified internal failure.
	KindInternal Kind = iota

	// KindInvalidMagnet means a magnet URI carried no usable btih.
	KindInvalidMagnet
	// KindCorruptTorrent means a torrent blob had no "info" dict or
	// failed to bencode-decode.
	KindCorruptTorrent
	// KindMalformedURL means an HTTP(S)/FTP submission was not a
	// parseable URL.
	KindMalformedURL
	// KindSSRFBlocked means the resolved host fell in a blocked range.
	KindSSRFBlocked
	// KindSpaceDenied means quota or machine space admission failed.
	KindSpaceDenied
	// KindAlreadyOwned means the user already references the resulting
	// StoredFile.
	KindAlreadyOwned
	// KindDaemonRPCFailure means a JSON-RPC call to the daemon failed
	// at the transport/protocol level (not a reported download error).
	KindDaemonRPCFailure
	// KindDaemonReportedError means the daemon reported errorCode=N on
	// a task it owns.
	KindDaemonReportedError
	// KindExternalCancel means the daemon reported a stop event with no
	// corresponding application-initiated cancel.
	KindExternalCancel
	// KindFilesystemFailure means a filesystem operation failed during
	// promotion or cleanup.
	KindFilesystemFailure
)

func (k Kind) String() string {
	switch k {
	case KindInvalidMagnet:
		return "invalid_magnet"
	case KindCorruptTorrent:
		return "corrupt_torrent"
	case KindMalformedURL:
		return "malformed_url"
	case KindSSRFBlocked:
		return "ssrf_blocked"
	case KindSpaceDenied:
		return "space_denied"
	case KindAlreadyOwned:
		return "already_owned"
	case KindDaemonRPCFailure:
		return "daemon_rpc_failure"
	case KindDaemonReportedError:
		return "daemon_reported_error"
	case KindExternalCancel:
		return "external_cancel"
	case KindFilesystemFailure:
		return "filesystem_failure"
	default:
		return "internal"
	}
}

// DefaultHTTPStatus returns the status code the boundary layer should use
// for a Kind absent any more specific handling.
func (k Kind) DefaultHTTPStatus() int {
	switch k {
	case KindInvalidMagnet, KindCorruptTorrent, KindMalformedURL, KindSSRFBlocked, KindSpaceDenied:
		return http.StatusBadRequest
	case KindAlreadyOwned:
		return http.StatusConflict
	case KindDaemonRPCFailure, KindFilesystemFailure:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified error carrying a Kind alongside the usual message
// and optional wrapped cause. Components return *Error at their public
// boundaries so callers can branch on Kind instead of string-matching.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// Errorf constructs a classified error with no wrapped cause: format/args
// are rendered with fmt.Sprintf (a %w verb is not supported) and Err stays
// nil, so Unwrap returns nil. Use Wrap to classify an existing error.
func Errorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error under kind.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Msg: err.Error(), Err: err}
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return e.Msg
}

// Unwrap exposes the wrapped cause, if any, for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether err is a classified Error of kind k.
func Is(err error, k Kind) bool {
	ce, ok := err.(*Error)
	return ok && ce.Kind == k
}
