package domain

import "errors"

// Wire-level error codes. The closed set every client can rely on;
// the message strings stay machine-parseable and never carry user text.
type ErrorCode string

const (
	CodeInvalidRoomID      ErrorCode = "InvalidRoomId"
	CodeInvalidToken       ErrorCode = "InvalidToken"
	CodeTokenExpired       ErrorCode = "TokenExpired"
	CodeRateLimited        ErrorCode = "RateLimited"
	CodeNotInRoom          ErrorCode = "NotInRoom"
	CodeDestinationUnknown ErrorCode = "DestinationUnknown"
	CodeAuthFailed         ErrorCode = "AuthFailed"
	CodeLocked             ErrorCode = "Locked"
	CodeInternalError      ErrorCode = "InternalError"
)

var (
	ErrInvalidRoomID      = errors.New("invalid room id")
	ErrInvalidDisplayName = errors.New("invalid display name")
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token expired")
	ErrRateLimited        = errors.New("rate limited")
	ErrNotInRoom          = errors.New("not in room")
	ErrDestinationUnknown = errors.New("destination unknown")
	ErrAuthFailed         = errors.New("authentication failed")
	ErrLocked             = errors.New("principal locked")
	ErrUnsupportedMessage = errors.New("unsupported message type")
	ErrRoomNotFound       = errors.New("room not found")
	ErrRoomFull           = errors.New("room member limit reached")
	ErrConnectionNotFound = errors.New("connection not found")

	// Encryption service errors. On the wire all three collapse into
	// AuthFailed so a sender cannot probe which check rejected it.
	ErrUnknownKey    = errors.New("unknown key id")
	ErrStaleEnvelope = errors.New("envelope timestamp outside skew window")
)

// CodeOf maps a core error to its wire code. Unknown errors become
// InternalError rather than leaking internals to the client.
func CodeOf(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrInvalidRoomID), errors.Is(err, ErrInvalidDisplayName):
		return CodeInvalidRoomID
	case errors.Is(err, ErrInvalidToken):
		return CodeInvalidToken
	case errors.Is(err, ErrTokenExpired):
		return CodeTokenExpired
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrRoomFull):
		return CodeRateLimited
	case errors.Is(err, ErrNotInRoom), errors.Is(err, ErrRoomNotFound):
		return CodeNotInRoom
	case errors.Is(err, ErrDestinationUnknown), errors.Is(err, ErrConnectionNotFound):
		return CodeDestinationUnknown
	case errors.Is(err, ErrAuthFailed), errors.Is(err, ErrUnknownKey), errors.Is(err, ErrStaleEnvelope):
		return CodeAuthFailed
	case errors.Is(err, ErrLocked):
		return CodeLocked
	default:
		return CodeInternalError
	}
}
