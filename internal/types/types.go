// Package types holds the small set of value types shared across every
// component of the gateway so that none of them has to import another
// component just to name an enum.
package types

// LogLevel is the minimum severity a logger emits.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogFormat is the logger's wire/console encoding.
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"
	LogFormatPretty LogFormat = "pretty"
)

// ErrorKind enumerates the client-facing error taxonomy from the protocol.
// The gateway logs the kind with each outbound "error" event; the event's
// message field carries a human-readable text, not the kind itself.
type ErrorKind string

const (
	ErrInvalidRoomId  ErrorKind = "InvalidRoomId"
	ErrInvalidNick    ErrorKind = "InvalidNickname"
	ErrInvalidSport   ErrorKind = "InvalidSport"
	ErrInvalidTime    ErrorKind = "InvalidTime"
	ErrInvalidMessage ErrorKind = "InvalidMessage"
	ErrRateLimited    ErrorKind = "RateLimited"
	ErrMustJoinFirst  ErrorKind = "MustJoinFirst"
	ErrStoreFailure   ErrorKind = "StoreFailure"
	ErrSessionExpired ErrorKind = "SessionExpired"
	ErrInternal       ErrorKind = "InternalError"
)

// Sport is the closed set of sport tags the clock library understands.
type Sport string

const (
	SportBasketball Sport = "basketball"
	SportFootball   Sport = "football"
	SportHockey     Sport = "hockey"
	SportSoccer     Sport = "soccer"
)

// GameTime is a sport-neutral clock reading as reported by a client.
type GameTime struct {
	Period  int `json:"period"`
	Minutes int `json:"minutes"`
	Seconds int `json:"seconds"`
}
