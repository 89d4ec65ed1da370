package auth

import "errors"

var (
	// ErrInvalidToken is returned when an access token fails signature,
	// format, or expiry checks. Verification never reports partial success.
	ErrInvalidToken = errors.New("invalid token")

	// ErrInvalidRefreshToken is returned when a refresh token is unknown,
	// expired, or already rotated away.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid auth config")
)
