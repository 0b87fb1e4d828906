package domain

import (
	"regexp"
)

var (
	// Alphanumeric or hyphen, 5 to 40 characters
	imeiPattern = regexp.MustCompile(`^[A-Za-z0-9-]{5,40}$`)
)

// ValidateIMEI validates the syntax of a submitted IMEI or serial.
// Returns ErrInvalidIMEI if the value is malformed.
func ValidateIMEI(imei string) error {
	if !imeiPattern.MatchString(imei) {
		return ErrInvalidIMEI
	}
	return nil
}
