package updateserver

import (
	"fmt"
	"strings"
)

// WSUS application ID used for the SSL certificate binding.
const wsusAppID = "{9f55f098-16f9-4f85-b6f9-7241f8b9e26a}"

const thumbprintLength = 40

// InputError is a user-facing validation failure.
type InputError string

func (e InputError) Error() string { return string(e) }

// NormalizeThumbprint strips spaces and upper-cases a certificate hash.
func NormalizeThumbprint(thumbprint string) string {
	return strings.ToUpper(strings.TrimSpace(strings.ReplaceAll(thumbprint, " ", "")))
}

// ValidateHTTPSInput normalizes and checks the server name and thumbprint.
func ValidateHTTPSInput(serverName, thumbprint string) (string, string, error) {
	serverName = strings.TrimSpace(serverName)
	if serverName == "" {
		return "", "", InputError("WSUS server name is required.")
	}

	tp := NormalizeThumbprint(thumbprint)
	if tp == "" {
		return "", "", InputError("Certificate thumbprint is required.")
	}
	if len(tp) != thumbprintLength {
		return "", "", InputError(fmt.Sprintf("Certificate thumbprint must be %d hexadecimal characters.", thumbprintLength))
	}
	for _, c := range tp {
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'F') {
			return "", "", InputError("Certificate thumbprint format is invalid. Only hexadecimal characters are allowed.")
		}
	}
	return serverName, tp, nil
}
