package email

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

// ErrInvalidAddress indicates the address failed validation.
var ErrInvalidAddress = errors.New("invalid email address")

// Normalize validates a bare mailbox address and returns it in canonical
// form: display names and angle brackets are rejected, the domain is
// lower-cased and a trailing root dot is dropped.
func Normalize(address string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", fmt.Errorf("%w: empty address", ErrInvalidAddress)
	}
	if strings.ContainsAny(address, "\r\n<>") {
		return "", fmt.Errorf("%w: unexpected characters", ErrInvalidAddress)
	}

	parsed, err := mail.ParseAddress(address)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if parsed.Name != "" {
		return "", fmt.Errorf("%w: display name not allowed", ErrInvalidAddress)
	}

	at := strings.LastIndex(parsed.Address, "@")
	domain, err := Domain(parsed.Address)
	if err != nil {
		return "", err
	}
	return parsed.Address[:at] + "@" + strings.ToLower(domain), nil
}

// Domain returns the domain component of a validated email address.
func Domain(address string) (string, error) {
	at := strings.LastIndex(address, "@")
	if at == -1 || at == len(address)-1 {
		return "", fmt.Errorf("%w: missing domain", ErrInvalidAddress)
	}

	domain := address[at+1:]
	domain = strings.TrimSuffix(domain, ".")
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return "", fmt.Errorf("%w: empty domain", ErrInvalidAddress)
	}
	if strings.ContainsAny(domain, " \t") {
		return "", fmt.Errorf("%w: whitespace in domain", ErrInvalidAddress)
	}

	return domain, nil
}
