package dkim

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	msgauthdkim "github.com/emersion/go-msgauth/dkim"

	"mailer/internal/config"
	"mailer/internal/email"
)

var defaultHeaderKeys = []string{
	"from",
	"to",
	"subject",
	"date",
	"mime-version",
	"content-type",
	"message-id",
}

// Signer adds DKIM-Signature headers to outgoing verification mail.
// A nil *Signer is valid and signs nothing.
type Signer struct {
	domain     string
	selector   string
	key        crypto.Signer
	headerKeys []string
}

// NewSigner builds a signer for an explicit key. An empty domain means the
// sender's domain is used per message.
func NewSigner(domain, selector string, key crypto.Signer) (*Signer, error) {
	if selector == "" {
		return nil, errors.New("dkim: selector is required")
	}
	if key == nil {
		return nil, errors.New("dkim: private key is required")
	}
	return &Signer{
		domain:     domain,
		selector:   selector,
		key:        key,
		headerKeys: defaultHeaderKeys,
	}, nil
}

// LoadFromEnv initializes a Signer using environment variables. It
// returns nil, nil when DKIM is not configured at all.
//
//	SMTP_DKIM_SELECTOR – DKIM selector string
//	SMTP_DKIM_KEY_PATH or SMTP_DKIM_PRIVATE_KEY – PEM encoded private key
//	SMTP_DKIM_DOMAIN – optional, overrides the sender domain
func LoadFromEnv() (*Signer, error) {
	selector := config.String("SMTP_DKIM_SELECTOR", "")
	keyPath := config.String("SMTP_DKIM_KEY_PATH", "")
	inlineKey := os.Getenv("SMTP_DKIM_PRIVATE_KEY")
	domain := config.String("SMTP_DKIM_DOMAIN", "")

	if selector == "" && keyPath == "" && inlineKey == "" && domain == "" {
		return nil, nil
	}
	if selector == "" {
		return nil, errors.New("dkim: SMTP_DKIM_SELECTOR is required when enabling DKIM")
	}

	var pemData []byte
	switch {
	case inlineKey != "":
		pemData = []byte(inlineKey)
	case keyPath != "":
		data, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("dkim: read private key: %w", err)
		}
		pemData = data
	default:
		return nil, errors.New("dkim: provide SMTP_DKIM_KEY_PATH or SMTP_DKIM_PRIVATE_KEY")
	}

	key, err := parsePrivateKey(pemData)
	if err != nil {
		return nil, fmt.Errorf("dkim: parse private key: %w", err)
	}
	return NewSigner(domain, selector, key)
}

// Sign returns message with a DKIM-Signature prepended. Messages that are
// already signed are returned as-is.
func (s *Signer) Sign(message []byte, from string) ([]byte, error) {
	if s == nil || s.key == nil {
		return message, nil
	}
	if hasSignature(message) {
		return message, nil
	}

	domain := s.domain
	if domain == "" {
		d, err := email.Domain(from)
		if err != nil {
			return nil, fmt.Errorf("dkim: unable to determine signing domain: %w", err)
		}
		domain = d
	}

	opts := &msgauthdkim.SignOptions{
		Domain:                 domain,
		Selector:               s.selector,
		Signer:                 s.key,
		HeaderCanonicalization: msgauthdkim.CanonicalizationRelaxed,
		BodyCanonicalization:   msgauthdkim.CanonicalizationRelaxed,
		HeaderKeys:             s.headerKeys,
	}

	var signed bytes.Buffer
	if err := msgauthdkim.Sign(&signed, bytes.NewReader(toCRLF(message)), opts); err != nil {
		return nil, fmt.Errorf("dkim: signing failed: %w", err)
	}
	return signed.Bytes(), nil
}

func parsePrivateKey(pemData []byte) (crypto.Signer, error) {
	for {
		block, rest := pem.Decode(pemData)
		if block == nil {
			break
		}
		switch block.Type {
		case "RSA PRIVATE KEY":
			return x509.ParsePKCS1PrivateKey(block.Bytes)
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			if signer, ok := key.(crypto.Signer); ok {
				return signer, nil
			}
			return nil, errors.New("unsupported private key type in PKCS#8 container")
		}
		pemData = rest
	}
	return nil, errors.New("no private key found in PEM data")
}

// hasSignature looks for an existing DKIM-Signature in the header block
// only; body lines are ignored.
func hasSignature(message []byte) bool {
	upper := bytes.ToUpper(headerBlock(message))
	return bytes.Contains(upper, []byte("\nDKIM-SIGNATURE:")) || bytes.HasPrefix(upper, []byte("DKIM-SIGNATURE:"))
}

// headerBlock returns message up to the blank line ending the headers.
func headerBlock(message []byte) []byte {
	end := len(message)
	if i := bytes.Index(message, []byte("\r\n\r\n")); i >= 0 {
		end = i + 2
	}
	if i := bytes.Index(message, []byte("\n\n")); i >= 0 && i+1 < end {
		end = i + 1
	}
	return message[:end]
}

func toCRLF(data []byte) []byte {
	if bytes.Contains(data, []byte("\r\n")) || !bytes.Contains(data, []byte("\n")) {
		return data
	}
	return bytes.ReplaceAll(data, []byte("\n"), []byte("\r\n"))
}
