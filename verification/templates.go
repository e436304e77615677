package verification

import (
	"bytes"
	_ "embed"
	htmltemplate "html/template"
	"net/url"
	"strings"
	texttemplate "text/template"
)

type mailParams struct {
	Username string
	URL      string
}

var (
	//go:embed templates/verification.txt
	plainTemplateRaw string
	//go:embed templates/verification.html
	htmlTemplateRaw string

	plainTemplate = texttemplate.Must(texttemplate.New("verification.txt").Parse(plainTemplateRaw))
	htmlTemplate  = htmltemplate.Must(htmltemplate.New("verification.html").Parse(htmlTemplateRaw))
)

// VerifyURL returns the link a user follows to confirm their address.
func VerifyURL(baseURL, token string) string {
	return strings.TrimRight(baseURL, "/") + "/verify-email?token=" + url.QueryEscape(token)
}

func render(p mailParams) (plain, html string, err error) {
	var b bytes.Buffer
	if err := plainTemplate.Execute(&b, p); err != nil {
		return "", "", err
	}
	plain = b.String()

	b.Reset()
	if err := htmlTemplate.Execute(&b, p); err != nil {
		return "", "", err
	}
	return plain, b.String(), nil
}
