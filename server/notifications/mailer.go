package notifications

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/wneessen/go-mail"
)

// Mailer sends plain text mail. Thread safe, a client is dialed per send.
type Mailer interface {
	Send(ctx context.Context, to []string, subject string, body string) error
}

type AuthType string

const (
	AuthTypeNone     AuthType = "none"
	AuthTypeUserPass AuthType = "user-pass"
)

type Config struct {
	Host         string
	Port         int
	Domain       string
	From         string
	TLS          bool
	AuthType     AuthType
	AuthUsername string
	AuthPassword string
	NoNoop       bool
}

type mailer struct {
	config Config
}

func NewMailer(config Config) Mailer {
	return mailer{config: config}
}

func (m mailer) Send(ctx context.Context, to []string, subject string, body string) error {
	msg := mail.NewMsg()
	if err := msg.From(m.config.From); err != nil {
		return fmt.Errorf("failed to set From address: %s", err)
	}
	if err := msg.To(to...); err != nil {
		return fmt.Errorf("failed to set To address: %s", err)
	}

	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)

	client, err := m.buildClient()
	if err != nil {
		return fmt.Errorf("failed to create mail client: %s", err)
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("failed to send mail: %s", err)
	}

	return nil
}

func (m mailer) buildClient() (*mail.Client, error) {
	options := []mail.Option{
		mail.WithHELO(m.config.Domain),
	}

	if m.config.TLS {
		options = append(options, mail.WithTLSPolicy(mail.TLSMandatory))
	} else {
		options = append(options, mail.WithTLSPolicy(mail.NoTLS))
	}

	if m.config.AuthType == AuthTypeUserPass {
		options = append(options,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.config.AuthUsername),
			mail.WithPassword(m.config.AuthPassword),
		)
	}

	if m.config.NoNoop {
		options = append(options, mail.WithoutNoop())
	}

	if m.config.Port > 0 { // if we have Port, don't let library guess but enforce Port
		options = append(options, mail.WithPort(m.config.Port))
	}

	return mail.NewClient(m.config.Host, options...)
}

// DomainFromSender derives the HELO domain from the sender address.
func DomainFromSender(from string) (string, error) {
	parts := strings.Split(from, "@")
	if len(parts) != 2 {
		return "", fmt.Errorf("can't parse sender email %q", from)
	}
	return parts[1], nil
}

// ConfigFromSMTP builds a mailer Config from the flat SMTP settings of the
// server config. server may be "host", "host:port" or a URL.
func ConfigFromSMTP(server, senderEmail, authUsername, authPassword string, secure bool) (Config, error) {
	u, err := url.Parse(server)
	if err != nil {
		return Config{}, fmt.Errorf("can't parse host from SMTP config: %v", err)
	}
	sPort := u.Port()

	var host string
	if u.Hostname() == "" {
		parts := strings.Split(server, ":")
		host = parts[0]

		if len(parts) == 2 {
			sPort = parts[1]
		}
	} else {
		host = u.Hostname()
	}

	var port int
	if sPort == "" {
		port = -1 // let the library guess the port
	} else {
		port, err = strconv.Atoi(sPort)
		if err != nil {
			return Config{}, fmt.Errorf("can't parse port number: %v", err)
		}
	}

	domain, err := DomainFromSender(senderEmail)
	if err != nil {
		return Config{}, err
	}

	authType := AuthTypeNone
	if authUsername != "" {
		authType = AuthTypeUserPass
	}

	return Config{
		Host:         host,
		Port:         port,
		Domain:       domain,
		From:         senderEmail,
		TLS:          secure,
		AuthType:     authType,
		AuthUsername: authUsername,
		AuthPassword: authPassword,
	}, nil
}
