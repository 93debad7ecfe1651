package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"
)

const (
	smtpTimeout = 30 * time.Second
)

type SMTPService struct {
	host       string
	port       int
	username   string
	password   string
	from       string
	serverName string
	baseURL    string
}

func NewSMTPService(host string, port int, username, password, from, serverName, baseURL string) *SMTPService {
	return &SMTPService{
		host:       host,
		port:       port,
		username:   username,
		password:   password,
		from:       from,
		serverName: serverName,
		baseURL:    baseURL,
	}
}

// SendConfirmation mails the requester the confirmation URL right after a
// successful submission.
func (s *SMTPService) SendConfirmation(to, username, confirmURL, ip string, expiresAt time.Time) error {
	subject := fmt.Sprintf("Confirm your %s account request", s.serverName)
	body := fmt.Sprintf(`Hello %s,

Someone at IP address %s requested an account on %s using this email
address. To confirm that the address is yours, open the link below:

    %s

The link expires on %s. If the request was not yours, you can safely
ignore this email; the request will be discarded automatically.

- The %s Team`,
		username, ip, s.serverName, confirmURL,
		expiresAt.UTC().Format("Mon, 02 Jan 2006 15:04 MST"), s.serverName)

	return s.send(to, subject, body)
}

// SendAdminNotice tells a reviewer that a request just had its email
// confirmed. extraFields is the configured fixed-order projection of profile
// values included for triage.
func (s *SMTPService) SendAdminNotice(to, requester string, extraFields []string) error {
	subject := fmt.Sprintf("[%s] Account request awaiting review", s.serverName)

	var details strings.Builder
	for _, field := range extraFields {
		details.WriteString("    " + field + "\n")
	}

	body := fmt.Sprintf(`The account request from %q has confirmed its email address and is
waiting in the review queue:

    %s/api/v1/admin/requests

%s- The %s Team`,
		requester, s.baseURL, details.String(), s.serverName)

	return s.send(to, subject, body)
}

// SendWelcome delivers the approved account's temporary password. Cleartext
// on purpose: it is a one-time credential the user changes at first login.
func (s *SMTPService) SendWelcome(to, username, password string) error {
	subject := fmt.Sprintf("Welcome to %s", s.serverName)
	body := fmt.Sprintf(`Hello %s,

Your account request was approved. You can sign in at:

    %s

with the temporary password:

    %s

Please change it immediately after your first login.

- The %s Team`,
		username, s.baseURL, password, s.serverName)

	return s.send(to, subject, body)
}

func (s *SMTPService) send(to, subject, body string) error {
	msg := s.buildMessage(to, subject, body)

	addr := fmt.Sprintf("%s:%d", s.host, s.port)

	ctx, cancel := context.WithTimeout(context.Background(), smtpTimeout)
	defer cancel()

	dialer := net.Dialer{Timeout: smtpTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connecting to SMTP server: %w", err)
	}

	client, err := smtp.NewClient(conn, s.host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("creating SMTP client: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		tlsCfg := &tls.Config{ServerName: s.host}
		if err := client.StartTLS(tlsCfg); err != nil {
			return fmt.Errorf("STARTTLS: %w", err)
		}
	} else if s.port != 25 && s.port != 1025 {
		return fmt.Errorf("STARTTLS not available on port %d (required for secure auth)", s.port)
	}

	if s.username != "" && s.password != "" {
		auth := smtp.PlainAuth("", s.username, s.password, s.host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP authentication: %w", err)
		}
	}

	if err := client.Mail(s.from); err != nil {
		return fmt.Errorf("SMTP MAIL command: %w", err)
	}

	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("SMTP RCPT command: %w", err)
	}

	wc, err := client.Data()
	if err != nil {
		return fmt.Errorf("SMTP DATA command: %w", err)
	}

	_, err = wc.Write([]byte(msg))
	if err != nil {
		wc.Close()
		return fmt.Errorf("writing email body: %w", err)
	}

	if err := wc.Close(); err != nil {
		return fmt.Errorf("closing email body: %w", err)
	}

	if err := client.Quit(); err != nil {
		slog.Warn("smtp QUIT command failed", "component", "email", "error", err)
	}

	return nil
}

func (s *SMTPService) buildMessage(to, subject, body string) string {
	return fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=\"utf-8\"\r\n\r\n%s",
		s.from, to, subject, body)
}
