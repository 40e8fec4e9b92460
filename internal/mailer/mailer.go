package mailer

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/wneessen/go-mail"
)

// Message is one outbound email.
type Message struct {
	To        string
	Subject   string
	Body      string
	FromEmail string
	FromName  string

	// Account, when set, is the SMTP identity to deliver through instead of
	// the sender's configured defaults.
	Account *Account
}

// Account is a per-send SMTP identity: its address becomes the envelope
// sender and, when it names a host, its credentials open the connection.
type Account struct {
	Email    string
	Password string
	Host     string
	Port     int
}

// Result carries transport acceptance metadata. PreviewURL is optional
// out-of-band inspection metadata for test transports.
type Result struct {
	MessageID  string
	PreviewURL string
}

// MailSender is the injected transport capability. The delivery worker never
// talks SMTP directly; it calls Send exactly once per admitted dispatch.
type MailSender interface {
	Send(ctx context.Context, msg Message) (*Result, error)
}

// SMTPSender sends through an SMTP server using go-mail.
type SMTPSender struct {
	host     string
	port     int
	username string
	password string
	from     string
	fromName string
	timeout  time.Duration
}

// NewSMTPSender creates an SMTP sender with the given defaults.
func NewSMTPSender(host string, port int, username, password, fromEmail, fromName string) *SMTPSender {
	return &SMTPSender{
		host:     host,
		port:     port,
		username: username,
		password: password,
		from:     fromEmail,
		fromName: fromName,
		timeout:  10 * time.Second,
	}
}

// Send delivers one message and returns the generated message id.
func (s *SMTPSender) Send(ctx context.Context, msg Message) (*Result, error) {
	m := mail.NewMsg(mail.WithNoDefaultUserAgent())

	from := msg.FromEmail
	fromName := msg.FromName
	if from == "" {
		from = s.from
		fromName = s.fromName
	}
	if msg.Account != nil {
		from = msg.Account.Email
		fromName = ""
	}
	if fromName != "" {
		if err := m.FromFormat(fromName, from); err != nil {
			return nil, fmt.Errorf("setting from address: %w", err)
		}
	} else {
		if err := m.From(from); err != nil {
			return nil, fmt.Errorf("setting from address: %w", err)
		}
	}

	if err := m.To(msg.To); err != nil {
		return nil, fmt.Errorf("setting recipient: %w", err)
	}

	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextPlain, msg.Body)
	m.SetMessageID()

	client, err := s.client(msg.Account)
	if err != nil {
		return nil, err
	}

	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return nil, fmt.Errorf("smtp send failed: %w", err)
	}

	return &Result{MessageID: m.GetMessageID()}, nil
}

func (s *SMTPSender) client(account *Account) (*mail.Client, error) {
	host := s.host
	port := s.port
	username := s.username
	password := s.password

	if account != nil && account.Host != "" {
		host = account.Host
		port = account.Port
		username = account.Email
		password = account.Password
	}

	opts := []mail.Option{
		mail.WithPort(port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
		mail.WithTimeout(s.timeout),
	}

	// Unauthenticated servers (local relays, port 25) are allowed.
	if username != "" && password != "" {
		opts = append(opts,
			mail.WithUsername(username),
			mail.WithPassword(password),
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
		)
	}

	client, err := mail.NewClient(host, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating SMTP client: %w", err)
	}
	return client, nil
}

// ConsoleSender logs messages instead of delivering them. Used in
// development when no SMTP host is configured.
type ConsoleSender struct{}

// NewConsoleSender creates a console sender.
func NewConsoleSender() *ConsoleSender {
	return &ConsoleSender{}
}

// Send logs the message and fabricates a message id.
func (c *ConsoleSender) Send(ctx context.Context, msg Message) (*Result, error) {
	id := fmt.Sprintf("<console-%s@localhost>", uuid.New().String())
	log.Printf("[Mailer] To: %s | Subject: %s | MessageID: %s", msg.To, msg.Subject, id)
	return &Result{MessageID: id}, nil
}
