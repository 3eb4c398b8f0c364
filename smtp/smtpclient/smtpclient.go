// Package smtpclient is the outbound half of the I/O Scheduler's SMTP
// loop (§4.1, §5): submitting one already-composed message to the
// account's configured SMTP submission server. Unlike a hosting
// server relaying to arbitrary recipients' MX hosts, a chat engine
// account always has exactly one configured outbound server and
// authenticates to it, so this client dials that single endpoint with
// SASL auth rather than doing per-recipient MX lookups.
package smtpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"time"

	"github.com/emersion/go-sasl"
)

// Client submits outbound messages to one configured SMTP server, at
// most maxConcurrent (NewClient's last argument) deliveries in flight
// at once (the I/O Scheduler
// runs one Client per account, shared by its SMTP loop and any
// SecureJoin/Autocrypt protocol messages queued alongside ordinary
// chat mail).
type Client struct {
	Host          string // submission server, "host:port"
	LocalHostname string // name presented in EHLO
	Username      string
	Password      string
	Resolver      *net.Resolver

	limiter chan struct{}
}

// NewClient wires a submission Client bound to host, given as
// "host:port"; the hostname is resolved through Resolver when Send
// dials.
func NewClient(host, localHostname, username, password string, maxConcurrent int) *Client {
	return &Client{
		Host:          host,
		LocalHostname: localHostname,
		Username:      username,
		Password:      password,
		Resolver:      net.DefaultResolver,
		limiter:       make(chan struct{}, maxConcurrent),
	}
}

// Delivery is the submission server's per-recipient response.
type Delivery struct {
	Recipient string
	Code      int
	Details   string
	Date      time.Time
	Error     error
}

func (d Delivery) Success() bool     { return d.Code == 250 && d.Error == nil }
func (d Delivery) PermFailure() bool { return d.Code >= 500 }
func (d Delivery) TempFailure() bool { return (d.Code >= 400 && d.Code < 500) || d.Error != nil }

// Send authenticates to c.Host and submits contents to recipients in
// a single SMTP transaction, the way a single Job in the Job Queue's
// JobSendMsgToSmtp action submits one already-MIME-built message.
func (c *Client) Send(ctx context.Context, from string, recipients []string, contents io.Reader) (results []Delivery, err error) {
	select {
	case c.limiter <- struct{}{}:
	case <-ctx.Done():
		return nil, context.Canceled
	}
	defer func() { <-c.limiter }()

	results = make([]Delivery, len(recipients))
	for i, rcpt := range recipients {
		results[i].Recipient = rcpt
	}
	allErr := func(err error) ([]Delivery, error) {
		for i := range results {
			if results[i].Code == 0 {
				results[i].Error = err
			}
		}
		return results, err
	}

	dialer := &net.Dialer{Resolver: c.Resolver}
	tcpConn, err := dialer.DialContext(ctx, "tcp", c.Host)
	if err != nil {
		return allErr(fmt.Errorf("smtpclient: dial %s: %w", c.Host, err))
	}
	host, _, _ := net.SplitHostPort(c.Host)
	conn, err := smtp.NewClient(tcpConn, host)
	if err != nil {
		return allErr(fmt.Errorf("smtpclient: handshake: %w", err))
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		conn.Close()
	}()
	defer close(done)

	if err := conn.Hello(c.LocalHostname); err != nil {
		return allErr(fmt.Errorf("smtpclient: EHLO: %w", err))
	}
	if ok, _ := conn.Extension("STARTTLS"); ok {
		if err := conn.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return allErr(fmt.Errorf("smtpclient: STARTTLS: %w", err))
		}
	}
	if c.Username != "" {
		auth := sasl.NewPlainClient("", c.Username, c.Password)
		if err := conn.Auth(auth); err != nil {
			return allErr(fmt.Errorf("smtpclient: AUTH: %w", err))
		}
	}
	if err := conn.Mail(from); err != nil {
		return allErr(fmt.Errorf("smtpclient: MAIL FROM: %w", err))
	}
	anyAccepted := false
	for i, to := range recipients {
		if rcptErr := conn.Rcpt(to); rcptErr != nil {
			results[i].Error = rcptErr
			continue
		}
		anyAccepted = true
	}
	if !anyAccepted {
		return results, nil
	}

	w, err := conn.Data()
	if err != nil {
		return allErr(fmt.Errorf("smtpclient: DATA: %w", err))
	}
	if _, err := io.Copy(w, contents); err != nil {
		return allErr(fmt.Errorf("smtpclient: writing body: %w", err))
	}
	if err := w.Close(); err != nil {
		return allErr(fmt.Errorf("smtpclient: closing DATA: %w", err))
	}
	if err := conn.Quit(); err != nil {
		return allErr(fmt.Errorf("smtpclient: QUIT: %w", err))
	}
	for i := range results {
		if results[i].Code == 0 && results[i].Error == nil {
			results[i].Code = 250
		}
	}
	return results, nil
}
