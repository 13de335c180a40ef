package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"
)

// Reply is one SMTP server reply.
type Reply struct {
	Code    int
	Message string
}

// SessionResult is what a probe session learned.
type SessionResult struct {
	Recipient Reply
	// CatchAll is the reply to the random mailbox, nil when it was not
	// probed or the server did not give a usable answer.
	CatchAll *Reply
}

// StepError is a session failure before the recipient was checked, or a
// transport failure during the RCPT exchange. Reply is set when the server
// answered with an error code rather than going silent.
type StepError struct {
	During State
	Reply  *Reply
	Err    error
}

func (e *StepError) Error() string {
	if e.Reply != nil {
		return fmt.Sprintf("smtp %s: %d %s", e.During, e.Reply.Code, e.Reply.Message)
	}
	return fmt.Sprintf("smtp %s: %v", e.During, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Timeout reports whether the step failed on a deadline.
func (e *StepError) Timeout() bool {
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// Prober runs one SMTP conversation against a mail host. step is called as
// each state is reached.
type Prober interface {
	Probe(ctx context.Context, host, rcpt, catchAllRcpt string, step func(State)) (*SessionResult, error)
}

// ContextDialer opens TCP connections; *net.Dialer satisfies it.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// SMTPProber speaks SMTP with net/smtp. Every step runs under its own
// connection deadline and the connection is closed as soon as ctx ends, so a
// hung server cannot hold a worker.
type SMTPProber struct {
	Port           int
	HeloName       string
	MailFrom       string
	ConnectTimeout time.Duration
	StepTimeout    time.Duration
	Dialer         ContextDialer
}

// NewSMTPProber builds a prober from the engine settings.
func NewSMTPProber(cfg Config) *SMTPProber {
	return &SMTPProber{
		Port:           cfg.Port,
		HeloName:       cfg.HeloName,
		MailFrom:       cfg.MailFrom,
		ConnectTimeout: cfg.ConnectTimeout,
		StepTimeout:    cfg.StepTimeout,
	}
}

// Probe connects to host, identifies as HeloName, announces MailFrom and asks
// the server about rcpt. When the server accepts rcpt and catchAllRcpt is
// set, the random mailbox is asked about in the same transaction.
func (p *SMTPProber) Probe(ctx context.Context, host, rcpt, catchAllRcpt string, step func(State)) (*SessionResult, error) {
	if step == nil {
		step = func(State) {}
	}
	dialer := p.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}

	dctx, cancel := context.WithTimeout(ctx, p.ConnectTimeout)
	conn, err := dialer.DialContext(dctx, "tcp", net.JoinHostPort(host, strconv.Itoa(p.Port)))
	cancel()
	if err != nil {
		return nil, &StepError{During: StateConnected, Err: err}
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	step(StateConnected)

	deadline := func() { conn.SetDeadline(time.Now().Add(p.StepTimeout)) }

	deadline()
	client, err := smtp.NewClient(conn, host)
	if err != nil {
		return nil, stepError(StateGreetingOK, err)
	}
	defer client.Close()
	step(StateGreetingOK)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	deadline()
	if err := client.Hello(p.HeloName); err != nil {
		return nil, stepError(StateSenderOK, err)
	}
	deadline()
	if err := client.Mail(p.MailFrom); err != nil {
		return nil, stepError(StateSenderOK, err)
	}
	step(StateSenderOK)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	deadline()
	res := &SessionResult{Recipient: Reply{Code: 250}}
	if err := client.Rcpt(rcpt); err != nil {
		var tpErr *textproto.Error
		if !errors.As(err, &tpErr) {
			return nil, &StepError{During: StateRecipientChecked, Err: err}
		}
		res.Recipient = Reply{Code: tpErr.Code, Message: tpErr.Msg}
	}
	step(StateRecipientChecked)

	if catchAllRcpt != "" && res.Recipient.Code/100 == 2 && ctx.Err() == nil {
		deadline()
		if err := client.Rcpt(catchAllRcpt); err == nil {
			res.CatchAll = &Reply{Code: 250}
		} else {
			var tpErr *textproto.Error
			if errors.As(err, &tpErr) {
				res.CatchAll = &Reply{Code: tpErr.Code, Message: tpErr.Msg}
			}
		}
	}

	deadline()
	_ = client.Quit()
	return res, nil
}

func stepError(during State, err error) *StepError {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return &StepError{During: during, Reply: &Reply{Code: tpErr.Code, Message: tpErr.Msg}, Err: err}
	}
	return &StepError{During: during, Err: err}
}
