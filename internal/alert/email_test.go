package alert

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"

	"github.com/upmon-net/upmon/internal/config"
)

func newTestSender(send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error) *SMTPSender {
	s := NewSMTPSender(config.SMTPConfig{
		Host:      "smtp.example.com",
		Port:      587,
		FromEmail: "alerts@example.com",
	}, testLogger())
	s.send = send
	return s
}

func TestSMTPSendSucceeds(t *testing.T) {
	var gotTo []string
	var gotMsg []byte
	s := newTestSender(func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotTo = to
		gotMsg = msg
		return nil
	})

	err := s.Send(context.Background(), []string{"ops@example.com"}, "ALERT: x is DOWN", "body")
	if err != nil {
		t.Fatal(err)
	}
	if len(gotTo) != 1 || gotTo[0] != "ops@example.com" {
		t.Errorf("to = %v", gotTo)
	}
	msg := string(gotMsg)
	if !strings.Contains(msg, "Subject: ALERT: x is DOWN\r\n") {
		t.Errorf("message missing subject header:\n%s", msg)
	}
	if !strings.Contains(msg, "\r\n\r\nbody") {
		t.Errorf("message missing body separator:\n%s", msg)
	}
}

func TestSMTPSendMakesOneAttempt(t *testing.T) {
	// Retry policy lives in the alert queue; the sender must not loop.
	calls := 0
	s := newTestSender(func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		calls++
		return errors.New("connection refused")
	})

	err := s.Send(context.Background(), []string{"ops@example.com"}, "s", "b")
	if err == nil {
		t.Fatal("Send succeeded, want error")
	}
	if calls != 1 {
		t.Errorf("send calls = %d, want 1", calls)
	}
}

func TestSMTPSendRequiresHost(t *testing.T) {
	s := NewSMTPSender(config.SMTPConfig{}, testLogger())
	if err := s.Send(context.Background(), []string{"a@b.c"}, "s", "b"); err == nil {
		t.Error("Send with no host must fail")
	}
}
