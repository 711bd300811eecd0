package forms

import (
	"fmt"
	"net"
	"net/smtp"
	"strconv"

	"github.com/jordan-wright/email"

	"github.com/Momo-444/toitureai-forms/internal/webhook"
)

// notifyFallback emails the submission to the site owner when the webhook
// is down. Returns true only if the fallback actually went out; the
// channel is optional and its absence is not an error worth surfacing.
func (g *Gateway) notifyFallback(cs *SiteCfg, sub webhook.Submission) bool {
	if cs.FallbackTo == "" || g.cfg.SMTP == nil || g.sendEmail == nil {
		return false
	}

	from := g.cfg.FromAddr
	if from == "" {
		from = g.cfg.SMTP.User
	}
	msg := fmt.Sprintf(
		"Site: %s\nFrom: %s <%s>\nPhone: %s\nAddress: %s, %s %s\n\n%s\n\n(webhook delivery failed; forwarded by the contact gateway)\n",
		cs.Key, sub.Name, sub.Email, sub.Phone, sub.Address, sub.PostalCode, sub.City, sub.Message,
	)

	e := email.NewEmail()
	e.From = from
	e.To = []string{cs.FallbackTo}
	e.ReplyTo = []string{fmt.Sprintf("%s <%s>", sub.Name, sub.Email)}
	e.Subject = "[Contact] New message for " + cs.Key
	e.Text = []byte(msg)

	if err := g.sendEmail(g.cfg.SMTP, e); err != nil {
		fallbackLogger.Error("fallback email failed", "site", cs.Key, "err", err)
		return false
	}
	return true
}

// sendSMTP is the production email transport.
func sendSMTP(cfg *SmtpCfg, e *email.Email) error {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	auth := smtp.PlainAuth("", cfg.User, cfg.Pass, cfg.Host)

	if cfg.SSL {
		return e.SendWithTLS(addr, auth, nil)
	}
	return e.Send(addr, auth)
}
