package emailsvc

import (
	"fmt"
	"net/http"
	"net/mail"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/trezcool/lms-portal/core"
)

var (
	host     = "https://api.sendgrid.com"
	endpoint = "/v3/mail/send"
)

type sendgridService struct {
	key       string
	appName   string
	fromEmail string
	logger    core.Logger
}

var _ core.EmailService = (*sendgridService)(nil)

func NewSendgridService(conf *core.Config, logger core.Logger) core.EmailService {
	return &sendgridService{
		key:       conf.Email.SendgridAPIKey,
		appName:   conf.AppName,
		fromEmail: conf.Email.DefaultFromEmail,
		logger:    logger,
	}
}

func (svc *sendgridService) SendMessages(messages ...*core.EmailMessage) {
	for _, msg := range messages {
		msg := msg
		go func() {
			if err := msg.Render(); err != nil {
				svc.logger.Error(fmt.Sprintf("rendering email %q: %v", msg.TemplateName, err), err)
				return
			}
			if msg.HasRecipients() && msg.HasContent() {
				svc.send(*msg)
			}
		}()
	}
}

// sender reads "Harvard University via LMS Portal" for tenant mail.
func (svc *sendgridService) sender(msg core.EmailMessage) *sgmail.Email {
	if msg.TenantName != "" {
		return sgmail.NewEmail(msg.TenantName+" via "+svc.appName, svc.fromEmail)
	}
	return sgmail.NewEmail(svc.appName, svc.fromEmail)
}

func (svc *sendgridService) subject(msg core.EmailMessage) string {
	prefix := svc.appName
	if msg.TenantName != "" {
		prefix = msg.TenantName
	}
	return "[" + prefix + "] " + msg.Subject
}

func (svc *sendgridService) prepare(msg core.EmailMessage) *sgmail.SGMailV3 {
	p := sgmail.NewPersonalization()
	p.Subject = svc.subject(msg)
	if msg.TenantID != "" {
		p.SetCustomArg("tenant_id", msg.TenantID)
	}

	for _, to := range msg.To {
		p.AddTos(sgEmail(to))
	}
	for _, cc := range msg.Cc {
		p.AddCCs(sgEmail(cc))
	}
	for _, bcc := range msg.Bcc {
		p.AddBCCs(sgEmail(bcc))
	}

	m := sgmail.NewV3Mail()
	m.SetFrom(svc.sender(msg))
	m.AddPersonalizations(p)
	m.AddContent(sgmail.NewContent("text/plain", msg.TextContent))
	if msg.HTMLContent != "" {
		m.AddContent(sgmail.NewContent("text/html", msg.HTMLContent))
	}

	if msg.Category != "" {
		m.AddCategories(msg.Category)
		// passcodes must reach the reader untouched
		tracking := sgmail.NewTrackingSettings().
			SetClickTracking(sgmail.NewClickTrackingSetting().SetEnable(false).SetEnableText(false))
		m.SetTrackingSettings(tracking)
	}
	return m
}

func sgEmail(addr mail.Address) *sgmail.Email {
	return sgmail.NewEmail(addr.Name, addr.Address)
}

func (svc *sendgridService) send(msg core.EmailMessage) {
	req := sendgrid.GetRequest(svc.key, endpoint, host)
	req.Method = http.MethodPost
	req.Body = sgmail.GetRequestBody(svc.prepare(msg))

	extras := map[string]interface{}{"tenant": msg.TenantID, "category": msg.Category}
	res, err := sendgrid.API(req)
	if err != nil {
		svc.logger.Error(fmt.Sprintf("sending email: %v", err), err, extras)
	} else if res.StatusCode >= http.StatusBadRequest {
		svc.logger.Error(fmt.Sprintf("sending email - status: %d - Body: %s", res.StatusCode, res.Body), extras)
	}
}
