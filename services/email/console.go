package emailsvc

import (
	"fmt"
	"log"
	"mime/multipart"
	"net/mail"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/lms-portal/core"
)

type consoleService struct {
	from          mail.Address
	subjPrefix    string
	logger        core.Logger
	disableOutput bool

	mu   sync.Mutex
	sent []core.EmailMessage
}

var _ core.EmailService = (*consoleService)(nil)

// NewConsoleService prints every message to the standard logger instead of sending it.
func NewConsoleService(conf *core.Config, logger core.Logger) core.EmailService {
	return newConsoleService(conf, logger)
}

func newConsoleService(conf *core.Config, logger core.Logger) *consoleService {
	return &consoleService{
		from:       mail.Address{Name: conf.AppName, Address: conf.Email.DefaultFromEmail},
		subjPrefix: "[" + conf.AppName + "] ",
		logger:     logger,
	}
}

func (svc *consoleService) SendMessages(messages ...*core.EmailMessage) {
	for _, msg := range messages {
		go svc.sendMessage(msg)
	}
}

func (svc *consoleService) sendMessage(msg *core.EmailMessage) {
	if err := msg.Render(); err != nil {
		svc.logger.Error(fmt.Sprintf("%+v", errors.Wrap(err, "rendering email")), err)
		return
	}
	if msg.HasRecipients() && msg.HasContent() {
		out, err := svc.format(*msg)
		if err != nil {
			svc.logger.Error(fmt.Sprintf("%+v", errors.Wrap(err, "formatting email")), err)
			return
		}
		if !svc.disableOutput {
			log.Println(out)
		}
		svc.mu.Lock()
		svc.sent = append(svc.sent, *msg)
		svc.mu.Unlock()
	}
}

func (svc *consoleService) format(msg core.EmailMessage) (string, error) {
	body := new(strings.Builder)

	// Write mail header
	_, _ = fmt.Fprintf(body, "From: %s\r\n", svc.from.String())
	_, _ = fmt.Fprint(body, "MIME-Version: 1.0\r\n")
	_, _ = fmt.Fprintf(body, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	_, _ = fmt.Fprintf(body, "Subject: %s\r\n", svc.subjPrefix+msg.Subject)
	_, _ = fmt.Fprintf(body, "To: %s\r\n", joinAddresses(msg.To))
	if len(msg.Cc) > 0 {
		_, _ = fmt.Fprintf(body, "CC: %s\r\n", joinAddresses(msg.Cc))
	}

	altW := multipart.NewWriter(body)
	_, _ = fmt.Fprintf(body, "Content-Type: multipart/alternative; boundary=%s\r\n\r\n", altW.Boundary())

	w, err := altW.CreatePart(textproto.MIMEHeader{"Content-Type": {"text/plain"}})
	if err != nil {
		return "", errors.Wrap(err, "creating text/plain part")
	}
	_, _ = fmt.Fprintf(w, "%s\r\n", msg.TextContent)

	if msg.HTMLContent != "" {
		if w, err = altW.CreatePart(textproto.MIMEHeader{"Content-Type": {"text/html"}}); err != nil {
			return "", errors.Wrap(err, "creating text/html part")
		}
		_, _ = fmt.Fprintf(w, "%s\r\n", msg.HTMLContent)
	}
	if err = altW.Close(); err != nil {
		return "", err
	}
	return body.String(), nil
}

func joinAddresses(addrs []mail.Address) string {
	toJoin := make([]string, 0, len(addrs))
	for _, a := range addrs {
		toJoin = append(toJoin, a.String())
	}
	return strings.Join(toJoin, ", ")
}

// ConsoleServiceMock renders messages synchronously and keeps them for inspection.
type ConsoleServiceMock struct {
	*consoleService
}

func NewConsoleServiceMock(conf *core.Config) *ConsoleServiceMock {
	svc := newConsoleService(conf, core.NopLogger())
	svc.disableOutput = true
	return &ConsoleServiceMock{consoleService: svc}
}

func (svc *ConsoleServiceMock) SendMessages(messages ...*core.EmailMessage) {
	for _, msg := range messages {
		// run synchronously
		svc.sendMessage(msg)
	}
}

// Sent returns the messages delivered so far.
func (svc *ConsoleServiceMock) Sent() []core.EmailMessage {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return append([]core.EmailMessage(nil), svc.sent...)
}

// Last returns the last delivered message.
func (svc *ConsoleServiceMock) Last() (core.EmailMessage, bool) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if len(svc.sent) == 0 {
		return core.EmailMessage{}, false
	}
	return svc.sent[len(svc.sent)-1], true
}
