package core

import (
	"bytes"
	"embed"
	"fmt"
	htmltmpl "html/template"
	"io/fs"
	"net/mail"
	"path"
	"strings"
	"sync"
	texttmpl "text/template"
)

//go:embed all:templates/email
var templateFS embed.FS

var (
	templates   tmplCache
	tmplInit    sync.Once
	tmplMu      sync.RWMutex
	tmplAppName = "LMS Portal"
)

// CategoryVerification tags one-time passcode mails.
const CategoryVerification = "verification"

type (
	tmplCacheEntry map[string]interface{}    // {ext: *Template}
	tmplCache      map[string]tmplCacheEntry // {name: {tmplCacheEntry}}

	EmailMessage struct {
		To      []mail.Address
		Cc      []mail.Address
		Bcc     []mail.Address
		Subject string
		BodyStr string // simple text/plain, non-templated content

		// TenantID and TenantName identify the institution the message is sent on behalf of.
		TenantID   string
		TenantName string
		// Category tags the message for delivery reports; transactional ones are never click-tracked.
		Category string

		// templated contents
		TemplateName string // without ext
		TemplateData interface{}
		TextContent  string
		HTMLContent  string
	}

	ContextData struct {
		AppName string
		Data    interface{}
	}

	// EmailService is any service that can send emails
	EmailService interface {
		// SendMessages sends messages concurrently
		SendMessages(messages ...*EmailMessage)
	}
)

func (m *EmailMessage) getContextData() ContextData {
	tmplMu.RLock()
	defer tmplMu.RUnlock()
	return ContextData{AppName: tmplAppName, Data: m.TemplateData}
}

func (m *EmailMessage) getTemplate(ext string) (interface{}, bool) {
	cache, ok := templates[m.TemplateName]
	if !ok {
		return nil, ok
	}
	tmplEntry, ok := cache[ext]
	return tmplEntry, ok
}

func (m *EmailMessage) renderText() error {
	if m.BodyStr != "" {
		m.TextContent = m.BodyStr
		return nil
	} else if m.TemplateName == "" {
		return nil
	}

	tmplEntry, ok := m.getTemplate(".txt")
	if !ok {
		return nil
	}
	tmpl, ok := tmplEntry.(*texttmpl.Template)
	if !ok {
		return nil
	}

	var buff bytes.Buffer
	if err := tmpl.Execute(&buff, m.getContextData()); err != nil {
		return err
	}
	m.TextContent = buff.String()
	return nil
}

func (m *EmailMessage) renderHTML() error {
	if m.TemplateName == "" {
		return nil
	}

	tmplEntry, ok := m.getTemplate(".gohtml")
	if !ok {
		return nil
	}
	tmpl, ok := tmplEntry.(*htmltmpl.Template)
	if !ok {
		return nil
	}

	var buff bytes.Buffer
	if err := tmpl.Execute(&buff, m.getContextData()); err != nil {
		return err
	}
	m.HTMLContent = buff.String()
	return nil
}

func (m *EmailMessage) Render() error {
	if m.TemplateName != "" {
		tmplInit.Do(func() { parseTemplates(nil) })
		if _, ok := templates[m.TemplateName]; !ok {
			return fmt.Errorf("email template %q is not registered", m.TemplateName)
		}
	}
	if err := m.renderText(); err != nil {
		return err
	}
	return m.renderHTML()
}

func (m *EmailMessage) HasRecipients() bool { return len(m.To) > 0 }
func (m *EmailMessage) HasContent() bool    { return (m.TextContent != "") || (m.HTMLContent != "") }

// ParseEmailTemplates parses the embedded email templates once; appName is shown in every mail.
func ParseEmailTemplates(appName string, logger Logger) {
	if appName != "" {
		tmplMu.Lock()
		tmplAppName = appName
		tmplMu.Unlock()
	}
	tmplInit.Do(func() { parseTemplates(logger) })
}

func parseTemplates(logger Logger) {
	templates = make(tmplCache)
	logErr := func(err error) {
		if logger != nil {
			logger.Error(fmt.Sprintf("core.parseTemplates: %v", err), err)
		}
	}

	root := "templates/email"
	fps, err := fs.Glob(templateFS, path.Join(root, "*"))
	if err != nil {
		logErr(err)
		return
	}

	for _, fp := range fps {
		fname := path.Base(fp)
		ext := path.Ext(fname)
		if strings.HasPrefix(fname, "_") || !(ext == ".txt" || ext == ".gohtml") {
			continue
		}
		name := fname[:strings.LastIndex(fname, ".")]
		entry, ok := templates[name]
		if !ok {
			templates[name] = make(tmplCacheEntry)
			entry = templates[name]
		}
		if ext == ".txt" {
			tmpl, err := texttmpl.ParseFS(templateFS, path.Join(root, "_base.txt"), fp)
			if err != nil {
				logErr(err)
				continue
			}
			entry[ext] = tmpl.Option("missingkey=error")
		} else {
			tmpl, err := htmltmpl.ParseFS(templateFS, path.Join(root, "_base.gohtml"), fp)
			if err != nil {
				logErr(err)
				continue
			}
			entry[ext] = tmpl.Option("missingkey=error")
		}
	}
}
