// internal/notifications/templates.go - message bodies per event kind
package notifications

import (
	"bytes"
	"fmt"
	"text/template"

	"edgewatch/internal/config"
	"edgewatch/internal/monitoring"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	defaultNewHostTemplate = `{{if ne .Location "-"}}Host *{{md .HostName}}* (arch: {{md .Arch}}) has joined the network from {{md .Location}}` +
		`{{else if ne .Arch "-"}}Host *{{md .HostName}}* (arch: {{md .Arch}}) has joined the network from an unknown location` +
		`{{else}}Host *{{md .HostName}}* has joined the network from an unknown location{{end}}` +
		` and is connected to stargate *{{md .Stargate}}*.`

	defaultCameOnlineTemplate = `Host *{{md .HostName}}*{{if ne .Location "-"}} in {{md .Location}}{{end}}` +
		` is now online and connected to stargate *{{md .Stargate}}*.`
)

// Messages are sent as Telegram Markdown, so explorer fields need escaping
// before they land inside the bold markers.
var templateFuncs = template.FuncMap{
	"md": markdownEscape,
}

func markdownEscape(s string) string {
	return tgbotapi.EscapeText(tgbotapi.ModeMarkdown, s)
}

type templateSet map[monitoring.EventKind]*template.Template

func parseTemplates(cfg config.TemplateConfig) (templateSet, error) {
	sources := map[monitoring.EventKind]string{
		monitoring.EventNewHost:    defaultNewHostTemplate,
		monitoring.EventCameOnline: defaultCameOnlineTemplate,
	}
	if cfg.NewHost != "" {
		sources[monitoring.EventNewHost] = cfg.NewHost
	}
	if cfg.CameOnline != "" {
		sources[monitoring.EventCameOnline] = cfg.CameOnline
	}

	set := make(templateSet, len(sources))
	for kind, src := range sources {
		tmpl, err := template.New(string(kind)).Funcs(templateFuncs).Option("missingkey=error").Parse(src)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s template: %w", kind, err)
		}
		set[kind] = tmpl
	}
	return set, nil
}

func (s templateSet) render(event monitoring.Event) (string, error) {
	tmpl, ok := s[event.Kind]
	if !ok {
		return "", fmt.Errorf("no template for event kind %q", event.Kind)
	}

	// Older explorer rows may carry empty fields; render them like "-".
	data := event
	if data.Location == "" {
		data.Location = "-"
	}
	if data.Arch == "" {
		data.Arch = "-"
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template %s: %w", event.Kind, err)
	}
	return buf.String(), nil
}
