package orchestrator

import (
	"bytes"
	"fmt"
	"text/template"
)

// DescriptorOptions locate the binary and config used by generated process descriptors.
type DescriptorOptions struct {
	Binary     string
	ConfigPath string
	WorkDir    string
	User       string
}

type descriptorUnit struct {
	Service
	After []string
	DescriptorOptions
}

const systemdTemplate = `{{range .}}# gammaflow-{{.Name}}.service
[Unit]
Description=gammaflow {{.Name}}{{if .Description}} ({{.Description}}){{end}}
After=network-online.target{{range .After}} gammaflow-{{.}}.service{{end}}
{{- if .After}}
Wants={{range $i, $d := .After}}{{if $i}} {{end}}gammaflow-{{$d}}.service{{end}}
{{- end}}

[Service]
Type=simple
ExecStart={{.Binary}} run --config {{.ConfigPath}} --services {{.Name}}
{{- if .WorkDir}}
WorkingDirectory={{.WorkDir}}
{{- end}}
{{- if .User}}
User={{.User}}
{{- end}}
Restart=always
RestartSec=2
KillSignal=SIGTERM
TimeoutStopSec=15

[Install]
WantedBy=multi-user.target

{{end}}`

const supervisordTemplate = `{{range .}}[program:gammaflow-{{.Name}}]
command={{.Binary}} run --config {{.ConfigPath}} --services {{.Name}}
{{- if .WorkDir}}
directory={{.WorkDir}}
{{- end}}
{{- if .User}}
user={{.User}}
{{- end}}
priority={{.Priority}}
autostart=true
autorestart=true
stopsignal=TERM
stopwaitsecs=15
redirect_stderr=true

{{end}}`

var descriptorTemplates = map[string]*template.Template{
	"systemd":     template.Must(template.New("systemd").Parse(systemdTemplate)),
	"supervisord": template.Must(template.New("supervisord").Parse(supervisordTemplate)),
}

// Priority orders supervisord programs so dependencies start first.
func (u descriptorUnit) Priority() int {
	return 100 + 10*len(u.After)
}

// Descriptor renders one process descriptor per service in start order.
// format is "systemd" or "supervisord".
func Descriptor(format string, services []Service, opts DescriptorOptions) (string, error) {
	tmpl, ok := descriptorTemplates[format]
	if !ok {
		return "", fmt.Errorf("unknown descriptor format %q (want systemd or supervisord)", format)
	}
	order, err := Plan(services)
	if err != nil {
		return "", err
	}
	if opts.Binary == "" {
		opts.Binary = "/usr/local/bin/gammaflow"
	}
	if opts.ConfigPath == "" {
		opts.ConfigPath = "/etc/gammaflow/config.yaml"
	}

	byName := make(map[string]Service, len(services))
	for _, svc := range services {
		byName[svc.Name] = svc
	}
	depth := make(map[string][]string, len(services))
	units := make([]descriptorUnit, 0, len(order))
	for _, name := range order {
		svc := byName[name]
		// transitive dependencies, so supervisord priorities respect the full chain
		var after []string
		seen := map[string]bool{}
		for _, dep := range svc.DependsOn {
			for _, d := range append(depth[dep], dep) {
				if !seen[d] {
					seen[d] = true
					after = append(after, d)
				}
			}
		}
		depth[name] = after
		units = append(units, descriptorUnit{Service: svc, After: after, DescriptorOptions: opts})
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, units); err != nil {
		return "", fmt.Errorf("render %s descriptors: %w", format, err)
	}
	return buf.String(), nil
}
