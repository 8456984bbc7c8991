package config

import (
	"strings"
	"text/template"
)

// newConfigFile returns the YAML config file contents for the given config.
func newConfigFile(cfg *Config) string {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var b strings.Builder
	t := template.Must(template.New("config").Parse(configFileTmpl))
	t.Execute(&b, cfg) // nolint: errcheck
	return b.String()
}

const configFileTmpl = `# MirrorKeep Server configurations

# The name of the server.
# This is the name that will be displayed in the UI.
name: "{{ .Name }}"

# The upstream source of truth.
upstream:
  # Base API root of the upstream host.
  base: "{{ .Upstream.Base }}"

  # Token used to fetch private upstream repositories. Optional.
  token: "{{ .Upstream.Token }}"

# The downstream Gitea server.
downstream:
  # Root URL of the Gitea server.
  url: "{{ .Downstream.URL }}"

  # Access token used for API calls and pushes.
  token: "{{ .Downstream.Token }}"

  # Service user that owns mirrors without an organization.
  user: "{{ .Downstream.User }}"

# Synchronization settings.
sync:
  # Default number of seconds between two syncs of a mirror.
  interval: {{ .Sync.Interval }}

  # Number of seconds a single fetch or push operation may take.
  timeout: {{ .Sync.Timeout }}

  # Number of concurrent sync workers.
  workers: {{ .Sync.Workers }}

  # Maximum in-job retries for retryable failures.
  retry_max: {{ .Sync.RetryMax }}

  # Directory that holds the local clones.
  clone_root: "{{ .Sync.CloneRoot }}"

# Cron jobs configuration.
jobs:
  # The planner tick schedule.
  sync_planner: "{{ .Jobs.SyncPlanner }}"

# The HTTP server configuration.
http:
  # The address on which the HTTP server will listen.
  listen_addr: "{{ .HTTP.ListenAddr }}"

# The stats server configuration.
stats:
  # Enable the stats server.
  enabled: {{ .Stats.Enabled }}

  # The address on which the stats server will listen.
  listen_addr: "{{ .Stats.ListenAddr }}"

# The database configuration.
db:
  # The database driver to use.
  # Valid values are "sqlite" and "postgres".
  driver: "{{ .DB.Driver }}"

  # The database data source name.
  data_source: "{{ .DB.DataSource }}"

# Logging configuration.
log:
  # Log format to use. Valid values are "json", "logfmt", and "text".
  format: "{{ .Log.Format }}"

  # Time format for the log "timestamp" field.
  # Should be described in Golang's time format.
  time_format: "{{ .Log.TimeFormat }}"

  # Path to the log file. Leave empty to write to stderr.
  path: "{{ .Log.Path }}"

# Display timezone. Stored times remain UTC.
timezone: "{{ .Timezone }}"
`
