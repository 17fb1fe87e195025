package main

import (
	"fmt"
	"strconv"
)

// Config is the engine options file.  The alerting rules themselves live in
// the separate alerting config document referenced by alerting-config.
type Config struct {
	Port            int    `toml:"port" comment:"Port to listen on for metrics and the alert API."`
	AlertingConfig  string `toml:"alerting-config" comment:"Path to the alerting config document (JSON or YAML) with action groups and rules."`
	TelemetryTarget string `toml:"telemetry-endpoint" comment:"Telemetry query endpoint rules evaluate against."`
	AlertTarget     string `toml:"alert-endpoint" comment:"Notification service endpoint deliveries are posted to."`

	ReloadIntervalSeconds   int `toml:"reload-interval-seconds" comment:"How often the alerting config document is re-read.  0 disables reloading."`
	Concurrency             int `toml:"concurrency" comment:"Number of concurrent rule evaluations."`
	QueryTimeoutSeconds     int `toml:"query-timeout-seconds" comment:"Timeout for a single telemetry query."`
	ReNotifyIntervalSeconds int `toml:"re-notify-interval-seconds" comment:"How often a still-firing alert is re-announced.  0 disables re-notification."`
	MaxNotifications        int `toml:"max-notifications" comment:"Maximum delivery attempts per receiver per notification."`

	Escalation map[string][]string `toml:"escalation" comment:"Severity to action group routing overrides, e.g. 0 = ['platform-oncall']."`
}

var DefaultConfig = Config{
	Port:                  4023,
	ReloadIntervalSeconds: 300,
	Concurrency:           5,
	QueryTimeoutSeconds:   10,
	MaxNotifications:      10,
}

func (c Config) Validate() error {
	if c.Port <= 0 {
		return fmt.Errorf("port must be positive")
	}
	if c.AlertingConfig == "" {
		return fmt.Errorf("alerting-config is required")
	}
	if _, err := c.EscalationTable(); err != nil {
		return err
	}
	return nil
}

// EscalationTable converts the string-keyed TOML table to severity ints.
func (c Config) EscalationTable() (map[int][]string, error) {
	if len(c.Escalation) == 0 {
		return nil, nil
	}
	out := make(map[int][]string, len(c.Escalation))
	for k, groups := range c.Escalation {
		sev, err := strconv.Atoi(k)
		if err != nil || sev < 0 || sev > 4 {
			return nil, fmt.Errorf("escalation key %q is not a severity in [0, 4]", k)
		}
		out[sev] = groups
	}
	return out, nil
}
