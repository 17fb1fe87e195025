package rules

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strconv"
	"time"

	"github.com/chatmon/chatmon/alerter/actiongroup"
	"sigs.k8s.io/yaml"
)

// The config document carries action groups and the rule-configuration block.
// Documents are JSON in the source material; sigs.k8s.io/yaml accepts both
// JSON and YAML.
type document struct {
	ActionGroups      []actionGroupSpec `json:"actionGroups"`
	RuleConfiguration ruleConfiguration `json:"ruleConfiguration"`
}

type actionGroupSpec struct {
	Name      string        `json:"name"`
	ShortName string        `json:"shortName"`
	Receivers receiversSpec `json:"receivers"`
}

type receiversSpec struct {
	EmailReceivers   []actiongroup.EmailReceiver   `json:"emailReceivers"`
	SMSReceivers     []actiongroup.SMSReceiver     `json:"smsReceivers"`
	WebhookReceivers []actiongroup.WebhookReceiver `json:"webhookReceivers"`
	ArmRoleReceivers []actiongroup.RoleReceiver    `json:"armRoleReceivers"`
}

type ruleConfiguration struct {
	CommonSettings                CommonSettings    `json:"commonSettings"`
	SeverityLevels                map[string]string `json:"severityLevels"`
	EvaluationFrequencyOptions    []string          `json:"evaluationFrequencyOptions"`
	AggregationGranularityOptions []string          `json:"aggregationGranularityOptions"`
	Rules                         []ruleSpec        `json:"rules"`
}

// CommonSettings are document-wide defaults.  SkipMetricValidation and
// CheckWorkspaceAlertsStorageConfigured are provisioning-time settings carried
// as pass-through; the engine attaches no behavior to them.
type CommonSettings struct {
	Enabled                               bool `json:"enabled"`
	AutoMitigate                          bool `json:"autoMitigate"`
	SkipMetricValidation                  bool `json:"skipMetricValidation"`
	CheckWorkspaceAlertsStorageConfigured bool `json:"checkWorkspaceAlertsStorageConfigured"`
}

type ruleSpec struct {
	ID                         string  `json:"id"`
	Name                       string  `json:"name"`
	ConditionQuery             string  `json:"conditionQuery"`
	Aggregation                string  `json:"aggregation"`
	Percentile                 float64 `json:"percentile"`
	Comparator                 string  `json:"comparator"`
	Threshold                  float64 `json:"threshold"`
	EvaluationFrequency        string  `json:"evaluationFrequency"`
	WindowSize                 string  `json:"windowSize"`
	Severity                   int     `json:"severity"`
	Enabled                    *bool   `json:"enabled"`
	AutoMitigate               *bool   `json:"autoMitigate"`
	ConsecutiveBreachesToFire  int     `json:"consecutiveBreachesToFire"`
	ConsecutiveClearsToResolve int     `json:"consecutiveClearsToResolve"`
	ActionGroups               []string `json:"actionGroups"`
}

// Config is the validated, immutable result of loading one document.
type Config struct {
	Rules          []*AlertRule
	Groups         []actiongroup.ActionGroup
	Settings       CommonSettings
	SeverityLabels map[int]string
}

// Load parses and validates a config document.  Validation is all-or-nothing:
// any failure rejects the whole document and the returned error carries every
// failure found.
func Load(b []byte) (*Config, error) {
	var doc document
	if err := yaml.UnmarshalStrict(b, &doc); err != nil {
		return nil, &ConfigError{Errors: []error{fmt.Errorf("unmarshal config document: %w", err)}}
	}

	var errs []error

	groups := make([]actiongroup.ActionGroup, 0, len(doc.ActionGroups))
	groupIDs := map[string]struct{}{}
	for _, spec := range doc.ActionGroups {
		g := actiongroup.ActionGroup{
			ID:        spec.Name,
			ShortName: spec.ShortName,
			Receivers: flattenReceivers(spec.Receivers),
		}
		if err := g.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, ok := groupIDs[g.ID]; ok {
			errs = append(errs, &actiongroup.ValidationError{Group: g.ID, Field: "name", Reason: "duplicate action group"})
			continue
		}
		groupIDs[g.ID] = struct{}{}
		groups = append(groups, g)
	}

	severityLabels, err := parseSeverityLevels(doc.RuleConfiguration.SeverityLevels)
	if err != nil {
		errs = append(errs, err)
	}

	freqOptions, ferrs := parseDurationOptions("evaluationFrequencyOptions", doc.RuleConfiguration.EvaluationFrequencyOptions)
	errs = append(errs, ferrs...)
	granOptions, gerrs := parseDurationOptions("aggregationGranularityOptions", doc.RuleConfiguration.AggregationGranularityOptions)
	errs = append(errs, gerrs...)

	common := doc.RuleConfiguration.CommonSettings
	ruleIDs := map[string]struct{}{}
	rulesOut := make([]*AlertRule, 0, len(doc.RuleConfiguration.Rules))
	for _, spec := range doc.RuleConfiguration.Rules {
		rule, rerrs := toRule(spec, common, freqOptions, granOptions)
		if len(rerrs) > 0 {
			errs = append(errs, rerrs...)
			continue
		}
		if _, ok := ruleIDs[rule.ID]; ok {
			errs = append(errs, &ValidationError{Rule: rule.ID, Field: "id", Reason: "duplicate rule id"})
			continue
		}
		ruleIDs[rule.ID] = struct{}{}

		for _, ref := range rule.ActionGroupRefs {
			if _, ok := groupIDs[ref]; !ok {
				errs = append(errs, &ValidationError{Rule: rule.ID, Field: "actionGroups", Reason: fmt.Sprintf("references unknown action group %q", ref)})
			}
		}
		rulesOut = append(rulesOut, rule)
	}

	if len(errs) > 0 {
		return nil, &ConfigError{Errors: errs}
	}

	return &Config{
		Rules:          rulesOut,
		Groups:         groups,
		Settings:       common,
		SeverityLabels: severityLabels,
	}, nil
}

func flattenReceivers(spec receiversSpec) []actiongroup.Receiver {
	var out []actiongroup.Receiver
	for _, r := range spec.EmailReceivers {
		out = append(out, r)
	}
	for _, r := range spec.SMSReceivers {
		out = append(out, r)
	}
	for _, r := range spec.WebhookReceivers {
		out = append(out, r)
	}
	for _, r := range spec.ArmRoleReceivers {
		out = append(out, r)
	}
	return out
}

func parseSeverityLevels(levels map[string]string) (map[int]string, error) {
	out := make(map[int]string, len(levels))
	for k, label := range levels {
		sev, err := strconv.Atoi(k)
		if err != nil || sev < 0 || sev > 4 {
			return nil, &ValidationError{Field: "severityLevels", Reason: fmt.Sprintf("%q is not a severity in [0, 4]", k)}
		}
		out[sev] = label
	}
	return out, nil
}

func parseDurationOptions(field string, opts []string) (map[time.Duration]struct{}, []error) {
	var errs []error
	out := make(map[time.Duration]struct{}, len(opts))
	for _, s := range opts {
		d, err := time.ParseDuration(s)
		if err != nil {
			errs = append(errs, &ValidationError{Field: field, Reason: fmt.Sprintf("%q is not a duration", s)})
			continue
		}
		out[d] = struct{}{}
	}
	return out, errs
}

func toRule(spec ruleSpec, common CommonSettings, freqOptions, granOptions map[time.Duration]struct{}) (*AlertRule, []error) {
	var errs []error

	freq, err := time.ParseDuration(spec.EvaluationFrequency)
	if err != nil {
		errs = append(errs, &ValidationError{Rule: spec.ID, Field: "evaluationFrequency", Reason: fmt.Sprintf("%q is not a duration", spec.EvaluationFrequency)})
	}
	window, err := time.ParseDuration(spec.WindowSize)
	if err != nil {
		errs = append(errs, &ValidationError{Rule: spec.ID, Field: "windowSize", Reason: fmt.Sprintf("%q is not a duration", spec.WindowSize)})
	}
	if len(errs) > 0 {
		return nil, errs
	}

	// Frequency and window must come from the document's enumerated options.
	if _, ok := freqOptions[freq]; !ok {
		errs = append(errs, &ValidationError{Rule: spec.ID, Field: "evaluationFrequency", Reason: fmt.Sprintf("%s is not one of the supported evaluationFrequencyOptions", freq)})
	}
	if _, ok := granOptions[window]; !ok {
		errs = append(errs, &ValidationError{Rule: spec.ID, Field: "windowSize", Reason: fmt.Sprintf("%s is not one of the supported aggregationGranularityOptions", window)})
	}

	// Hysteresis counts default to 1: fire on the first breach, resolve on
	// the first clear.
	if spec.ConsecutiveBreachesToFire == 0 {
		spec.ConsecutiveBreachesToFire = 1
	}
	if spec.ConsecutiveClearsToResolve == 0 {
		spec.ConsecutiveClearsToResolve = 1
	}

	enabled := common.Enabled
	if spec.Enabled != nil {
		enabled = *spec.Enabled
	}
	autoMitigate := common.AutoMitigate
	if spec.AutoMitigate != nil {
		autoMitigate = *spec.AutoMitigate
	}

	rule := &AlertRule{
		ID:                         spec.ID,
		Name:                       spec.Name,
		ConditionQuery:             spec.ConditionQuery,
		Aggregation:                Aggregation(spec.Aggregation),
		Percentile:                 spec.Percentile,
		Comparator:                 Comparator(spec.Comparator),
		Threshold:                  spec.Threshold,
		EvaluationFrequency:        freq,
		WindowSize:                 window,
		Severity:                   spec.Severity,
		Enabled:                    enabled,
		AutoMitigate:               autoMitigate,
		ConsecutiveBreachesToFire:  spec.ConsecutiveBreachesToFire,
		ConsecutiveClearsToResolve: spec.ConsecutiveClearsToResolve,
		ActionGroupRefs:            spec.ActionGroups,
		Version:                    specVersion(spec),
	}
	if verrs := rule.Validate(); len(verrs) > 0 {
		errs = append(errs, verrs...)
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return rule, nil
}

// specVersion fingerprints a rule definition so the scheduler can detect
// changed rules across reloads.
func specVersion(spec ruleSpec) string {
	b, _ := json.Marshal(spec)
	h := fnv.New64a()
	h.Write(b)
	return strconv.FormatUint(h.Sum64(), 16)
}
