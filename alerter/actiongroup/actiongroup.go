package actiongroup

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"
)

const maxShortNameLen = 12

// ActionGroup is a named set of notification receivers.  A group referenced by
// an active rule is immutable; updating it registers a new version.
type ActionGroup struct {
	ID        string
	ShortName string
	Version   int
	Receivers []Receiver
}

func (g *ActionGroup) Validate() error {
	if g.ID == "" {
		return &ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if g.ShortName == "" {
		return &ValidationError{Field: "shortName", Reason: "must not be empty", Group: g.ID}
	}
	if len(g.ShortName) > maxShortNameLen {
		return &ValidationError{Field: "shortName", Reason: fmt.Sprintf("%q exceeds %d chars", g.ShortName, maxShortNameLen), Group: g.ID}
	}
	if len(g.Receivers) == 0 {
		return &ValidationError{Field: "receivers", Reason: "must not be empty", Group: g.ID}
	}
	for _, r := range g.Receivers {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Receiver is one notification channel.  The set of kinds is closed so that
// malformed channel definitions are rejected at load time rather than at
// dispatch time.
type Receiver interface {
	Kind() string

	// Key uniquely identifies the receiver endpoint across groups.  A rule
	// reachable through multiple groups notifies each key at most once.
	Key() string

	Validate() error
}

type EmailReceiver struct {
	Name    string `json:"name"`
	Address string `json:"emailAddress"`
}

func (r EmailReceiver) Kind() string { return "email" }
func (r EmailReceiver) Key() string  { return "email:" + strings.ToLower(r.Address) }

func (r EmailReceiver) Validate() error {
	if r.Address == "" {
		return &ValidationError{Field: "emailAddress", Reason: "must not be empty"}
	}
	if !strings.Contains(r.Address, "@") {
		return &ValidationError{Field: "emailAddress", Reason: fmt.Sprintf("%q is not an email address", r.Address)}
	}
	return nil
}

type SMSReceiver struct {
	Name        string `json:"name"`
	CountryCode string `json:"countryCode"`
	Number      string `json:"phoneNumber"`
}

func (r SMSReceiver) Kind() string { return "sms" }
func (r SMSReceiver) Key() string  { return "sms:+" + r.CountryCode + r.Number }

func (r SMSReceiver) Validate() error {
	if r.Number == "" {
		return &ValidationError{Field: "phoneNumber", Reason: "must not be empty"}
	}
	for _, field := range []string{r.CountryCode, r.Number} {
		for _, c := range field {
			if !unicode.IsDigit(c) {
				return &ValidationError{Field: "phoneNumber", Reason: fmt.Sprintf("%q contains non-numeric digits", field)}
			}
		}
	}
	return nil
}

type WebhookReceiver struct {
	Name            string `json:"name"`
	URI             string `json:"serviceUri"`
	UseCommonSchema bool   `json:"useCommonAlertSchema"`
}

func (r WebhookReceiver) Kind() string { return "webhook" }
func (r WebhookReceiver) Key() string  { return "webhook:" + r.URI }

func (r WebhookReceiver) Validate() error {
	u, err := url.Parse(r.URI)
	if err != nil {
		return &ValidationError{Field: "serviceUri", Reason: err.Error()}
	}
	if !u.IsAbs() || u.Host == "" {
		return &ValidationError{Field: "serviceUri", Reason: fmt.Sprintf("%q is not an absolute URI", r.URI)}
	}
	return nil
}

// RoleReceiver routes to every principal holding a platform role.  Expansion
// to concrete endpoints is the delivery collaborator's job.
type RoleReceiver struct {
	Name   string `json:"name"`
	RoleID string `json:"roleId"`
}

func (r RoleReceiver) Kind() string { return "role" }
func (r RoleReceiver) Key() string  { return "role:" + r.RoleID }

func (r RoleReceiver) Validate() error {
	if r.RoleID == "" {
		return &ValidationError{Field: "roleId", Reason: "must not be empty"}
	}
	return nil
}
