package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validEvent() Event {
	return Event{
		Timestamp: time.Now().UTC(),
		Hostname:  "router1.example.net",
		Message:   "interface down",
	}
}

func TestValidateEvent(t *testing.T) {
	badSev := 8
	okSev := 7

	tests := []struct {
		name    string
		mutate  func(*Event)
		wantErr bool
	}{
		{name: "minimal valid event", mutate: func(e *Event) {}},
		{name: "missing timestamp", mutate: func(e *Event) { e.Timestamp = time.Time{} }, wantErr: true},
		{name: "missing hostname", mutate: func(e *Event) { e.Hostname = "" }, wantErr: true},
		{name: "missing message", mutate: func(e *Event) { e.Message = "" }, wantErr: true},
		{name: "bad source", mutate: func(e *Event) { e.Source = "netflow" }, wantErr: true},
		{name: "severity above range", mutate: func(e *Event) { e.SyslogSeverity = &badSev }, wantErr: true},
		{name: "severity at upper bound", mutate: func(e *Event) { e.SyslogSeverity = &okSev }},
		{name: "malformed trap oid", mutate: func(e *Event) { e.TrapOID = "1.3.x.6" }, wantErr: true},
		{name: "trailing dot trap oid", mutate: func(e *Event) { e.TrapOID = "1.3.6." }, wantErr: true},
		{name: "valid trap oid", mutate: func(e *Event) { e.TrapOID = "1.3.6.1.4.1.9" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := validEvent()
			tt.mutate(&ev)
			err := ValidateEvent(&ev)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func validRule() Rule {
	return Rule{
		Name:         "bgp-down",
		MatchType:    MatchContains,
		MatchString:  "BGP neighbor down",
		Priority:     500,
		ProdHandling: HandlingPageAndTicket,
		DevHandling:  HandlingLogOnly,
		Active:       true,
	}
}

func TestValidateRule(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Rule)
		wantErr string
	}{
		{name: "valid contains rule", mutate: func(r *Rule) {}},
		{
			name: "valid regex rule",
			mutate: func(r *Rule) {
				r.MatchType = MatchRegex
				r.MatchString = `^%LINK-\d-UPDOWN`
			},
		},
		{
			name: "valid oid rule",
			mutate: func(r *Rule) {
				r.MatchType = MatchOIDPrefix
				r.MatchString = ""
				r.TrapOID = "1.3.6.1.4.1.9"
			},
		},
		{
			name:    "regex that does not compile",
			mutate:  func(r *Rule) { r.MatchType = MatchRegex; r.MatchString = "(" },
			wantErr: "does not compile",
		},
		{
			name:    "contains rule without pattern",
			mutate:  func(r *Rule) { r.MatchString = "" },
			wantErr: "require match_string",
		},
		{
			name:    "contains rule with trap oid set",
			mutate:  func(r *Rule) { r.TrapOID = "1.3.6" },
			wantErr: "must not set trap_oid",
		},
		{
			name: "oid rule without trap oid",
			mutate: func(r *Rule) {
				r.MatchType = MatchOIDPrefix
				r.MatchString = ""
			},
			wantErr: "require trap_oid",
		},
		{
			name: "oid rule with both patterns",
			mutate: func(r *Rule) {
				r.MatchType = MatchOIDPrefix
				r.TrapOID = "1.3.6"
			},
			wantErr: "must not set match_string",
		},
		{
			name: "oid rule with malformed oid",
			mutate: func(r *Rule) {
				r.MatchType = MatchOIDPrefix
				r.MatchString = ""
				r.TrapOID = "iso.3.6"
			},
			wantErr: "dotted numeric",
		},
		{name: "priority too low", mutate: func(r *Rule) { r.Priority = 0 }, wantErr: "invalid rule"},
		{name: "priority too high", mutate: func(r *Rule) { r.Priority = 1001 }, wantErr: "invalid rule"},
		{name: "bad prod handling", mutate: func(r *Rule) { r.ProdHandling = "page" }, wantErr: "invalid rule"},
		{name: "suppress is dev only", mutate: func(r *Rule) { r.ProdHandling = HandlingSuppress }, wantErr: "invalid rule"},
		{name: "page_and_ticket is prod only", mutate: func(r *Rule) { r.DevHandling = HandlingPageAndTicket }, wantErr: "invalid rule"},
		{name: "missing name", mutate: func(r *Rule) { r.Name = "" }, wantErr: "invalid rule"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRule()
			tt.mutate(&r)
			err := ValidateRule(&r)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
