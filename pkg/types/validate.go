package types

import (
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

var (
	validate   *validator.Validate
	oidPattern = regexp.MustCompile(`^\d+(\.\d+)*$`)
)

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	// trap_oid values are dotted numeric OIDs (e.g. 1.3.6.1.4.1.9)
	_ = validate.RegisterValidation("oid", func(fl validator.FieldLevel) bool {
		return oidPattern.MatchString(fl.Field().String())
	})
}

// ValidateEvent checks an inbound event against the ingest contract:
// timestamp, hostname and message are required; source, severity and
// trap_oid must be well-formed when present.
func ValidateEvent(ev *Event) error {
	if err := validate.Struct(ev); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	return nil
}

// ValidateRule enforces rule constraints that field tags cannot express:
// exactly one of match_string/trap_oid, chosen by match type, and regex
// patterns must compile.
func ValidateRule(r *Rule) error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid rule: %w", err)
	}

	switch r.MatchType {
	case MatchOIDPrefix:
		if r.TrapOID == "" {
			return fmt.Errorf("invalid rule: oid_prefix rules require trap_oid")
		}
		if r.MatchString != "" {
			return fmt.Errorf("invalid rule: oid_prefix rules must not set match_string")
		}
		if !oidPattern.MatchString(r.TrapOID) {
			return fmt.Errorf("invalid rule: trap_oid must be a dotted numeric OID")
		}
	case MatchContains, MatchRegex:
		if r.MatchString == "" {
			return fmt.Errorf("invalid rule: %s rules require match_string", r.MatchType)
		}
		if r.TrapOID != "" {
			return fmt.Errorf("invalid rule: %s rules must not set trap_oid", r.MatchType)
		}
		if r.MatchType == MatchRegex {
			if _, err := regexp.Compile(r.MatchString); err != nil {
				return fmt.Errorf("invalid rule: match_string does not compile: %w", err)
			}
		}
	}
	return nil
}

// ValidateDevHost checks a development-host entry
func ValidateDevHost(h *DevHost) error {
	if err := validate.Struct(h); err != nil {
		return fmt.Errorf("invalid development host: %w", err)
	}
	return nil
}

// ValidateTeamOverride checks a host-to-team override
func ValidateTeamOverride(t *TeamOverride) error {
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("invalid team override: %w", err)
	}
	return nil
}
