package core

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"castellan/util"

	"github.com/dlclark/regexp2"
	"github.com/go-playground/validator/v10"
)

// maxEventSkew bounds how far in the future an event timestamp may be.
const maxEventSkew = 5 * time.Minute

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// describeValidation flattens validator errors into one readable message.
func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

// ValidateEvent checks an event is well formed.
func ValidateEvent(e *LogEvent) error {
	if e == nil {
		return ValidationError("validate event", fmt.Errorf("%w: nil event", ErrInvalidEvent))
	}
	if err := structValidator().Struct(e); err != nil {
		return ValidationError("validate event", fmt.Errorf("%w: %s", ErrInvalidEvent, describeValidation(err)))
	}
	if e.Timestamp.After(time.Now().Add(maxEventSkew)) {
		return ValidationError("validate event", fmt.Errorf("%w: timestamp %s is in the future", ErrInvalidEvent, e.Timestamp.Format(time.RFC3339)))
	}
	return nil
}

// ValidateInstance checks a registration request.
func ValidateInstance(p *PipelineInstance) error {
	if p == nil {
		return ValidationError("validate instance", fmt.Errorf("%w: nil instance", ErrInvalidInstance))
	}
	if err := structValidator().Struct(p); err != nil {
		return ValidationError("validate instance", fmt.Errorf("%w: %s", ErrInvalidInstance, describeValidation(err)))
	}
	return nil
}

// ValidateCommand checks a command before dispatch.
func ValidateCommand(c InstanceCommand) error {
	if err := structValidator().Struct(c); err != nil {
		return ValidationError("validate command", fmt.Errorf("invalid command: %s", describeValidation(err)))
	}
	return nil
}

// ValidateRule checks structural and type-specific constraints of a rule.
func ValidateRule(r *CorrelationRule) error {
	if r == nil {
		return ValidationError("validate rule", fmt.Errorf("%w: nil rule", ErrInvalidRule))
	}
	if err := structValidator().Struct(r); err != nil {
		return ValidationError("validate rule", fmt.Errorf("%w: %s", ErrInvalidRule, describeValidation(err)))
	}

	fail := func(format string, args ...interface{}) error {
		return ValidationError("validate rule", fmt.Errorf("%w: rule %s: %s", ErrInvalidRule, r.ID, fmt.Sprintf(format, args...)))
	}

	switch r.Type {
	case CorrelationTypeSequence:
		if len(r.EventTypes) < 2 {
			return fail("sequence rules need at least 2 event types, got %d", len(r.EventTypes))
		}
	case CorrelationTypeThreshold:
		if r.Threshold < 2 {
			return fail("threshold must be at least 2, got %d", r.Threshold)
		}
	case CorrelationTypeCrossEntity:
		if r.DistinctField == "" {
			return fail("cross_entity rules need distinct_field")
		}
		if r.DistinctField == r.GroupBy {
			return fail("distinct_field must differ from group_by")
		}
		if r.Threshold < 2 {
			return fail("threshold must be at least 2, got %d", r.Threshold)
		}
	}

	for i, cond := range r.Conditions {
		switch cond.Operator {
		case OpIn:
			if len(cond.Values) == 0 {
				return fail("condition %d: operator in needs values", i)
			}
		case OpRegex:
			if err := util.ValidatePattern(cond.Value); err != nil {
				return fail("condition %d: %v", i, err)
			}
			if _, err := regexp2.Compile(cond.Value, regexp2.None); err != nil {
				return fail("condition %d: invalid regex %q: %v", i, cond.Value, err)
			}
		case OpExists:
		default:
			if cond.Value == "" {
				return fail("condition %d: operator %s needs a value", i, cond.Operator)
			}
		}
	}
	return nil
}
