package worker

import "strings"

// Privacy refusal fires at the very start of the prime phase, before
// any tool or model cost is spent. A refused task never touches the
// gateway.

// privateTaskTypes trigger refusal on an explicit type match.
var privateTaskTypes = map[string]bool{
	"private_customer_information":   true,
	"confidential_company_knowledge": true,
	"internal_operation_data":        true,
	"sensitive_personal_data":        true,
	"restricted_financial_data":      true,
}

var privacyKeywords = []string{
	"password", "passwd", "credentials",
	"api key", "api_key", "secret key", "private key",
	"ssn", "social security", "national id", "tax id",
	"credit card", "card number", "cvv", "bank account", "routing number",
	"medical record", "health record", "phi", "hipaa",
	"personal health", "diagnosis", "prescription",
	"private information", "confidential", "internal only",
	"not for distribution", "restricted",
	"home address", "personal address",
	"salary details", "compensation data", "internal salary",
	"date of birth", " dob ",
}

// safeContexts suppress keyword hits on anonymized or test data.
var safeContexts = []string{
	"anonymized", "aggregated", "redacted", "masked",
	"hashed", "encrypted at rest", "tokenized",
	"sample data", "test data", "dummy data", "mock",
}

// PrivacyRefusal describes why a task was refused.
type PrivacyRefusal struct {
	Trigger         string
	Method          string // task_type_match | keyword_match
	EscalationLevel string
	Message         string
}

// CheckPrivacy returns a refusal when the task requests private or
// confidential data, nil when it is safe to proceed.
func CheckPrivacy(taskText, taskType string) *PrivacyRefusal {
	if taskType != "" && privateTaskTypes[strings.ToLower(taskType)] {
		return refusal(taskType, "task_type_match")
	}

	text := strings.ToLower(taskText)
	for _, safe := range safeContexts {
		if strings.Contains(text, safe) {
			return nil
		}
	}

	var triggered []string
	for _, kw := range privacyKeywords {
		if strings.Contains(text, kw) {
			triggered = append(triggered, kw)
			if len(triggered) == 3 {
				break
			}
		}
	}
	if len(triggered) > 0 {
		return refusal(strings.Join(triggered, ", "), "keyword_match")
	}
	return nil
}

func refusal(trigger, method string) *PrivacyRefusal {
	return &PrivacyRefusal{
		Trigger:         trigger,
		Method:          method,
		EscalationLevel: "ciso",
		Message: "I cannot provide this information as it contains confidential " +
			"or private data. This request has been flagged and escalated " +
			"per policy requirements.",
	}
}
