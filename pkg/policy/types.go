package policy

import (
	"time"
)

// Policy is a Rego module that can deny activations.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description is taken from the leading comment block of the module.
	Description string `json:"description,omitempty"`

	// Rego contains the module source.
	Rego string `json:"rego"`

	// Source is the file the policy was loaded from, if any.
	Source string `json:"source,omitempty"`

	// Enabled indicates if the policy takes part in evaluation.
	Enabled bool `json:"enabled"`

	// LoadedAt is when the policy was compiled.
	LoadedAt time.Time `json:"loaded_at"`
}

// Input describes one activation attempt.
type Input struct {
	Controller string
	Operation  string
	Trigger    string
	Time       time.Time
}

// document is the value bound to input in Rego.
func (in Input) document() map[string]interface{} {
	t := in.Time
	if t.IsZero() {
		t = time.Now().UTC()
	}
	return map[string]interface{}{
		"controller": in.Controller,
		"operation":  in.Operation,
		"trigger":    in.Trigger,
		"time":       t.Format(time.RFC3339),
		"hour":       t.Hour(),
		"weekday":    t.Weekday().String(),
	}
}

// Decision is the outcome of evaluating every enabled policy.
type Decision struct {
	// Allowed is false when at least one policy denied the activation.
	Allowed bool `json:"allowed"`

	// Reasons holds the deny messages, prefixed with the policy name.
	Reasons []string `json:"reasons,omitempty"`

	// Evaluated lists the policies that were consulted.
	Evaluated []string `json:"evaluated,omitempty"`
}
