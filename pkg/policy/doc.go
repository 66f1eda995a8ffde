// Package policy provides Open Policy Agent (OPA) admission for activations.
//
// Every enabled policy is a Rego module with a deny set rule. Before an
// invocation starts, the manager evaluates the policies with the input
//
//	{"controller": "...", "operation": "...", "trigger": "manual|sensor",
//	 "time": "RFC3339", "hour": 0-23, "weekday": "Monday"}
//
// and rejects the activation if any deny message is produced.
//
// Example module:
//
//	# Keep sensors quiet during the nightly backup.
//	package autonomic.activation
//
//	import rego.v1
//
//	deny contains msg if {
//	    input.trigger == "sensor"
//	    input.hour == 2
//	    msg := "sensors are paused between 02:00 and 03:00"
//	}
//
// Policies are loaded from files or directories with LoadPolicies and can be
// kept up to date with Watch.
package policy
