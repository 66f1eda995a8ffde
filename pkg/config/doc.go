// Package config loads the configuration of an autonomic server.
//
// # Formats
//
// Load picks the decoder from the file extension. YAML files (.yaml, .yml)
// are decoded with gopkg.in/yaml.v3 and unknown fields are rejected. CUE
// files (.cue) are compiled, checked to be concrete and exported to JSON
// before decoding, so CUE constraints and defaults can be used freely.
//
// After decoding, defaults are applied and Validate runs the struct tag
// rules of go-playground/validator plus the checks that span fields
// (unique ids, operations not placed in a drift controller's group).
//
// # Example
//
//	server:
//	  listen: 127.0.0.1:8000
//	store:
//	  path: autonomic.db
//	policies:
//	  - policies/
//	controllers:
//	  - id: controller_1
//	    resource: {kind: file, path: state/store_1}
//	    desired: default state
//	    poll: 1s
//	operations:
//	  - controller: controller
//	    id: main_operation
//	    kind: playground
//	    sensor:
//	      kind: interval
//	      interval: 2s
//	      parameters: {play: {kind: ok}}
//
// Default returns the built-in demo setup used when no file is given.
package config
