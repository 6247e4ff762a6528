// Package config loads pipeline configuration from YAML or CUE files.
//
// Both formats decode into Config and are checked against the embedded CUE
// schema (schema.cue): a .cue file is unified with #Config directly, a YAML
// file is decoded with unknown fields rejected and then encoded into CUE for
// the same check. Range checks live in the schema; cross-field checks live
// in the component configs' Validate methods.
//
// Zero values mean "use the default". WithDefaults returns the effective
// configuration and the To* methods convert it into component configs.
package config
