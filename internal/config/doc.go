// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation.
// Scalar settings can additionally be overridden with SOCKETHUB_* variables
// after the file is parsed.
package config
