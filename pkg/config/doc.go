// Package config resolves what a simulator instance serves.
//
// Resolution is a pure function of the explicit settings and the deployment
// identity: explicit protocol, role, port and name win; otherwise the
// identity table supplies them; otherwise the defaults apply. Settings are
// gathered from defaults, an optional YAML file, the environment (optionally
// seeded from a .env file) and command-line flags, in increasing precedence.
package config
