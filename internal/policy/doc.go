// Package policy provides PolicyStore implementations backed by directive
// rules: an in-memory StaticStore and a YAML FileStore that reloads on change.
package policy
