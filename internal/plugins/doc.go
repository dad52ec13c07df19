// Package plugins holds the plugin registry and the built-in dispatch
// plugins: demo-messaging, webhook and smtp-email.
//
// Lookups are case-insensitive and go through aliases, so a task pinned to
// "WhatsApp" resolves to demo-messaging and "smtp" resolves to smtp-email.
package plugins
