// Package memoryhost is an in-process sessions.SessionHost. Limits are only
// enforced within one gateway process.
package memoryhost
