// Package browser owns the bounded pool of headless Chrome sessions. Callers
// lease a session exclusively with Acquire and hand it back with Release;
// sessions reported unhealthy are closed instead of being reused.
package browser
