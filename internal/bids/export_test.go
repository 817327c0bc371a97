package bids

// Fingerprint exposes the unexported fingerprint to the external test package.
func Fingerprint(l *Layout) string { return l.fingerprint }
