// Package effect marks best-effort side effects whose outcome is ignored
// by design, so the policy is visible at the call site instead of hiding in
// an empty error branch.
package effect

import "log"

// BestEffort runs fn and logs, but otherwise discards, any failure.
func BestEffort(scope string, fn func() error) {
	if err := fn(); err != nil {
		log.Printf("%s: best-effort call failed: %v", scope, err)
	}
}
