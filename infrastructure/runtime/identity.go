// Package runtime provides environment/runtime detection helpers shared across the agent.
package runtime

import (
	"os"
	"strings"
	"sync"
)

// SecretScope selects which key a Secret Box seals/opens under.
type SecretScope string

const (
	// ScopeUser seals secrets under a key derived for the current OS user.
	// This is the default: suitable for a desktop-launched agent.
	ScopeUser SecretScope = "user"
	// ScopeMachine seals secrets under a key derived for the host machine,
	// shared by all users — required when the agent runs as an OS service.
	ScopeMachine SecretScope = "machine"
)

var (
	secretScopeOnce  sync.Once
	secretScopeValue SecretScope
)

// ResetSecretScopeCache resets the cached secret scope. Tests only.
func ResetSecretScopeCache() {
	secretScopeOnce = sync.Once{}
	secretScopeValue = ""
}

// SecretScopeMode returns the configured Secret Box scope, derived from the
// PLCLOGGER_SECRET_SCOPE environment variable ("user" or "machine"). Unknown
// or unset values default to ScopeUser. Cached after first read per process,
// matching the deployment-flag semantics described in spec.md §4.2/§6.
func SecretScopeMode() SecretScope {
	secretScopeOnce.Do(func() {
		raw := strings.ToLower(strings.TrimSpace(os.Getenv("PLCLOGGER_SECRET_SCOPE")))
		if raw == string(ScopeMachine) {
			secretScopeValue = ScopeMachine
		} else {
			secretScopeValue = ScopeUser
		}
	})
	return secretScopeValue
}
