// Package security inspects the TLS certificates of the agent's https
// sources and reports them as SecurityFinding events.
package security
