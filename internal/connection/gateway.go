// Package connection implements the top-level orchestrator that owns
// the handshake/login/session state machine, watchdog, gateway
// selection, and reconnect policy described in spec §4.10 (component
// C11) and §4.10's gateway/reconnect rules (component C12).
package connection

import (
	"math/rand"

	"github.com/ruistola/metaplaytest-netcore/internal/config"
)

// rewriteLocalhost implements the "localhost" → "127.0.0.1" platform
// workaround called out in spec §4.10's gateway selection rules.
func rewriteLocalhost(g config.GatewayConfig) config.GatewayConfig {
	if g.Host == "localhost" {
		g.Host = "127.0.0.1"
	}
	return g
}

// GatewaySelector picks which gateway to dial next, given how many
// prior attempts have failed (spec §4.10 gateway selection).
type GatewaySelector struct {
	endpoint config.EndpointConfig
	rng      *rand.Rand
}

// NewGatewaySelector creates a selector over endpoint's primary and
// backup gateways. rng is injected so selection is deterministic in
// tests; callers outside tests should pass rand.New(rand.NewSource(...))
// seeded from a real entropy source.
func NewGatewaySelector(endpoint config.EndpointConfig, rng *rand.Rand) *GatewaySelector {
	return &GatewaySelector{endpoint: endpoint, rng: rng}
}

// SelectInitial picks a gateway for a fresh (non-resume) connection
// attempt, given the number of failed prior initial attempts.
func (gs *GatewaySelector) SelectInitial(anomalyCount int) config.GatewayConfig {
	switch {
	case anomalyCount <= 0:
		return rewriteLocalhost(gs.endpoint.PrimaryGateway)
	case anomalyCount == 1:
		if len(gs.endpoint.BackupGateways) == 0 {
			return rewriteLocalhost(gs.endpoint.PrimaryGateway)
		}
		return rewriteLocalhost(gs.endpoint.BackupGateways[gs.rng.Intn(len(gs.endpoint.BackupGateways))])
	default:
		all := gs.allGateways()
		return rewriteLocalhost(all[gs.rng.Intn(len(all))])
	}
}

// SelectResume picks a gateway to resume against, given how many
// resume attempts have already failed and how many resumes have
// already succeeded this session. Zero anomalies reuses the previous
// gateway unchanged; otherwise it falls back to the initial-attempt
// rule.
func (gs *GatewaySelector) SelectResume(failedResumeAttempts, successfulResumes int, previous config.GatewayConfig) config.GatewayConfig {
	anomalies := failedResumeAttempts
	if successfulResumes > 1 {
		anomalies += successfulResumes - 1
	}
	if anomalies == 0 {
		return previous
	}
	return gs.SelectInitial(anomalies)
}

func (gs *GatewaySelector) allGateways() []config.GatewayConfig {
	all := make([]config.GatewayConfig, 0, 1+len(gs.endpoint.BackupGateways))
	all = append(all, gs.endpoint.PrimaryGateway)
	all = append(all, gs.endpoint.BackupGateways...)
	return all
}
