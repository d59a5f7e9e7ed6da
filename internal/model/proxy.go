package model

import "time"

// ProxyProtocol identifies the transport a proxy speaks.
type ProxyProtocol string

// Supported proxy protocols.
const (
	ProxyProtocolSOCKS5 ProxyProtocol = "socks5"
	ProxyProtocolHTTP   ProxyProtocol = "http"
	ProxyProtocolHTTPS  ProxyProtocol = "https"
)

// ProxyStatus is a node in the proxy health state machine.
type ProxyStatus string

// Proxy health states, per the unknown -> healthy <-> degraded <-> dead
// machine.
const (
	ProxyStatusUnknown  ProxyStatus = "unknown"
	ProxyStatusHealthy  ProxyStatus = "healthy"
	ProxyStatusDegraded ProxyStatus = "degraded"
	ProxyStatusDead     ProxyStatus = "dead"
)

// statusRank orders statuses for pool selection: healthy first, dead last.
var statusRank = map[ProxyStatus]int{
	ProxyStatusHealthy:  0,
	ProxyStatusDegraded: 1,
	ProxyStatusUnknown:  2,
	ProxyStatusDead:     3,
}

// Rank returns the selection-ordering rank for a status; unrecognized
// statuses sort last.
func (s ProxyStatus) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return len(statusRank)
}

// ProxyCredentials carries optional basic-auth style credentials.
type ProxyCredentials struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// ProxyConfig describes one entry in the proxy pool.
type ProxyConfig struct {
	ProxyID             string            `json:"proxy_id"`
	Protocol            ProxyProtocol     `json:"protocol"`
	Host                string            `json:"host"`
	Port                int               `json:"port"`
	Credentials         *ProxyCredentials `json:"credentials,omitempty"`
	Group               string            `json:"group"`
	Priority            int               `json:"priority"`
	HealthCheckURL      string            `json:"health_check_url"`
	Status              ProxyStatus       `json:"status"`
	LastCheckAt         time.Time         `json:"last_check_at"`
	LatencyMSEWMA       float64           `json:"latency_ms_ewma"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
}

// Less implements the §3.4 total order within a proxy group: status rank,
// then higher priority, then lower EWMA latency, then proxy ID as a
// tie-breaker.
func (p ProxyConfig) Less(other ProxyConfig) bool {
	if p.Status.Rank() != other.Status.Rank() {
		return p.Status.Rank() < other.Status.Rank()
	}
	if p.Priority != other.Priority {
		return p.Priority > other.Priority
	}
	if p.LatencyMSEWMA != other.LatencyMSEWMA {
		return p.LatencyMSEWMA < other.LatencyMSEWMA
	}
	return p.ProxyID < other.ProxyID
}
