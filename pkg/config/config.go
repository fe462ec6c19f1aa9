// Package config defines the typed configuration surface for the daemon,
// following the teacher's convention (rpc/common.ServerConfig) of making
// every tunable an explicit struct field bound from flags/env rather than
// an ambient global or a compiled-in constant.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Priority remaps a connection's per-event work budget, per spec.md §4.3
// (Connection.setPriority) and §4.5 (maybeYield).
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "medium"
	}
}

// ListenerConfig describes one accept()-ing socket.
type ListenerConfig struct {
	Name       string // "default" or "system" (quota-tracked, spec.md §4.6)
	Endpoint   string
	System     bool
	TLSCert    string
	TLSKey     string
	ClientCAs  string // optional, enables X.509 client-cert identity (spec.md §1)
}

// WorkBudgets maps Priority to the number of requests a connection may
// execute per event-loop entry before maybeYield forces a return to the
// reactor, per spec.md §4.3/§4.5.
type WorkBudgets struct {
	Low    int
	Medium int
	High   int
}

func (b WorkBudgets) For(p Priority) int {
	switch p {
	case PriorityLow:
		return b.Low
	case PriorityHigh:
		return b.High
	default:
		return b.Medium
	}
}

// ServerConfig is the daemon-wide configuration, assembled by
// cmd/mcbpd/serve from cobra flags bound through viper, exactly as the
// teacher assembles common.ServerConfig in cmd/serve/root.go.
type ServerConfig struct {
	// Reactor pool
	ReactorThreads int

	// Listeners
	Listeners []ListenerConfig

	// System-port connection quota (spec.md §4.6)
	MaxSystemConnections int
	MaxUserConnections    int

	// Packet limits
	MaxPacketSize int

	// Watchdog grace windows (spec.md §4.3)
	SendQueueGraceReady    time.Duration
	SendQueueGraceNotReady time.Duration

	// Idle connection timeout (spec.md §5); zero disables.
	IdleTimeout time.Duration

	// Per-priority work budgets (spec.md §4.3/§4.5)
	Budgets WorkBudgets

	// Privilege rebuild ceiling (spec.md §3/§4.7); always 100 per spec but
	// kept as a field rather than a literal so tests can shrink it.
	MaxPrivilegeRebuilds int

	// Privilege-debug mode (spec.md §4.7/§9) — off by default, flipped
	// by the --privilege-debug flag of cmd/mcbpd/serve.
	PrivilegeDebug bool

	// External auth manager active-user broadcast interval (spec.md §4.10)
	ActiveUserBroadcastInterval time.Duration

	LogLevel string
}

// DefaultServerConfig mirrors the teacher's pattern of giving every flag a
// sane default in cmd/serve/root.go's PersistentFlags() calls; collected
// here so both the CLI and tests share one source of truth.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ReactorThreads:              4,
		MaxSystemConnections:        16,
		MaxUserConnections:          8192,
		MaxPacketSize:               20 * 1024 * 1024,
		SendQueueGraceReady:         29 * time.Second,
		SendQueueGraceNotReady:      1 * time.Second,
		IdleTimeout:                 0,
		Budgets:                     WorkBudgets{Low: 1, Medium: 20, High: 500},
		MaxPrivilegeRebuilds:        100,
		PrivilegeDebug:              false,
		ActiveUserBroadcastInterval: 5 * time.Minute,
		LogLevel:                    "info",
	}
}

// String renders a human-readable configuration dump, the same
// addSection/addField layout the teacher uses in common.ServerConfig.String().
func (c *ServerConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(strings.ToUpper(title))
		sb.WriteString("\n")
	}
	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-28s: %s\n", name, value))
	}

	addSection("Reactor Pool")
	addField("Threads", strconv.Itoa(c.ReactorThreads))

	addSection("Listeners")
	for _, l := range c.Listeners {
		kind := "user"
		if l.System {
			kind = "system"
		}
		addField(l.Name, fmt.Sprintf("%s (%s)", l.Endpoint, kind))
	}

	addSection("Connection Limits")
	addField("Max System Connections", strconv.Itoa(c.MaxSystemConnections))
	addField("Max User Connections", strconv.Itoa(c.MaxUserConnections))
	addField("Max Packet Size", strconv.Itoa(c.MaxPacketSize))

	addSection("Watchdog")
	addField("Grace (bucket ready)", c.SendQueueGraceReady.String())
	addField("Grace (bucket not ready)", c.SendQueueGraceNotReady.String())
	addField("Idle Timeout", c.IdleTimeout.String())

	addSection("Work Budgets")
	addField("Low", strconv.Itoa(c.Budgets.Low))
	addField("Medium", strconv.Itoa(c.Budgets.Medium))
	addField("High", strconv.Itoa(c.Budgets.High))

	addSection("RBAC")
	addField("Max Rebuilds", strconv.Itoa(c.MaxPrivilegeRebuilds))
	addField("Privilege Debug", strconv.FormatBool(c.PrivilegeDebug))

	addSection("External Auth")
	addField("Active User Broadcast", c.ActiveUserBroadcastInterval.String())

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}

// ParseListeners parses a comma-separated list of "name=addr[:system]"
// entries (the flag value),
// the same shard-flag-parsing idiom the teacher uses in
// cmd/serve/root.go's processConfig for "--shards".
func ParseListeners(raw string) ([]ListenerConfig, error) {
	var out []ListenerConfig
	if strings.TrimSpace(raw) == "" {
		return out, nil
	}
	for _, part := range strings.Split(raw, ",") {
		fields := strings.Split(strings.TrimSpace(part), "=")
		if len(fields) != 2 {
			return nil, fmt.Errorf("invalid listener %q (expected name=addr[:system])", part)
		}
		name := fields[0]
		rest := strings.Split(fields[1], ":system")
		lc := ListenerConfig{Name: name, Endpoint: rest[0]}
		if len(rest) > 1 {
			lc.System = true
		}
		out = append(out, lc)
	}
	return out, nil
}
