package config

import "strings"

type QueueMode int

const (
	DirectStore QueueMode = iota + 1
	Broker
)

// String converts the QueueMode enum to its configuration value.
func (m QueueMode) String() string {
	switch m {
	case DirectStore:
		return "direct-store"
	case Broker:
		return "broker"
	}
	return "unknown"
}

func ParseQueueMode(s string) (QueueMode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "direct-store", "direct", "db":
		return DirectStore, true
	case "broker", "rabbitmq":
		return Broker, true
	}
	return 0, false
}

// ProcessRole tells request-serving processes apart from background workers.
type ProcessRole int

const (
	RoleAPI ProcessRole = iota + 1
	RoleWorker
)

func (r ProcessRole) String() string {
	switch r {
	case RoleAPI:
		return "api"
	case RoleWorker:
		return "worker"
	}
	return "unknown"
}

func ParseProcessRole(s string) (ProcessRole, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "api", "web":
		return RoleAPI, true
	case "worker":
		return RoleWorker, true
	}
	return 0, false
}

type Environment int

const (
	Development Environment = iota + 1
	Production
)

func (e Environment) String() string {
	switch e {
	case Development:
		return "development"
	case Production:
		return "production"
	}
	return "unknown"
}

func ParseEnvironment(s string) Environment {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "production", "prod":
		return Production
	}
	return Development
}
