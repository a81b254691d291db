package config

const (
	DefaultBrokerExchange   = "crm.jobs"
	DefaultBrokerQueue      = "crm.jobs"
	DefaultAdSpendSpec      = "0 */6 * * *"
	DefaultTokenRefreshSpec = "30 3 * * *"
)
