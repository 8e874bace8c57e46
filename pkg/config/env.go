package config

// Deployment environments. Staging and production enforce explicit
// database, broker and lock configuration.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)
