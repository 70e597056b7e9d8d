package config

type Config interface {
	EnvConfig
	APIConfig
	AuthConfig
	RealtimeConfig
}

type EnvConfig interface {
	GetAppName() string
	GetDataFolder() string
	GetEnv() string
}

type mainConfig struct {
	EnvVars
	API
	Auth
	Realtime
}

func New() Config {
	return mainConfig{}
}
