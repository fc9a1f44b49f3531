package agent

import "github.com/relaytunnel/webtunnel/internal/config"

// Config is the agent's environment contract (§6).
type Config struct {
	ServerURL  string
	AuthToken  string
	LocalPort  int
	LocalHost  string
	PathPrefix string
	Insecure   bool
}

// LoadConfig reads the agent's configuration from the environment.
func LoadConfig() *Config {
	v := config.New()
	return &Config{
		ServerURL:  config.BindString(v, "TUNNEL_SERVER_URL", ""),
		AuthToken:  config.BindString(v, "TUNNEL_AUTH_TOKEN", ""),
		LocalPort:  config.BindInt(v, "LOCAL_PORT", 0),
		LocalHost:  config.BindString(v, "LOCAL_HOST", "localhost"),
		PathPrefix: config.BindString(v, "PATH_PREFIX", ""),
		Insecure:   config.BindBool(v, "INSECURE", false),
	}
}
