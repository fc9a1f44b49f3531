package edge

import (
	"github.com/relaytunnel/webtunnel/internal/auth"
	"github.com/relaytunnel/webtunnel/internal/config"
)

// ControlPath is the reserved path an agent's control channel connects
// to; it is never dispatched as a tunneled request.
const ControlPath = auth.ControlPath

// Config is the edge's environment contract (§6).
type Config struct {
	Port int

	SSLKeyPath  string
	SSLCertPath string

	SecretKey   string
	VerifyToken string

	JWTGeneratorUsername string
	JWTGeneratorPassword string
}

// LoadConfig reads the edge's configuration from the environment.
func LoadConfig() *Config {
	v := config.New()
	return &Config{
		Port:                 config.BindInt(v, "PORT", 3000),
		SSLKeyPath:           config.BindString(v, "SSL_KEY_PATH", ""),
		SSLCertPath:          config.BindString(v, "SSL_CERT_PATH", ""),
		SecretKey:            config.BindString(v, "SECRET_KEY", ""),
		VerifyToken:          config.BindString(v, "VERIFY_TOKEN", ""),
		JWTGeneratorUsername: config.BindString(v, "JWT_GENERATOR_USERNAME", ""),
		JWTGeneratorPassword: config.BindString(v, "JWT_GENERATOR_PASSWORD", ""),
	}
}

// TLSEnabled reports whether both halves of the certificate pair were
// configured.
func (c *Config) TLSEnabled() bool {
	return c.SSLKeyPath != "" && c.SSLCertPath != ""
}
