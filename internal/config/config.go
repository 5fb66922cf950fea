package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pion/webrtc/v4"
)

type Config struct {
	DBFile      string        `env:"PARLEY_DB"           envDefault:"parley.db"`
	AdminAddr   string        `env:"ADMIN_ADDR"          envDefault:"localhost:8081"`
	APIAddr     string        `env:"API_ADDR"            envDefault:":8080"`
	BaseURL     string        `env:"BASE_URL"            envDefault:"http://localhost:8080"`
	UploadsPath string        `env:"UPLOADS_PATH"        envDefault:"uploads"`
	StaticDir   string        `env:"STATIC_DIR"`
	TokenExpiry time.Duration `env:"TOKEN_EXPIRY"        envDefault:"24h"`
	BcryptCost  int           `env:"BCRYPT_COST"         envDefault:"10"`
	LogLevel    string        `env:"LOG_LEVEL"           envDefault:"info"`
	// SecureCookies marks the session cookie Secure; enable behind TLS.
	SecureCookies bool `env:"SECURE_COOKIES"`

	ICEServers     []string `env:"ICE_SERVERS"          envSeparator:"," envDefault:"stun:stun.l.google.com:19302"`
	TURNUsername   string   `env:"TURN_USERNAME"`
	TURNCredential string   `env:"TURN_CREDENTIAL"`

	VAPIDPublicKey  string `env:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `env:"VAPID_PRIVATE_KEY"`
	VAPIDSubject    string `env:"VAPID_SUBJECT"`

	RedisURL    string `env:"REDIS_URL"`
	RedisPrefix string `env:"REDIS_PREFIX" envDefault:"parley"`
}

// Load reads the configuration from the environment. cliMode relaxes checks
// that only matter to the server.
func Load(cliMode bool) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.TokenExpiry <= 0 {
		return errors.New("TOKEN_EXPIRY must be greater than 0")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	if cliMode {
		return nil
	}
	if c.DBFile == "" {
		return errors.New("PARLEY_DB is required")
	}
	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return errors.New("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}
	if c.PushEnabled() && c.VAPIDSubject == "" {
		return errors.New("VAPID_SUBJECT is required when push is enabled")
	}
	for _, u := range c.ICEServers {
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") &&
			!strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
			return fmt.Errorf("invalid ICE server url %q", u)
		}
	}
	return nil
}

func (c *Config) PushEnabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// WebRTCICEServers returns the ICE configuration handed to clients. TURN
// credentials are attached to turn: and turns: urls only.
func (c *Config) WebRTCICEServers() []webrtc.ICEServer {
	var stun, turn []string
	for _, u := range c.ICEServers {
		if strings.HasPrefix(u, "turn") {
			turn = append(turn, u)
		} else {
			stun = append(stun, u)
		}
	}

	servers := []webrtc.ICEServer{}
	if len(stun) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: stun})
	}
	if len(turn) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       turn,
			Username:   c.TURNUsername,
			Credential: c.TURNCredential,
		})
	}
	return servers
}
