package config

type Config struct {
	Environment Environment
	Log         Log
	HTTP        HTTPServer
	DatabaseURL string `env:"DATABASE_URL" envDefault:"billing.db"`
	RedisAddr   string `env:"REDIS_ADDR"`
	JWTSecret   string `env:"JWT_SECRET"`
	CatalogFile string `env:"CATALOG_FILE"`

	Gateway  Gateway  `envPrefix:"GATEWAY_"`
	Security Security `envPrefix:"SECURITY_"`
	Webhook  Webhook  `envPrefix:"WEBHOOK_"`
}

type Gateway struct {
	BaseApiURL string `env:"BASE_API_URL"`
	// APIKeyEnc is the gateway API key, encrypted with the master key.
	APIKeyEnc string `env:"API_KEY_ENC"`
}

type Security struct {
	// MasterKey is base64, 32 bytes decoded.
	MasterKey        string `env:"MASTER_KEY"`
	MasterKeyVersion int    `env:"MASTER_KEY_VERSION" envDefault:"1"`
	AlertThreshold   int    `env:"ALERT_THRESHOLD" envDefault:"3"`
	AttemptWindow    string `env:"ATTEMPT_WINDOW" envDefault:"15m"`
}

type Webhook struct {
	// SecretEnc is the shared webhook signing secret, encrypted at rest.
	SecretEnc  string `env:"SECRET_ENC"`
	DedupeSize int    `env:"DEDUPE_SIZE" envDefault:"10000"`
	DedupeTTL  string `env:"DEDUPE_TTL" envDefault:"24h"`
}

type Environment struct {
	Name string `env:"ENVIRONMENT" envDefault:"development"`
}

type Log struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

type HTTPServer struct {
	Host string `env:"HTTP_HOST" envDefault:"0.0.0.0"`
	Port string `env:"HTTP_PORT" envDefault:"8080"`
}
