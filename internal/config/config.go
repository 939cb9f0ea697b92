package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration
type Config struct {
	// Cache settings
	CachePath string
	LogLevel  string

	// Sync tunables
	SyncInterval  time.Duration
	BodyBatchSize int
	BatchPause    time.Duration

	// Discovery tunables
	DiscoveryDebounce time.Duration
	DiscoveryBudget   time.Duration
	StepTimeout       time.Duration

	// Outbox tunables
	SendIdlePoll   time.Duration
	SendRetryFloor time.Duration

	// Accounts
	Accounts []AccountConfig
}

// AccountConfig holds configuration for a single email account
type AccountConfig struct {
	Name string

	// IMAP settings
	IMAPHost     string
	IMAPPort     int
	IMAPUsername string
	IMAPPassword string
	IMAPSecurity string

	// SMTP settings
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		CachePath:         getEnv("CACHE_PATH", "/data/mail_cache.db"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		SyncInterval:      getEnvDuration("SYNC_INTERVAL_SECONDS", 300),
		BodyBatchSize:     getEnvInt("BODY_BATCH_SIZE", 10),
		BatchPause:        getEnvDurationMillis("BATCH_PAUSE_MILLIS", 250),
		DiscoveryDebounce: getEnvDuration("DISCOVERY_DEBOUNCE_SECONDS", 60),
		DiscoveryBudget:   getEnvDuration("DISCOVERY_BUDGET_SECONDS", 45),
		StepTimeout:       getEnvDuration("STEP_TIMEOUT_SECONDS", 10),
		SendIdlePoll:      getEnvDuration("SEND_IDLE_POLL_SECONDS", 5),
		SendRetryFloor:    getEnvDuration("SEND_RETRY_FLOOR_SECONDS", 30),
	}

	accounts, err := loadAccounts()
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}
	if len(accounts) == 0 {
		return nil, fmt.Errorf("no email accounts configured")
	}

	cfg.Accounts = accounts
	return cfg, nil
}

// loadAccounts loads email account configurations from environment variables
func loadAccounts() ([]AccountConfig, error) {
	var accounts []AccountConfig

	// Single account configuration first (for backward compatibility)
	if hasSingleAccount() {
		account, err := loadAccount("")
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *account)
		return accounts, nil
	}

	// Multiple accounts (ACCOUNT_1_*, ACCOUNT_2_*, etc.)
	accountNum := 1
	for {
		account, err := loadAccount(fmt.Sprintf("ACCOUNT_%d_", accountNum))
		if err != nil {
			break // No more accounts
		}
		accounts = append(accounts, *account)
		accountNum++
	}

	if len(accounts) == 0 {
		return nil, fmt.Errorf("no accounts found in environment variables")
	}
	return accounts, nil
}

// hasSingleAccount checks if single account configuration exists
func hasSingleAccount() bool {
	return getEnv("IMAP_HOST", "") != "" && getEnv("SMTP_HOST", "") != ""
}

// loadAccount loads one account using the given env prefix. An empty
// prefix reads the unnumbered single-account variables.
func loadAccount(prefix string) (*AccountConfig, error) {
	name := getEnv(prefix+"NAME", "")
	if prefix == "" {
		name = getEnv("ACCOUNT_NAME", "default")
		if name == "" {
			name = "default"
		}
	} else if name == "" {
		return nil, fmt.Errorf("account %s: NAME is required", prefix)
	}

	acc := &AccountConfig{
		Name:         name,
		IMAPHost:     getEnv(prefix+"IMAP_HOST", ""),
		IMAPPort:     getEnvInt(prefix+"IMAP_PORT", 993),
		IMAPUsername: getEnv(prefix+"IMAP_USERNAME", ""),
		IMAPPassword: getEnv(prefix+"IMAP_PASSWORD", ""),
		IMAPSecurity: getEnv(prefix+"IMAP_SECURITY", "tls"),
		SMTPHost:     getEnv(prefix+"SMTP_HOST", ""),
		SMTPPort:     getEnvInt(prefix+"SMTP_PORT", 587),
		SMTPUsername: getEnv(prefix+"SMTP_USERNAME", ""),
		SMTPPassword: getEnv(prefix+"SMTP_PASSWORD", ""),
	}

	if acc.IMAPHost == "" || acc.SMTPHost == "" {
		return nil, fmt.Errorf("account %s: IMAP_HOST and SMTP_HOST are required", name)
	}
	if acc.IMAPUsername == "" || acc.SMTPUsername == "" {
		return nil, fmt.Errorf("account %s: IMAP_USERNAME and SMTP_USERNAME are required", name)
	}
	if acc.IMAPPassword == "" || acc.SMTPPassword == "" {
		return nil, fmt.Errorf("account %s: IMAP_PASSWORD and SMTP_PASSWORD are required", name)
	}
	return acc, nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as an integer or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSeconds)) * time.Second
}

func getEnvDurationMillis(key string, defaultMillis int) time.Duration {
	return time.Duration(getEnvInt(key, defaultMillis)) * time.Millisecond
}

// GetAccountByName finds an account by name
func (c *Config) GetAccountByName(name string) (*AccountConfig, error) {
	for i := range c.Accounts {
		if c.Accounts[i].Name == name {
			return &c.Accounts[i], nil
		}
	}
	return nil, fmt.Errorf("account not found: %s", name)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.CachePath == "" {
		return fmt.Errorf("CACHE_PATH is required")
	}
	if c.BodyBatchSize < 1 || c.BodyBatchSize > 100 {
		return fmt.Errorf("BODY_BATCH_SIZE must be between 1 and 100")
	}
	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account must be configured")
	}

	for i := range c.Accounts {
		acc := &c.Accounts[i]
		if acc.IMAPHost == "" {
			return fmt.Errorf("account %s: IMAP_HOST is required", acc.Name)
		}
		if acc.SMTPHost == "" {
			return fmt.Errorf("account %s: SMTP_HOST is required", acc.Name)
		}
		if acc.IMAPPort < 1 || acc.IMAPPort > 65535 {
			return fmt.Errorf("account %s: invalid IMAP_PORT", acc.Name)
		}
		if acc.SMTPPort < 1 || acc.SMTPPort > 65535 {
			return fmt.Errorf("account %s: invalid SMTP_PORT", acc.Name)
		}
		switch acc.IMAPSecurity {
		case "tls", "starttls", "plain":
		default:
			return fmt.Errorf("account %s: IMAP_SECURITY must be tls, starttls or plain", acc.Name)
		}
	}
	return nil
}

// AccountNames returns a list of all account names
func (c *Config) AccountNames() []string {
	names := make([]string, len(c.Accounts))
	for i := range c.Accounts {
		names[i] = c.Accounts[i].Name
	}
	return names
}
