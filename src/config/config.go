package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type AppConfig struct {
	Port               string
	DatabasePath       string
	LogLevel           string
	FxRatesPath        string
	MaxUploadSizeBytes int64

	// Run parameters applied to every calculation unless overridden per request.
	Jurisdiction         string
	RuleVersion          string
	LotMethod            string
	RoundingPolicy       string
	FeePolicy            string
	HoldingExemptionDays int
	ItThresholdEUR       decimal.Decimal

	// Secret used to sign run attestation tokens (HS256).
	AttestationSecret string
	AttestationExpiry time.Duration

	EmailServiceProvider string
	MailgunDomain        string
	MailgunPrivateAPIKey string
	SenderEmail          string
	SenderName           string
	NotifyEmail          string
}

var Cfg *AppConfig

func LoadConfig() {
	errEnv := godotenv.Load()
	if errEnv != nil {
		log.Println("Info: No .env file found or error loading .env file. Relying on OS environment variables and defaults. Error (if any):", errEnv)
	} else {
		log.Println(".env file loaded successfully.")
	}

	log.Println("Loading application configuration...")

	attestationSecret := getEnv("ATTESTATION_SECRET", "insecure-dev-attestation-secret-at-least-32b!")
	if attestationSecret == "insecure-dev-attestation-secret-at-least-32b!" {
		log.Println("WARNING: Using default insecure ATTESTATION_SECRET. Set ATTESTATION_SECRET environment variable for production.")
	}
	if len(attestationSecret) < 32 {
		log.Fatalf("FATAL: ATTESTATION_SECRET must be at least 32 bytes long. Current length: %d", len(attestationSecret))
	}

	attestationExpiryStr := getEnv("ATTESTATION_EXPIRY", "8760h")
	attestationExpiry, err := time.ParseDuration(attestationExpiryStr)
	if err != nil {
		log.Printf("WARNING: Invalid ATTESTATION_EXPIRY format '%s'. Using default 8760h. Error: %v", attestationExpiryStr, err)
		attestationExpiry = 8760 * time.Hour
	}

	maxUploadSizeBytesStr := getEnv("MAX_UPLOAD_SIZE_BYTES", "10485760")
	maxUploadSizeBytes, err := strconv.ParseInt(maxUploadSizeBytesStr, 10, 64)
	if err != nil {
		log.Printf("WARNING: Invalid MAX_UPLOAD_SIZE_BYTES format '%s'. Using default 10MB. Error: %v", maxUploadSizeBytesStr, err)
		maxUploadSizeBytes = 10 * 1024 * 1024
	}

	itThresholdStr := getEnv("IT_THRESHOLD_EUR", "51645.69")
	itThreshold, err := decimal.NewFromString(itThresholdStr)
	if err != nil {
		log.Printf("WARNING: Invalid IT_THRESHOLD_EUR '%s'. Using default 51645.69. Error: %v", itThresholdStr, err)
		itThreshold = decimal.RequireFromString("51645.69")
	}

	Cfg = &AppConfig{
		Port:               getEnv("PORT", "8080"),
		DatabasePath:       getEnv("DATABASE_PATH", "./cryptotaxcalc.db"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		FxRatesPath:        getEnv("FX_RATES_PATH", "data/eurusd_rates.csv"),
		MaxUploadSizeBytes: maxUploadSizeBytes,

		Jurisdiction:         getEnv("JURISDICTION", "HR"),
		RuleVersion:          getEnv("RULE_VERSION", "2025.01.fifo.v1"),
		LotMethod:            getEnv("LOT_METHOD", "FIFO"),
		RoundingPolicy:       getEnv("ROUNDING_POLICY", "half_up_8dp"),
		FeePolicy:            getEnv("FEE_POLICY", "quote_fee_reduces_proceeds"),
		HoldingExemptionDays: getEnvAsInt("HOLDING_EXEMPTION_DAYS", 730),
		ItThresholdEUR:       itThreshold,

		AttestationSecret: attestationSecret,
		AttestationExpiry: attestationExpiry,

		EmailServiceProvider: getEnv("EMAIL_SERVICE_PROVIDER", "mock"),
		MailgunDomain:        getEnv("MAILGUN_DOMAIN", ""),
		MailgunPrivateAPIKey: getEnv("MAILGUN_PRIVATE_API_KEY", ""),
		SenderEmail:          getEnv("SENDER_EMAIL", ""),
		SenderName:           getEnv("SENDER_NAME", "CryptoTaxCalc"),
		NotifyEmail:          getEnv("NOTIFY_EMAIL", ""),
	}

	log.Println("Application configuration loaded.")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("WARNING: Invalid integer for %s: '%s'. Using default %d.", key, valueStr, fallback)
		return fallback
	}
	return value
}
