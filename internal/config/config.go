package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/tokenrent/rentledger/internal/domain"
)

type Config struct {
	// DBSource selects the Postgres backend; empty runs in-memory.
	DBSource       string
	Port           string
	Env            string
	JWTSecret      string
	AdminAddress   domain.Address
	FeeBeneficiary domain.Address
	KafkaBrokers   []string
	KafkaTopic     string
}

func Load() (*Config, error) {
	// Local-dev overlay; missing .env is fine.
	_ = godotenv.Load()

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}

	admin := os.Getenv("ADMIN_ADDRESS")
	if admin == "" {
		return nil, fmt.Errorf("ADMIN_ADDRESS environment variable is required")
	}

	beneficiary := os.Getenv("FEE_BENEFICIARY")
	if beneficiary == "" {
		beneficiary = admin
	}

	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "8080"
	}

	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	var brokers []string
	if raw := os.Getenv("KAFKA_BROKERS"); raw != "" {
		brokers = strings.Split(raw, ",")
	}
	topic := os.Getenv("KAFKA_TOPIC")
	if topic == "" {
		topic = "rentledger.events"
	}

	return &Config{
		DBSource:       os.Getenv("DB_SOURCE"),
		Port:           port,
		Env:            env,
		JWTSecret:      secret,
		AdminAddress:   domain.Address(admin),
		FeeBeneficiary: domain.Address(beneficiary),
		KafkaBrokers:   brokers,
		KafkaTopic:     topic,
	}, nil
}
