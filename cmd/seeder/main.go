//cmd/seeder/main.go
package main

import (
	"context"
	"os"
	"strconv"

	"github.com/google/uuid"

	"github.com/unclebandit/mail-scheduler/internal/config"
	"github.com/unclebandit/mail-scheduler/internal/db"
	"github.com/unclebandit/mail-scheduler/internal/logger"
	"github.com/unclebandit/mail-scheduler/internal/model"
	"github.com/unclebandit/mail-scheduler/internal/repository"
)

// The seeder applies migrations and, when SEED_SENDER_EMAIL is set, adds a
// development sender (for example an Ethereal or Mailpit account).
func main() {
	cfg, err := config.Load()
	if err != nil {
		l := logger.New("info", false)
		l.Fatal().Err(err).Msg("invalid configuration")
	}
	log := logger.New(cfg.LogLevel, cfg.LogPretty).With().Str("process", "seeder").Logger()

	conn, err := db.Open(cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer conn.Close()

	if err := db.Migrate(conn); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate")
	}
	log.Info().Str("driver", cfg.DBDriver).Msg("Migrations applied")

	sender, ok := senderFromEnv()
	if !ok {
		log.Info().Msg("SEED_SENDER_EMAIL not set, no sender seeded")
		return
	}
	repo := &repository.SenderRepository{DB: conn}
	if err := repo.Create(context.Background(), sender); err != nil {
		log.Fatal().Err(err).Msg("failed to seed sender")
	}
	log.Info().Str("id", sender.ID).Str("email", sender.Email).Msg("Database seeding completed successfully!")
}

func senderFromEnv() (*model.Sender, bool) {
	email := os.Getenv("SEED_SENDER_EMAIL")
	if email == "" {
		return nil, false
	}
	port, err := strconv.Atoi(os.Getenv("SEED_SMTP_PORT"))
	if err != nil || port == 0 {
		port = 587
	}
	s := &model.Sender{
		ID:       uuid.NewString(),
		Name:     envOr("SEED_SENDER_NAME", "Dev Sender"),
		Email:    email,
		SMTPHost: envOr("SEED_SMTP_HOST", "smtp.ethereal.email"),
		SMTPPort: port,
		SMTPUser: envOr("SEED_SMTP_USER", email),
		SMTPPass: os.Getenv("SEED_SMTP_PASS"),
	}
	if n, err := strconv.Atoi(os.Getenv("SEED_HOURLY_LIMIT")); err == nil && n > 0 {
		s.HourlyLimit = &n
	}
	return s, true
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
