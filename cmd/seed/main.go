// seed inserts an initial admin account plus a sample student for local
// testing. Idempotent: skips inserts if the admin username already exists.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"llm-platform-backend/internal/account/domain"
	"llm-platform-backend/internal/account/repository"
	"llm-platform-backend/internal/config"
	"llm-platform-backend/internal/db"
	"llm-platform-backend/internal/security"
)

const (
	adminUsername   = "admin"
	adminPassword   = "admin-password-1"
	studentUsername = "student1"
	studentPassword = "student-password-1"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	accounts := repository.NewPostgresRepository(conn)
	ctx := context.Background()

	existing, err := accounts.GetByUsername(ctx, adminUsername)
	if err != nil {
		log.Fatalf("seed check: %v", err)
	}
	if existing != nil {
		log.Println("Seed already applied (admin exists). Skipping.")
		os.Exit(0)
	}

	hasher := security.NewHasher(cfg.BcryptCost)
	now := time.Now().UTC()

	create := func(username, password string, role domain.Role, class string) *domain.Account {
		hash, err := hasher.Hash([]byte(password))
		if err != nil {
			log.Fatalf("hash password: %v", err)
		}
		apiKey, err := security.GenerateAPIKey()
		if err != nil {
			log.Fatalf("generate api key: %v", err)
		}
		acct := &domain.Account{
			ID:              uuid.New().String(),
			Username:        username,
			PasswordHash:    hash,
			Role:            role,
			Active:          true,
			APIKey:          apiKey,
			DailyTokenLimit: 100000,
			TokenVersion:    1,
			ClassName:       class,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := accounts.Create(ctx, acct); err != nil {
			log.Fatalf("create %s: %v", username, err)
		}
		return acct
	}

	create(adminUsername, adminPassword, domain.RoleAdmin, "")
	create(studentUsername, studentPassword, domain.RoleStudent, "1-A")

	log.Println("Seed completed successfully.")
	fmt.Printf("Admin login: %s / %s\n", adminUsername, adminPassword)
	fmt.Printf("Student login: %s / %s\n", studentUsername, studentPassword)
}
