package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/codeweberdotcom/materionextjs-sub004/model"
	"github.com/codeweberdotcom/materionextjs-sub004/shared"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	var (
		seedType = flag.String("type", "all", "Type of seeding: all, configs, admin")
		help     = flag.Bool("help", false, "Show help message")
	)
	flag.Parse()

	if *help {
		showHelp()
		return
	}

	db, err := gorm.Open(postgres.Open(dsnFromEnv()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Info),
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	if err := db.AutoMigrate(&model.User{}, &model.RateLimitConfig{}, &model.RateLimitState{}, &model.ManualBlock{}, &model.RateLimitEvent{}); err != nil {
		log.Fatalf("Failed to migrate schema: %v", err)
	}

	switch *seedType {
	case "all":
		if err := seedConfigs(db); err != nil {
			log.Fatalf("Failed to seed configs: %v", err)
		}
		if err := seedAdmin(db); err != nil {
			log.Fatalf("Failed to seed admin user: %v", err)
		}
	case "configs":
		if err := seedConfigs(db); err != nil {
			log.Fatalf("Failed to seed configs: %v", err)
		}
	case "admin":
		if err := seedAdmin(db); err != nil {
			log.Fatalf("Failed to seed admin user: %v", err)
		}
	default:
		log.Fatalf("Unknown seed type: %s. Use 'all', 'configs', or 'admin'", *seedType)
	}

	log.Println("Seeding completed")
}

func dsnFromEnv() string {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}
	host := envOr("DB_HOST", "localhost")
	port := envOr("DB_PORT", "5432")
	user := envOr("DB_USER", "postgres")
	pass := envOr("DB_PASSWORD", "postgres")
	name := envOr("DB_NAME", "backoffice")
	ssl := envOr("DB_SSLMODE", "disable")
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, pass, name, port, ssl)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func seedConfigs(db *gorm.DB) error {
	configs := []model.RateLimitConfig{
		{Module: shared.ModuleAuth, MaxRequests: 5, WindowMs: 900000, BlockMs: 900000, WarnThreshold: 2, Mode: shared.ModeEnforce, Description: "Login attempts"},
		{Module: shared.ModuleRegister, MaxRequests: 3, WindowMs: 3600000, BlockMs: 3600000, WarnThreshold: 1, Mode: shared.ModeEnforce, Description: "Account registration"},
		{Module: shared.ModuleChat, MaxRequests: 30, WindowMs: 60000, BlockMs: 300000, WarnThreshold: 5, Mode: shared.ModeEnforce, Description: "Chat messages"},
		{Module: shared.ModuleUpload, MaxRequests: 10, WindowMs: 600000, BlockMs: 600000, WarnThreshold: 3, Mode: shared.ModeEnforce, Description: "File uploads"},
		{Module: shared.ModuleEmail, MaxRequests: 5, WindowMs: 3600000, BlockMs: 3600000, WarnThreshold: 2, Mode: shared.ModeEnforce, Description: "Outbound email triggers"},
	}

	now := time.Now()
	for i := range configs {
		cfg := &configs[i]
		cfg.ID = uuid.Must(uuid.NewV7()).String()
		cfg.IsActive = true
		cfg.StoreEmailInEvents = true
		cfg.StoreIPInEvents = true
		cfg.CreatedAt = now
		cfg.UpdatedAt = now

		err := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "module"}},
			DoNothing: true,
		}).Create(cfg).Error
		if err != nil {
			return err
		}
		log.Printf("Seeded config for module %s", cfg.Module)
	}
	return nil
}

func seedAdmin(db *gorm.DB) error {
	email := envOr("ADMIN_EMAIL", "admin@example.com")
	password := os.Getenv("ADMIN_PASSWORD")
	if password == "" {
		return fmt.Errorf("ADMIN_PASSWORD must be set to seed the admin user")
	}

	var count int64
	if err := db.Model(&model.User{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		log.Printf("Admin user %s already exists, skipping", email)
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	now := time.Now()
	admin := &model.User{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Email:     email,
		Username:  envOr("ADMIN_USERNAME", "admin"),
		Password:  string(hash),
		Role:      shared.RoleAdmin,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := db.Create(admin).Error; err != nil {
		return err
	}

	log.Printf("Seeded admin user %s", email)
	return nil
}

func showHelp() {
	fmt.Println("Database seeder")
	fmt.Println()
	fmt.Println("Usage: seed [flags]")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  -type string   Type of seeding: all, configs, admin (default \"all\")")
	fmt.Println("  -help          Show this help message")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  DATABASE_URL or DB_HOST, DB_PORT, DB_USER, DB_PASSWORD, DB_NAME")
	fmt.Println("  ADMIN_EMAIL, ADMIN_USERNAME, ADMIN_PASSWORD")
}
