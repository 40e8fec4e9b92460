//go:build ignore
// +build ignore

// Seeds a demo user and a couple of active sender accounts so a fresh
// environment can accept campaigns immediately.
//
// Usage: go run scripts/seed_demo_data.go
// Requires DATABASE_URL.

package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

func main() {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	userID := uuid.New()
	_, err = db.ExecContext(ctx, `
		INSERT INTO users (id, google_id, email, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (email) DO NOTHING
	`, userID, "demo-google-id", "demo@reach.local", "Demo User")
	if err != nil {
		log.Fatalf("Failed to seed user: %v", err)
	}

	senders := []struct {
		email string
		host  string
		port  int
	}{
		{"sender1@reach.local", "localhost", 1025},
		{"sender2@reach.local", "localhost", 1025},
	}

	for _, s := range senders {
		_, err := db.ExecContext(ctx, `
			INSERT INTO sender_accounts (id, email, password, smtp_host, smtp_port, is_active)
			VALUES ($1, $2, '', $3, $4, TRUE)
			ON CONFLICT (email) DO NOTHING
		`, uuid.New(), s.email, s.host, s.port)
		if err != nil {
			log.Fatalf("Failed to seed sender %s: %v", s.email, err)
		}
	}

	var seededUserID uuid.UUID
	err = db.QueryRowContext(ctx, `SELECT id FROM users WHERE email = 'demo@reach.local'`).Scan(&seededUserID)
	if err != nil {
		log.Fatalf("Failed to read back demo user: %v", err)
	}

	fmt.Println("Seed complete.")
	fmt.Printf("  Demo user id: %s\n", seededUserID)
	fmt.Printf("  Sender accounts: %d\n", len(senders))
}
