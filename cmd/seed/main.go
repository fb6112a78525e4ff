// Package main implements a one-shot seed command that creates a device
// directly in the netfleet database. It lives inside the server module so it
// can access internal/* packages.
//
// Usage:
//
//	go run ./cmd/seed \
//	  --name core-sw-01 \
//	  --hostname 10.0.0.10 \
//	  --platform cisco_ios \
//	  --username admin \
//	  --password secret
//
// Environment variables:
//
//	NETFLEET_DB_DSN      SQLite file path or Postgres DSN (default: ./netfleet.db)
//	NETFLEET_DB_DRIVER   sqlite or postgres (default: sqlite)
//	NETFLEET_SECRET_KEY  Master encryption key, must match the server's
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mam15mon/network/internal/db"
	"github.com/mam15mon/network/internal/repositories"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	name := flag.String("name", "", "Device name (required)")
	hostname := flag.String("hostname", "", "Device network address (required)")
	platform := flag.String("platform", "cisco_ios", "Device platform")
	port := flag.Int("port", 22, "SSH port")
	username := flag.String("username", "", "Login username")
	password := flag.String("password", "", "Login password (stored encrypted)")
	group := flag.String("group", "", "Optional device group name")
	flag.Parse()

	if *name == "" {
		return fmt.Errorf("--name is required")
	}
	if *hostname == "" {
		return fmt.Errorf("--hostname is required")
	}

	secretKey := os.Getenv("NETFLEET_SECRET_KEY")
	if secretKey == "" {
		return fmt.Errorf("NETFLEET_SECRET_KEY is required")
	}
	if err := db.InitEncryption([]byte(secretKey)); err != nil {
		return fmt.Errorf("initializing encryption: %w", err)
	}

	dsn := os.Getenv("NETFLEET_DB_DSN")
	if dsn == "" {
		dsn = "./netfleet.db"
	}
	driver := os.Getenv("NETFLEET_DB_DRIVER")
	if driver == "" {
		driver = "sqlite"
	}

	logger := zap.NewNop()
	database, err := db.New(db.Config{
		Driver:   driver,
		DSN:      dsn,
		Logger:   logger,
		LogLevel: gormlogger.Silent,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	repo := repositories.NewDeviceRepository(database)

	device := &db.Device{
		Name:              *name,
		Hostname:          *hostname,
		Platform:          *platform,
		Port:              *port,
		Username:          *username,
		Password:          db.EncryptedString(*password),
		IsActive:          true,
		Data:              db.JSONMap{},
		ConnectionOptions: db.JSONMap{},
	}
	if *group != "" {
		device.GroupName = group
	}

	if err := repo.Create(context.Background(), device); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			return fmt.Errorf("device %q already exists", *name)
		}
		return fmt.Errorf("creating device: %w", err)
	}

	fmt.Printf("created device %s (%s)\n", device.Name, device.ID)
	return nil
}
