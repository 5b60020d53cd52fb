// Copyright (c) FleetBus
// SPDX-License-Identifier: Apache-2.0

package postgres_test

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	dockertest "github.com/ory/dockertest/v3"

	devpostgres "github.com/fleetbus/fleetbus/devices/postgres"
	pgclient "github.com/fleetbus/fleetbus/pkg/postgres"
)

var db *sqlx.DB

func TestMain(m *testing.M) {
	pool, err := dockertest.NewPool("")
	if err != nil {
		log.Fatalf("Could not connect to docker: %s", err)
	}

	container, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "postgres",
		Tag:        "15.3-alpine",
		Env: []string{
			"POSTGRES_USER=test",
			"POSTGRES_PASSWORD=test",
			"POSTGRES_DB=test",
			"listen_addresses = '*'",
		},
	})
	if err != nil {
		log.Fatalf("Could not start container: %s", err)
	}
	handleInterrupt(pool, container)

	dbConfig := pgclient.Config{
		Host:            "localhost",
		Port:            container.GetPort("5432/tcp"),
		User:            "test",
		Pass:            "test",
		Name:            "test",
		SSLMode:         "disable",
		MaxConns:        10,
		MaxConnIdleTime: time.Minute,
	}

	if err := pool.Retry(func() error {
		db, err = pgclient.Setup(dbConfig, devpostgres.Migration())
		return err
	}); err != nil {
		log.Fatalf("Could not connect to docker: %s", err)
	}

	code := m.Run()

	if err := pool.Purge(container); err != nil {
		log.Fatalf("Could not purge container: %s", err)
	}

	os.Exit(code)
}

func handleInterrupt(pool *dockertest.Pool, container *dockertest.Resource) {
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		if err := pool.Purge(container); err != nil {
			log.Fatalf("Could not purge container: %s", err)
		}
		os.Exit(0)
	}()
}
