package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	godotenv.Load()
}

// DSN builds the connection string for driver ("mysql" or "postgres") from DB_* variables.
func DSN(driver string) string {
	dbUser := os.Getenv("DB_USER")
	dbPassword := os.Getenv("DB_PASSWORD")
	dbHost := os.Getenv("DB_HOST")
	dbPort := os.Getenv("DB_PORT")
	dbName := os.Getenv("DB_NAME")

	if driver == StoragePostgres {
		if dbPort == "" {
			dbPort = "5432"
		}
		return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
			dbHost, dbPort, dbUser, dbPassword, dbName, EnvString("DB_SSLMODE", "disable"))
	}

	network := "tcp"
	address := fmt.Sprintf("%s:%s", dbHost, dbPort)
	// Cloud SQL: DB_HOST=/cloudsql/<CONNECTION_NAME> connects over the proxy's unix socket.
	if strings.HasPrefix(dbHost, "/cloudsql/") {
		network = "unix"
		address = dbHost
	}
	return fmt.Sprintf("%s:%s@%s(%s)/%s?multiStatements=true&parseTime=true&loc=UTC",
		dbUser, dbPassword, network, address, dbName)
}

func dialector(driver string) gorm.Dialector {
	if driver == StoragePostgres {
		return postgres.Open(DSN(driver))
	}
	return mysql.Open(DSN(driver))
}

// ConnectDatabaseWithRetry blocks until the database accepts a connection.
// Call this from main() AFTER the HTTP server is listening.
func ConnectDatabaseWithRetry(driver string) *gorm.DB {
	var attempt int
	for {
		attempt++
		db, err := gorm.Open(dialector(driver), initConfig())
		if err == nil {
			// Pool overrides: DB_MAX_OPEN_CONNS, DB_MAX_IDLE_CONNS,
			// DB_CONN_MAX_LIFETIME_SECONDS, DB_CONN_MAX_IDLE_TIME_SECONDS.
			if sqlDB, derr := db.DB(); derr == nil && sqlDB != nil {
				maxOpen := intFromEnv("DB_MAX_OPEN_CONNS", 20)
				maxIdle := intFromEnv("DB_MAX_IDLE_CONNS", 10)
				connMaxLife := secondsFromEnv("DB_CONN_MAX_LIFETIME_SECONDS", 300)
				connMaxIdle := secondsFromEnv("DB_CONN_MAX_IDLE_TIME_SECONDS", 60)

				if maxOpen > 0 {
					sqlDB.SetMaxOpenConns(maxOpen)
				}
				if maxIdle >= 0 {
					sqlDB.SetMaxIdleConns(maxIdle)
				}
				if connMaxLife > 0 {
					sqlDB.SetConnMaxLifetime(connMaxLife)
				}
				if connMaxIdle > 0 {
					sqlDB.SetConnMaxIdleTime(connMaxIdle)
				}
			}

			if pluginErr := db.Use(otelgorm.NewPlugin()); pluginErr != nil {
				logg.WithError(pluginErr).Warn("db connected but failed to install otelgorm plugin")
			}
			logg.WithFields(map[string]any{"driver": driver, "attempt": attempt}).Info("connected to database")
			return db
		}

		sleep := retrySleep(attempt)
		logg.WithError(err).WithFields(map[string]any{"driver": driver, "attempt": attempt}).
			Warnf("failed to connect database; retrying in %s", sleep)
		time.Sleep(sleep)
	}
}

// retrySleep is the connect backoff: 2s, 4s, ... capped at 30s.
func retrySleep(attempt int) time.Duration {
	sleep := time.Second * time.Duration(1<<min(attempt, 5))
	if sleep > 30*time.Second {
		sleep = 30 * time.Second
	}
	return sleep
}

func initConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         initLog(),
		NamingStrategy: initNamingStrategy(),
		// map driver duplicate-key errors onto gorm.ErrDuplicatedKey
		TranslateError: true,
	}
}

// initLog writes gorm errors and slow queries to stdout, or to GORM_LOG at info level when set.
func initLog() logger.Interface {
	if logFile := os.Getenv("GORM_LOG"); logFile != "" {
		if f, err := os.Create(logFile); err == nil {
			return logger.New(log.New(f, "\r\n", log.LstdFlags), logger.Config{
				LogLevel:      logger.Info,
				SlowThreshold: time.Second,
			})
		}
	}
	return logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			Colorful:      false,
			LogLevel:      logger.Error,
			SlowThreshold: time.Second,
		},
	)
}

func initNamingStrategy() *schema.NamingStrategy {
	return &schema.NamingStrategy{
		SingularTable: false,
		TablePrefix:   os.Getenv("DB_TABLE_PREFIX"),
	}
}
