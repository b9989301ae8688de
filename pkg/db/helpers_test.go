package db

import "github.com/smallbiznis/affiliate-automation/internal/config"

func testConfig(dbType string) config.Config {
	return config.Config{
		DBType:     dbType,
		DBHost:     "localhost",
		DBPort:     "5432",
		DBName:     "automation",
		DBUser:     "automation",
		DBPassword: "secret",
		DBSSLMode:  "disable",
	}
}
