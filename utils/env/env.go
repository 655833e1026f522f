// Package env reads typed environment variables with defaults. Configuration
// values from the environment always take precedence over file values.
package env

import (
	"log"
	"os"
	"strconv"
	"time"
)

var logFatalf = log.Fatalf

func OptionalStringVariable(name string, defaultValue string) string {
	if !HasEnv(name) {
		return defaultValue
	}
	return os.Getenv(name)
}

func OptionalIntVariable(name string, defaultValue int) int {
	if !HasEnv(name) {
		return defaultValue
	}
	intValue, err := strconv.Atoi(os.Getenv(name))
	if err != nil {
		logFatalf("Environment variable (%s) is not a valid int.", name)
	}
	return intValue
}

func OptionalFloatVariable(name string, defaultValue float64) float64 {
	if !HasEnv(name) {
		return defaultValue
	}
	floatValue, err := strconv.ParseFloat(os.Getenv(name), 64)
	if err != nil {
		logFatalf("Environment variable (%s) is not a valid float.", name)
	}
	return floatValue
}

func OptionalBoolVariable(name string, defaultValue bool) bool {
	if !HasEnv(name) {
		return defaultValue
	}
	boolValue, err := strconv.ParseBool(os.Getenv(name))
	if err != nil {
		logFatalf("Environment variable (%s) is not a valid bool.", name)
	}
	return boolValue
}

func OptionalDurationVariable(name string, defaultValue time.Duration) time.Duration {
	if !HasEnv(name) {
		return defaultValue
	}
	duration, err := time.ParseDuration(os.Getenv(name))
	if err != nil {
		logFatalf("Environment variable (%s) is not a valid duration.", name)
	}
	return duration
}

func HasEnv(name string) bool {
	_, ok := os.LookupEnv(name)
	return ok
}
