package postgres

import (
	"fmt"
	"regexp"
	"strings"
)

const DefaultTable = "task_completions"

var identifier = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Config is optional; an empty DSN disables the completion recorder.
type Config struct {
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
}

func (c Config) Enabled() bool {
	return strings.TrimSpace(c.DSN) != ""
}

func (c Config) TableName() string {
	if c.Table == "" {
		return DefaultTable
	}
	return c.Table
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("postgres.dsn is required")
	}
	if !identifier.MatchString(c.TableName()) {
		return fmt.Errorf("postgres.table %q is not a valid identifier", c.Table)
	}
	return nil
}
