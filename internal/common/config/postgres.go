package config

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Connection      map[string]string
}

// ConnectionString renders Connection as a libpq key/value connection string, in a stable order.
// https://www.postgresql.org/docs/10/libpq-connect.html#id-1.7.3.8.3.5
func (c PostgresConfig) ConnectionString() string {
	keys := make([]string, 0, len(c.Connection))
	for k := range c.Connection {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	replacer := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s='%s'", k, replacer.Replace(c.Connection[k])))
	}
	return strings.Join(parts, " ")
}
