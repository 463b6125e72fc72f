package session

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strconv"
	"strings"

	"github.com/ajitpratap0/snowpool/pkg/errors"
)

// Identity is the normalized set of connection parameters that partitions
// sessions into pools. It is produced by an upstream connection-string parser.
// Pooling control flags are deliberately not part of it.
type Identity struct {
	Account       string `yaml:"account" json:"account" mapstructure:"account"`
	User          string `yaml:"user" json:"user" mapstructure:"user"`
	Password      string `yaml:"password" json:"-" mapstructure:"password"`
	Token         string `yaml:"token" json:"-" mapstructure:"token"`
	Host          string `yaml:"host" json:"host,omitempty" mapstructure:"host"`
	Port          int    `yaml:"port" json:"port,omitempty" mapstructure:"port"`
	Database      string `yaml:"database" json:"database,omitempty" mapstructure:"database"`
	Schema        string `yaml:"schema" json:"schema,omitempty" mapstructure:"schema"`
	Warehouse     string `yaml:"warehouse" json:"warehouse,omitempty" mapstructure:"warehouse"`
	Role          string `yaml:"role" json:"role,omitempty" mapstructure:"role"`
	Authenticator string `yaml:"authenticator" json:"authenticator,omitempty" mapstructure:"authenticator"`
	Application   string `yaml:"application" json:"application,omitempty" mapstructure:"application"`
}

// Validate rejects identities that lack the fields every login needs.
func (id Identity) Validate() error {
	if strings.TrimSpace(id.Account) == "" {
		return errors.New(errors.ErrorTypeConfig, "identity is missing account")
	}
	if strings.TrimSpace(id.User) == "" {
		return errors.New(errors.ErrorTypeConfig, "identity is missing user").
			WithDetail("account", id.Account)
	}
	return nil
}

// Key returns the canonical pool key. Identifier fields are trimmed and
// lower-cased, credentials contribute only a digest.
func (id Identity) Key() string {
	var b strings.Builder
	b.Grow(160)

	field := func(name, value string) {
		if b.Len() > 0 {
			b.WriteByte(';')
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(value)
	}

	field("account", norm(id.Account))
	field("user", norm(id.User))
	field("host", norm(id.Host))
	field("port", strconv.Itoa(id.Port))
	field("database", norm(id.Database))
	field("schema", norm(id.Schema))
	field("warehouse", norm(id.Warehouse))
	field("role", norm(id.Role))
	field("authenticator", norm(id.Authenticator))
	field("application", norm(id.Application))
	field("secret", digest(id.Password, id.Token))

	return b.String()
}

// Equal reports whether both identities map to the same pool.
func (id Identity) Equal(other Identity) bool {
	return id.Key() == other.Key()
}

// String returns a loggable form without credentials.
func (id Identity) String() string {
	return norm(id.Account) + "/" + norm(id.User) + "@" + norm(id.Warehouse) + "/" + norm(id.Database)
}

// Fingerprint returns a short digest of Key. Identities with equal keys share
// a fingerprint; it is safe to log and to use as a metric label.
func (id Identity) Fingerprint() string {
	sum := sha256.Sum256([]byte(id.Key()))
	return hex.EncodeToString(sum[:4])
}

// IdentityFromEnv reads an identity from <prefix>_ACCOUNT, <prefix>_USER and
// the matching PASSWORD, TOKEN, HOST, DATABASE, SCHEMA, WAREHOUSE, ROLE and
// AUTHENTICATOR variables.
func IdentityFromEnv(prefix string) Identity {
	get := func(name string) string { return os.Getenv(prefix + "_" + name) }
	return Identity{
		Account:       get("ACCOUNT"),
		User:          get("USER"),
		Password:      get("PASSWORD"),
		Token:         get("TOKEN"),
		Host:          get("HOST"),
		Database:      get("DATABASE"),
		Schema:        get("SCHEMA"),
		Warehouse:     get("WAREHOUSE"),
		Role:          get("ROLE"),
		Authenticator: get("AUTHENTICATOR"),
	}
}

func norm(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func digest(password, token string) string {
	if password == "" && token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(password + "\x00" + token))
	return hex.EncodeToString(sum[:8])
}
