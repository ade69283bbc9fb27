// Package config holds the runtime configuration of a duet peer.
package config

import (
	"fmt"
	"time"
)

// Role represents the peer's fixed role in a call.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleReceiver  Role = "receiver"
)

// Backend selects the mailbox implementation shared by both peers.
type Backend string

const (
	BackendMemory Backend = "memory" // single process only
	BackendSQLite Backend = "sqlite" // peers on the same host
	BackendRedis  Backend = "redis"
	BackendRemote Backend = "ws" // cmd/mailboxd over websocket
)

// Config stores every parameter gathered from the environment, flags and
// interactive prompts.
type Config struct {
	Role   Role
	CallID string
	UserID string

	Backend    Backend
	MailboxURL string // BackendRemote: ws(s)://host/ws
	SQLitePath string // BackendSQLite: database file
	RedisAddr  string
	RedisPass  string
	RedisDB    int

	Audio   bool
	Video   bool
	Devices bool // capture real camera/microphone instead of synthetic tracks

	ICEServers         []string
	SettleDelay        time.Duration // initiator wait before publishing the offer
	NegotiationTimeout time.Duration // 0 waits forever
	CandidateRetries   int           // 0 retries forever

	Purge bool // delete the call record after hangup
	Debug bool
}

// Validate reports the first problem that would prevent a call from starting.
func (c *Config) Validate() error {
	switch c.Role {
	case RoleInitiator, RoleReceiver:
	default:
		return fmt.Errorf("invalid role %q: must be %q or %q", c.Role, RoleInitiator, RoleReceiver)
	}

	if c.CallID == "" {
		return fmt.Errorf("missing call id")
	}
	if c.UserID == "" {
		return fmt.Errorf("missing user id")
	}

	switch c.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("sqlite backend needs a database path")
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("redis backend needs an address")
		}
	case BackendRemote:
		if c.MailboxURL == "" {
			return fmt.Errorf("ws backend needs a mailbox URL")
		}
	default:
		return fmt.Errorf("invalid mailbox backend %q", c.Backend)
	}

	if !c.Audio && !c.Video {
		return fmt.Errorf("at least one of audio or video must be enabled")
	}
	if c.SettleDelay < 0 || c.NegotiationTimeout < 0 || c.CandidateRetries < 0 {
		return fmt.Errorf("delays, timeouts and retry limits must not be negative")
	}
	return nil
}
