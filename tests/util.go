package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/trezcool/masomo-gate/core"
	"github.com/trezcool/masomo-gate/core/principal"
)

func CreatePrincipal(
	t *testing.T,
	repo principal.Repository,
	name, email string,
	role principal.Role,
	profileCode, groupID string,
	createdAt ...time.Time,
) principal.Principal {
	tstamp := time.Now().UTC()
	if len(createdAt) > 0 {
		tstamp = createdAt[0].UTC()
	}
	p, err := repo.CreatePrincipal(context.Background(), principal.Principal{
		Name:          name,
		Email:         email,
		Role:          role,
		ProfileCode:   profileCode,
		TenantGroupID: groupID,
		CreatedAt:     tstamp,
		UpdatedAt:     tstamp,
	})
	if err != nil {
		t.Fatalf("createPrincipal() failed: %v", err)
	}
	return p
}

func GrantModules(t *testing.T, repo principal.Repository, principalID string, modules ...string) {
	for _, m := range modules {
		g := principal.ModuleGrant{PrincipalID: principalID, Module: m, GrantedAt: time.Now().UTC()}
		if _, _, err := repo.GrantModule(context.Background(), g); err != nil {
			t.Fatalf("grantModules() failed: %v", err)
		}
	}
}

type LogEntry struct {
	Level   string
	Message string
	Args    []interface{}
}

// Logger records every entry instead of printing it.
type Logger struct {
	mu      sync.Mutex
	entries []LogEntry
}

var _ core.Logger = (*Logger)(nil)

func NewLogger() *Logger {
	return &Logger{}
}

func (l *Logger) log(level, msg string, args []interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, LogEntry{Level: level, Message: msg, Args: args})
}

func (l *Logger) Debug(msg string, args ...interface{}) { l.log("debug", msg, args) }
func (l *Logger) Info(msg string, args ...interface{})  { l.log("info", msg, args) }
func (l *Logger) Warn(msg string, args ...interface{})  { l.log("warn", msg, args) }
func (l *Logger) Error(msg string, args ...interface{}) { l.log("error", msg, args) }
func (l *Logger) Fatal(msg string, args ...interface{}) {
	l.log("fatal", msg, args)
	panic(fmt.Sprintf("fatal: %s", msg))
}

func (l *Logger) Entries(level string) []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := make([]LogEntry, 0)
	for _, e := range l.entries {
		if level == "" || e.Level == level {
			entries = append(entries, e)
		}
	}
	return entries
}

// EmailService collects sent messages.
type EmailService struct {
	mu   sync.Mutex
	sent []*core.EmailMessage
}

var _ core.EmailService = (*EmailService)(nil)

func (svc *EmailService) SendMessages(messages ...*core.EmailMessage) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	svc.sent = append(svc.sent, messages...)
}

func (svc *EmailService) Sent() []*core.EmailMessage {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return append([]*core.EmailMessage(nil), svc.sent...)
}
