package repair

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/mykytatishkin/content-fabric-sub000/internal/store"
	"github.com/mykytatishkin/content-fabric-sub000/pkg/logx"
)

// CommandSessionConfig points at the external login helper (typically a
// browser-automation script). The helper receives the account as JSON on
// stdin and must print the refreshed credential on stdout:
//
//	in:  {"account_id":7,"account":"studio"}
//	out: {"access_token":"...","refresh_token":"...","expires_at":"2026-09-01T12:00:00Z"}
//	or:  {"error":"consent screen changed"}
type CommandSessionConfig struct {
	Command      []string
	LoginTimeout time.Duration // default 5m
}

type CommandSessionFactory struct {
	cfg CommandSessionConfig
	log logx.Logger
}

func NewCommandSessionFactory(cfg CommandSessionConfig, log logx.Logger) *CommandSessionFactory {
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = 5 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CommandSessionFactory{cfg: cfg, log: log.With(logx.String("component", "repair.session"))}
}

func (f *CommandSessionFactory) Acquire(_ context.Context, account store.Account) (Session, error) {
	if len(f.cfg.Command) == 0 || strings.TrimSpace(f.cfg.Command[0]) == "" {
		return nil, ErrSessionUnavailable
	}
	return &commandSession{cfg: f.cfg, log: f.log, account: account}, nil
}

// commandSession runs one helper invocation per login flow. The helper owns
// its own browser lifecycle, so Release has nothing to tear down and is
// trivially idempotent.
type commandSession struct {
	cfg     CommandSessionConfig
	log     logx.Logger
	account store.Account
}

type loginResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    string `json:"expires_at"`
	Error        string `json:"error"`
}

func (s *commandSession) RunLoginFlow(ctx context.Context) (store.Credential, error) {
	req, err := json.Marshal(struct {
		AccountID int64  `json:"account_id"`
		Account   string `json:"account"`
	}{s.account.ID, s.account.Name})
	if err != nil {
		return store.Credential{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.LoginTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.cfg.Command[0], s.cfg.Command[1:]...)
	cmd.Stdin = bytes.NewReader(req)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// The login helper drives a browser; its children inherit the stdout
	// pipe, so timeout has to kill the whole process group.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	runErr := cmd.Run()

	var resp loginResponse
	if decErr := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &resp); decErr == nil {
		if resp.Error != "" {
			return store.Credential{}, &AuthFlowError{Reason: resp.Error}
		}
		if resp.AccessToken != "" {
			cred := store.Credential{
				AccessToken:  resp.AccessToken,
				RefreshToken: resp.RefreshToken,
			}
			if resp.ExpiresAt != "" {
				at, err := time.Parse(time.RFC3339, resp.ExpiresAt)
				if err != nil {
					return store.Credential{}, &AuthFlowError{Reason: fmt.Sprintf("bad expires_at %q", resp.ExpiresAt)}
				}
				cred.ExpiresAt = at
			}
			return cred, nil
		}
	}

	if runErr != nil {
		return store.Credential{}, fmt.Errorf("login helper: %w: %s", runErr, strings.TrimSpace(stderr.String()))
	}
	return store.Credential{}, &AuthFlowError{Reason: "login helper returned no credential"}
}

func (s *commandSession) Release() error { return nil }
