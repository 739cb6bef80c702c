package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/mykytatishkin/content-fabric-sub000/internal/store"
	"github.com/mykytatishkin/content-fabric-sub000/pkg/logx"
)

// CommandConfig points at the external upload helper. The helper receives a
// JSON request on stdin and must print a JSON response on stdout:
//
//	in:  {"account":"studio","access_token":"...","payload":{...}}
//	out: {"ok":true,"upload_id":"..."} or
//	     {"ok":false,"signal":"credential","message":"invalid_grant"}
type CommandConfig struct {
	Command []string
	Timeout time.Duration // default 15m; uploads are slow
}

// CommandPublisher shells out to the platform upload helper. Keeping the
// platform client in a separate process isolates its runtime (browser or SDK
// stack) from the scheduler.
type CommandPublisher struct {
	cfg CommandConfig
	log logx.Logger
}

func NewCommand(cfg CommandConfig, log logx.Logger) (*CommandPublisher, error) {
	if len(cfg.Command) == 0 || strings.TrimSpace(cfg.Command[0]) == "" {
		return nil, errors.New("publisher: upload command is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CommandPublisher{cfg: cfg, log: log.With(logx.String("component", "publisher"))}, nil
}

type commandRequest struct {
	Account      string  `json:"account"`
	AccessToken  string  `json:"access_token"`
	RefreshToken string  `json:"refresh_token,omitempty"`
	Payload      Payload `json:"payload"`
}

type commandResponse struct {
	OK       bool   `json:"ok"`
	UploadID string `json:"upload_id,omitempty"`
	Signal   string `json:"signal,omitempty"`
	Message  string `json:"message,omitempty"`
}

func (p *CommandPublisher) Publish(ctx context.Context, account store.Account, payload Payload) (Result, error) {
	req, err := json.Marshal(commandRequest{
		Account:      account.Name,
		AccessToken:  account.Credential.AccessToken,
		RefreshToken: account.Credential.RefreshToken,
		Payload:      payload,
	})
	if err != nil {
		return Result{}, fmt.Errorf("encode upload request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.cfg.Command[0], p.cfg.Command[1:]...)
	cmd.Stdin = bytes.NewReader(req)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// The helper forks children (browser, ffmpeg) that inherit the stdout
	// pipe; on timeout the whole group must die or Run blocks on the pipe.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	runErr := cmd.Run()

	// A well-formed response wins even when the helper exits non-zero; a
	// failed upload is still a structured outcome, not a transport error.
	var resp commandResponse
	if decErr := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &resp); decErr == nil && (resp.OK || resp.Message != "" || resp.Signal != "") {
		return Result{
			OK:       resp.OK,
			UploadID: resp.UploadID,
			Signal:   Signal(resp.Signal),
			Message:  resp.Message,
		}, nil
	}

	if runErr != nil {
		p.log.Warn("upload helper failed",
			logx.String("account", account.Name),
			logx.String("stderr", truncate(stderr.String(), 512)),
			logx.Err(runErr))
		return Result{}, fmt.Errorf("upload helper: %w: %s", runErr, truncate(stderr.String(), 512))
	}
	return Result{}, fmt.Errorf("upload helper: unparseable response: %s", truncate(stdout.String(), 512))
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
