// Package repro drives the media-message smoke sequence against a bot
// control endpoint and reports per-step outcomes.
package repro

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"botprobe/internal/botwire"
	"botprobe/internal/logging"
)

// mediaUploadTimeout extends the wait for message sends that carry media;
// uploads routinely outlive the normal per-action timeout.
const mediaUploadTimeout = 2 * time.Minute

// Sender is the slice of the control client the flow needs. *botwire.Client
// satisfies it; tests substitute a fake.
type Sender interface {
	Send(ctx context.Context, action string, params any) (*botwire.Response, error)
	SendWithTimeout(ctx context.Context, action string, params any, timeout time.Duration) (*botwire.Response, error)
}

// Options configures a run of the built-in sequence.
type Options struct {
	// GroupID is the target group for message sends.
	GroupID int64
	// VideoPath is the local video file to send. Required.
	VideoPath string
	// TextPath, when set, adds a text message step before the video send.
	TextPath string
	// Timeout overrides the sender's default per-action wait when positive.
	Timeout time.Duration
	// Logger receives progress lines.
	Logger logging.Logger
}

// StepResult records one executed action.
type StepResult struct {
	Action   string
	Echo     string
	Status   string
	RetCode  int
	Duration time.Duration
	Err      error
}

// Report collects the results of a run, including the failing step when the
// run stopped early.
type Report struct {
	Steps []StepResult
}

// Failed reports whether any recorded step failed.
func (r *Report) Failed() bool {
	for _, step := range r.Steps {
		if step.Err != nil {
			return true
		}
	}
	return false
}

type loginInfo struct {
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname"`
}

type versionInfo struct {
	AppName    string `json:"app_name"`
	AppVersion string `json:"app_version"`
}

type groupInfo struct {
	GroupName   string `json:"group_name"`
	MemberCount int    `json:"member_count"`
}

type sentMessage struct {
	MessageID json.Number `json:"message_id"`
}

func (m sentMessage) valid() bool {
	id := m.MessageID.String()
	return id != "" && id != "0"
}

type segment struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func textSegment(text string) segment {
	return segment{Type: "text", Data: map[string]any{"text": text}}
}

func videoSegment(fileURL string) segment {
	return segment{Type: "video", Data: map[string]any{"file": fileURL}}
}

type runner struct {
	sender Sender
	logger logging.Logger
	report *Report
}

func newRunner(sender Sender, logger logging.Logger) *runner {
	return &runner{sender: sender, logger: logging.OrNop(logger), report: &Report{}}
}

// step executes one action, records its result, and fails fast: a transport
// error, timeout, or rejected response all stop the run.
func (r *runner) step(ctx context.Context, action string, params any, timeout time.Duration) (*botwire.Response, error) {
	r.logger.Debug("repro: -> %s", action)
	start := time.Now()

	var resp *botwire.Response
	var err error
	if timeout > 0 {
		resp, err = r.sender.SendWithTimeout(ctx, action, params, timeout)
	} else {
		resp, err = r.sender.Send(ctx, action, params)
	}

	res := StepResult{Action: action, Duration: time.Since(start), Err: err}
	if resp != nil {
		res.Echo = resp.Echo
		res.Status = resp.Status
		res.RetCode = resp.RetCode
		if err == nil && resp.Failed() {
			err = fmt.Errorf("action %s rejected: status=%s retcode=%d %s",
				action, resp.Status, resp.RetCode, strings.TrimSpace(resp.Message))
			res.Err = err
		}
	}
	var timeoutErr *botwire.TimeoutError
	if errors.As(err, &timeoutErr) {
		res.Echo = timeoutErr.Echo
	}

	r.report.Steps = append(r.report.Steps, res)
	if err != nil {
		r.logger.Error("repro: %s failed after %s: %v", action, res.Duration.Round(time.Millisecond), err)
		return nil, err
	}
	r.logger.Debug("repro: <- %s %s in %s", action, res.Status, res.Duration.Round(time.Millisecond))
	return resp, nil
}

// Run executes the built-in smoke sequence: identify the account and the
// remote implementation, confirm the target group, optionally send a text
// message, send the video, and confirm delivery of the sent message. The
// returned report always covers every step attempted, also on failure.
func Run(ctx context.Context, sender Sender, opts Options) (*Report, error) {
	logger := logging.OrNop(opts.Logger)
	r := newRunner(sender, logger)

	if opts.GroupID == 0 {
		return r.report, errors.New("group id is required")
	}
	if strings.TrimSpace(opts.VideoPath) == "" {
		return r.report, errors.New("video path is required")
	}

	resp, err := r.step(ctx, "get_login_info", nil, opts.Timeout)
	if err != nil {
		return r.report, err
	}
	var login loginInfo
	if json.Unmarshal(resp.Data, &login) == nil && login.UserID != 0 {
		logger.Info("repro: logged in as %s (%d)", login.Nickname, login.UserID)
	}

	resp, err = r.step(ctx, "get_version_info", nil, opts.Timeout)
	if err != nil {
		return r.report, err
	}
	var version versionInfo
	if json.Unmarshal(resp.Data, &version) == nil && version.AppName != "" {
		logger.Info("repro: remote is %s %s", version.AppName, version.AppVersion)
	}

	groupParams := map[string]any{"group_id": opts.GroupID, "no_cache": true}
	resp, err = r.step(ctx, "get_group_info", groupParams, opts.Timeout)
	if err != nil {
		return r.report, err
	}
	var group groupInfo
	if json.Unmarshal(resp.Data, &group) == nil && group.GroupName != "" {
		logger.Info("repro: target group %q has %d members", group.GroupName, group.MemberCount)
	}

	if strings.TrimSpace(opts.TextPath) != "" {
		content, err := os.ReadFile(opts.TextPath)
		if err != nil {
			return r.report, fmt.Errorf("read text file: %w", err)
		}
		textParams := map[string]any{
			"group_id": opts.GroupID,
			"message":  []segment{textSegment(string(content))},
		}
		if _, err := r.step(ctx, "send_group_msg", textParams, opts.Timeout); err != nil {
			return r.report, err
		}
	}

	videoPath, err := filepath.Abs(opts.VideoPath)
	if err != nil {
		return r.report, fmt.Errorf("resolve video path: %w", err)
	}
	if info, statErr := os.Stat(videoPath); statErr == nil {
		logger.Info("repro: sending video %s (%s)", filepath.Base(videoPath), humanize.Bytes(uint64(info.Size())))
	}
	videoParams := map[string]any{
		"group_id": opts.GroupID,
		"message":  []segment{videoSegment("file://" + videoPath)},
	}
	timeout := opts.Timeout
	if timeout < mediaUploadTimeout {
		timeout = mediaUploadTimeout
	}
	resp, err = r.step(ctx, "send_group_msg", videoParams, timeout)
	if err != nil {
		return r.report, err
	}

	var sent sentMessage
	if json.Unmarshal(resp.Data, &sent) != nil || !sent.valid() {
		logger.Warn("repro: send response carried no message id, skipping delivery check")
		return r.report, nil
	}
	if _, err := r.step(ctx, "get_msg", map[string]any{"message_id": sent.MessageID}, opts.Timeout); err != nil {
		return r.report, err
	}
	return r.report, nil
}
