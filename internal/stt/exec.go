package stt

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/mattn/go-shellwords"
	"github.com/parlolabs/parlo-core/internal/config"
)

type execCaptor struct {
	cmd []string
	cfg config.STTConfig
}

type execHypothesis struct {
	Text       string  `json:"text"`
	Final      bool    `json:"final"`
	Confidence float64 `json:"confidence"`
}

// NewExecCaptor runs an external capture command that owns the microphone
// and prints one JSON hypothesis per stdout line. The command is expected
// to exit after printing a final hypothesis.
func NewExecCaptor(cfg config.STTConfig) (Captor, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execCaptor{cmd: args, cfg: cfg}, nil
}

func (c *execCaptor) Capture(ctx context.Context) (<-chan Hypothesis, <-chan error) {
	hyps := make(chan Hypothesis)
	errs := make(chan error, 1)

	go func() {
		defer close(hyps)
		defer close(errs)

		base := c.cmd[0]
		args := append([]string{}, c.cmd[1:]...)
		if c.cfg.Language != "" {
			args = append(args, "--language", c.cfg.Language)
		}
		args = append(args,
			"--sample-rate", strconv.Itoa(c.cfg.SampleRate),
			"--channels", strconv.Itoa(c.cfg.Channels))

		command := exec.CommandContext(ctx, base, args...)
		stdout, err := command.StdoutPipe()
		if err != nil {
			errs <- fmt.Errorf("stt stdout pipe: %w", err)
			return
		}
		var stderr bytes.Buffer
		command.Stderr = &stderr

		if err := command.Start(); err != nil {
			errs <- fmt.Errorf("start stt command: %w", err)
			return
		}

		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var h execHypothesis
			if err := json.Unmarshal(line, &h); err != nil {
				_ = command.Process.Kill()
				_ = command.Wait()
				errs <- fmt.Errorf("decode stt hypothesis: %w", err)
				return
			}
			select {
			case <-ctx.Done():
				_ = command.Wait()
				return
			case hyps <- Hypothesis{Text: h.Text, Final: h.Final, Confidence: h.Confidence}:
			}
			if h.Final {
				_ = command.Wait()
				return
			}
		}

		err = command.Wait()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			errs <- fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
			return
		}
		errs <- fmt.Errorf("stt command exited without a final hypothesis")
	}()

	return hyps, errs
}
