package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"transcodeq/internal/models"
)

var ErrNoCommand = errors.New("no command configured")

// maxOutputTail bounds how much command output ends up in an error message.
const maxOutputTail = 512

// CommandProcessor runs one shell command per asset kind. The job is described
// to the command through INPUT_KEY, OUTPUT_PREFIX, JOB_ID, VIDEO_ID and ASSET_KIND.
type CommandProcessor struct {
	shell    string
	commands map[models.AssetKind]string
}

func NewCommandProcessor(commands map[string]string) (*CommandProcessor, error) {
	const op = "worker.NewCommandProcessor"

	parsed := make(map[models.AssetKind]string, len(commands))
	for raw, command := range commands {
		kind, err := models.ParseAssetKind(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if strings.TrimSpace(command) != "" {
			parsed[kind] = command
		}
	}
	return &CommandProcessor{shell: "/bin/sh", commands: parsed}, nil
}

func (p *CommandProcessor) Process(ctx context.Context, job *models.TranscodeJob, kind models.AssetKind) error {
	command, ok := p.commands[kind]
	if !ok {
		return fmt.Errorf("%s: %w", kind, ErrNoCommand)
	}

	cmd := exec.CommandContext(ctx, p.shell, "-c", command)
	cmd.Env = append(os.Environ(),
		"INPUT_KEY="+job.InputKey,
		"OUTPUT_PREFIX="+job.OutputPrefix,
		"JOB_ID="+job.ID,
		"VIDEO_ID="+job.VideoID,
		"ASSET_KIND="+string(kind),
	)
	cmd.WaitDelay = 5 * time.Second

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		if tail := outputTail(out.Bytes()); tail != "" {
			return fmt.Errorf("%s: %w: %s", kind, err, tail)
		}
		return fmt.Errorf("%s: %w", kind, err)
	}
	return nil
}

func outputTail(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxOutputTail {
		cut := len(s) - maxOutputTail
		for cut < len(s) && !utf8.RuneStart(s[cut]) {
			cut++
		}
		s = "..." + s[cut:]
	}
	return s
}
