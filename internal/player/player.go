// Package player manages the media player subprocess whose standard input
// is the streaming sink.
package player

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// Config describes how to launch the player.
type Config struct {
	// Path is the player executable.
	Path string

	// Args is the argument string, split on whitespace. A literal "-"
	// argument is where passthrough mode substitutes the playlist URL.
	Args string

	// Quiet discards the player's own stdout and stderr.
	Quiet bool

	// NoKill leaves the process running when the client exits.
	NoKill bool
}

// Player is a running player subprocess. It implements io.WriteCloser over
// the child's stdin and is handed to the pump as the sink.
type Player struct {
	stdin  io.WriteCloser
	cmd    *exec.Cmd
	noKill bool
	logger hclog.Logger
}

// Spawn launches the player with a piped stdin.
func Spawn(cfg Config, logger hclog.Logger) (*Player, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger.Info("opening player", "path", cfg.Path, "args", cfg.Args)

	cmd := exec.Command(cfg.Path, strings.Fields(cfg.Args)...)
	if cfg.Quiet {
		cmd.Stdout = nil
		cmd.Stderr = nil
	} else {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open player stdin: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to open player: %w", err)
	}

	return &Player{
		stdin:  stdin,
		cmd:    cmd,
		noKill: cfg.NoKill,
		logger: logger,
	}, nil
}

// Write forwards segment bytes to the player's stdin.
func (p *Player) Write(b []byte) (int, error) {
	return p.stdin.Write(b)
}

// Close closes stdin, then kills and reaps the process. With NoKill it
// returns right after closing stdin and leaves the process running.
func (p *Player) Close() error {
	p.stdin.Close()

	if p.noKill {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil {
		p.logger.Error("failed to kill player", "error", err)
	}
	return p.cmd.Wait()
}

// Passthrough hands the resolved playlist URL to the player instead of
// streaming: the URL substitutes for a literal "-" argument, or is
// appended when none is present. The call blocks until the player exits.
func Passthrough(cfg Config, playlistURL string, logger hclog.Logger) error {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger.Info("passing through playlist URL to player")

	fields := strings.Fields(cfg.Args)
	substituted := false
	for i, a := range fields {
		if a == "-" {
			fields[i] = playlistURL
			substituted = true
		}
	}
	if !substituted {
		fields = append(fields, playlistURL)
	}

	cmd := exec.Command(cfg.Path, fields...)
	if !cfg.Quiet {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to open player: %w", err)
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("failed to wait for player process: %w", err)
	}
	return nil
}
