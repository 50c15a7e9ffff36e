// ABOUTME: Script broker backend: shells out to a site-provided lookup program.
// ABOUTME: The program receives input_id and id_type as arguments and prints the output id.
package broker

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/openimaging/dicomgate/config"
)

// Script calls an external lookup program per resolution.
type Script struct {
	name string
	path string
}

var _ Broker = (*Script)(nil)

func NewScript(cfg config.Broker) *Script {
	return &Script{name: cfg.Name, path: cfg.ScriptPath}
}

// Lookup runs the program and takes its trimmed stdout as the output id.
func (s *Script) Lookup(ctx context.Context, inputID, idType string) (string, error) {
	out, err := exec.CommandContext(ctx, s.path, inputID, idType).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("broker %s script: %v: %s", s.name, err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("broker %s script: %w", s.name, err)
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		return "", fmt.Errorf("broker %s script printed no output id", s.name)
	}
	return id, nil
}

func (s *Script) Close() error { return nil }
