package daemon

import (
	"context"
	"fmt"
	"os/exec"
)

// Rebooter restarts the host as a last resort when the daemon cannot be killed.
type Rebooter interface {
	Reboot(ctx context.Context) error
}

// CommandRebooter reboots by running an external command, "reboot" by default.
type CommandRebooter struct {
	Command []string
}

func (r CommandRebooter) Reboot(ctx context.Context) error {
	argv := r.Command
	if len(argv) == 0 {
		argv = []string{"reboot"}
	}
	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("reboot: %w: %s", err, out)
	}
	return nil
}
