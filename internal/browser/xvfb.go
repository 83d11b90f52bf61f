package browser

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// xvfbScreen is large enough for GitHub's wide layout.
const xvfbScreen = "1920x1080x24"

// startXvfb runs a virtual display so a headful Chrome works on a machine
// without one.
func (m *Manager) startXvfb() error {
	if m.xvfb != nil {
		return nil
	}
	display := m.cfg.XvfbDisplay
	cmd := exec.Command("Xvfb", display, "-screen", "0", xvfbScreen, "-ac", "-nolisten", "tcp")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start xvfb %s: %w", display, err)
	}
	m.xvfb = cmd
	waitDisplay(display, 2*time.Second)
	m.cfg.Logger.Info("browser: xvfb started", "display", display, "pid", cmd.Process.Pid)
	return nil
}

// waitDisplay polls for the X socket of display, up to timeout.
func waitDisplay(display string, timeout time.Duration) {
	sock := filepath.Join("/tmp/.X11-unix", "X"+strings.TrimPrefix(display, ":"))
	for deadline := time.Now().Add(timeout); time.Now().Before(deadline); {
		if _, err := os.Stat(sock); err == nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (m *Manager) stopXvfb() {
	cmd := m.xvfb
	if cmd == nil {
		return
	}
	m.xvfb = nil
	if cmd.Process != nil {
		cmd.Process.Kill()
		cmd.Wait()
	}
	m.cfg.Logger.Info("browser: xvfb stopped", "display", m.cfg.XvfbDisplay)
}
