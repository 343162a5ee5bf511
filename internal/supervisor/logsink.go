package supervisor

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/halvardss/svinit/internal/service"
)

// logSink is what Start() wires as a child's stdout/stderr, matching
// spec.md §3's LogSpec policies. Close releases whatever resources the
// sink opened once the child has been reaped.
type logSink struct {
	file  *os.File
	proc  *exec.Cmd
}

func (s *logSink) Close() error {
	var err error
	if s.file != nil {
		err = s.file.Close()
	}
	if s.proc != nil && s.proc.Process != nil {
		_ = s.proc.Process.Kill()
		_ = s.proc.Wait()
	}
	return err
}

// openLogSink implements the original's three redirection modes (§3
// LogPolicy): null discards output, console writes directly to the system
// console device, and logger pipes the child's stdout/stderr through an
// external "logger"(1) invocation tagged per LogSpec, mirroring the
// original's execlp(LOGIT_PATH, "logit", ...) child.
func openLogSink(spec service.LogSpec) (*logSink, error) {
	switch spec.Policy {
	case service.LogNull:
		f, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			return nil, err
		}
		return &logSink{file: f}, nil

	case service.LogConsole:
		f, err := os.OpenFile("/dev/console", os.O_WRONLY, 0)
		if err != nil {
			// Not every environment has a console device (e.g. containers);
			// fall back to the supervisor's own stderr rather than failing
			// the service start outright.
			return &logSink{file: os.Stderr}, nil
		}
		return &logSink{file: f}, nil

	case service.LogLogger:
		tag := spec.Tag
		prio := spec.Priority
		cmd := exec.Command("logger", "-t", tag, "-p", fmt.Sprintf("%d", prio))
		pipe, err := cmd.StdinPipe()
		if err != nil {
			return nil, err
		}
		w, ok := pipe.(*os.File)
		if !ok {
			return nil, fmt.Errorf("logger: unexpected stdin pipe type")
		}
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		return &logSink{file: w, proc: cmd}, nil

	default:
		return nil, fmt.Errorf("unknown log policy %d", spec.Policy)
	}
}

// writer returns the *os.File a child's stdout/stderr should be dup2'd to.
func (s *logSink) writer() *os.File {
	if s.file != nil {
		return s.file
	}
	return os.Stderr
}
