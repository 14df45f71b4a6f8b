package audio

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
)

// Source opens a raw 16-bit little-endian PCM capture stream
type Source interface {
	Open(f Format) (io.ReadCloser, error)
}

// ExecSource captures audio by running an external recorder and reading raw PCM from its stdout
type ExecSource struct {
	Command string   // "arecord" or "ffmpeg"
	Device  string   // capture device, tool specific
	Args    []string // overrides the generated argument list when set
}

// Open starts the recorder process
func (s ExecSource) Open(f Format) (io.ReadCloser, error) {
	command := s.Command
	if command == "" {
		command = "arecord"
	}

	if _, err := exec.LookPath(command); err != nil {
		return nil, fmt.Errorf("%w: %s not found: %v", ErrCaptureFailed, command, err)
	}

	args := s.Args
	if len(args) == 0 {
		args = s.defaultArgs(command, f)
	}

	cmd := exec.Command(command, args...)
	cmd.Stderr = io.Discard

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to attach to %s: %v", ErrCaptureFailed, command, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: failed to start %s: %v", ErrCaptureFailed, command, err)
	}

	return &execStream{cmd: cmd, stdout: stdout}, nil
}

func (s ExecSource) defaultArgs(command string, f Format) []string {
	rate := strconv.Itoa(f.SampleRate)
	channels := strconv.Itoa(f.Channels)

	if command == "ffmpeg" {
		device := s.Device
		if device == "" {
			device = "default"
		}
		return []string{
			"-loglevel", "quiet",
			"-f", "pulse",
			"-i", device,
			"-ar", rate,
			"-ac", channels,
			"-f", "s16le",
			"-",
		}
	}

	args := []string{"-q", "-t", "raw", "-f", "S16_LE", "-c", channels, "-r", rate}
	if s.Device != "" {
		args = append([]string{"-D", s.Device}, args...)
	}
	return append(args, "-")
}

type execStream struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	once   sync.Once
}

func (e *execStream) Read(p []byte) (int, error) {
	return e.stdout.Read(p)
}

// Close interrupts the recorder so it can flush, then reaps it
func (e *execStream) Close() error {
	e.once.Do(func() {
		if e.cmd.Process != nil {
			if err := e.cmd.Process.Signal(os.Interrupt); err != nil {
				_ = e.cmd.Process.Kill()
			}
		}
		_ = e.stdout.Close()
		_ = e.cmd.Wait()
	})
	return nil
}
