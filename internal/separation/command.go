package separation

import (
	"context"
	"os"
	"os/exec"
	"time"
)

// ModelName is the separation model. The output layout and the track set
// both depend on it, so it is not configurable.
const ModelName = "htdemucs_6s"

// singleThreadEnv pins every numeric library in the tool to one thread.
var singleThreadEnv = []string{
	"OMP_NUM_THREADS=1",
	"MKL_NUM_THREADS=1",
	"NUMBA_NUM_THREADS=1",
	"PYTORCH_NUM_THREADS=1",
	"MALLOC_TRIM_THRESHOLD_=0",
}

// Args returns the separation tool arguments for one input file.
func Args(outputDir, inputPath string) []string {
	return []string{
		"-m", "demucs.separate",
		"--mp3",
		"--mp3-bitrate", "128",
		"-n", ModelName,
		"--device", "cpu",
		"-o", outputDir,
		inputPath,
	}
}

// Environment is the parent environment plus the single-thread settings.
func Environment() []string {
	return append(os.Environ(), singleThreadEnv...)
}

func buildCommand(ctx context.Context, python, outputDir, inputPath string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, python, Args(outputDir, inputPath)...)
	cmd.Env = Environment()
	cmd.WaitDelay = 5 * time.Second
	configureProcessGroup(cmd)
	return cmd
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string { return string(b.buf) }
