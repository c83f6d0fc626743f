package runner

import "slices"

const (
	defaultCommand        = "claude"
	defaultTimeoutSeconds = 600
	defaultStderrLimit    = 8 * 1024
)

// defaultArgs selects the streaming JSON protocol on both pipes. The control
// sub-protocol (permission prompts over stdio) only works in this mode.
var defaultArgs = []string{
	"--input-format", "stream-json",
	"--output-format", "stream-json",
	"--print",
	"--verbose",
	"--permission-prompt-tool", "stdio",
}

// Config holds the agent process invocation parameters.
type Config struct {
	// Command is the agent binary.
	Command string `json:"command,omitempty"`

	// Args is the fixed argument list selecting protocol and output modes.
	Args []string `json:"args,omitempty"`

	// PermissionMode is passed through as --permission-mode when set.
	PermissionMode string `json:"permission_mode,omitempty"`

	// TimeoutSeconds bounds one process run wall-clock. The timeout is
	// deliberately generous: a turn legitimately blocks for as long as a
	// human takes to answer a permission prompt.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`

	// StderrLimit bounds the retained stderr tail in bytes.
	StderrLimit int `json:"stderr_limit,omitempty"`
}

// DefaultConfig returns the default agent invocation.
func DefaultConfig() Config {
	return Config{
		Command:        defaultCommand,
		Args:           slices.Clone(defaultArgs),
		TimeoutSeconds: defaultTimeoutSeconds,
		StderrLimit:    defaultStderrLimit,
	}
}

// Merge applies non-zero values from source into c.
func (c *Config) Merge(source *Config) {
	if source.Command != "" {
		c.Command = source.Command
	}
	if len(source.Args) > 0 {
		c.Args = source.Args
	}
	if source.PermissionMode != "" {
		c.PermissionMode = source.PermissionMode
	}
	if source.TimeoutSeconds > 0 {
		c.TimeoutSeconds = source.TimeoutSeconds
	}
	if source.StderrLimit > 0 {
		c.StderrLimit = source.StderrLimit
	}
}

// BuildArgs assembles the full argument list, appending the resume flag when
// a prior conversation id is being resumed.
func (c *Config) BuildArgs(resume string) []string {
	args := slices.Clone(c.Args)
	if c.PermissionMode != "" {
		args = append(args, "--permission-mode", c.PermissionMode)
	}
	if resume != "" {
		args = append(args, "--resume", resume)
	}
	return args
}

func (c *Config) stderrLimit() int {
	if c.StderrLimit > 0 {
		return c.StderrLimit
	}
	return defaultStderrLimit
}
