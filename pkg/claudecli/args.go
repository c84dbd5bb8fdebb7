// Package claudecli holds the command-line and wire contract of the claude
// CLI binary: argument construction for interactive and one-shot runs, and
// the stream-json event types emitted on stdout.
package claudecli

// CLI flag names as accepted by the claude binary.
const (
	FlagPrint        = "--print"
	FlagOutputFormat = "--output-format"
	FlagModel        = "--model"
	FlagResume       = "--resume"
	FlagContinue     = "--continue"
	FlagVerbose      = "--verbose"
)

// Output formats accepted by --output-format.
const (
	FormatText       = "text"
	FormatJSON       = "json"
	FormatStreamJSON = "stream-json"
)

// Invocation describes one claude CLI launch.
type Invocation struct {
	// DefaultArgs are prepended verbatim (e.g. --dangerously-skip-permissions).
	DefaultArgs []string

	// OutputFormat is one of FormatText, FormatJSON, FormatStreamJSON.
	// The flag is omitted for FormatText, the CLI default.
	OutputFormat string

	Model string

	// ResumeID resumes a specific prior session; Continue resumes the most
	// recent one. ResumeID wins when both are set.
	ResumeID string
	Continue bool

	// Prompt switches the CLI into non-interactive --print mode, running the
	// single prompt and exiting. Empty means interactive stdin mode.
	Prompt string
}

// BuildArgs assembles the argument vector for an Invocation. The executable
// path itself is not included.
func BuildArgs(inv Invocation) []string {
	args := make([]string, 0, len(inv.DefaultArgs)+10)
	args = append(args, inv.DefaultArgs...)

	if inv.OutputFormat != "" && inv.OutputFormat != FormatText {
		args = append(args, FlagOutputFormat, inv.OutputFormat)
		if inv.OutputFormat == FormatStreamJSON && inv.Prompt != "" {
			// --print requires --verbose for stream-json output
			args = append(args, FlagVerbose)
		}
	}

	if inv.Model != "" {
		args = append(args, FlagModel, inv.Model)
	}

	switch {
	case inv.ResumeID != "":
		args = append(args, FlagResume, inv.ResumeID)
	case inv.Continue:
		args = append(args, FlagContinue)
	}

	if inv.Prompt != "" {
		args = append(args, FlagPrint, inv.Prompt)
	}

	return args
}
