package engine

// Process exit codes of a scan
const (
	ExitClean      = 0
	ExitViolations = 1
	ExitFatal      = 2
)

// Summary is what a caller needs to decide how a scan ended.
type Summary struct {
	NumOfViolations int
	// Errors counts violations recording execution failures.
	Errors        int
	HadFatalError bool
	// Partial is set when cancellation left rules unevaluated.
	Partial bool
}

// Summarize reduces a scan outcome to a Summary. A non-nil err, or a missing
// report, is fatal.
func Summarize(report *Report, err error) Summary {
	if err != nil || report == nil || report.Results == nil {
		return Summary{HadFatalError: true}
	}
	return Summary{
		NumOfViolations: report.Results.NumOfViolations,
		Errors:          report.Results.Errors(),
		Partial:         report.Metadata.Cancelled,
	}
}

// ExitCode maps the summary to the CLI exit code contract.
func (s Summary) ExitCode() int {
	switch {
	case s.HadFatalError:
		return ExitFatal
	case s.NumOfViolations > 0:
		return ExitViolations
	}
	return ExitClean
}
