package cmdrun

// Exec is a Target for argv that has already been fully wrapped (for
// example a remote shell pipeline built by the pipeline builder): it spawns
// the argv verbatim while keeping the original endpoint's label on log
// lines and errors.
type Exec struct {
	Name string
}

// Local implements Target.
func (e Exec) Local() bool { return true }

// Wrap implements Target.
func (e Exec) Wrap(argv []string) []string { return argv }

// Label names the target in diagnostics.
func (e Exec) Label() string {
	if e.Name == "" {
		return "local"
	}
	return e.Name
}
