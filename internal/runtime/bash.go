package runtime

// ShellRuntime runs POSIX shell scripts. Restriction policies do not apply
// to it; it exists for diagnosing the sandbox itself on hosts without Python.
type ShellRuntime struct{}

func (s *ShellRuntime) Name() string { return "shell" }

func (s *ShellRuntime) Command(codePath string) []string {
	return []string{
		"/bin/sh",
		"-u", // Treat unset variables as error
		codePath,
	}
}

func (s *ShellRuntime) VersionCommand() []string {
	return []string{"/bin/sh", "-c", "exit 0"}
}

func (s *ShellRuntime) FileExtension() string { return ".sh" }

func (s *ShellRuntime) Validate(code string) error {
	return validateSize(code)
}
