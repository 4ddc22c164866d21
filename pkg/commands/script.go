package commands

import (
	"strings"

	"github.com/kballard/go-shellquote"
)

// Diff shows what server-side applying the manifests on stdin would change.
func Diff() []string {
	return []string{
		"kubectl",
		"diff",
		"-f", "-",
		"--server-side",
		"--force-conflicts",
		"--field-manager=" + FieldManager,
	}
}

// Impersonate makes a kubectl command line run as user, if set.
func Impersonate(cli []string, user string) []string {
	if user == "" {
		return cli
	}
	return append(cli, "--as", user)
}

// Script is a POSIX shell script, one statement per line.
type Script []string

// Export appends an environment variable assignment.
func (s Script) Export(name, value string) Script {
	return append(s, "export "+name+"="+shellquote.Join(value))
}

// Pipe appends the command lines joined by pipes, every token quoted.
func (s Script) Pipe(clis ...[]string) Script {
	stages := make([]string, 0, len(clis))
	for _, cli := range clis {
		stages = append(stages, shellquote.Join(cli...))
	}
	return append(s, strings.Join(stages, " | "))
}

func (s Script) String() string {
	return "#!/bin/sh\nset -eu\n" + strings.Join(s, "\n") + "\n"
}
