package errors

import (
	"fmt"
	"strings"
)

// FormatUserError returns a user-friendly error message with actionable guidance.
// It examines the error chain and provides context-appropriate help text.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var configErr *ConfigError
	if As(err, &configErr) {
		return formatConfigError(configErr)
	}

	var stateErr *InconsistentStateError
	if As(err, &stateErr) {
		return formatInconsistentState(stateErr)
	}

	var regErr *RegistryError
	if As(err, &regErr) {
		return formatRegistryError(regErr)
	}

	var adoptErr *AdoptionError
	if As(err, &adoptErr) {
		return formatAdoptionError(adoptErr)
	}

	var timeoutErr *RepoTimeoutError
	if As(err, &timeoutErr) {
		return formatRepoTimeout(timeoutErr)
	}

	var repoErr *RepoError
	if As(err, &repoErr) {
		return formatRepoError(err, repoErr)
	}

	var collisionErr *CollisionError
	if As(err, &collisionErr) {
		return fmt.Sprintf("%s\n\nChoose another name, or run 'yard reconcile' to see what is on disk.", collisionErr.Error())
	}

	return err.Error()
}

// formatConfigError formats a ConfigError with actionable guidance.
func formatConfigError(err *ConfigError) string {
	var b strings.Builder

	if err.Field != "" {
		fmt.Fprintf(&b, "Configuration error in '%s': %s\n", err.Field, err.Message)
	} else {
		fmt.Fprintf(&b, "Configuration error: %s\n", err.Message)
	}

	b.WriteString("\nTo fix this:\n")
	b.WriteString("  • Check your config file: ~/.config/yard/config.toml\n")
	b.WriteString("  • Or override the key with a YARD_* environment variable\n")

	if err.Cause != nil {
		fmt.Fprintf(&b, "\nUnderlying error: %v", err.Cause)
	}

	return b.String()
}

func formatRegistryError(err *RegistryError) string {
	var b strings.Builder

	b.WriteString(err.Error())
	b.WriteString("\n")

	if err.Corrupt {
		b.WriteString("\nThe registry could not be decoded and was left untouched. To recover:\n")
		fmt.Fprintf(&b, "  • Inspect or restore %s by hand\n", err.Path)
		b.WriteString("  • Projects on disk are unaffected; 'yard adopt scan' lists them again\n")
	}

	if err.Cause != nil {
		fmt.Fprintf(&b, "\nUnderlying error: %v", err.Cause)
	}

	return b.String()
}

func formatInconsistentState(err *InconsistentStateError) string {
	var b strings.Builder

	b.WriteString(err.Error())
	b.WriteString("\n")
	if !err.RolledBack {
		b.WriteString("\nThe filesystem was changed but the registry was not. To fix this:\n")
		b.WriteString("  • Run 'yard reconcile' to list the discrepancies\n")
		b.WriteString("  • Remove or re-adopt the paths listed above\n")
	}

	return b.String()
}

func formatAdoptionError(err *AdoptionError) string {
	var b strings.Builder

	b.WriteString(err.Error())
	b.WriteString("\n\nThe repository was not modified.\n")

	if err.Cause != nil {
		fmt.Fprintf(&b, "\nUnderlying error: %v", err.Cause)
	}

	return b.String()
}

func formatRepoTimeout(err *RepoTimeoutError) string {
	var b strings.Builder

	b.WriteString(err.Error())
	b.WriteString("\n\nThe git process was terminated. To fix this:\n")
	b.WriteString("  • Raise git.timeout in the config file\n")
	b.WriteString("  • Check network access if the operation talks to a remote\n")

	return b.String()
}

func formatRepoError(full error, err *RepoError) string {
	var b strings.Builder

	b.WriteString(full.Error())
	b.WriteString("\n")
	if err.ExitCode == 128 {
		b.WriteString("\ngit refused the operation. Check that the path exists and is a repository.\n")
	}

	return b.String()
}
