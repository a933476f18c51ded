package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/javanstorm/vmdeck/pkg/hypervisor"
	"github.com/javanstorm/vmdeck/pkg/vmconfig"
)

// ValidationError represents a configuration issue.
type ValidationError struct {
	Field   string
	Message string
	Fatal   bool // true = can't proceed, false = will be ignored
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateConfiguration checks a machine configuration against what its
// engine can do. Configuration errors are fatal; features the engine
// lacks are reported as warnings.
func ValidateConfiguration(cfg *vmconfig.Configuration, caps hypervisor.Capabilities) []ValidationError {
	var out []ValidationError

	if err := cfg.Validate(); err != nil {
		var merr *multierror.Error
		if errors.As(err, &merr) {
			for _, e := range merr.Errors {
				out = append(out, ValidationError{Field: "Configuration", Message: e.Error(), Fatal: true})
			}
		} else {
			out = append(out, ValidationError{Field: "Configuration", Message: err.Error(), Fatal: true})
		}
	}

	if len(cfg.SharedDirectories) > 0 && !caps.SharedDirs {
		out = append(out, ValidationError{
			Field:   "SharedDirectories",
			Message: "Shared directories are not supported by this engine and will be ignored",
		})
	}

	if !caps.HotPlugDrives {
		for _, d := range cfg.Drives {
			if d.Removable {
				out = append(out, ValidationError{
					Field:   "Drives",
					Message: "Removable media changes take effect on the next launch",
				})
				break
			}
		}
	}

	if !caps.GracefulStop {
		out = append(out, ValidationError{
			Field:   "Stop",
			Message: "The engine cannot ask the guest to shut down; stop always forces",
		})
	}

	if len(cfg.Displays) > 0 && !caps.Graphics {
		out = append(out, ValidationError{
			Field:   "Displays",
			Message: "Display settings are ignored; the engine only provides a serial console",
		})
	}

	if !caps.Console && !caps.Graphics {
		out = append(out, ValidationError{
			Field:   "Console",
			Message: "The engine exposes neither a console nor a display",
		})
	} else if consoleHidden(cfg) {
		out = append(out, ValidationError{
			Field:   "Console",
			Message: "No display and the console display is off; the guest will be hidden",
		})
	}

	return out
}

func consoleHidden(cfg *vmconfig.Configuration) bool {
	if cfg.Kind != vmconfig.EngineApple || len(cfg.Displays) > 0 {
		return false
	}
	on, err := cfg.Flag(vmconfig.FlagConsoleDisplay)
	return err == nil && !on
}

// HasFatal reports whether any entry prevents the machine from running.
func HasFatal(errs []ValidationError) bool {
	for _, e := range errs {
		if e.Fatal {
			return true
		}
	}
	return false
}

// FormatValidationErrors returns human-readable error summary.
func FormatValidationErrors(errs []ValidationError) string {
	if len(errs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Configuration warnings:\n")
	for _, e := range errs {
		prefix := "Warning"
		if e.Fatal {
			prefix = "Error"
		}
		fmt.Fprintf(&b, "  %s [%s]: %s\n", prefix, e.Field, e.Message)
	}
	return b.String()
}
