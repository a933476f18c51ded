package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/javanstorm/vmdeck/internal/tools"
	"github.com/javanstorm/vmdeck/internal/vm"
)

// MachineStatus is the MCP view of a machine.
type MachineStatus struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	State     string        `json:"state"`
	Engine    string        `json:"engine"`
	OS        string        `json:"os,omitempty"`
	CPUs      int           `json:"cpus"`
	MemoryMB  int           `json:"memory_mb"`
	LastError string        `json:"last_error,omitempty"`
	Drives    []DriveStatus `json:"drives,omitempty"`
	Shares    []string      `json:"shares,omitempty"`
}

// DriveStatus is the MCP view of one drive.
type DriveStatus struct {
	Index     int    `json:"index"`
	Interface string `json:"interface"`
	Status    string `json:"status"`
	Image     string `json:"image,omitempty"`
}

// Status summarises m. With detail the drive list and shares are included.
func Status(m *vm.Machine, detail bool) MachineStatus {
	cfg := m.Configuration()
	s := MachineStatus{
		ID:       m.ID(),
		Name:     cfg.Name,
		State:    m.State().String(),
		Engine:   cfg.Kind.String(),
		OS:       string(cfg.Boot.OperatingSystem),
		CPUs:     cfg.CPUCount,
		MemoryMB: cfg.MemoryMB,
	}
	if err := m.LastError(); err != nil {
		s.LastError = err.Error()
	}
	if detail {
		for _, d := range cfg.Drives {
			s.Drives = append(s.Drives, DriveStatus{
				Index:     d.Index,
				Interface: string(d.Interface),
				Status:    d.Status.String(),
				Image:     d.ImagePath,
			})
		}
		for _, sd := range cfg.SharedDirectories {
			s.Shares = append(s.Shares, sd.Path)
		}
	}
	return s
}

// Tools returns the MCP tools served by the daemon.
func Tools(d *Dispatcher) []tools.Registration {
	return []tools.Registration{
		vmList(d),
		vmStatus(d),
		vmCommand(d),
		vmMedia(d),
	}
}

func vmList(d *Dispatcher) tools.Registration {
	tool := mcp.NewTool("vm_list",
		mcp.WithDescription("List all virtual machines with their state."),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		machines := d.lib.List()
		out := make([]MachineStatus, 0, len(machines))
		for _, m := range machines {
			out = append(out, Status(m, false))
		}
		return tools.JSONResult(out), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func vmStatus(d *Dispatcher) tools.Registration {
	tool := mcp.NewTool("vm_status",
		mcp.WithDescription("Show the state, drives and shared directories of a virtual machine."),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("VM name or ID"),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil {
			return tools.ErrorResult(err), nil
		}
		m, err := d.lib.Lookup(name)
		if err != nil {
			return tools.ErrorResult(err), nil
		}
		return tools.JSONResult(Status(m, true)), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func vmCommand(d *Dispatcher) tools.Registration {
	tool := mcp.NewTool("vm_command",
		mcp.WithDescription("Run a lifecycle or input command against a virtual machine. "+
			"The command is checked against the machine's state and then runs in the background; "+
			"use vm_status to follow it."),
		mcp.WithString("command",
			mcp.Required(),
			mcp.Description("Command to run"),
			mcp.Enum(Commands()...),
		),
		mcp.WithString("name",
			mcp.Description("VM name or ID; not used by downloadVM"),
		),
		mcp.WithString("text",
			mcp.Description("Text to type, for sendText"),
		),
		mcp.WithNumber("x",
			mcp.Description("Horizontal position, for click"),
		),
		mcp.WithNumber("y",
			mcp.Description("Vertical position, for click"),
		),
		mcp.WithString("button",
			mcp.Description("Mouse button, for click"),
			mcp.Enum("left", "right", "middle"),
		),
		mcp.WithString("url",
			mcp.Description("Bundle URL, for downloadVM"),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("command")
		if err != nil {
			return tools.ErrorResult(err), nil
		}
		cmd := Command{Name: name, Target: req.GetString("name", ""), Params: map[string]string{}}
		for _, key := range []string{"text", "button", "url"} {
			if v := req.GetString(key, ""); v != "" {
				cmd.Params[key] = v
			}
		}
		args := req.GetArguments()
		for _, key := range []string{"x", "y"} {
			if _, ok := args[key]; ok {
				cmd.Params[key] = strconv.Itoa(req.GetInt(key, 0))
			}
		}

		if _, err := d.Resolve(cmd); err != nil {
			return tools.ErrorResult(err), nil
		}
		d.Dispatch(ctx, cmd)
		return mcp.NewToolResultText(fmt.Sprintf("%s accepted at %s", cmd, time.Now().Format(time.RFC3339))), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func vmMedia(d *Dispatcher) tools.Registration {
	tool := mcp.NewTool("vm_media",
		mcp.WithDescription("Eject or insert the medium of a removable drive. "+
			"Running machines have the change applied live when the engine supports hot-plug."),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("VM name or ID"),
		),
		mcp.WithString("action",
			mcp.Required(),
			mcp.Enum("eject", "insert"),
		),
		mcp.WithNumber("index",
			mcp.Required(),
			mcp.Description("Drive index as shown by vm_status"),
		),
		mcp.WithString("image",
			mcp.Description("Absolute image path, for insert"),
		),
		mcp.WithBoolean("force",
			mcp.Description("Eject even if the guest holds the medium"),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil {
			return tools.ErrorResult(err), nil
		}
		action, err := req.RequireString("action")
		if err != nil {
			return tools.ErrorResult(err), nil
		}
		index, err := req.RequireInt("index")
		if err != nil {
			return tools.ErrorResult(err), nil
		}
		m, err := d.lib.Lookup(name)
		if err != nil {
			return tools.ErrorResult(err), nil
		}

		var done <-chan error
		switch action {
		case "eject":
			done, err = m.EjectDrive(ctx, index, req.GetBool("force", false))
		case "insert":
			image, ierr := req.RequireString("image")
			if ierr != nil {
				return tools.ErrorResult(ierr), nil
			}
			done, err = m.ChangeMedium(ctx, index, image)
		default:
			return tools.ErrorResult(fmt.Errorf("%w: action %q", ErrInvalidParameter, action)), nil
		}
		if err := awaitOp(done, err); err != nil {
			return tools.ErrorResult(err), nil
		}
		return tools.JSONResult(Status(m, true)), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}
