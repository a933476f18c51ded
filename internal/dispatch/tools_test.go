package dispatch

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanstorm/vmdeck/internal/tools"
	"github.com/javanstorm/vmdeck/internal/vm"
	"github.com/javanstorm/vmdeck/pkg/vmconfig"
)

func newCallToolRequest(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func callTool(t *testing.T, regs []tools.Registration, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	for _, reg := range regs {
		if reg.Tool.Name != name {
			continue
		}
		result, err := reg.Handler(context.Background(), newCallToolRequest(name, args))
		require.NoError(t, err)
		require.NotNil(t, result)
		return result
	}
	t.Fatalf("tool %q not registered", name)
	return nil
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok, "expected text content")
	return text.Text
}

func TestToolsRegistered(t *testing.T) {
	f := newFixture(t)

	var names []string
	for _, reg := range Tools(f.d) {
		names = append(names, reg.Tool.Name)
		assert.NotNil(t, reg.Handler)
	}
	assert.Equal(t, []string{"vm_list", "vm_status", "vm_command", "vm_media"}, names)
}

func TestVMListTool(t *testing.T) {
	f := newFixture(t)

	result := callTool(t, Tools(f.d), "vm_list", nil)
	assert.False(t, result.IsError)

	var got []MachineStatus
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &got))
	require.Len(t, got, 1)
	assert.Equal(t, f.m.ID(), got[0].ID)
	assert.Equal(t, "alpha", got[0].Name)
	assert.Equal(t, "stopped", got[0].State)
	assert.Equal(t, "Linux", got[0].OS)
	assert.Empty(t, got[0].Drives, "list omits drives")
}

func TestVMStatusTool(t *testing.T) {
	f := newFixture(t)
	regs := Tools(f.d)

	result := callTool(t, regs, "vm_status", map[string]any{"name": "alpha"})
	assert.False(t, result.IsError)

	var got MachineStatus
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &got))
	assert.Equal(t, "alpha", got.Name)
	require.Len(t, got.Drives, 1)
	assert.Equal(t, "/images/root.img", got.Drives[0].Image)
	assert.Equal(t, "virtio", got.Drives[0].Interface)

	result = callTool(t, regs, "vm_status", map[string]any{"name": "nope"})
	assert.True(t, result.IsError)

	result = callTool(t, regs, "vm_status", nil)
	assert.True(t, result.IsError)
}

func TestVMCommandTool(t *testing.T) {
	f := newFixture(t)
	regs := Tools(f.d)

	result := callTool(t, regs, "vm_command", map[string]any{"command": "start", "name": "alpha"})
	assert.False(t, result.IsError, resultText(t, result))
	assert.Contains(t, resultText(t, result), `start "alpha" accepted`)
	waitDone(t, f.d)
	assert.Equal(t, vm.StateStarted, f.m.State())

	result = callTool(t, regs, "vm_command", map[string]any{
		"command": "click", "name": "alpha", "x": float64(3), "y": float64(4),
	})
	assert.False(t, result.IsError, resultText(t, result))
	waitDone(t, f.d)
	assert.Equal(t, [][2]int{{3, 4}}, f.fake.Clicks())

	result = callTool(t, regs, "vm_command", map[string]any{"command": "resume", "name": "alpha"})
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "needs the machine paused")

	result = callTool(t, regs, "vm_command", map[string]any{"command": "sendText", "name": "alpha"})
	assert.True(t, result.IsError)

	result = callTool(t, regs, "vm_command", map[string]any{"command": "explode", "name": "alpha"})
	assert.True(t, result.IsError)

	result = callTool(t, regs, "vm_command", map[string]any{"name": "alpha"})
	assert.True(t, result.IsError)
}

func TestVMMediaTool(t *testing.T) {
	f := newFixture(t)
	regs := Tools(f.d)

	done, err := f.m.AddDrive(context.Background(), vmconfig.NewRemovableDrive("/images/install.iso", vmconfig.InterfaceUSB))
	require.NoError(t, err)
	require.NoError(t, <-done)

	result := callTool(t, regs, "vm_media", map[string]any{"name": "alpha", "action": "eject", "index": float64(1)})
	require.False(t, result.IsError, resultText(t, result))
	var got MachineStatus
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &got))
	require.Len(t, got.Drives, 2)
	assert.Equal(t, "ejected", got.Drives[1].Status)
	assert.Empty(t, got.Drives[1].Image)

	result = callTool(t, regs, "vm_media", map[string]any{
		"name": "alpha", "action": "insert", "index": float64(1), "image": "/images/tools.iso",
	})
	require.False(t, result.IsError, resultText(t, result))
	assert.Equal(t, "/images/tools.iso", f.m.Configuration().Drives[1].ImagePath)

	result = callTool(t, regs, "vm_media", map[string]any{"name": "alpha", "action": "eject", "index": float64(0)})
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "not removable")

	result = callTool(t, regs, "vm_media", map[string]any{"name": "alpha", "action": "insert", "index": float64(1)})
	assert.True(t, result.IsError)

	result = callTool(t, regs, "vm_media", map[string]any{"name": "alpha", "action": "shake", "index": float64(1)})
	assert.True(t, result.IsError)
}
