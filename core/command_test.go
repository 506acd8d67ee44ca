package core

import (
	"testing"

	"rdkfw/protocol"
)

func TestCommandRegistry(t *testing.T) {
	registry := NewCommandRegistry()

	// Register a command
	var called bool
	handler := func(data *[]byte) error {
		called = true
		return nil
	}

	id := registry.Register("test_command", "arg=%u", handler)

	if id != 0 {
		t.Errorf("Expected first command to have ID 0, got %d", id)
	}

	// Verify command can be retrieved
	cmd, ok := registry.GetCommand(id)
	if !ok {
		t.Error("Failed to retrieve registered command")
	}

	if cmd.Name != "test_command" {
		t.Errorf("Expected command name 'test_command', got '%s'", cmd.Name)
	}

	// Test dispatch
	var data []byte
	err := registry.Dispatch(id, &data)
	if err != nil {
		t.Errorf("Dispatch failed: %v", err)
	}

	if !called {
		t.Error("Command handler was not called")
	}

	// Test unknown command
	err = registry.Dispatch(999, &data)
	if err == nil {
		t.Error("Expected error for unknown command ID")
	}
}

func TestCommandRegistryMultiple(t *testing.T) {
	registry := NewCommandRegistry()

	id1 := registry.Register("command1", "arg1=%u", func(data *[]byte) error { return nil })
	id2 := registry.Register("command2", "arg2=%u", func(data *[]byte) error { return nil })
	id3 := registry.Register("command3", "arg3=%u", func(data *[]byte) error { return nil })

	if id1 != 0 || id2 != 1 || id3 != 2 {
		t.Errorf("Command IDs not sequential: %d, %d, %d", id1, id2, id3)
	}

	// Verify all commands exist
	for i := uint16(0); i < 3; i++ {
		if _, ok := registry.GetCommand(i); !ok {
			t.Errorf("Command %d not found", i)
		}
	}
}

func TestCommandRegistryLookup(t *testing.T) {
	registry := NewCommandRegistry()

	registry.RegisterResponse("status_response", "busy=%c")
	id := registry.Register("status", "", func(data *[]byte) error { return nil })

	if again := registry.Register("status", "", nil); again != id {
		t.Errorf("Registering a name twice should return the existing id %d, got %d", id, again)
	}
	if registry.Count() != 2 {
		t.Errorf("Expected 2 entries, got %d", registry.Count())
	}

	cmd, ok := registry.GetCommandByName("status_response")
	if !ok || !cmd.IsResponse() || cmd.Signature() != "status_response busy=%c" {
		t.Errorf("Unexpected response entry %+v", cmd)
	}
	cmd, ok = registry.GetCommandByName("status")
	if !ok || cmd.IsResponse() || cmd.Signature() != "status" {
		t.Errorf("Unexpected command entry %+v", cmd)
	}

	// Responses cannot be dispatched
	var data []byte
	if err := registry.Dispatch(0, &data); err != ErrUnknownCommand {
		t.Errorf("Expected ErrUnknownCommand dispatching a response, got %v", err)
	}

	entries := registry.Entries()
	if len(entries) != 2 || entries[0].Name != "status_response" || entries[1].Name != "status" {
		t.Errorf("Entries should be in id order, got %v", entries)
	}
}

func TestCommandWithArguments(t *testing.T) {
	registry := NewCommandRegistry()

	var receivedValue uint32

	handler := func(data *[]byte) error {
		val, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		receivedValue = val
		return nil
	}

	id := registry.Register("test_args", "value=%u", handler)

	// Create test data
	output := protocol.NewScratchOutput()
	protocol.EncodeVLQUint(output, 12345)
	data := output.Result()

	err := registry.Dispatch(id, &data)
	if err != nil {
		t.Errorf("Dispatch failed: %v", err)
	}

	if receivedValue != 12345 {
		t.Errorf("Expected value 12345, got %d", receivedValue)
	}
}
