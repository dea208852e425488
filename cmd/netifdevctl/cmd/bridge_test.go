package cmd

import (
	"bytes"
	"strings"
	"testing"
)

func TestBridgeMembersCommand_Success(t *testing.T) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs([]string{
		"bridge", "members", "br-test",
		"--descriptor-dir", testDescriptorDir,
		"--type", "bridge",
		"--wait", "500ms",
	})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("bridge members: %v", err)
	}

	output := buf.String()
	if !strings.Contains(output, "br-test") {
		t.Errorf("bridge members output should mention the bridge name, got: %s", output)
	}
	if !strings.Contains(output, "MEMBER") {
		t.Errorf("bridge members output should print the member table header, got: %s", output)
	}
}

func TestBridgeMembersCommand_UnknownType(t *testing.T) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs([]string{
		"bridge", "members", "br-test",
		"--descriptor-dir", testDescriptorDir,
		"--type", "does-not-exist",
	})

	if err := rootCmd.Execute(); err == nil {
		t.Fatal("expected error for an undeclared device type")
	}
}

func TestBridgeMembersCommand_WithIfnames(t *testing.T) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs([]string{
		"bridge", "members", "br-test2",
		"--descriptor-dir", testDescriptorDir,
		"--type", "bridge",
		"--ifname", "eth0,eth1",
		"--isolate-members",
		"--wait", "500ms",
	})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("bridge members: %v", err)
	}

	output := buf.String()
	if !strings.Contains(output, "eth0") || !strings.Contains(output, "eth1") {
		t.Errorf("bridge members output should list both members, got: %s", output)
	}
}
