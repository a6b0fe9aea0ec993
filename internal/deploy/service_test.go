package deploy

import (
	"strings"
	"testing"
)

func testServiceConfig() ServiceConfig {
	return ServiceConfig{
		BinaryPath: "/usr/local/bin/sqlkv",
		DataDir:    "/home/user/.sqlkv",
		DBPath:     "/home/user/.sqlkv/sqlkv.db",
		Interval:   "5m",
	}
}

func TestGenerateLaunchdPlist_ContainsBinary(t *testing.T) {
	cfg := testServiceConfig()
	plist := GenerateLaunchdPlist(cfg)

	if !strings.Contains(plist, cfg.BinaryPath) {
		t.Fatalf("plist does not contain binary path %q", cfg.BinaryPath)
	}
}

func TestGenerateLaunchdPlist_RunsSweep(t *testing.T) {
	cfg := testServiceConfig()
	plist := GenerateLaunchdPlist(cfg)

	if !strings.Contains(plist, "<string>sweep</string>") {
		t.Fatal("plist does not pass the sweep argument")
	}
	if !strings.Contains(plist, "<string>run</string>") {
		t.Fatal("plist does not pass the run argument")
	}
}

func TestGenerateLaunchdPlist_ContainsLabel(t *testing.T) {
	cfg := testServiceConfig()
	plist := GenerateLaunchdPlist(cfg)

	if !strings.Contains(plist, "com.sqlkv.sweep") {
		t.Fatal("plist does not contain label com.sqlkv.sweep")
	}
}

func TestGenerateLaunchdPlist_ContainsEnvironment(t *testing.T) {
	cfg := testServiceConfig()
	plist := GenerateLaunchdPlist(cfg)

	if !strings.Contains(plist, "SQLKV_DB") {
		t.Fatal("plist does not contain SQLKV_DB environment variable")
	}
	if !strings.Contains(plist, cfg.DBPath) {
		t.Fatalf("plist does not contain db path %q", cfg.DBPath)
	}
	if !strings.Contains(plist, "SQLKV_SWEEP_INTERVAL") {
		t.Fatal("plist does not contain SQLKV_SWEEP_INTERVAL environment variable")
	}
}

func TestGenerateLaunchdPlist_ContainsKeepAlive(t *testing.T) {
	cfg := testServiceConfig()
	plist := GenerateLaunchdPlist(cfg)

	if !strings.Contains(plist, "<key>KeepAlive</key>") {
		t.Fatal("plist does not contain KeepAlive key")
	}
	if !strings.Contains(plist, "<key>RunAtLoad</key>") {
		t.Fatal("plist does not contain RunAtLoad key")
	}
}

func TestGenerateLaunchdPlist_ContainsLogPaths(t *testing.T) {
	cfg := testServiceConfig()
	plist := GenerateLaunchdPlist(cfg)

	if !strings.Contains(plist, "StandardOutPath") {
		t.Fatal("plist does not contain StandardOutPath")
	}
	if !strings.Contains(plist, "StandardErrorPath") {
		t.Fatal("plist does not contain StandardErrorPath")
	}
	if !strings.Contains(plist, "sweep.log") {
		t.Fatal("plist does not contain sweep.log")
	}
	if !strings.Contains(plist, "sweep.err") {
		t.Fatal("plist does not contain sweep.err")
	}
}

func TestGenerateSystemdUnit_ContainsExecStart(t *testing.T) {
	cfg := testServiceConfig()
	unit := GenerateSystemdUnit(cfg)

	if !strings.Contains(unit, "ExecStart="+cfg.BinaryPath+" sweep run") {
		t.Fatalf("unit does not contain ExecStart with sweep run command")
	}
}

func TestGenerateSystemdUnit_ContainsDataDir(t *testing.T) {
	cfg := testServiceConfig()
	unit := GenerateSystemdUnit(cfg)

	if !strings.Contains(unit, "WorkingDirectory="+cfg.DataDir) {
		t.Fatalf("unit does not contain WorkingDirectory=%s", cfg.DataDir)
	}
}

func TestGenerateSystemdUnit_ContainsRestart(t *testing.T) {
	cfg := testServiceConfig()
	unit := GenerateSystemdUnit(cfg)

	if !strings.Contains(unit, "Restart=on-failure") {
		t.Fatal("unit does not contain Restart=on-failure")
	}
}

func TestGenerateSystemdUnit_NoNetworkDependency(t *testing.T) {
	cfg := testServiceConfig()
	unit := GenerateSystemdUnit(cfg)

	// The sweeper only touches a local file; it must not wait on the network.
	if strings.Contains(unit, "network-online.target") {
		t.Fatal("unit should not depend on network-online.target")
	}
}

func TestGenerateSystemdUnit_ContainsEnvironment(t *testing.T) {
	cfg := testServiceConfig()
	unit := GenerateSystemdUnit(cfg)

	if !strings.Contains(unit, "Environment=SQLKV_DATA="+cfg.DataDir) {
		t.Fatal("unit does not contain SQLKV_DATA environment variable")
	}
	if !strings.Contains(unit, "Environment=SQLKV_DB="+cfg.DBPath) {
		t.Fatal("unit does not contain SQLKV_DB environment variable")
	}
	if !strings.Contains(unit, "Environment=SQLKV_SWEEP_INTERVAL="+cfg.Interval) {
		t.Fatal("unit does not contain SQLKV_SWEEP_INTERVAL environment variable")
	}
}

func TestServiceConfig_Roundtrip(t *testing.T) {
	cfg := testServiceConfig()

	plist := GenerateLaunchdPlist(cfg)
	if plist == "" {
		t.Fatal("GenerateLaunchdPlist returned empty string")
	}

	unit := GenerateSystemdUnit(cfg)
	if unit == "" {
		t.Fatal("GenerateSystemdUnit returned empty string")
	}

	// Both should be substantial documents.
	if len(plist) < 100 {
		t.Fatalf("plist too short: %d bytes", len(plist))
	}
	if len(unit) < 100 {
		t.Fatalf("unit too short: %d bytes", len(unit))
	}
}
