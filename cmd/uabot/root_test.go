package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/uaserver/uabot/pkg/config"
	"github.com/uaserver/uabot/pkg/logger"
)

func TestVersionCmd(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	if err := root.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.HasPrefix(out.String(), "uabot "+version) {
		t.Fatalf("version output = %q", out.String())
	}
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uabot.yaml")
	body := "logging:\n  level: error\n  format: text\nagent:\n  reply_prefix: \"bot: \"\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Cleanup(func() {
		_ = logger.Configure(os.Stderr, "text")
		logger.SetLevel(logger.INFO)
	})

	cmd := newGatewayCmd()
	cmd.Flags().String("config", path, "")
	cmd.Flags().String("log-level", "debug", "")
	cmd.Flags().String("log-format", "", "")

	cfg, err := loadConfig(cmd)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.Agent.ReplyPrefix != "bot: " {
		t.Fatalf("ReplyPrefix = %q", cfg.Agent.ReplyPrefix)
	}
	if cfg.Logging.Level != "debug" || logger.GetLevel() != logger.DEBUG {
		t.Fatalf("log level = %q / %v", cfg.Logging.Level, logger.GetLevel())
	}
}

func TestConsoleConfig_DefaultPrompt(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Channels.Console.Prompt = ""
	if got := consoleConfig(cfg).Prompt; got != "you> " {
		t.Fatalf("Prompt = %q", got)
	}
}
