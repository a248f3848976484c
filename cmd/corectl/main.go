/*
Copyright 2024 Fleetforge Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command corectl is a thin wiring entrypoint: it parses just enough
// flags to build an Options/GalaxyOptions value, then hands off to
// RunPlaybook or FetchGalaxyArtifact. It is not a CLI framework — no
// output formatting, pattern validation, or interactive prompts live
// here; that surface is a non-goal this repo leaves to a caller.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gravitational/kingpin"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/fleetforge/corectl/galaxy"
	"github.com/fleetforge/corectl/internal/config"
	"github.com/fleetforge/corectl/internal/logutils"
	"github.com/fleetforge/corectl/notify"
	"github.com/fleetforge/corectl/pool"
	"github.com/fleetforge/corectl/telemetry"
)

// globalFlags holds flags shared by every subcommand, mirroring the
// teacher's GlobalCLIFlags grouping.
type globalFlags struct {
	debug      bool
	configFile string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, trace.UserMessage(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	app := kingpin.New("corectl", "Runs playbooks against an inventory over SSH.")

	var gf globalFlags
	app.Flag("debug", "Enable verbose logging to stderr.").BoolVar(&gf.debug)
	app.Flag("config", "Path to a corectl config file (TOML or YAML).").StringVar(&gf.configFile)

	runCmd := app.Command("run", "Run a playbook against an inventory.")
	playbookPath := runCmd.Arg("playbook", "Path to the playbook YAML file.").Required().String()
	inventoryPath := runCmd.Flag("inventory", "Path to the inventory file (falls back to the config file's default.inventory).").Short('i').String()
	limit := runCmd.Flag("limit", "Restrict the run to a host pattern.").Short('l').String()
	tags := runCmd.Flag("tags", "Only run tasks tagged with one of these.").Strings()
	skipTags := runCmd.Flag("skip-tags", "Skip tasks tagged with one of these.").Strings()
	checkMode := runCmd.Flag("check", "Dry-run: report what would change without changing it.").Bool()
	sshUser := runCmd.Flag("user", "Default SSH user for hosts that don't declare one.").Short('u').String()
	sshPort := runCmd.Flag("port", "Default SSH port for hosts that don't declare one.").Default("22").Int()
	identityFile := runCmd.Flag("private-key", "SSH identity file.").ExistingFile()
	connectTimeout := runCmd.Flag("connect-timeout", "Per-attempt SSH connect timeout.").Default("30s").Duration()
	maxRetries := runCmd.Flag("connect-retries", "SSH connect retry attempts.").Default("3").Int()
	vaultPasswordFile := runCmd.Flag("vault-password-file", "File holding the vault passphrase.").ExistingFile()
	forks := runCmd.Flag("forks", "Max hosts to run a task against concurrently (falls back to the config file's defaults.forks).").Int()
	becomeMethod := runCmd.Flag("become-method", "Default privilege-escalation method (sudo, su, doas) for tasks that enable become without naming one.").String()
	becomeUser := runCmd.Flag("become-user", "Default privilege-escalation target user.").String()
	slackWebhook := runCmd.Flag("notify-slack-webhook", "Slack incoming webhook URL for run notifications.").String()
	webhookURL := runCmd.Flag("notify-webhook-url", "Generic webhook URL for run notifications.").String()
	telemetryAgent := runCmd.Flag("telemetry-agent", "OTLP/gRPC collector address (grpc://host:port).").String()
	telemetryDir := runCmd.Flag("telemetry-dir", "Directory to write JSON-line spans to, if no agent is set.").String()

	galaxyCmd := app.Command("galaxy", "Fetch Galaxy collections and roles into the local cache.")
	galaxyInstall := galaxyCmd.Command("install", "Download (or reuse from cache) a collection or role.")
	galaxyKind := galaxyInstall.Flag("type", "\"collection\" or \"role\".").Default("collection").Enum("collection", "role")
	galaxyName := galaxyInstall.Arg("name", "namespace.name of the collection or role.").Required().String()
	galaxyVersion := galaxyInstall.Flag("version", "Pinned version; empty resolves the latest.").String()
	galaxyCacheDir := galaxyInstall.Flag("cache-dir", "Local content-addressed cache directory.").Required().String()
	galaxyServer := galaxyInstall.Flag("server", "Galaxy API server URL.").String()
	galaxyOffline := galaxyInstall.Flag("offline", "Never reach out to the network; cache hits only.").Bool()

	selected, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}

	level := logrus.WarnLevel
	if gf.debug {
		level = logrus.DebugLevel
	}
	logutils.Init(logutils.ForCLI, level)

	cfg, err := loadConfig(gf.configFile)
	if err != nil {
		return trace.Wrap(err)
	}

	switch selected {
	case runCmd.FullCommand():
		inventory := orDefault(*inventoryPath, cfg.Defaults.Inventory, "")
		if inventory == "" {
			return trace.BadParameter("no inventory given: pass --inventory or set defaults.inventory in the config file")
		}
		opts := Options{
			PlaybookPath:      *playbookPath,
			InventoryPath:     inventory,
			Limit:             *limit,
			Tags:              *tags,
			SkipTags:          *skipTags,
			CheckMode:         *checkMode,
			SSHUser:           orDefault(*sshUser, cfg.SSH.User, ""),
			SSHPort:           intOrDefault(*sshPort, cfg.SSH.Port, 22),
			IdentityFile:      orDefault(*identityFile, cfg.SSH.KeyFile, ""),
			ConnectTimeout:    *connectTimeout,
			MaxRetries:        *maxRetries,
			VaultPasswordFile: orDefault(*vaultPasswordFile, cfg.Vault.PasswordFile, ""),
			Forks:             intOrDefault(*forks, cfg.Defaults.Forks, 0),
			Connection: pool.Config{
				MaxConnectionsPerHost: cfg.Connection.MaxPerHost,
				MinConnectionsPerHost: cfg.Connection.MinPerHost,
				MaxTotalConnections:   cfg.Connection.MaxTotal,
				IdleTimeout:           time.Duration(cfg.Connection.IdleTimeoutSec) * time.Second,
				HealthCheckInterval:   time.Duration(cfg.Connection.HealthCheckSec) * time.Second,
				HealthCheckTimeout:    time.Duration(cfg.Connection.HealthCheckTimeout) * time.Second,
			},
			BecomeMethod: orDefault(*becomeMethod, cfg.PrivilegeEscalation.Method, ""),
			BecomeUser:   orDefault(*becomeUser, cfg.PrivilegeEscalation.User, ""),
			Notify: notify.Config{
				Slack:           slackConfig(*slackWebhook),
				Webhook:         webhookConfig(*webhookURL),
				NotifyOnSuccess: true,
				NotifyOnFailure: true,
			},
			Telemetry: telemetry.Config{
				ServiceName: "corectl",
				AgentAddr:   *telemetryAgent,
				Directory:   *telemetryDir,
			},
		}
		return runPlaybookCmd(ctx, opts)

	case galaxyInstall.FullCommand():
		kind := galaxy.KindCollection
		if *galaxyKind == "role" {
			kind = galaxy.KindRole
		}
		return galaxyInstallCmd(ctx, GalaxyOptions{
			CacheDir:  *galaxyCacheDir,
			ServerURL: *galaxyServer,
			Offline:   *galaxyOffline,
			Kind:      kind,
			Name:      *galaxyName,
			Version:   *galaxyVersion,
		})

	default:
		return trace.BadParameter("unknown command %q", selected)
	}
}

func runPlaybookCmd(ctx context.Context, opts Options) error {
	recap, err := RunPlaybook(ctx, opts)
	if err != nil {
		return trace.Wrap(err)
	}

	for _, host := range recap.SortedHosts() {
		stats := recap.Hosts[host]
		fmt.Printf("%-32s : ok=%-3d changed=%-3d unreachable=%-3d failed=%-3d skipped=%-3d\n",
			host, stats.OK, stats.Changed, stats.Unreachable, stats.Failed, stats.Skipped)
	}

	if code := recap.ExitCode(); code != 0 {
		os.Exit(code)
	}
	return nil
}

func galaxyInstallCmd(ctx context.Context, opts GalaxyOptions) error {
	artifact, err := FetchGalaxyArtifact(ctx, opts)
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("%s.%s %s -> %s\n", opts.Name, artifact.Version, opts.Kind, artifact.Path)
	return nil
}

func loadConfig(explicitPath string) (config.Config, error) {
	userCfg := ""
	if home, err := os.UserHomeDir(); err == nil {
		userCfg = home + "/.corectl.toml"
	}
	return config.Load("CORECTL", "/etc/corectl/config.toml", userCfg, explicitPath)
}

func slackConfig(webhookURL string) *notify.SlackConfig {
	if webhookURL == "" {
		return nil
	}
	return &notify.SlackConfig{WebhookURL: webhookURL}
}

func webhookConfig(url string) *notify.WebhookConfig {
	if url == "" {
		return nil
	}
	return &notify.WebhookConfig{URL: url, Method: "POST", VerifySSL: true}
}

func orDefault(value, fallback, zero string) string {
	if value != zero {
		return value
	}
	return fallback
}

func intOrDefault(value, fallback, zero int) int {
	if value != zero {
		return value
	}
	if fallback != 0 {
		return fallback
	}
	return value
}
