// Command mmrelay bridges a Meshtastic mesh radio to a Matrix chat room.
// Grounded on the teacher's absence of its own cmd/ entrypoint and
// pantalk-pantalk/cmd/pantalkctl's pflag-based CLI wiring.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/event"

	"github.com/mmrelay/mmrelay/internal/admin"
	"github.com/mmrelay/mmrelay/internal/config"
	"github.com/mmrelay/mmrelay/internal/health"
	"github.com/mmrelay/mmrelay/internal/matrix"
	"github.com/mmrelay/mmrelay/internal/mesh"
	"github.com/mmrelay/mmrelay/internal/plugin"
	_ "github.com/mmrelay/mmrelay/internal/plugin/builtin"
	"github.com/mmrelay/mmrelay/internal/prefix"
	"github.com/mmrelay/mmrelay/internal/queue"
	"github.com/mmrelay/mmrelay/internal/relay"
	"github.com/mmrelay/mmrelay/internal/store"
)

// version is set via -ldflags at build time; "dev" otherwise.
var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "mmrelay:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("mmrelay", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to config.yaml")
	logFile := flags.String("logfile", "", "override logging.filename")
	showVersion := flags.Bool("version", false, "print version and exit")
	generateConfig := flags.Bool("generate-config", false, "write a default config.yaml and exit")
	installService := flags.Bool("install-service", false, "print systemd unit install instructions and exit")
	checkConfig := flags.Bool("check-config", false, "validate the config file and exit")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if *showVersion {
		fmt.Println("mmrelay", version)
		return nil
	}
	if *generateConfig {
		return writeDefaultConfig(*configPath)
	}
	if *installService {
		printServiceInstructions()
		return nil
	}

	bootLogger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg, err := config.Load(*configPath, bootLogger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *logFile != "" {
		cfg.Logging.Filename = *logFile
		cfg.Logging.LogToFile = true
	}

	if *checkConfig {
		fmt.Println("config is valid")
		return nil
	}

	logger, closeLog, err := buildLogger(cfg.Logging, bootLogger)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer closeLog()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("shutdown signal received")
		cancel()
	}()

	return runRelay(ctx, cancel, cfg, logger)
}

func runRelay(ctx context.Context, shutdown context.CancelFunc, cfg *config.Config, logger zerolog.Logger) error {
	if cfg.CredentialsPath == "" {
		if p := defaultCredentialsPath(); fileExists(p) {
			cfg.CredentialsPath = p
		}
	}
	homeserver, userID, accessToken, deviceID := resolveMatrixAuth(cfg, logger)

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = "mmrelay.db"
	}
	st, err := store.Open(dbPath, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	formatter := prefix.New(logger)

	meshClient := mesh.New(mesh.Config{
		Conn: mesh.ConnConfig{
			Type:       mesh.ConnectionType(cfg.Meshtastic.ConnectionType),
			SerialPort: cfg.Meshtastic.SerialPort,
			Host:       cfg.Meshtastic.Host,
			BLEAddress: cfg.Meshtastic.BLEAddress,
		},
		HeartbeatEnabled:  cfg.Meshtastic.HealthCheck.Enabled,
		HeartbeatInterval: time.Duration(cfg.Meshtastic.HealthCheck.HeartbeatInterval) * time.Second,
	}, logger)

	rooms := make([]matrix.RoomMapping, 0, len(cfg.MatrixRooms))
	for _, r := range cfg.MatrixRooms {
		rooms = append(rooms, matrix.RoomMapping{ID: r.ID, MeshtasticChannel: r.MeshtasticChannel})
	}

	session, err := matrix.New(ctx, matrix.Config{
		Homeserver:    homeserver,
		UserID:        userID,
		AccessToken:   accessToken,
		DeviceID:      deviceID,
		E2EEEnabled:   cfg.Matrix.E2EE.Enabled,
		E2EEStorePath: cfg.Matrix.E2EE.StorePath,
		Rooms:         rooms,
		BotStartTime:  time.Now(),
	}, logger)
	if err != nil {
		return fmt.Errorf("create matrix session: %w", err)
	}

	q := queue.New(queue.Config{
		Delay:     time.Duration(cfg.Meshtastic.MessageDelay * float64(time.Second)),
		Probe:     meshClient,
		Persister: relay.NewPersister(st, cfg.Meshtastic.MeshnetName),
		PruneFunc: func(ctx context.Context) {
			if err := st.Prune(ctx, cfg.Database.MsgMap.MsgsToKeep); err != nil {
				logger.Warn().Err(err).Msg("failed to prune message map")
			}
		},
	}, logger)

	relayCfg := relay.Config{
		LocalMeshnet:           cfg.Meshtastic.MeshnetName,
		BroadcastEnabled:       cfg.Meshtastic.BroadcastEnabled,
		DetectionSensorEnabled: cfg.Meshtastic.DetectionSensor,
		ReactionsEnabled:       cfg.Meshtastic.MessageInteractions.Reactions,
		RepliesEnabled:         cfg.Meshtastic.MessageInteractions.Replies,
		MeshPrefixEnabled:      cfg.Meshtastic.PrefixEnabled,
		MeshPrefixFormat:       cfg.Meshtastic.PrefixFormat,
		MatrixPrefixEnabled:    cfg.Matrix.PrefixEnabled,
		MatrixPrefixFormat:     cfg.Matrix.PrefixFormat,
		MsgsToKeep:             cfg.Database.MsgMap.MsgsToKeep,
		BotUserID:              userID,
	}

	r := relay.New(relayCfg, st, meshClient, session, q, formatter, nil, logger)

	dispatcher, err := buildDispatcher(r, logger)
	if err != nil {
		return fmt.Errorf("build plugin dispatcher: %w", err)
	}
	r = relay.New(relayCfg, st, meshClient, session, q, formatter, dispatcher, logger)

	meshClient.OnReceive(r.HandleMeshPacket)

	var adminHandler *admin.Handler
	if cfg.Admin.Enabled {
		adminHandler = admin.New(admin.Config{
			Enabled:       cfg.Admin.Enabled,
			CommandPrefix: cfg.Admin.CommandPrefix,
			AllowList:     cfg.Admin.AllowList,
			Rooms:         cfg.Admin.Rooms,
		}, r, shutdown, logger)
	}

	if err := meshClient.Connect(ctx); err != nil {
		return fmt.Errorf("connect to mesh radio: %w", err)
	}
	defer meshClient.Close()

	if err := session.Start(ctx, func(evtCtx context.Context, evt *event.Event) {
		if adminHandler != nil && adminHandler.HandleEvent(evtCtx, evt) {
			return
		}
		r.HandleMatrixEvent(evtCtx, evt)
	}); err != nil {
		return fmt.Errorf("start matrix session: %w", err)
	}
	defer session.Stop()

	q.Start(ctx)

	var healthSrv *health.Server
	if cfg.Health.Enabled {
		healthSrv = health.New(cfg.Health.Port, r, logger)
		go func() {
			if err := healthSrv.Start(ctx); err != nil {
				logger.Error().Err(err).Msg("health server stopped")
			}
		}()
	}

	logger.Info().Msg("mmrelay running")
	<-ctx.Done()
	logger.Info().Msg("mmrelay shutting down")
	if healthSrv != nil {
		_ = healthSrv.Shutdown(context.Background())
	}
	return nil
}

func buildDispatcher(host plugin.Host, logger zerolog.Logger) (*plugin.Dispatcher, error) {
	var plugins []plugin.Plugin
	for _, name := range []string{"ping", "nodes"} {
		p, err := plugin.New(name, host, nil)
		if err != nil {
			return nil, err
		}
		plugins = append(plugins, p)
	}
	return plugin.NewDispatcher(plugins, logger), nil
}

// defaultCredentialsPath returns the platform-specific base directory for
// the JSON credentials file (spec §6: "stored at a platform-specific base
// directory").
func defaultCredentialsPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base, err = os.UserHomeDir()
		if err != nil {
			return ""
		}
		base = filepath.Join(base, ".config")
	}
	return filepath.Join(base, "mmrelay", "credentials.json")
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// resolveMatrixAuth prefers the credentials file over legacy inline config
// (spec §6: "Preferred over legacy inline auth when present").
func resolveMatrixAuth(cfg *config.Config, logger zerolog.Logger) (homeserver, userID, accessToken, deviceID string) {
	if cfg.CredentialsPath != "" {
		creds, err := matrix.LoadCredentials(cfg.CredentialsPath)
		if err == nil {
			return creds.Homeserver, creds.UserID, creds.AccessToken, creds.DeviceID
		}
		logger.Warn().Err(err).Msg("failed to load credentials file, falling back to inline config")
	}
	return cfg.Matrix.Homeserver, cfg.Matrix.BotUserID, cfg.Matrix.AccessToken, ""
}

func writeDefaultConfig(path string) error {
	if path == "" {
		path = "config.yaml"
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	defaultCfg := defaultConfigTemplate()
	data, err := yaml.Marshal(defaultCfg)
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	fmt.Println("wrote default config to", path)
	return nil
}

func printServiceInstructions() {
	fmt.Println("Create /etc/systemd/system/mmrelay.service with:")
	fmt.Println()
	fmt.Println("  [Unit]")
	fmt.Println("  Description=mmrelay Meshtastic-Matrix bridge")
	fmt.Println()
	fmt.Println("  [Service]")
	fmt.Println("  ExecStart=/usr/local/bin/mmrelay --config /etc/mmrelay/config.yaml")
	fmt.Println("  Restart=always")
	fmt.Println()
	fmt.Println("  [Install]")
	fmt.Println("  WantedBy=multi-user.target")
	fmt.Println()
	fmt.Println("Then: systemctl daemon-reload && systemctl enable --now mmrelay")
}
