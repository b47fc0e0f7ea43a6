package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"deployline/internal/app"
	"deployline/internal/config"
	"deployline/internal/deployment"
	"deployline/internal/engine"
	"deployline/internal/logging"
	"deployline/internal/protocol"
	"deployline/internal/repo"
	"deployline/internal/server"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "dl",
	Short: "Deployline CLI",
	Long: `Deployline deploys study protocols onto participant devices.
Core concepts:
- Protocol: the study blueprint listing device roles, tasks, triggers and task controls.
- Deployment: one running copy of a protocol for a group of participants.
- Primary devices (phones, browsers) receive a deployment package; connected devices (straps, beacons) are reached through them.
- Registration: binding a physical device to a role; connected devices can be preregistered.
- Deployed: a primary device confirms the package it runs by its stamp; a changed registration makes older stamps stale.
- Event log: every change, view with 'dl log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DEPLOYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "log engine activity to stderr")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(deploymentCmd())
	rootCmd.AddCommand(deviceCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(tokenCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a workspace with a default deployline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			created, err := app.Init(cmd.Context(), workspace)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"workspace": workspace, "config_created": created})
			}
			if created {
				fmt.Printf("Initialized workspace %s (edit %s to configure)\n", workspace, config.Path(workspace))
			} else {
				fmt.Printf("Workspace %s already has %s; database migrated\n", workspace, config.FileName)
			}
			return nil
		},
	}
}

func deploymentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deployment",
		Aliases: []string{"dep"},
		Short:   "Manage study deployments",
	}
	cmd.AddCommand(deploymentCreateCmd())
	cmd.AddCommand(deploymentListCmd())
	cmd.AddCommand(deploymentStatusCmd())
	cmd.AddCommand(deploymentStopCmd())
	cmd.AddCommand(deploymentRemoveCmd())
	return cmd
}

func deploymentCreateCmd() *cobra.Command {
	var id, protocolPath, preregPath string
	var assign []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a deployment from a protocol file",
		Long: `Create a deployment from a YAML or JSON protocol file.
Participants are assigned with --assign participant=role[,role...]. Without
--assign a single participant receives every primary device.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			bp, err := protocol.LoadFile(protocolPath)
			if err != nil {
				return err
			}
			assignments, err := parseAssignments(assign, bp)
			if err != nil {
				return err
			}
			prereg := map[string]deployment.DeviceRegistration{}
			if preregPath != "" {
				if prereg, err = loadPreregistrations(preregPath); err != nil {
					return err
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				status, err := e.CreateDeployment(ctx, engine.CreateOptions{
					ID:               id,
					Blueprint:        bp,
					Assignments:      assignments,
					Preregistrations: prereg,
					ActorID:          viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printStatus(status)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "deployment id (generated when empty)")
	cmd.Flags().StringVarP(&protocolPath, "protocol", "p", "", "protocol file (.yml, .yaml or .json)")
	cmd.Flags().StringArrayVar(&assign, "assign", nil, "participant=role[,role...] (repeatable)")
	cmd.Flags().StringVar(&preregPath, "preregister", "", "YAML file mapping connected roles to registrations")
	_ = cmd.MarkFlagRequired("protocol")
	return cmd
}

func deploymentListCmd() *cobra.Command {
	var limit int
	var cursor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deployments, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ts, id, err := splitCursor(cursor)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListDeployments(ctx, limit, ts, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Protocol", "Status", "Version", "Created"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.ID, d.ProtocolID, d.Status, d.Version, d.CreatedAt})
				}
				tw.Render()
				if len(items) == limit && limit > 0 {
					last := items[len(items)-1]
					fmt.Printf("next: --cursor '%s|%s'\n", last.CreatedAt, last.ID)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of deployments")
	cmd.Flags().StringVar(&cursor, "cursor", "", "resume after created_at|id")
	return cmd
}

func deploymentStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <deployment-id>...",
		Short: "Show deployment status",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if len(args) == 1 {
					status, err := e.GetStatus(ctx, args[0])
					if err != nil {
						return err
					}
					return printStatus(status)
				}
				statuses, err := e.GetStatusList(ctx, args)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(statuses)
				}
				for _, s := range statuses {
					if err := printStatus(s); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func deploymentStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <deployment-id>",
		Short: "Stop a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				status, err := e.Stop(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printStatus(status)
			})
		},
	}
}

func deploymentRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <deployment-id>...",
		Short: "Remove deployments",
		Long:  "Remove deployments and their stored state. Unknown ids are ignored.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				removed, err := e.RemoveDeployments(ctx, args, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"removed": removed})
				}
				fmt.Printf("Removed %d of %d deployment(s)\n", len(removed), len(args))
				for _, id := range removed {
					fmt.Println("  " + id)
				}
				return nil
			})
		},
	}
}

func deviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Register and deploy devices",
	}
	cmd.AddCommand(deviceRegisterCmd())
	cmd.AddCommand(deviceUnregisterCmd())
	cmd.AddCommand(devicePackageCmd())
	cmd.AddCommand(deviceDeployedCmd())
	return cmd
}

func deviceRegisterCmd() *cobra.Command {
	var reg deployment.DeviceRegistration
	var props map[string]string
	cmd := &cobra.Command{
		Use:   "register <deployment-id> <role>",
		Short: "Register a device for a role",
		Example: `  dl device register dep-1 phone --device-id imei-42
  dl device register dep-1 strap --type mac_address --device-id strap-1 --prop mac_address=00:11:22:33:44:55`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(props) > 0 {
				reg.Properties = make(map[string]any, len(props))
				for k, v := range props {
					reg.Properties[k] = v
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				status, err := e.RegisterDevice(ctx, args[0], args[1], reg, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printStatus(status)
			})
		},
	}
	cmd.Flags().StringVar(&reg.DeviceID, "device-id", "", "physical device id")
	cmd.Flags().StringVar(&reg.Type, "type", "", "registration type (default, mac_address, altbeacon)")
	cmd.Flags().StringVar(&reg.DisplayName, "name", "", "display name")
	cmd.Flags().StringToStringVar(&props, "prop", nil, "registration property key=value (repeatable)")
	_ = cmd.MarkFlagRequired("device-id")
	return cmd
}

func deviceUnregisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unregister <deployment-id> <role>",
		Short: "Release the device registered for a role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				status, err := e.UnregisterDevice(ctx, args[0], args[1], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printStatus(status)
			})
		},
	}
}

func devicePackageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "package <deployment-id> <role>",
		Short: "Print the deployment package of a primary device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				pkg, err := e.GetDeviceDeployment(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSON(pkg)
			})
		},
	}
}

func deviceDeployedCmd() *cobra.Command {
	var stamp string
	cmd := &cobra.Command{
		Use:   "deployed <deployment-id> <role>",
		Short: "Confirm a device runs the package with the given stamp",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				status, err := e.DeviceDeployed(ctx, args[0], args[1], stamp, viper.GetString("actor-id"))
				if errors.Is(err, deployment.ErrConcurrency) {
					return fmt.Errorf("%w; fetch the package again with 'dl device package %s %s'", err, args[0], args[1])
				}
				if err != nil {
					return err
				}
				return printStatus(status)
			})
		},
	}
	cmd.Flags().StringVar(&stamp, "stamp", "", "stamp of the deployed package")
	_ = cmd.MarkFlagRequired("stamp")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every change to a deployment: creation, registrations, confirmations, stops and removals.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Deployment", "Role", "Actor"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.DeploymentID, evt.RoleName, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.DeploymentID, "deployment", "", "deployment id filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.RoleName, "role", "", "role name filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long: `Start the HTTP API. The JWT secret comes from DEPLOYLINE_JWT_SECRET or
auth.jwt_secret in deployline.yml. Events are published to MQTT and webhooks
when configured.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := app.Open(ctx, app.Options{
				Workspace: viper.GetString("workspace"),
				Version:   version,
				Publish:   true,
			})
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := a.Close(shutdownCtx); err != nil {
					a.Logger.Error("shutdown", "error", err)
				}
			}()

			if addr == "" {
				addr = a.Config.Server.Addr
			}
			if basePath == "" {
				basePath = a.Config.Server.BasePath
			}
			authCfg := server.AuthConfig{
				JWTSecret:              jwtSecret(cmd, a.Config),
				AllowLegacyActorHeader: a.Config.Auth.AllowLegacyActorHeader,
				Logger:                 a.Logger,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("DEPLOYLINE_JWT_SECRET or auth.jwt_secret is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				BasePath: basePath,
				Auth:     authCfg,
				Logger:   a.Logger,
			})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(ctx, a.Engine, a.Logger)

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			a.Logger.Info("serving api", "addr", addr, "base_path", basePath, "webhooks", len(a.Config.Webhooks), "mqtt", a.Config.MQTT.Enabled)
			fmt.Printf("Serving Deployline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default server.base_path)")
	cmd.Flags().String("jwt-secret", "", "HMAC secret for bearer tokens")
	return cmd
}

func keyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage API keys",
	}
	cmd.AddCommand(keyCreateCmd())
	cmd.AddCommand(keyListCmd())
	cmd.AddCommand(keyDeleteCmd())
	return cmd
}

func keyCreateCmd() *cobra.Command {
	var name, actor string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the secret is shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, secret, err := e.CreateAPIKey(ctx, actor, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": secret})
				}
				fmt.Printf("API key %s for %s\n", key.ID, key.ActorID)
				fmt.Printf("Secret (store it now, it is not shown again): %s\n", secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as (default --actor-id)")
	return cmd
}

func keyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created", "Last Used"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt, k.LastUsedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor filter")
	return cmd
}

func keyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Bearer tokens",
	}
	cmd.AddCommand(tokenIssueCmd())
	return cmd
}

func tokenIssueCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a bearer token signed with the server JWT secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			if subject == "" {
				subject = viper.GetString("actor-id")
			}
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			secret := jwtSecret(cmd, cfg)
			if secret == "" {
				return fmt.Errorf("DEPLOYLINE_JWT_SECRET or auth.jwt_secret is required")
			}
			token, err := server.IssueToken(secret, subject, ttl, time.Now())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"token": token, "subject": subject, "expires_in": int(ttl.Seconds())})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "actor id carried by the token (default --actor-id)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().String("jwt-secret", "", "HMAC secret for bearer tokens")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	opts := app.Options{
		Workspace: viper.GetString("workspace"),
		Version:   version,
	}
	if !viper.GetBool("verbose") {
		opts.Logger = logging.New(config.LoggingConfig{Level: "warn", Format: "text"}, version)
	}
	a, err := app.Open(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	return fn(ctx, a.Engine)
}

// jwtSecret prefers --jwt-secret, then DEPLOYLINE_JWT_SECRET, then the config.
func jwtSecret(cmd *cobra.Command, cfg *config.Config) string {
	if s, _ := cmd.Flags().GetString("jwt-secret"); s != "" {
		return s
	}
	if s := viper.GetString("jwt-secret"); s != "" {
		return s
	}
	return cfg.Auth.JWTSecret
}

// parseAssignments turns participant=role,role flags into assignments.
func parseAssignments(flags []string, bp protocol.Blueprint) ([]deployment.ParticipantAssignment, error) {
	if len(flags) == 0 {
		var roles []string
		for _, d := range bp.PrimaryDevices() {
			roles = append(roles, d.RoleName)
		}
		return []deployment.ParticipantAssignment{{ParticipantID: "participant-1", PrimaryDeviceRoleNames: roles}}, nil
	}
	out := make([]deployment.ParticipantAssignment, 0, len(flags))
	for _, f := range flags {
		participant, roleList, ok := strings.Cut(f, "=")
		participant = strings.TrimSpace(participant)
		if !ok || participant == "" || strings.TrimSpace(roleList) == "" {
			return nil, fmt.Errorf("invalid --assign %q, want participant=role[,role...]", f)
		}
		var roles []string
		for _, r := range strings.Split(roleList, ",") {
			if r = strings.TrimSpace(r); r != "" {
				roles = append(roles, r)
			}
		}
		out = append(out, deployment.ParticipantAssignment{ParticipantID: participant, PrimaryDeviceRoleNames: roles})
	}
	return out, nil
}

type registrationFile struct {
	Type        string         `yaml:"type"`
	DeviceID    string         `yaml:"device_id"`
	DisplayName string         `yaml:"device_display_name"`
	Properties  map[string]any `yaml:"properties"`
}

func loadPreregistrations(path string) (map[string]deployment.DeviceRegistration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]registrationFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid preregistration file %s: %w", path, err)
	}
	out := make(map[string]deployment.DeviceRegistration, len(raw))
	for role, r := range raw {
		out[role] = deployment.DeviceRegistration{
			Type:        r.Type,
			DeviceID:    r.DeviceID,
			DisplayName: r.DisplayName,
			Properties:  r.Properties,
		}
	}
	return out, nil
}

func splitCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	ts, id, ok := strings.Cut(cursor, "|")
	if !ok || ts == "" || id == "" {
		return "", "", fmt.Errorf("invalid cursor %q, want created_at|id", cursor)
	}
	return ts, id, nil
}

func printStatus(s deployment.Status) error {
	if viper.GetBool("json") {
		return printJSON(s)
	}
	fmt.Printf("Deployment %s: %s\n", s.DeploymentID, s.Kind)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Role", "Type", "Primary", "Status", "Can Deploy", "Waiting For"})
	devices := append([]deployment.DeviceStatus(nil), s.Devices...)
	sort.SliceStable(devices, func(i, j int) bool {
		return devices[i].Device.IsPrimary && !devices[j].Device.IsPrimary
	})
	for _, d := range devices {
		waiting := strings.Join(d.RemainingToObtainDeployment, ",")
		tw.AppendRow(table.Row{d.Device.RoleName, d.Device.Type, d.Device.IsPrimary, d.Kind, d.CanBeDeployed, waiting})
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
