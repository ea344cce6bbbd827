package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"crewline/internal/chat"
	"crewline/internal/config"
	"crewline/internal/crm"
	"crewline/internal/db"
	"crewline/internal/engine"
	"crewline/internal/events"
	"crewline/internal/repo"
	"crewline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "crew",
	Short: "Crewline reconciles CRM field-service activities into crew channels",
	Long: `Crewline listens to change notifications from the record system,
resolves which crew owns each scheduled activity, keeps the activity label
stable, and publishes idempotent channel posts for the crews working today.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CREWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(teamsCmd())
	rootCmd.AddCommand(postsCmd())
	rootCmd.AddCommand(linkCmd())
	rootCmd.AddCommand(logCmd())
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage configuration"}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default crewline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate crewline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook and admin API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := db.Migrate(conn); err != nil {
				return err
			}
			e := buildEngine(cfg)
			e.Events = events.Writer{DB: conn}
			handler, err := server.New(server.Config{
				Engine:        e,
				Repo:          repo.Repo{DB: conn},
				BasePath:      basePath,
				Auth:          server.AuthConfig{JWTSecret: cfg.API.JWTSecret},
				WebhookSecret: cfg.Webhook.Secret,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Crewline on http://%s%s (webhook at /hooks/crm)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8484", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "admin API base path")
	return cmd
}

func runCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Reconcile all open activities once",
		Long:  "One pass over every open activity: today with --days 0, the look-ahead date with --days N.",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := db.Migrate(conn); err != nil {
				return err
			}
			e := buildEngine(cfg)
			e.Events = events.Writer{DB: conn}
			n, err := e.RunForDate(cmd.Context(), days)
			if err != nil {
				return err
			}
			fmt.Printf("reconciled %d activities for %s\n", n, e.TargetDate(days))
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "days ahead of today to target")
	return cmd
}

func teamsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "teams", Short: "Configured crews"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List crews and their channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg.Teams)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Name", "Channel"})
			for _, t := range cfg.Teams {
				channel := t.Channel
				if channel == "" {
					channel = "(unrouted)"
				}
				tw.AppendRow(table.Row{t.ID, t.Name, channel})
			}
			tw.Render()
			return nil
		},
	})
	cmd.AddCommand(teamsCheckCmd())
	cmd.AddCommand(teamsInviteCmd())
	return cmd
}

// teamsCheckCmd verifies that every routed team's channel actually exists on
// the messaging platform.
func teamsCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify configured channels exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			chatClient := chat.New(cfg.Chat.BaseURL, cfg.Chat.Token)
			channels, err := chatClient.ListChannels(cmd.Context())
			if err != nil {
				return err
			}
			known := make(map[string]bool, len(channels))
			for _, ch := range channels {
				known[ch.ID] = true
			}
			missing := 0
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Name", "Channel", "Status"})
			for _, t := range cfg.Teams {
				status := "ok"
				switch {
				case t.Channel == "":
					status = "unrouted"
				case !known[t.Channel]:
					status = "missing"
					missing++
				}
				tw.AppendRow(table.Row{t.ID, t.Name, t.Channel, status})
			}
			tw.Render()
			if missing > 0 {
				return fmt.Errorf("%d configured channels not found", missing)
			}
			return nil
		},
	}
}

func teamsInviteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "invite <channel> <email>",
		Short: "Invite a member to a crew channel by email",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			chatClient := chat.New(cfg.Chat.BaseURL, cfg.Chat.Token)
			member, err := chatClient.MemberByEmail(cmd.Context(), args[1])
			if err != nil {
				return err
			}
			if err := chatClient.Invite(cmd.Context(), args[0], []string{member}); err != nil {
				return err
			}
			fmt.Printf("invited %s to %s\n", args[1], args[0])
			return nil
		},
	}
}

func postsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "posts", Short: "Tracked channel posts"}
	cmd.AddCommand(postsListCmd())
	return cmd
}

// postsListCmd queries a running server: tracked posts are volatile engine
// state and only the serving process knows them.
func postsListCmd() *cobra.Command {
	var serverURL, token string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tracked posts from a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet,
				strings.TrimRight(serverURL, "/")+"/v0/posts", nil)
			if err != nil {
				return err
			}
			if token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server returned %s", resp.Status)
			}
			var posts []struct {
				ActivityID string `json:"activity_id"`
				Record     struct {
					Channel     string   `json:"channel"`
					MessageID   string   `json:"message_id"`
					Attachments []string `json:"attachments"`
				} `json:"record"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&posts); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(posts)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Activity", "Channel", "Message", "Attachments"})
			for _, p := range posts {
				tw.AppendRow(table.Row{p.ActivityID, p.Record.Channel, p.Record.MessageID, len(p.Record.Attachments)})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:8484", "server base URL")
	cmd.Flags().StringVar(&token, "token", "", "admin API bearer token")
	return cmd
}

func linkCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "link", Short: "Signed completion links"}
	cmd.AddCommand(linkSignCmd())
	cmd.AddCommand(linkVerifyCmd())
	return cmd
}

func linkSignCmd() *cobra.Command {
	var aid, did, cid string
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Build a signed completion link",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if aid == "" {
				return fmt.Errorf("--aid is required")
			}
			e := buildEngine(cfg)
			fmt.Println(e.Signer.CompleteURL(aid, did, cid))
			return nil
		},
	}
	cmd.Flags().StringVar(&aid, "aid", "", "activity id")
	cmd.Flags().StringVar(&did, "did", "", "deal id")
	cmd.Flags().StringVar(&cid, "cid", "", "channel id")
	return cmd
}

func linkVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <url>",
		Short: "Verify a completion link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			parsed, err := url.Parse(args[0])
			if err != nil {
				return err
			}
			q := parsed.Query()
			e := buildEngine(cfg)
			if !e.Signer.Verify(q.Get("aid"), q.Get("did"), q.Get("cid"), q.Get("exp"), q.Get("sig")) {
				return fmt.Errorf("signature invalid")
			}
			if e.Signer.Expired(q.Get("exp")) {
				return fmt.Errorf("link expired")
			}
			fmt.Println("link ok")
			return nil
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Audit log",
		Long:  "The diary of pipeline decisions: dedups, renames, publishes, retractions.",
	}
	cmd.AddCommand(logTailCmd())
	cmd.AddCommand(logShowCmd())
	return cmd
}

func logShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one audit event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid event id %q", args[0])
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				evt, err := r.Event(ctx, id)
				if errors.Is(err, repo.ErrNotFound) {
					return fmt.Errorf("event %d not found", id)
				}
				if err != nil {
					return err
				}
				return printJSON(evt)
			})
		},
	}
}

func logTailCmd() *cobra.Command {
	var n int
	var activityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				var err error
				var evts any
				if activityID != "" {
					evts, err = r.ActivityEvents(ctx, activityID)
				} else {
					evts, err = r.TailEvents(ctx, n)
				}
				if err != nil {
					return err
				}
				return printJSON(evts)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&activityID, "activity-id", "", "activity id filter")
	return cmd
}

// --- helpers ---

func buildEngine(cfg *config.Config) *engine.Engine {
	crmClient := crm.New(cfg.CRM.BaseURL, cfg.CRM.Token)
	chatClient := chat.New(cfg.Chat.BaseURL, cfg.Chat.Token)
	return engine.New(cfg, crmClient, chatClient)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := db.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
