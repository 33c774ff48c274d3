package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/cogno/internal/config"
	"github.com/msageha/cogno/internal/daemon"
	"github.com/msageha/cogno/internal/events"
	"github.com/msageha/cogno/internal/model"
	"github.com/msageha/cogno/internal/setup"
	"github.com/msageha/cogno/internal/status"
	"github.com/msageha/cogno/internal/uds"
	yamlutil "github.com/msageha/cogno/internal/yaml"
)

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

type cli struct {
	dataDir string
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "cogno",
		Short:         "Working memory reconciliation for notes and chats",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.dataDir, "data-dir", "", "path to the .cogno directory (default: search upwards from cwd)")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 5*time.Minute, "how long to wait for the daemon")

	root.AddCommand(
		c.setupCmd(),
		c.daemonCmd(),
		c.pingCmd(),
		c.statusCmd(),
		c.auditCmd(),
		c.stopCmd(),
		c.processCmd(),
		c.reactCmd(),
		c.memoryCmd(),
		c.syncCmd(),
		c.memberCmd(),
		c.noteCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Show version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "cogno %s\n", daemon.Version)
			},
		},
	)
	return root
}

func (c *cli) resolveDataDir() (string, error) {
	if c.dataDir != "" {
		return filepath.Abs(c.dataDir)
	}
	if dir := config.FindDataDir(); dir != "" {
		return dir, nil
	}
	return "", fmt.Errorf("%s/ directory not found. Run 'cogno setup <dir>' first", config.DirName)
}

// call sends one command to the daemon and prints the JSON result.
func (c *cli) call(cmd *cobra.Command, command string, params any) error {
	dataDir, err := c.resolveDataDir()
	if err != nil {
		return err
	}
	client := uds.NewClient(filepath.Join(dataDir, uds.DefaultSocketName))
	client.SetTimeout(c.timeout)

	var out json.RawMessage
	if err := client.Call(command, params, &out); err != nil {
		var detail *uds.ErrorDetail
		if errors.As(err, &detail) {
			code := 1
			if detail.Code == uds.ErrCodeShuttingDown {
				code = 2
			}
			return &exitError{code: code, err: fmt.Errorf("%s failed [%s]: %s", command, detail.Code, detail.Message)}
		}
		return fmt.Errorf("%s: %w", command, err)
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	out, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

func (c *cli) setupCmd() *cobra.Command {
	var opts setup.Options
	cmd := &cobra.Command{
		Use:   "setup <project_dir>",
		Short: "Initialize a .cogno/ directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := setup.Run(args[0], opts)
			if err != nil {
				return fmt.Errorf("setup: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s\n", base)
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.Force, "force", false, "rewrite config.yaml of an existing directory (old one kept as .bak)")
	cmd.Flags().StringVar(&opts.Driver, "driver", "", "store driver: sqlite, postgres or memory")
	return cmd
}

func (c *cli) daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			dataDir, err := c.resolveDataDir()
			if err != nil {
				return err
			}
			d, err := daemon.New(dataDir)
			if err != nil {
				return fmt.Errorf("create daemon: %w", err)
			}
			return d.Run()
		},
	}
}

func (c *cli) pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the daemon is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd, uds.CommandPing, nil)
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon state, pending inbox files and the last snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dataDir, err := c.resolveDataDir()
			if err != nil {
				return err
			}
			return status.Run(dataDir, cmd.OutOrStdout(), jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
	return cmd
}

func (c *cli) auditCmd() *cobra.Command {
	var (
		verify bool
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Print the most recent run records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dataDir, err := c.resolveDataDir()
			if err != nil {
				return err
			}
			records, bad, err := events.ReadRecords(daemon.AuditLogPath(dataDir), verify)
			if err != nil {
				return err
			}
			if limit > 0 && len(records) > limit {
				records = records[len(records)-limit:]
			}
			w := cmd.OutOrStdout()
			for _, r := range records {
				fmt.Fprintf(w, "%s  %-8s  ws=%-4d  %-6s  %-8s  tasks +%d ~%d  notifications +%d -%d ~%d  issues=%d\n",
					r.Timestamp.Format(time.RFC3339), r.RunID[:min(8, len(r.RunID))], r.WorkspaceID, r.Mode, r.Status,
					r.TasksCreated, r.TasksUpdated, r.NotificationsCreated, r.NotificationsDeleted, r.NotificationsUpdated, r.Issues)
			}
			if bad > 0 {
				return fmt.Errorf("%d malformed or tampered records skipped", bad)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "skip records whose checksum does not match")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of records to print (0 for all)")
	return cmd
}

func (c *cli) stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Ask the daemon to shut down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd, uds.CommandShutdown, nil)
		},
	}
}

type processFlags struct {
	workspace int64
	file      string
	mode      string
	noteID    string
	title     string
	text      string
	threadID  string
	message   string
	role      string
}

// buildBatch reads an event_batch file, or builds a one-event batch from flags.
func (f processFlags) buildBatch() (model.EventBatch, error) {
	var batch model.EventBatch
	switch {
	case f.file != "":
		b, err := yamlutil.ReadEventBatch(f.file)
		if err != nil {
			return batch, err
		}
		batch = b
		if f.workspace != 0 {
			batch.WorkspaceID = f.workspace
		}
	case f.noteID != "" && f.threadID != "":
		return batch, fmt.Errorf("--note-id and --thread-id are mutually exclusive")
	case f.noteID != "":
		diff := model.NoteDiff{}
		if f.title != "" {
			diff.Title = &f.title
		}
		if f.text != "" {
			diff.Text = &f.text
		}
		if diff.Title == nil && diff.Text == nil {
			return batch, fmt.Errorf("--note-id needs --title or --text")
		}
		batch = model.EventBatch{WorkspaceID: f.workspace, Events: model.Wrap(model.NoteUpdated{NoteID: f.noteID, Diff: diff})}
	case f.threadID != "":
		if f.message == "" {
			return batch, fmt.Errorf("--thread-id needs --message")
		}
		batch = model.EventBatch{WorkspaceID: f.workspace, Events: model.Wrap(model.ChatMessage{
			ThreadID: f.threadID,
			Diff:     model.ChatDiff{Content: f.message, Role: f.role},
		})}
	default:
		return batch, fmt.Errorf("one of --file, --note-id or --thread-id is required")
	}

	if batch.WorkspaceID <= 0 {
		return batch, fmt.Errorf("--workspace is required")
	}
	switch model.RunMode(f.mode) {
	case "":
		if batch.Mode == "" {
			batch.Mode = model.ModeSingle
		}
	case model.ModeSingle, model.ModeBatch:
		batch.Mode = model.RunMode(f.mode)
	default:
		return batch, fmt.Errorf("--mode must be single or batch, got %q", f.mode)
	}
	return batch, nil
}

func (c *cli) processCmd() *cobra.Command {
	var f processFlags
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run the pipeline for an event batch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			batch, err := f.buildBatch()
			if err != nil {
				return err
			}
			return c.call(cmd, uds.CommandProcess, batch)
		},
	}
	cmd.Flags().Int64Var(&f.workspace, "workspace", 0, "workspace id")
	cmd.Flags().StringVar(&f.file, "file", "", "event_batch YAML file")
	cmd.Flags().StringVar(&f.mode, "mode", "", "single or batch")
	cmd.Flags().StringVar(&f.noteID, "note-id", "", "note id for a note_updated event")
	cmd.Flags().StringVar(&f.title, "title", "", "new note title")
	cmd.Flags().StringVar(&f.text, "text", "", "new note text")
	cmd.Flags().StringVar(&f.threadID, "thread-id", "", "thread id for a chat_message event")
	cmd.Flags().StringVar(&f.message, "message", "", "chat message content")
	cmd.Flags().StringVar(&f.role, "role", "user", "chat message role")
	return cmd
}

func (c *cli) reactCmd() *cobra.Command {
	var (
		text    string
		ignored bool
	)
	cmd := &cobra.Command{
		Use:   "react <notification_id>",
		Short: "Record a reaction to a notification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id int64
			if _, err := fmt.Sscan(args[0], &id); err != nil || id <= 0 {
				return fmt.Errorf("invalid notification id %q", args[0])
			}
			if ignored == (text != "") {
				return fmt.Errorf("exactly one of --text or --ignored is required")
			}
			params := uds.ReactParams{NotificationID: id}
			if !ignored {
				params.ReactionText = &text
			}
			return c.call(cmd, uds.CommandReact, params)
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "reaction text, e.g. done")
	cmd.Flags().BoolVar(&ignored, "ignored", false, "record that the notification was ignored")
	return cmd
}

func (c *cli) memoryCmd() *cobra.Command {
	var workspace int64
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Read or replace a workspace's working memory",
	}
	cmd.PersistentFlags().Int64Var(&workspace, "workspace", 0, "workspace id")

	get := &cobra.Command{
		Use:   "get",
		Short: "Print the working memory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd, uds.CommandMemoryGet, uds.MemoryParams{WorkspaceID: workspace})
		},
	}

	var file string
	put := &cobra.Command{
		Use:   "put",
		Short: "Replace the working memory with a file (- for stdin)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				data []byte
				err  error
			)
			if file == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(file)
			}
			if err != nil {
				return fmt.Errorf("read memory content: %w", err)
			}
			return c.call(cmd, uds.CommandMemoryPut, uds.MemoryParams{WorkspaceID: workspace, Content: string(data)})
		},
	}
	put.Flags().StringVar(&file, "file", "-", "markdown file with the new content")

	cmd.AddCommand(get, put)
	return cmd
}

func (c *cli) syncCmd() *cobra.Command {
	var lookback int
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Poll recent note versions and reactions now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd, uds.CommandSync, uds.SyncParams{LookbackMin: lookback})
		},
	}
	cmd.Flags().IntVar(&lookback, "lookback", 0, "minutes to look back (default sync.lookback_min)")
	return cmd
}

func (c *cli) memberCmd() *cobra.Command {
	var m model.WorkspaceMember
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a workspace member",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd, uds.CommandMemberPut, m)
		},
	}
	add.Flags().Int64Var(&m.WorkspaceID, "workspace", 0, "workspace id")
	add.Flags().StringVar(&m.Name, "name", "", "display name")
	add.Flags().StringVar(&m.UserID, "user-id", "", "external user id")
	add.Flags().StringVar(&m.Role, "role", "", "member role (default member)")

	cmd := &cobra.Command{Use: "member", Short: "Manage workspace members"}
	cmd.AddCommand(add)
	return cmd
}

func (c *cli) noteCmd() *cobra.Command {
	var (
		p    uds.NotePutParams
		file string
	)
	put := &cobra.Command{
		Use:   "put",
		Short: "Record a new note version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("read note text: %w", err)
				}
				p.Version.Text = string(data)
			}
			return c.call(cmd, uds.CommandNotePut, p)
		},
	}
	put.Flags().Int64Var(&p.Version.WorkspaceID, "workspace", 0, "workspace id")
	put.Flags().StringVar(&p.Version.NoteID, "note-id", "", "note id")
	put.Flags().StringVar(&p.Version.Title, "title", "", "note title")
	put.Flags().StringVar(&p.Version.Text, "text", "", "note text")
	put.Flags().StringVar(&file, "file", "", "read the note text from a file")
	put.Flags().BoolVar(&p.Process, "process", false, "also run the pipeline for this version")

	cmd := &cobra.Command{Use: "note", Short: "Record note versions"}
	cmd.AddCommand(put)
	return cmd
}
