package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dalejefferson/CodingIDE-sub002/internal/config"
	"github.com/dalejefferson/CodingIDE-sub002/pkg/protocol"
)

func newHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the daemon is up",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			body, err := apiGet("/api/health")
			if err != nil {
				return err
			}
			printJSON(body)
			return nil
		},
	}
}

func newTicketsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "tickets",
		Aliases: []string{"t"},
		Short:   "List and edit board tickets",
	}

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List tickets in board order",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			path := "/api/tickets"
			if status != "" {
				path += "?status=" + url.QueryEscape(status)
			}
			body, err := apiGet(path)
			if err != nil {
				return err
			}
			var tickets []protocol.Ticket
			if err := json.Unmarshal(body, &tickets); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tORDER\tPRD\tTITLE")
			for _, t := range tickets {
				prd := "-"
				if t.PRD != nil {
					prd = "draft"
					if t.PRD.Approved {
						prd = "approved"
					}
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", t.ID, t.Status, t.Order, prd, t.Title)
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVarP(&status, "status", "s", "", "only this column (backlog, up_next, in_review, in_progress, in_testing, completed)")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Print one ticket as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			body, err := apiGet("/api/tickets/" + args[0])
			if err != nil {
				return err
			}
			printJSON(body)
			return nil
		},
	}

	var req protocol.CreateTicketRequest
	create := &cobra.Command{
		Use:   "create <title>",
		Short: "Create a backlog ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			req.Title = args[0]
			body, err := apiDo(http.MethodPost, "/api/tickets", req)
			if err != nil {
				return err
			}
			printJSON(body)
			return nil
		},
	}
	cf := create.Flags()
	cf.StringVarP(&req.Description, "description", "d", "", "ticket description")
	cf.StringArrayVarP(&req.AcceptanceCriteria, "criterion", "a", nil, "acceptance criterion (repeatable)")
	cf.StringVar(&req.Type, "type", "", "ticket type, e.g. feature or bug")
	cf.StringVar(&req.Priority, "priority", "", "ticket priority")
	cf.StringVar(&req.ProjectID, "project", "", "project id")

	move := &cobra.Command{
		Use:   "move <id> <status>",
		Short: "Transition a ticket; moving to in_progress starts the agent",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			body, err := apiDo(http.MethodPost, "/api/tickets/"+args[0]+"/transition", map[string]string{"status": args[1]})
			if err != nil {
				return err
			}
			printJSON(body)
			return nil
		},
	}

	reorder := &cobra.Command{
		Use:   "reorder <id> <status> <index>",
		Short: "Move a ticket to a position within a column",
		Args:  cobra.ExactArgs(3),
		RunE: func(_ *cobra.Command, args []string) error {
			index, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid index %q", args[2])
			}
			body, err := apiDo(http.MethodPost, "/api/tickets/"+args[0]+"/reorder", map[string]any{"status": args[1], "index": index})
			if err != nil {
				return err
			}
			printJSON(body)
			return nil
		},
	}

	remove := &cobra.Command{
		Use:     "delete <id>",
		Aliases: []string{"rm"},
		Short:   "Delete a ticket",
		Args:    cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if _, err := apiDo(http.MethodDelete, "/api/tickets/"+args[0], nil); err != nil {
				return err
			}
			fmt.Println("deleted", args[0])
			return nil
		},
	}

	worktree := &cobra.Command{
		Use:   "worktree <id> <base-path>",
		Short: "Set the base path and provision the ticket's worktree",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			body, err := apiDo(http.MethodPut, "/api/tickets/"+args[0]+"/worktree", map[string]string{"base_path": args[1]})
			if err != nil {
				return err
			}
			printJSON(body)
			return nil
		},
	}

	var limit int
	runs := &cobra.Command{
		Use:   "runs <id>",
		Short: "Show the run journal for a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			body, err := apiGet(fmt.Sprintf("/api/tickets/%s/runs?limit=%d", args[0], limit))
			if err != nil {
				return err
			}
			var recs []protocol.RunRecord
			if err := json.Unmarshal(body, &recs); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tPHASE\tEXIT\tITER\tSTARTED\tDURATION")
			for _, r := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n", r.ID, r.Phase, r.ExitCode, r.IterationCount,
					r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.EndedAt.Sub(r.StartedAt).Round(time.Second))
			}
			return tw.Flush()
		},
	}
	runs.Flags().IntVarP(&limit, "limit", "n", 20, "max records")

	cleanup := &cobra.Command{
		Use:   "cleanup <id>",
		Short: "Stop the agent and remove the ticket's worktree",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			body, err := apiDo(http.MethodPost, "/api/tickets/"+args[0]+"/cleanup", nil)
			if err != nil {
				return err
			}
			printJSON(body)
			return nil
		},
	}

	cmd.AddCommand(list, show, create, move, reorder, remove, worktree, runs, cleanup)
	return cmd
}

func newPRDCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prd",
		Short: "Manage a ticket's product requirements document",
	}

	var file string
	set := &cobra.Command{
		Use:   "set <id>",
		Short: "Store a PRD from a file (or stdin with -f -)",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var data []byte
			var err error
			if file == "-" {
				data, err = io.ReadAll(os.Stdin)
			} else {
				data, err = os.ReadFile(file)
			}
			if err != nil {
				return err
			}
			body, err := apiDo(http.MethodPut, "/api/tickets/"+args[0]+"/prd", map[string]string{"content": string(data)})
			if err != nil {
				return err
			}
			printJSON(body)
			return nil
		},
	}
	set.Flags().StringVarP(&file, "file", "f", "-", "markdown file")

	generate := &cobra.Command{
		Use:   "generate <id>",
		Short: "Draft a PRD with the configured language model",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			body, err := apiDo(http.MethodPost, "/api/tickets/"+args[0]+"/prd/generate", nil)
			if err != nil {
				return err
			}
			var t protocol.Ticket
			if err := json.Unmarshal(body, &t); err != nil || t.PRD == nil {
				printJSON(body)
				return nil
			}
			fmt.Print(t.PRD.Content)
			return nil
		},
	}

	approve := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve the ticket's current PRD",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if _, err := apiDo(http.MethodPost, "/api/tickets/"+args[0]+"/prd/approve", nil); err != nil {
				return err
			}
			fmt.Println("approved", args[0])
			return nil
		},
	}

	cmd.AddCommand(set, generate, approve)
	return cmd
}

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect daemon configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <path>",
		Short: "Check a config file without starting the daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if _, err := config.Load(args[0]); err != nil {
				return fmt.Errorf("invalid: %w", err)
			}
			fmt.Println("config is valid")
			return nil
		},
	})
	return cmd
}
