package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/dalejefferson/CodingIDE-sub002/internal/logbuf"
	"github.com/dalejefferson/CodingIDE-sub002/pkg/protocol"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Control the coding agent for a ticket",
	}

	start := &cobra.Command{
		Use:   "start <id>",
		Short: "Start the agent for an in_progress ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			body, err := apiDo(http.MethodPost, "/api/tickets/"+args[0]+"/run", nil)
			if err != nil {
				return err
			}
			printJSON(body)
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status <id>",
		Short: "Show the current run for a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			body, err := apiGet("/api/tickets/" + args[0] + "/run")
			if err != nil {
				return err
			}
			printJSON(body)
			return nil
		},
	}

	stop := &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop the agent, waiting for it to exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if _, err := apiDo(http.MethodDelete, "/api/tickets/"+args[0]+"/run", nil); err != nil {
				return err
			}
			fmt.Println("stopped", args[0])
			return nil
		},
	}

	output := &cobra.Command{
		Use:   "output <id>",
		Short: "Print the agent's buffered output",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			body, err := apiGet("/api/tickets/" + args[0] + "/run/output")
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(body)
			return err
		},
	}

	cmd.AddCommand(start, status, stop, output)
	return cmd
}

func newLogsCommand() *cobra.Command {
	var (
		level     string
		ticket    string
		component string
		since     time.Duration
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent daemon log entries",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			q := url.Values{}
			q.Set("limit", strconv.Itoa(limit))
			if level != "" {
				q.Set("level", level)
			}
			if ticket != "" {
				q.Set("ticket", ticket)
			}
			if component != "" {
				q.Set("component", component)
			}
			if since > 0 {
				q.Set("since", strconv.FormatInt(time.Now().Add(-since).UnixMilli(), 10))
			}
			body, err := apiGet("/api/logs?" + q.Encode())
			if err != nil {
				return err
			}
			var entries []logbuf.Entry
			if err := json.Unmarshal(body, &entries); err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("%s %-5s %-12s %s", e.Time.Local().Format("15:04:05.000"), e.Level, e.Component, e.Message)
				if e.Ticket != "" {
					fmt.Printf(" ticket=%s", e.Ticket)
				}
				for k, v := range e.Attrs {
					fmt.Printf(" %s=%v", k, v)
				}
				fmt.Println()
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&level, "level", "l", "", "minimum level (debug, info, warn, error)")
	f.StringVarP(&ticket, "ticket", "t", "", "only entries for this ticket")
	f.StringVarP(&component, "component", "c", "", "only entries from this component")
	f.DurationVar(&since, "since", 0, "only entries newer than this, e.g. 10m")
	f.IntVarP(&limit, "limit", "n", 200, "max entries")
	return cmd
}

func newWatchCommand() *cobra.Command {
	var ticket string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream ticket and run events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			target, err := eventsURL(ticket)
			if err != nil {
				return err
			}
			header := http.Header{}
			if key := os.Getenv("CODING_API_KEY"); key != "" {
				header.Set("Authorization", "Bearer "+key)
			}
			conn, resp, err := websocket.DefaultDialer.Dial(target, header)
			if err != nil {
				if resp != nil {
					return fmt.Errorf("connect %s: HTTP %d", target, resp.StatusCode)
				}
				return fmt.Errorf("connect %s: %w", target, err)
			}
			defer conn.Close()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sig
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				conn.Close()
			}()

			for {
				var ev protocol.Event
				if err := conn.ReadJSON(&ev); err != nil {
					if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
						return nil
					}
					return fmt.Errorf("event stream: %w", err)
				}
				printEvent(ev)
			}
		},
	}
	cmd.Flags().StringVarP(&ticket, "ticket", "t", "", "only events for this ticket")
	return cmd
}

func printEvent(ev protocol.Event) {
	ts := ev.Time.Local().Format("15:04:05")
	switch {
	case ev.Run != nil:
		r := ev.Run
		fmt.Printf("%s %-18s %s phase=%s activity=%s iter=%d agents=%d\n",
			ts, ev.Type, ev.TicketID, r.Phase, r.Activity, r.IterationCount, r.AgentCount)
	case ev.Ticket != nil:
		fmt.Printf("%s %-18s %s status=%s %q\n", ts, ev.Type, ev.TicketID, ev.Ticket.Status, ev.Ticket.Title)
	default:
		fmt.Printf("%s %-18s %s\n", ts, ev.Type, ev.TicketID)
	}
}
